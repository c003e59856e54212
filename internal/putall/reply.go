package putall

import (
	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/wire"
)

// Status is a recipient's outcome for one entry.
type Status uint8

const (
	// StatusApplied means the entry was installed.
	StatusApplied Status = iota
	// StatusDuplicate means the event was already applied.
	StatusDuplicate
	// StatusStale means the recipient holds a newer version.
	StatusStale
	// StatusLowMemory means the recipient refused the entry under memory
	// pressure.
	StatusLowMemory
	// StatusFailed means the entry could not be applied.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "APPLIED"
	case StatusDuplicate:
		return "DUPLICATE"
	case StatusStale:
		return "STALE"
	case StatusLowMemory:
		return "LOW_MEMORY"
	default:
		return "FAILED"
	}
}

// Ack is the outcome for one position of a batch.
type Ack struct {
	Status Status
	// Tag is the version the recipient holds for the key afterwards.
	Tag *clock.VersionTag
	// Message describes a failure.
	Message string
}

// Succeeded reports whether the entry is in place on the recipient.
// Stale entries count: the recipient already holds a newer version.
func (a Ack) Succeeded() bool {
	return a.Status == StatusApplied || a.Status == StatusDuplicate || a.Status == StatusStale
}

// Reply carries a recipient's acks, one per batch position.
type Reply struct {
	Member   clock.MemberID
	Critical bool
	Acks     []Ack
}

// NewReply creates a reply with n acks, all failed until set.
func NewReply(member clock.MemberID, n int) *Reply {
	r := &Reply{Member: member, Acks: make([]Ack, n)}
	for i := range r.Acks {
		r.Acks[i].Status = StatusFailed
	}
	return r
}

// MarshalBinary encodes the reply. Tags minted by the replier go out with
// a null member ID.
func (r *Reply) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(16 + 8*len(r.Acks))
	w.String(string(r.Member))
	w.Bool(r.Critical)
	w.Uvarint(uint64(len(r.Acks)))
	for _, a := range r.Acks {
		w.Byte(byte(a.Status))
		w.Bool(a.Tag != nil)
		if a.Tag != nil {
			a.Tag.Encode(w, a.Tag.MemberID != r.Member)
		}
		w.String(a.Message)
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a reply and reconstitutes null member IDs.
func (r *Reply) UnmarshalBinary(data []byte) error {
	rd := wire.NewReader(data)
	member, err := rd.String()
	if err != nil {
		return errors.Wrap(err, "reply member")
	}
	critical, err := rd.Bool()
	if err != nil {
		return errors.Wrap(err, "reply critical flag")
	}
	n, err := rd.Uvarint()
	if err != nil {
		return errors.Wrap(err, "reply size")
	}
	// each ack takes at least three bytes
	if n > uint64(rd.Remaining()) {
		return errors.Wrapf(wire.ErrTruncated, "reply claims %d acks", n)
	}
	acks := make([]Ack, n)
	for i := range acks {
		s, err := rd.Byte()
		if err != nil {
			return errors.Wrapf(err, "ack %d status", i)
		}
		if Status(s) > StatusFailed {
			return errors.Newf("ack %d: unknown status %d", i, s)
		}
		acks[i].Status = Status(s)
		hasTag, err := rd.Bool()
		if err != nil {
			return errors.Wrapf(err, "ack %d", i)
		}
		if hasTag {
			if acks[i].Tag, err = clock.DecodeTag(rd); err != nil {
				return errors.Wrapf(err, "ack %d tag", i)
			}
			acks[i].Tag.ReplaceNullIDs(clock.MemberID(member))
		}
		if acks[i].Message, err = rd.String(); err != nil {
			return errors.Wrapf(err, "ack %d message", i)
		}
	}
	r.Member = clock.MemberID(member)
	r.Critical = critical
	r.Acks = acks
	return nil
}
