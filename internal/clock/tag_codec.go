package clock

import (
	"math"

	"github.com/cockroachdb/errors"

	"regionkv/internal/wire"
)

const (
	tagHasMember  = 0x01
	tagGateway    = 0x02
	tagPersistent = 0x04
)

// Encode writes the tag. When includeMember is false the member ID is left
// for the caller to transmit separately.
func (t *VersionTag) Encode(w *wire.Writer, includeMember bool) {
	var flags byte
	withMember := includeMember && !t.MemberID.IsNull()
	if withMember {
		flags |= tagHasMember
	}
	if t.IsGatewayTag {
		flags |= tagGateway
	}
	if t.IsPersistent {
		flags |= tagPersistent
	}
	w.Byte(flags)
	w.Uvarint(uint64(t.EntryVersion))
	w.Uvarint(t.RegionVersion)
	w.Varint(t.Timestamp)
	if withMember {
		w.String(string(t.MemberID))
	}
}

// DecodeTag reads a tag written by Encode.
func DecodeTag(r *wire.Reader) (*VersionTag, error) {
	flags, err := r.Byte()
	if err != nil {
		return nil, err
	}
	t := &VersionTag{
		IsGatewayTag: flags&tagGateway != 0,
		IsPersistent: flags&tagPersistent != 0,
	}
	ev, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if ev > math.MaxUint32 {
		return nil, errors.Newf("entry version %d out of range", ev)
	}
	t.EntryVersion = uint32(ev)
	if t.RegionVersion, err = r.Uvarint(); err != nil {
		return nil, err
	}
	if t.Timestamp, err = r.Varint(); err != nil {
		return nil, err
	}
	if flags&tagHasMember != 0 {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		t.MemberID = MemberID(s)
	}
	return t, nil
}
