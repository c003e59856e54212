package event

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/wire"
)

// MaxThreadID is the largest originating thread ID. The bits above it are
// used to encode a bucket ID into fake thread IDs.
const MaxThreadID = 1<<32 - 1

// EventID is unique per producing member, thread and sequence.
type EventID struct {
	Member     clock.MemberID
	ThreadID   int64
	SequenceID int64
}

// IsZero reports whether the ID is unset.
func (id EventID) IsZero() bool {
	return id.Member.IsNull() && id.ThreadID == 0 && id.SequenceID == 0
}

// At derives the ID of the entry at index in a batch whose base is id.
func (id EventID) At(index int) EventID {
	return EventID{Member: id.Member, ThreadID: id.ThreadID, SequenceID: id.SequenceID + int64(index)}
}

// WithBucket rewrites the thread ID into a fake thread ID for bucketID. An
// ID that already carries a fake thread ID is returned unchanged.
func (id EventID) WithBucket(bucketID int) EventID {
	if IsFakeThreadID(id.ThreadID) {
		return id
	}
	id.ThreadID = FakeThreadID(bucketID, id.ThreadID)
	return id
}

func (id EventID) String() string {
	if IsFakeThreadID(id.ThreadID) {
		b, t := DecodeFakeThreadID(id.ThreadID)
		return fmt.Sprintf("EventID[%s;bucket=%d;thread=%d;seq=%d]", id.Member, b, t, id.SequenceID)
	}
	return fmt.Sprintf("EventID[%s;thread=%d;seq=%d]", id.Member, id.ThreadID, id.SequenceID)
}

// FakeThreadID encodes bucketID into the high 32 bits of threadID. Bucket
// IDs are offset by one so bucket 0 is distinguishable from a plain ID.
func FakeThreadID(bucketID int, threadID int64) int64 {
	return int64(bucketID+1)<<32 | (threadID & MaxThreadID)
}

// IsFakeThreadID reports whether threadID carries an encoded bucket.
func IsFakeThreadID(threadID int64) bool {
	return threadID>>32 != 0
}

// DecodeFakeThreadID reverses FakeThreadID. A plain thread ID decodes to
// bucket -1.
func DecodeFakeThreadID(threadID int64) (bucketID int, originalThreadID int64) {
	if !IsFakeThreadID(threadID) {
		return -1, threadID
	}
	return int(threadID>>32) - 1, threadID & MaxThreadID
}

// Encode writes the ID.
func (id EventID) Encode(w *wire.Writer) {
	w.String(string(id.Member))
	w.Varint(id.ThreadID)
	w.Varint(id.SequenceID)
}

// DecodeEventID reads an ID written by Encode.
func DecodeEventID(r *wire.Reader) (EventID, error) {
	var id EventID
	m, err := r.String()
	if err != nil {
		return id, err
	}
	id.Member = clock.MemberID(m)
	if id.ThreadID, err = r.Varint(); err != nil {
		return id, err
	}
	if id.SequenceID, err = r.Varint(); err != nil {
		return id, err
	}
	return id, nil
}

// Generator hands out event IDs for one member. Each thread has its own
// sequence.
type Generator struct {
	member clock.MemberID

	mu   sync.Mutex
	seqs map[int64]int64
}

func NewGenerator(member clock.MemberID) *Generator {
	return &Generator{member: member, seqs: make(map[int64]int64)}
}

// Reserve returns the base ID of n consecutive sequence numbers on thread.
func (g *Generator) Reserve(threadID int64, n int) (EventID, error) {
	if threadID <= 0 || threadID > MaxThreadID {
		return EventID{}, errors.Newf("thread id %d out of range", threadID)
	}
	if n <= 0 {
		n = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	base := g.seqs[threadID] + 1
	g.seqs[threadID] = base + int64(n) - 1
	return EventID{Member: g.member, ThreadID: threadID, SequenceID: base}, nil
}
