package event

import (
	"sync"

	"regionkv/internal/clock"
)

type threadKey struct {
	member   string
	threadID int64
}

// bulkOpsPerThread bounds how many bulk operations per thread keep their
// tags.
const bulkOpsPerThread = 16

// bulkTags holds the tags applied by one bulk operation, keyed by
// sequence ID.
type bulkTags struct {
	base int64
	tags map[int64]*clock.VersionTag
}

// Tracker records the highest sequence applied per producing thread.
// Bulk operations are tracked per fake thread ID, so each bucket of a
// batch advances independently.
type Tracker struct {
	mu   sync.RWMutex
	seen map[threadKey]int64
	bulk map[threadKey][]*bulkTags
}

func NewTracker() *Tracker {
	return &Tracker{
		seen: make(map[threadKey]int64),
		bulk: make(map[threadKey][]*bulkTags),
	}
}

// HasSeenEvent reports whether id has already been applied.
func (t *Tracker) HasSeenEvent(id EventID) bool {
	if id.IsZero() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.seen[threadKey{string(id.Member), id.ThreadID}]
	return ok && id.SequenceID <= last
}

// RecordEvent marks id as applied.
func (t *Tracker) RecordEvent(id EventID) {
	if id.IsZero() {
		return
	}
	k := threadKey{string(id.Member), id.ThreadID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.seen[k]; !ok || id.SequenceID > last {
		t.seen[k] = id.SequenceID
	}
}

// RecordBulkTag remembers the tag id was settled under. id belongs to the
// bulk operation whose base sequence is base. The latest bulkOpsPerThread
// operations of each thread are kept, so a replay of one can answer with
// the versions it was first applied at.
func (t *Tracker) RecordBulkTag(base int64, id EventID, tag *clock.VersionTag) {
	if id.IsZero() || !tag.HasValidVersion() {
		return
	}
	k := threadKey{string(id.Member), id.ThreadID}
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := t.bulk[k]
	h := findBulk(ops, base)
	if h == nil {
		if len(ops) == bulkOpsPerThread {
			if base < ops[0].base {
				return
			}
			ops = append(ops[:0], ops[1:]...)
		}
		h = &bulkTags{base: base, tags: make(map[int64]*clock.VersionTag)}
		// ops stay ordered by base
		i := len(ops)
		for i > 0 && ops[i-1].base > base {
			i--
		}
		ops = append(ops, nil)
		copy(ops[i+1:], ops[i:])
		ops[i] = h
		t.bulk[k] = ops
	}
	h.tags[id.SequenceID] = tag.Copy()
}

// BulkTag returns the tag recorded for id within the bulk operation
// starting at base.
func (t *Tracker) BulkTag(base int64, id EventID) (*clock.VersionTag, bool) {
	if id.IsZero() {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := findBulk(t.bulk[threadKey{string(id.Member), id.ThreadID}], base)
	if h == nil {
		return nil, false
	}
	tag, ok := h.tags[id.SequenceID]
	if !ok {
		return nil, false
	}
	return tag.Copy(), true
}

func findBulk(ops []*bulkTags, base int64) *bulkTags {
	for _, h := range ops {
		if h.base == base {
			return h
		}
	}
	return nil
}

// Len returns the number of tracked threads.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}
