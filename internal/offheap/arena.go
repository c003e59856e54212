package offheap

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"regionkv/internal/kverrors"
)

// ErrOutOfMemory is returned when an allocation would exceed capacity.
var ErrOutOfMemory = errors.New("off-heap arena exhausted")

// Token identifies the owner of a retained reference.
type Token uint64

// Arena accounts for the bytes held by live chunks.
type Arena struct {
	capacity int64
	used     atomic.Int64
	tokens   atomic.Uint64
	live     atomic.Int64
}

// NewArena creates an arena. A non-positive capacity means unbounded.
func NewArena(capacity int64) *Arena {
	return &Arena{capacity: capacity}
}

// NewToken returns a fresh ownership token.
func (a *Arena) NewToken() Token {
	return Token(a.tokens.Add(1))
}

// Used returns the bytes held by live chunks.
func (a *Arena) Used() int64 { return a.used.Load() }

// Capacity returns the configured capacity, or 0 when unbounded.
func (a *Arena) Capacity() int64 { return a.capacity }

// LiveChunks returns the number of chunks not yet freed.
func (a *Arena) LiveChunks() int64 { return a.live.Load() }

// Allocate copies data into a new chunk and returns the first reference to
// it, owned by owner.
func (a *Arena) Allocate(owner Token, data []byte) (*Ref, error) {
	size := int64(len(data))
	if a.capacity > 0 && a.used.Add(size) > a.capacity {
		a.used.Add(-size)
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %d bytes (used %d of %d)", size, a.used.Load(), a.capacity)
	} else if a.capacity <= 0 {
		a.used.Add(size)
	}
	a.live.Add(1)
	c := &chunk{arena: a, data: append(make([]byte, 0, len(data)), data...)}
	c.refs.Store(1)
	return &Ref{chunk: c, owner: owner}, nil
}

type chunk struct {
	arena *Arena
	data  []byte
	refs  atomic.Int32
}

func (c *chunk) free() {
	c.arena.used.Add(-int64(len(c.data)))
	c.arena.live.Add(-1)
	c.data = nil
}

// Ref is one retained reference to a chunk.
type Ref struct {
	chunk *chunk
	owner Token

	mu       sync.Mutex
	released bool
}

// Owner returns the token that must be presented to release the reference.
func (r *Ref) Owner() Token { return r.owner }

// Retain adds a reference to the same chunk for a new owner. It fails if
// this reference was already released.
func (r *Ref) Retain(owner Token) (*Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, kverrors.ErrReleasedValue
	}
	for {
		n := r.chunk.refs.Load()
		if n <= 0 {
			return nil, kverrors.ErrReleasedValue
		}
		if r.chunk.refs.CompareAndSwap(n, n+1) {
			break
		}
	}
	return &Ref{chunk: r.chunk, owner: owner}, nil
}

// Bytes returns the chunk contents. The slice is only valid while the
// reference is held.
func (r *Ref) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, kverrors.ErrReleasedValue
	}
	return r.chunk.data, nil
}

// Size returns the chunk size in bytes.
func (r *Ref) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return 0
	}
	return len(r.chunk.data)
}

// Release drops the reference. Releasing twice is a no-op. The chunk is
// freed when its last reference is released.
func (r *Ref) Release(owner Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner != r.owner {
		return errors.Wrapf(kverrors.ErrNotOwner, "release by %d of reference owned by %d", owner, r.owner)
	}
	if r.released {
		return nil
	}
	r.released = true
	if r.chunk.refs.Add(-1) == 0 {
		r.chunk.free()
	}
	return nil
}

// Released reports whether the reference has been released.
func (r *Ref) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
