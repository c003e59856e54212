package storage

import (
	"time"

	"github.com/zhangyunhao116/skipmap"

	"regionkv/internal/offheap"
)

// Store is the ordered entry table of one region.
type Store struct {
	entries      *skipmap.FuncMap[string, *Entry]
	arena        *offheap.Arena
	token        offheap.Token
	tombstoneTTL time.Duration
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithArena keeps values off-heap in a.
func WithArena(a *offheap.Arena) Option {
	return func(s *Store) { s.arena = a }
}

// WithTombstoneTTL sets how long destroyed entries keep their version.
func WithTombstoneTTL(d time.Duration) Option {
	return func(s *Store) { s.tombstoneTTL = d }
}

// WithClock replaces the wall clock used for tombstone expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty table.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: skipmap.NewFunc[string, *Entry](func(a, b string) bool {
			return a < b
		}),
		tombstoneTTL: 10 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.arena != nil {
		s.token = s.arena.NewToken()
	}
	return s
}

// Token returns the token the store owns off-heap values with.
func (s *Store) Token() offheap.Token { return s.token }

// OffHeap reports whether values live in an arena.
func (s *Store) OffHeap() bool { return s.arena != nil }

// Lock returns the entry for key with its lock held, creating a removed
// placeholder if the key is unknown. The caller must call Entry.Unlock.
func (s *Store) Lock(key string) *Entry {
	for {
		e, ok := s.entries.Load(key)
		if !ok {
			e, _ = s.entries.LoadOrStore(key, &Entry{store: s, key: key})
		}
		e.mu.Lock()
		if e.detached {
			// lost a race with the holder that removed it
			e.mu.Unlock()
			continue
		}
		return e
	}
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key string) (VersionedValue, error) {
	e, ok := s.entries.Load(key)
	if !ok {
		return VersionedValue{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached {
		return VersionedValue{}, nil
	}
	return e.Snapshot()
}

// Range calls fn for each key in order with a copy of its entry. Removed
// entries and expired tombstones are skipped.
func (s *Store) Range(fn func(key string, v VersionedValue) bool) error {
	var err error
	s.entries.Range(func(key string, e *Entry) bool {
		e.mu.Lock()
		var (
			vv      VersionedValue
			snapErr error
		)
		if !e.detached {
			vv, snapErr = e.Snapshot()
		}
		e.mu.Unlock()
		if snapErr != nil {
			err = snapErr
			return false
		}
		if vv.State == StateRemoved {
			return true
		}
		return fn(key, vv)
	})
	return err
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	n := 0
	_ = s.Range(func(_ string, v VersionedValue) bool {
		if v.Found() {
			n++
		}
		return true
	})
	return n
}

// PurgeTombstones removes expired tombstones and returns how many it
// dropped.
func (s *Store) PurgeTombstones() int {
	var expired []string
	now := s.now()
	s.entries.Range(func(key string, e *Entry) bool {
		e.mu.Lock()
		if e.state == StateTombstone && !now.Before(e.expires) {
			expired = append(expired, key)
		}
		e.mu.Unlock()
		return true
	})
	n := 0
	for _, key := range expired {
		e := s.Lock(key)
		if e.State() == StateRemoved && e.state == StateTombstone {
			e.install(StateRemoved, nil, nil, nil)
			n++
		}
		e.Unlock()
	}
	return n
}

// Close releases every off-heap value held by the store.
func (s *Store) Close() {
	s.entries.Range(func(key string, e *Entry) bool {
		e.mu.Lock()
		if e.ref != nil {
			_ = e.ref.Release(s.token)
			e.ref = nil
		}
		e.mu.Unlock()
		return true
	})
}
