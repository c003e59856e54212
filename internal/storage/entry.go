package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/kverrors"
	"regionkv/internal/offheap"
)

// State is the lifecycle state of an entry.
type State uint8

const (
	// StateRemoved marks a placeholder with no value and no version.
	StateRemoved State = iota
	// StateLive holds a value.
	StateLive
	// StateInvalid keeps the key and version but no value.
	StateInvalid
	// StateTombstone records a destroy so older writes are rejected.
	StateTombstone
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "LIVE"
	case StateInvalid:
		return "INVALID"
	case StateTombstone:
		return "TOMBSTONE"
	default:
		return "REMOVED"
	}
}

// Entry is one key of the table. All methods except Key require the entry
// lock, which Store.Lock returns held.
type Entry struct {
	mu       sync.Mutex
	store    *Store
	key      string
	detached bool

	state   State
	heap    []byte
	ref     *offheap.Ref
	tag     *clock.VersionTag
	expires time.Time
}

func (e *Entry) Key() string { return e.key }

// Unlock releases the entry lock. A removed entry is dropped from the
// table first, so later lockers create a fresh one.
func (e *Entry) Unlock() {
	if e.state == StateRemoved && !e.detached {
		e.detached = true
		e.store.entries.Delete(e.key)
	}
	e.mu.Unlock()
}

// State returns the entry state. An expired tombstone reads as removed.
func (e *Entry) State() State {
	if e.state == StateTombstone && !e.store.now().Before(e.expires) {
		return StateRemoved
	}
	return e.state
}

// IsLive reports whether the entry holds a value.
func (e *Entry) IsLive() bool { return e.state == StateLive }

// Exists reports whether the key is known, with or without a value.
func (e *Entry) Exists() bool {
	s := e.State()
	return s == StateLive || s == StateInvalid
}

// Tag returns the entry's version tag, or nil for a removed entry or an
// expired tombstone.
func (e *Entry) Tag() *clock.VersionTag {
	if e.State() == StateRemoved {
		return nil
	}
	return e.tag
}

// Value returns the stored bytes without copying. The slice is valid
// until the entry changes.
func (e *Entry) Value() ([]byte, error) {
	if e.state != StateLive {
		return nil, nil
	}
	if e.ref != nil {
		return e.ref.Bytes()
	}
	return e.heap, nil
}

// RetainValue hands the current value to owner. Off-heap values are
// retained, heap values are copied.
func (e *Entry) RetainValue(owner offheap.Token) ([]byte, *offheap.Ref, error) {
	if e.state != StateLive {
		return nil, nil, nil
	}
	if e.ref != nil {
		ref, err := e.ref.Retain(owner)
		return nil, ref, err
	}
	return append([]byte(nil), e.heap...), nil, nil
}

// SetValue installs b as the live value under tag. In an off-heap store
// the bytes are copied into the arena.
func (e *Entry) SetValue(b []byte, tag *clock.VersionTag) error {
	if b == nil {
		return errors.AssertionFailedf("nil value for key %q", e.key)
	}
	var ref *offheap.Ref
	if e.store.arena != nil {
		var err error
		if ref, err = e.store.arena.Allocate(e.store.token, b); err != nil {
			return errors.Wrapf(err, "storing value of %q", e.key)
		}
		b = nil
	}
	e.install(StateLive, b, ref, tag)
	return nil
}

// AdoptValueRef installs ref as the live value. The reference must be
// owned by the store's token; the entry releases it when replaced.
func (e *Entry) AdoptValueRef(ref *offheap.Ref, tag *clock.VersionTag) error {
	if ref.Owner() != e.store.token {
		return errors.Wrapf(kverrors.ErrNotOwner, "value for %q is owned by %d", e.key, ref.Owner())
	}
	e.install(StateLive, nil, ref, tag)
	return nil
}

// Invalidate drops the value but keeps the key and its version.
func (e *Entry) Invalidate(tag *clock.VersionTag) {
	e.install(StateInvalid, nil, nil, tag)
}

// Destroy turns the entry into a tombstone that expires after the store's
// tombstone TTL. Without a valid tag there is nothing to protect and the
// entry is removed outright.
func (e *Entry) Destroy(tag *clock.VersionTag) {
	if !tag.HasValidVersion() || e.store.tombstoneTTL <= 0 {
		e.install(StateRemoved, nil, nil, nil)
		return
	}
	e.install(StateTombstone, nil, nil, tag)
	e.expires = e.store.now().Add(e.store.tombstoneTTL)
}

func (e *Entry) install(state State, heap []byte, ref *offheap.Ref, tag *clock.VersionTag) {
	if e.ref != nil {
		// the store token owns every reference it holds
		_ = e.ref.Release(e.store.token)
	}
	e.state = state
	e.heap = heap
	e.ref = ref
	e.tag = tag
	e.expires = time.Time{}
}

// Snapshot returns a copy of the entry that stays valid after unlock.
func (e *Entry) Snapshot() (VersionedValue, error) {
	vv := VersionedValue{State: e.State()}
	if vv.State == StateRemoved {
		return vv, nil
	}
	vv.Tag = e.tag.Copy()
	b, err := e.Value()
	if err != nil {
		return VersionedValue{}, err
	}
	if b != nil {
		vv.Value = append([]byte(nil), b...)
	}
	return vv, nil
}

// VersionedValue is a detached copy of an entry.
type VersionedValue struct {
	Value []byte
	Tag   *clock.VersionTag
	State State
}

// Found reports whether the snapshot holds a value.
func (v VersionedValue) Found() bool { return v.State == StateLive }
