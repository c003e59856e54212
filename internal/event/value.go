package event

import (
	"regionkv/internal/kverrors"
	"regionkv/internal/offheap"
)

// slot holds one retained value: heap bytes or an off-heap reference.
type slot struct {
	heap []byte
	ref  *offheap.Ref
	set  bool
}

func (s *slot) bytes() ([]byte, error) {
	if s.ref != nil {
		return s.ref.Bytes()
	}
	return s.heap, nil
}

func (s *slot) size() int {
	if s.ref != nil {
		return s.ref.Size()
	}
	return len(s.heap)
}

func (s *slot) release(owner offheap.Token) {
	if s.ref != nil {
		// the token always matches: the event retained the reference itself
		_ = s.ref.Release(owner)
	}
	*s = slot{}
}

// OldValueState distinguishes a missing old value from one that was
// deliberately not read.
type OldValueState uint8

const (
	// OldValueUnset means the old value has not been determined yet.
	OldValueUnset OldValueState = iota
	// OldValueAbsent means the entry had no value before the operation.
	OldValueAbsent
	// OldValueNotAvailable means the old value existed but was not read.
	OldValueNotAvailable
	// OldValuePresent means the old value is retained by the event.
	OldValuePresent
)

func (s OldValueState) String() string {
	switch s {
	case OldValueAbsent:
		return "ABSENT"
	case OldValueNotAvailable:
		return "NOT_AVAILABLE"
	case OldValuePresent:
		return "PRESENT"
	default:
		return "UNSET"
	}
}

// ValueSource yields the current value of an entry, retained for owner. A
// source returns exactly one of heap bytes or an off-heap reference.
type ValueSource interface {
	RetainValue(owner offheap.Token) ([]byte, *offheap.Ref, error)
}

// ValueSourceFunc adapts a function to ValueSource.
type ValueSourceFunc func(owner offheap.Token) ([]byte, *offheap.Ref, error)

func (f ValueSourceFunc) RetainValue(owner offheap.Token) ([]byte, *offheap.Ref, error) {
	return f(owner)
}

var errReleased = kverrors.ErrReleasedValue
