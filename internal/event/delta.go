package event

import (
	"github.com/cockroachdb/errors"

	"regionkv/internal/kverrors"
)

// DeltaValue is a decoded value that accepts incremental updates.
type DeltaValue interface {
	ApplyDelta(delta []byte) error
	MarshalBinary() ([]byte, error)
	// ForceRecalculateSize reports whether the value's size may have
	// changed in a way the encoded length does not reflect.
	ForceRecalculateSize() bool
}

// Sizer is implemented by delta values that estimate their own memory cost.
type Sizer interface {
	SizeInBytes() int
}

// DeltaCodec decodes stored values into DeltaValues.
type DeltaCodec interface {
	Decode(b []byte) (DeltaValue, error)
}

// DeltaCodecFunc adapts a function to DeltaCodec.
type DeltaCodecFunc func(b []byte) (DeltaValue, error)

func (f DeltaCodecFunc) Decode(b []byte) (DeltaValue, error) { return f(b) }

// SeenChecker reports whether an event was already applied.
type SeenChecker interface {
	HasSeenEvent(id EventID) bool
}

// ApplyDelta applies the event's delta bytes to base and installs the
// result as the new value. A delta for an event already seen fails with
// kverrors.ErrDuplicateDelta. A missing base fails with kverrors.ErrDeltaGap
// so the caller can fetch the full value instead.
func (e *EntryEvent) ApplyDelta(base []byte, seen SeenChecker) error {
	if e.delta == nil {
		return errors.AssertionFailedf("event for %q has no delta", e.Key)
	}
	if seen != nil && seen.HasSeenEvent(e.ID) {
		return errors.Wrapf(kverrors.ErrDuplicateDelta, "%s for key %q", e.ID, e.Key)
	}
	if base == nil {
		return errors.Wrapf(kverrors.ErrDeltaGap, "no base value for key %q", e.Key)
	}
	if e.policy.Deltas == nil {
		return errors.AssertionFailedf("region has no delta codec for key %q", e.Key)
	}
	v, err := e.policy.Deltas.Decode(base)
	if err != nil {
		return errors.Wrapf(err, "decoding base value of %q", e.Key)
	}
	if err := v.ApplyDelta(e.delta); err != nil {
		return errors.Wrapf(err, "applying delta to %q", e.Key)
	}
	out, err := v.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "encoding value of %q", e.Key)
	}
	if err := e.SetNewValue(out); err != nil {
		return err
	}
	if s, ok := v.(Sizer); ok && (v.ForceRecalculateSize() || len(out) != len(base)) {
		e.newValueSize = s.SizeInBytes()
	}
	return nil
}
