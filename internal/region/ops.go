package region

import (
	"context"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/kverrors"
	"regionkv/internal/putall"
)

// localThreadID is the event thread for single-key writes made directly
// on a region.
const localThreadID = 1

// Put writes key on this member only and returns the tag it was stored
// under.
func (r *Region) Put(ctx context.Context, key string, value []byte) (*clock.VersionTag, error) {
	if value == nil {
		return nil, errors.Newf("nil value for %q", key)
	}
	if r.memory.IsCritical() {
		return nil, kverrors.ForKey(key, kverrors.ErrLowMemory)
	}
	return r.applyLocal(ctx, key, event.OpCreate, value)
}

// Destroy removes key on this member only.
func (r *Region) Destroy(ctx context.Context, key string) (*clock.VersionTag, error) {
	return r.applyLocal(ctx, key, event.OpDestroy, nil)
}

// Invalidate drops key's value on this member but keeps its version.
func (r *Region) Invalidate(ctx context.Context, key string) (*clock.VersionTag, error) {
	return r.applyLocal(ctx, key, event.OpInvalidate, nil)
}

func (r *Region) applyLocal(ctx context.Context, key string, op event.Operation, value []byte) (*clock.VersionTag, error) {
	id, err := r.ids.Reserve(localThreadID, 1)
	if err != nil {
		return nil, err
	}
	ev := event.New(r.policy, key, op)
	defer ev.Release()
	ev.ID = id
	if value != nil {
		if err := ev.SetNewValue(value); err != nil {
			return nil, err
		}
	}
	ack, notify, err := r.apply(ctx, ev, r.member, 0)
	if r.observe != nil {
		if err != nil {
			r.observe(putall.StatusFailed)
		} else {
			r.observe(ack.Status)
		}
	}
	if err != nil {
		return nil, err
	}
	if notify {
		r.dispatch(ev)
	}
	if ack.Status == putall.StatusStale {
		return ack.Tag, kverrors.ForKey(key, kverrors.ErrStaleVersion)
	}
	return ack.Tag, nil
}
