package coordinator

import (
	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/kverrors"
	"regionkv/internal/putall"
)

// Entry is one key of a put-all.
type Entry struct {
	Key   string
	Value []byte
	// Destroy removes the key instead of writing Value.
	Destroy bool
	// Delta is applied to the key's current value instead of writing
	// Value. The region decodes values with its delta codec.
	Delta []byte
	// Tag carries an authoritative version minted elsewhere. Rows with a
	// tag skip version minting.
	Tag *clock.VersionTag
}

// Options tune a single put-all.
type Options struct {
	// BaseEventID replays a batch whose outcome was unknown. Owners that
	// already applied it answer as duplicates.
	BaseEventID   event.EventID
	CallbackArg   []byte
	SkipCallbacks bool
}

// Applied is a key accepted by its owners.
type Applied struct {
	Key    string
	Tag    *clock.VersionTag
	Status putall.Status
}

// Rejection is a key refused by its owners. Err wraps a kverrors sentinel.
type Rejection struct {
	Key string
	Err error
}

// Result is the outcome of a put-all, keys in batch order.
type Result struct {
	BaseEventID event.EventID
	Applied     []Applied
	Rejections  []Rejection
	// Unknown keys may or may not have been applied: a send timed out, or
	// some owners hold the key while another refused it. Replaying the
	// batch with BaseEventID settles them.
	Unknown []string

	unknownErrs []error
	fatal       error
}

// Complete reports whether every key was applied.
func (r *Result) Complete() bool {
	return r.fatal == nil && len(r.Rejections) == 0 && len(r.Unknown) == 0
}

// Err returns nil for a complete result, the fatal error if the batch
// failed as a whole, and otherwise an error joining every per-key failure.
func (r *Result) Err() error {
	if r.fatal != nil {
		return r.fatal
	}
	if r.Complete() {
		return nil
	}
	errs := make([]error, 0, len(r.Rejections)+len(r.Unknown))
	for _, rej := range r.Rejections {
		errs = append(errs, rej.Err)
	}
	for i := range r.Unknown {
		errs = append(errs, r.unknownErr(i))
	}
	return errors.Wrapf(errors.Join(errs...), "%d of %d keys not applied",
		len(errs), len(errs)+len(r.Applied))
}

// UnknownCause returns why key's outcome is unknown, or nil when it is
// not. The error always matches kverrors.ErrOutcomeUnknown.
func (r *Result) UnknownCause(key string) error {
	for i, k := range r.Unknown {
		if k == key {
			return r.unknownErr(i)
		}
	}
	return nil
}

func (r *Result) unknownErr(i int) error {
	if i < len(r.unknownErrs) && r.unknownErrs[i] != nil {
		return errors.Mark(r.unknownErrs[i], kverrors.ErrOutcomeUnknown)
	}
	return kverrors.ForKey(r.Unknown[i], kverrors.ErrOutcomeUnknown)
}

// Rejected returns the rejection for key, if any.
func (r *Result) Rejected(key string) (Rejection, bool) {
	for _, rej := range r.Rejections {
		if rej.Key == key {
			return rej, true
		}
	}
	return Rejection{}, false
}

type outcomeState uint8

const (
	pending outcomeState = iota
	applied
	rejected
	unknown
)

// outcome is the state of one root position. Each position is written by
// the single goroutine sending its bucket.
type outcome struct {
	state  outcomeState
	status putall.Status
	tag    *clock.VersionTag
	err    error
}
