package repair

import (
	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/kverrors"
)

// Decision is the outcome of reconciling an incoming version.
type Decision int

const (
	// Apply installs the incoming write and adopts its tag.
	Apply Decision = iota
	// RejectStale discards the incoming write.
	RejectStale
	// NeedsFullValue discards an incoming delta; the full value must be
	// fetched from a peer and installed instead.
	NeedsFullValue
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "APPLY"
	case RejectStale:
		return "REJECT_STALE"
	case NeedsFullValue:
		return "NEEDS_FULL_VALUE"
	default:
		return "UNKNOWN"
	}
}

// Reconcile compares the incoming tag with the local one. local is nil when
// the key has no entry and no live tombstone. Member IDs must already be
// reconstituted.
//
// A successor version (entry version exactly one higher) always applies. A
// higher version with a gap applies too, unless it carries a delta. Equal
// versions from different members are settled by VersionTag.WinsTieBreak.
func Reconcile(local, incoming *clock.VersionTag, hasDelta bool) (Decision, error) {
	if !incoming.HasValidVersion() {
		return RejectStale, errors.Wrapf(kverrors.ErrVersionless, "incoming tag %s", incoming)
	}
	if incoming.MemberID.IsNull() {
		return RejectStale, errors.WithAssertionFailure(
			errors.Wrapf(kverrors.ErrUnresolvedMemberID, "incoming tag %s", incoming))
	}
	if !local.HasValidVersion() {
		return Apply, nil
	}
	if local.MemberID.IsNull() {
		return RejectStale, errors.WithAssertionFailure(
			errors.Wrapf(kverrors.ErrUnresolvedMemberID, "local tag %s", local))
	}

	switch {
	case incoming.EntryVersion == local.EntryVersion+1:
		return Apply, nil
	case incoming.EntryVersion > local.EntryVersion:
		if hasDelta {
			return NeedsFullValue, nil
		}
		return Apply, nil
	case incoming.EntryVersion < local.EntryVersion:
		return RejectStale, nil
	}

	if incoming.MemberID == local.MemberID {
		// same writer, same version: a replay
		return RejectStale, nil
	}
	if incoming.WinsTieBreak(local) {
		return Apply, nil
	}
	return RejectStale, nil
}
