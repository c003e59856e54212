package kverrors

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrStaleVersion marks a write that lost conflict resolution. It is
	// never surfaced to the original writer.
	ErrStaleVersion = errors.New("stale version rejected")

	// ErrDeltaGap marks a delta that cannot be applied because intermediate
	// versions were missed.
	ErrDeltaGap = errors.New("delta version gap")

	// ErrLowMemory marks a key refused because its owner is above the
	// critical memory threshold.
	ErrLowMemory = errors.New("low memory rejection")

	// ErrReplicaUnavailable marks a key for which every viable owner was
	// unreachable after bounded retries.
	ErrReplicaUnavailable = errors.New("replica unavailable")

	// ErrReplicasOffline is returned when versionless entries could not be
	// routed to any member able to mint versions.
	ErrReplicasOffline = errors.New("replicas offline")

	// ErrDuplicateDelta marks a delta replayed for an event already seen.
	ErrDuplicateDelta = errors.New("duplicate delta application")

	// ErrReleasedValue marks a read of a value after its event released it.
	ErrReleasedValue = errors.New("value already released")

	// ErrVersionless marks an attempt to treat a tag without a valid
	// version as authoritative.
	ErrVersionless = errors.New("versionless tag")

	// ErrUnresolvedMemberID marks a version tag whose member ID was never
	// reconstituted after transmission.
	ErrUnresolvedMemberID = errors.New("unresolved member id")

	// ErrMemberUnreachable marks a transport failure to reach a member.
	ErrMemberUnreachable = errors.New("member unreachable")

	// ErrRegionNotFound marks a request against a region this member does
	// not host.
	ErrRegionNotFound = errors.New("region not found")

	// ErrOutcomeUnknown marks a key whose send timed out. It may or may
	// not have been applied; retry with the same base event ID.
	ErrOutcomeUnknown = errors.New("outcome unknown")

	// ErrNotOwner marks a release attempted with the wrong ownership token.
	ErrNotOwner = errors.New("ownership token mismatch")
)

// KeyError attaches a region key to a failure.
type KeyError struct {
	Key   string
	Cause error
}

func (e *KeyError) Error() string {
	return "key " + e.Key + ": " + e.Cause.Error()
}

// Unwrap exposes the underlying sentinel to errors.Is.
func (e *KeyError) Unwrap() error { return e.Cause }

// ForKey wraps cause with the key it applies to.
func ForKey(key string, cause error) error {
	return &KeyError{Key: key, Cause: cause}
}

// IsRetryable reports whether err should move the send to another owner.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrMemberUnreachable) || errors.Is(err, ErrRegionNotFound)
}
