// Package event defines the unit of change applied to a region: the
// Operation table, globally unique EventIDs, the EntryEvent with its
// retained old and new values, delta application, and the tracker used to
// suppress events a member has already applied.
//
// EntryEvent owns the value references it retains. Release must run on
// every exit path; it is idempotent and later reads fail with
// kverrors.ErrReleasedValue.
package event
