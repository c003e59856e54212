package clock

import (
	"fmt"
)

// VersionTag identifies a write's origin and its logical clock position.
type VersionTag struct {
	MemberID      MemberID
	EntryVersion  uint32
	RegionVersion uint64
	Timestamp     int64 // unix millis
	IsGatewayTag  bool
	IsPersistent  bool

	recorded bool
}

// HasValidVersion reports whether the tag carries an authoritative version.
// A tag without one is versionless and must be upgraded before it is
// recorded against an entry.
func (t *VersionTag) HasValidVersion() bool {
	return t != nil && (t.EntryVersion != 0 || t.RegionVersion != 0)
}

// IsRecorded reports whether the tag has been folded into a region version
// vector.
func (t *VersionTag) IsRecorded() bool { return t.recorded }

// SetRecorded marks the tag as folded into a region version vector.
func (t *VersionTag) SetRecorded() { t.recorded = true }

// ReplaceNullIDs substitutes sender for a null member ID. Peers omit their
// own ID from tags they minted.
func (t *VersionTag) ReplaceNullIDs(sender MemberID) {
	if t != nil && t.MemberID.IsNull() {
		t.MemberID = sender
	}
}

// Copy returns a deep copy. The recorded flag is not carried over.
func (t *VersionTag) Copy() *VersionTag {
	if t == nil {
		return nil
	}
	c := *t
	c.recorded = false
	return &c
}

// Equal compares every wire-visible field.
func (t *VersionTag) Equal(o *VersionTag) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.MemberID == o.MemberID &&
		t.EntryVersion == o.EntryVersion &&
		t.RegionVersion == o.RegionVersion &&
		t.Timestamp == o.Timestamp &&
		t.IsGatewayTag == o.IsGatewayTag &&
		t.IsPersistent == o.IsPersistent
}

// WinsTieBreak reports whether t beats o when neither extends the other:
// higher region version, then later timestamp, then the greater member ID.
func (t *VersionTag) WinsTieBreak(o *VersionTag) bool {
	if t.RegionVersion != o.RegionVersion {
		return t.RegionVersion > o.RegionVersion
	}
	if t.Timestamp != o.Timestamp {
		return t.Timestamp > o.Timestamp
	}
	return t.MemberID.Compare(o.MemberID) > 0
}

func (t *VersionTag) String() string {
	if t == nil {
		return "{no tag}"
	}
	s := fmt.Sprintf("{v%d; rv%d; mbr=%s; time=%d", t.EntryVersion, t.RegionVersion, t.MemberID, t.Timestamp)
	if t.IsGatewayTag {
		s += "; gateway"
	}
	if t.IsPersistent {
		s += "; persistent"
	}
	return s + "}"
}
