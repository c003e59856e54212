package clock

import (
	"strings"

	"github.com/google/uuid"
)

// MemberID identifies the distributed member that produced a version. The
// zero value is the null ID used on the wire for the sender's own writes.
type MemberID string

// NoMember is the null member ID.
const NoMember MemberID = ""

// NewMemberID returns a unique member ID. The name prefix is kept readable
// for logs.
func NewMemberID(name string) MemberID {
	id := uuid.NewString()
	if name == "" {
		return MemberID(id)
	}
	return MemberID(name + "/" + id)
}

// IsNull reports whether the ID still needs to be reconstituted.
func (m MemberID) IsNull() bool { return m == NoMember }

// Name returns the readable prefix of the ID.
func (m MemberID) Name() string {
	s := string(m)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

func (m MemberID) String() string {
	if m.IsNull() {
		return "<null>"
	}
	return string(m)
}

// Compare orders member IDs lexicographically. It is the last step of the
// conflict tie-break.
func (m MemberID) Compare(other MemberID) int {
	return strings.Compare(string(m), string(other))
}
