package putall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionkv/internal/clock"
)

func TestReply_RoundTripRestoresReplierID(t *testing.T) {
	r := NewReply("m2", 3)
	r.Critical = true
	r.Acks[0] = Ack{Status: StatusApplied, Tag: &clock.VersionTag{MemberID: "m2", EntryVersion: 4, RegionVersion: 9}}
	r.Acks[1] = Ack{Status: StatusStale, Tag: &clock.VersionTag{MemberID: "m1", EntryVersion: 7, RegionVersion: 3}}

	b, err := r.MarshalBinary()
	require.NoError(t, err)

	var got Reply
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, clock.MemberID("m2"), got.Member)
	assert.True(t, got.Critical)
	require.Len(t, got.Acks, 3)

	assert.Equal(t, StatusApplied, got.Acks[0].Status)
	assert.Equal(t, clock.MemberID("m2"), got.Acks[0].Tag.MemberID)
	assert.Equal(t, uint32(4), got.Acks[0].Tag.EntryVersion)
	assert.Equal(t, clock.MemberID("m1"), got.Acks[1].Tag.MemberID)

	// unset acks stay failed
	assert.Equal(t, StatusFailed, got.Acks[2].Status)
	assert.Nil(t, got.Acks[2].Tag)
}

func TestReply_OwnTagsOmitMember(t *testing.T) {
	own := NewReply("a-rather-long-member-id", 1)
	own.Acks[0] = Ack{Status: StatusApplied, Tag: &clock.VersionTag{MemberID: "a-rather-long-member-id", EntryVersion: 1}}
	foreign := NewReply("a-rather-long-member-id", 1)
	foreign.Acks[0] = Ack{Status: StatusApplied, Tag: &clock.VersionTag{MemberID: "someone-else", EntryVersion: 1}}

	a, err := own.MarshalBinary()
	require.NoError(t, err)
	b, err := foreign.MarshalBinary()
	require.NoError(t, err)
	assert.Less(t, len(a), len(b))
}

func TestReply_RejectsGarbage(t *testing.T) {
	r := NewReply("m", 1)
	b, err := r.MarshalBinary()
	require.NoError(t, err)

	var got Reply
	assert.Error(t, got.UnmarshalBinary(b[:len(b)-1]))

	bad := append([]byte(nil), b...)
	bad[len(bad)-3] = 99 // status byte
	assert.Error(t, got.UnmarshalBinary(bad))
}

func TestAck_Succeeded(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusApplied, true},
		{StatusDuplicate, true},
		{StatusStale, true},
		{StatusLowMemory, false},
		{StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Ack{Status: tt.status}.Succeeded())
		})
	}
}
