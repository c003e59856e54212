package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClock_Compare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     VectorClock
		expected CompareResult
	}{
		{"equal clocks", VectorClock{"a": 1, "b": 2}, VectorClock{"a": 1, "b": 2}, Equal},
		{"before", VectorClock{"a": 1}, VectorClock{"a": 2}, Before},
		{"after with extra member", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 2}, After},
		{"missing member counts as zero", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, Before},
		{"concurrent", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, Concurrent},
		{"empty clocks", NewVectorClock(), NewVectorClock(), Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.expected {
				t.Errorf("Compare() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestVectorClock_MergeAndString(t *testing.T) {
	vc := VectorClock{"b": 3, "a": 1}
	vc.Merge(VectorClock{"a": 4, "c": 1})
	assert.Equal(t, "{a:4, b:3, c:1}", vc.String())
	assert.Equal(t, "{}", NewVectorClock().String())
}

func TestRegionVersionVector_NextVersionIsMonotonic(t *testing.T) {
	rvv := NewRegionVersionVector("self")
	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- rvv.NextVersion()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		assert.False(t, unique[v], "version %d issued twice", v)
		unique[v] = true
	}
	assert.Len(t, unique, 100)
	assert.True(t, rvv.Contains("self", 100))
}

func TestRegionVersionVector_RecordVersion(t *testing.T) {
	rvv := NewRegionVersionVector("self")

	remote := &VersionTag{MemberID: "peer", EntryVersion: 1, RegionVersion: 9}
	rvv.RecordVersion(remote)
	assert.True(t, remote.IsRecorded())
	assert.True(t, rvv.Contains("peer", 9))
	assert.False(t, rvv.Contains("peer", 10))

	own := &VersionTag{MemberID: "self", EntryVersion: 1, RegionVersion: 20}
	rvv.RecordVersion(own)
	assert.Equal(t, uint64(21), rvv.NextVersion(), "local counter must skip recorded own versions")

	versionless := &VersionTag{MemberID: "peer"}
	rvv.RecordVersion(versionless)
	assert.False(t, versionless.IsRecorded())
	assert.Equal(t, VectorClock{"peer": 9, "self": 21}, rvv.Snapshot())
}

func TestRegionVersionVector_Canonical(t *testing.T) {
	rvv := NewRegionVersionVector("self")
	assert.Equal(t, MemberID("x"), rvv.Canonical("x"))
	assert.Equal(t, NoMember, rvv.Canonical(NoMember))
}
