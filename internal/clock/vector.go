package clock

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// VectorClock maps a member to the highest region version seen from it.
// Thread-safe operations should be handled by the caller.
type VectorClock map[MemberID]uint64

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Get returns the version recorded for member, or 0 if absent.
func (vc VectorClock) Get(member MemberID) uint64 {
	return vc[member]
}

// Observe raises the member's version to v if v is higher.
func (vc VectorClock) Observe(member MemberID, v uint64) bool {
	if vc[member] < v {
		vc[member] = v
		return true
	}
	return false
}

// Merge takes the maximum version per member from other.
func (vc VectorClock) Merge(other VectorClock) {
	for member, v := range other {
		vc.Observe(member, v)
	}
}

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	for k, v := range vc {
		c[k] = v
	}
	return c
}

// CompareResult represents the result of comparing two vector clocks.
type CompareResult int

const (
	// Before indicates this clock happened before the other.
	Before CompareResult = iota
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates neither clock dominates.
	Concurrent
	// Equal indicates the clocks are equal.
	Equal
)

// Compare returns the causal relationship between vc and other.
func (vc VectorClock) Compare(other VectorClock) CompareResult {
	var less, greater bool
	for member, v := range vc {
		if o := other[member]; v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for member, o := range other {
		if _, ok := vc[member]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates returns true if vc has seen everything other has, and more.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[MemberID(k)]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// RegionVersionVector tracks the region versions a replica has applied and
// mints new region versions for writes it originates.
type RegionVersionVector struct {
	owner        MemberID
	localVersion atomic.Uint64

	mu        sync.RWMutex
	seen      VectorClock
	canonical map[MemberID]MemberID
}

// NewRegionVersionVector creates the vector for a region hosted by owner.
func NewRegionVersionVector(owner MemberID) *RegionVersionVector {
	return &RegionVersionVector{
		owner:     owner,
		seen:      NewVectorClock(),
		canonical: map[MemberID]MemberID{owner: owner},
	}
}

// Owner returns the member that hosts this vector.
func (v *RegionVersionVector) Owner() MemberID { return v.owner }

// NextVersion reserves the next region version for a local write.
func (v *RegionVersionVector) NextVersion() uint64 {
	next := v.localVersion.Add(1)
	v.mu.Lock()
	v.seen.Observe(v.owner, next)
	v.mu.Unlock()
	return next
}

// RecordVersion folds a tag into the vector and marks it recorded. Tags from
// this member also advance the local counter so it never reissues them.
func (v *RegionVersionVector) RecordVersion(tag *VersionTag) {
	if !tag.HasValidVersion() || tag.MemberID.IsNull() {
		return
	}
	v.mu.Lock()
	v.seen.Observe(v.canonicalLocked(tag.MemberID), tag.RegionVersion)
	v.mu.Unlock()
	if tag.MemberID == v.owner {
		for {
			cur := v.localVersion.Load()
			if cur >= tag.RegionVersion || v.localVersion.CompareAndSwap(cur, tag.RegionVersion) {
				break
			}
		}
	}
	tag.SetRecorded()
}

// Contains reports whether the region version from member has been seen.
func (v *RegionVersionVector) Contains(member MemberID, regionVersion uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seen.Get(member) >= regionVersion
}

// Canonical returns the interned instance of id.
func (v *RegionVersionVector) Canonical(id MemberID) MemberID {
	if id.IsNull() {
		return id
	}
	v.mu.RLock()
	c, ok := v.canonical[id]
	v.mu.RUnlock()
	if ok {
		return c
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.canonicalLocked(id)
}

func (v *RegionVersionVector) canonicalLocked(id MemberID) MemberID {
	if c, ok := v.canonical[id]; ok {
		return c
	}
	v.canonical[id] = id
	return id
}

// Snapshot returns a copy of the versions seen per member.
func (v *RegionVersionVector) Snapshot() VectorClock {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seen.Copy()
}
