package ring

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"regionkv/internal/clock"
)

// Member is a physical member on the ring.
type Member struct {
	ID   clock.MemberID
	Addr string
}

type vnode struct {
	hash   uint32
	member clock.MemberID
}

// Ring assigns buckets to members.
type Ring struct {
	mu              sync.RWMutex
	vnodesPerMember int
	vnodes          []vnode
	members         map[clock.MemberID]Member
}

// NewRing creates an empty ring.
func NewRing(vnodesPerMember int) *Ring {
	if vnodesPerMember <= 0 {
		vnodesPerMember = 128
	}
	return &Ring{
		vnodesPerMember: vnodesPerMember,
		members:         make(map[clock.MemberID]Member),
	}
}

// SetMembers rebuilds the ring. The same members always produce the same
// ring regardless of order.
func (r *Ring) SetMembers(members []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = make(map[clock.MemberID]Member, len(members))
	r.vnodes = r.vnodes[:0]
	for _, m := range members {
		r.members[m.ID] = m
		r.vnodes = append(r.vnodes, r.vnodesFor(m.ID)...)
	}
	r.sortLocked()
}

// AddMember adds m if it is not on the ring yet.
func (r *Ring) AddMember(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID]; ok {
		return
	}
	r.members[m.ID] = m
	r.vnodes = append(r.vnodes, r.vnodesFor(m.ID)...)
	r.sortLocked()
}

// RemoveMember drops id from the ring.
func (r *Ring) RemoveMember(id clock.MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	kept := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.member != id {
			kept = append(kept, v)
		}
	}
	r.vnodes = kept
}

// Members returns every member sorted by ID.
func (r *Ring) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the member with id.
func (r *Ring) Lookup(id clock.MemberID) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return m, ok
}

// BucketFor hashes key into one of totalBuckets buckets.
func BucketFor(key string, totalBuckets int) int {
	if totalBuckets <= 0 {
		return 0
	}
	return int(hash(key) % uint32(totalBuckets))
}

// Owners returns up to n distinct members owning bucket, primary first.
func (r *Ring) Owners(bucket, n int) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.vnodes) == 0 || n <= 0 {
		return nil
	}
	h := hash("bucket-" + strconv.Itoa(bucket))
	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= h })
	seen := make(map[clock.MemberID]bool, n)
	out := make([]Member, 0, n)
	for i := 0; i < len(r.vnodes) && len(out) < n; i++ {
		v := r.vnodes[(idx+i)%len(r.vnodes)]
		if seen[v.member] {
			continue
		}
		seen[v.member] = true
		out = append(out, r.members[v.member])
	}
	return out
}

// Primary returns the first owner of bucket.
func (r *Ring) Primary(bucket int) (Member, bool) {
	owners := r.Owners(bucket, 1)
	if len(owners) == 0 {
		return Member{}, false
	}
	return owners[0], true
}

func (r *Ring) vnodesFor(id clock.MemberID) []vnode {
	out := make([]vnode, r.vnodesPerMember)
	for i := range out {
		out[i] = vnode{hash: hash(string(id) + "-vnode-" + strconv.Itoa(i)), member: id}
	}
	return out
}

func (r *Ring) sortLocked() {
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash != r.vnodes[j].hash {
			return r.vnodes[i].hash < r.vnodes[j].hash
		}
		return r.vnodes[i].member < r.vnodes[j].member
	})
}

// hash is 32-bit FNV-1a followed by the murmur3 finalizer. Plain FNV-1a
// leaves similar names such as "n1#0" and "n1#1" close together on the
// ring.
func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	x := h.Sum32()
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}
