package replication

import (
	"sort"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/region"
	"regionkv/internal/ring"
)

// Router resolves recipients for region writes.
type Router interface {
	// BucketFor returns the bucket of key, or event.NoBucket for a
	// replicated region.
	BucketFor(cfg region.Config, key string) int
	// Owners returns the members holding bucket, primary first. For a
	// replicated region bucket is event.NoBucket and every host is
	// returned.
	Owners(cfg region.Config, bucket int) []clock.MemberID
}

// RingRouter routes with a bucket ring.
type RingRouter struct {
	ring *ring.Ring
}

func NewRingRouter(r *ring.Ring) *RingRouter {
	return &RingRouter{ring: r}
}

func (rr *RingRouter) BucketFor(cfg region.Config, key string) int {
	if cfg.Type != region.Partition {
		return event.NoBucket
	}
	return ring.BucketFor(key, cfg.TotalBuckets)
}

func (rr *RingRouter) Owners(cfg region.Config, bucket int) []clock.MemberID {
	var members []ring.Member
	if cfg.Type == region.Partition {
		members = rr.ring.Owners(bucket, cfg.Redundancy+1)
	} else {
		members = rr.ring.Members()
	}
	ids := make([]clock.MemberID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

// StaticRouter routes with fixed tables. Buckets missing from Buckets
// are owned by every member in Members.
type StaticRouter struct {
	Members []clock.MemberID
	Buckets map[int][]clock.MemberID
	// KeyBuckets pins keys to buckets; other keys hash normally.
	KeyBuckets map[string]int
}

func (s *StaticRouter) BucketFor(cfg region.Config, key string) int {
	if cfg.Type != region.Partition {
		return event.NoBucket
	}
	if b, ok := s.KeyBuckets[key]; ok {
		return b
	}
	return ring.BucketFor(key, cfg.TotalBuckets)
}

func (s *StaticRouter) Owners(cfg region.Config, bucket int) []clock.MemberID {
	if owners, ok := s.Buckets[bucket]; ok && cfg.Type == region.Partition {
		return append([]clock.MemberID(nil), owners...)
	}
	out := append([]clock.MemberID(nil), s.Members...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PeersFor returns the owners of key, used when a member needs another
// copy of a value.
func PeersFor(r Router, cfg region.Config) func(key string) []clock.MemberID {
	return func(key string) []clock.MemberID {
		return r.Owners(cfg, r.BucketFor(cfg, key))
	}
}
