package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/region"
	"regionkv/internal/ring"
)

func TestRingRouter_Replicated(t *testing.T) {
	r := ring.NewRing(32)
	r.SetMembers([]ring.Member{{ID: "m3"}, {ID: "m1"}, {ID: "m2"}})
	rr := NewRingRouter(r)
	cfg := region.DefaultConfig("orders")

	assert.Equal(t, event.NoBucket, rr.BucketFor(cfg, "k"))
	assert.Equal(t, []clock.MemberID{"m1", "m2", "m3"}, rr.Owners(cfg, event.NoBucket))
}

func TestRingRouter_PartitionedUsesRedundancy(t *testing.T) {
	r := ring.NewRing(32)
	r.SetMembers([]ring.Member{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}})
	rr := NewRingRouter(r)
	cfg := region.DefaultConfig("orders")
	cfg.Type = region.Partition
	cfg.TotalBuckets = 13
	cfg.Redundancy = 1

	b := rr.BucketFor(cfg, "k")
	require.GreaterOrEqual(t, b, 0)
	require.Less(t, b, 13)
	owners := rr.Owners(cfg, b)
	assert.Len(t, owners, 2)
	assert.Equal(t, owners, PeersFor(rr, cfg)("k"))
}

func TestStaticRouter(t *testing.T) {
	s := &StaticRouter{
		Members:    []clock.MemberID{"b", "a"},
		Buckets:    map[int][]clock.MemberID{1: {"b"}},
		KeyBuckets: map[string]int{"pinned": 1},
	}
	cfg := region.DefaultConfig("r")
	cfg.Type = region.Partition
	cfg.TotalBuckets = 4

	assert.Equal(t, 1, s.BucketFor(cfg, "pinned"))
	assert.Equal(t, []clock.MemberID{"b"}, s.Owners(cfg, 1))
	assert.Equal(t, []clock.MemberID{"a", "b"}, s.Owners(cfg, 2))
}
