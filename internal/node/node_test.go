package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionkv/internal/config"
	"regionkv/internal/coordinator"
	"regionkv/internal/event"
	"regionkv/internal/kverrors"
	"regionkv/internal/putall"
)

func localAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().String()
}

func startNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ListenAddr = localAddr(t)
	cfg.Node.HTTPAddr = ""
	cfg.Regions = []config.RegionConfig{
		{Name: "orders"},
		{Name: "events", Type: "partition", TotalBuckets: 4},
		{Name: "counters", Delta: event.CounterCodecName},
	}
	n, err := NewNode(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n
}

func TestNode_PutGetDelete(t *testing.T) {
	n := startNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tag, err := n.Put(ctx, "orders", "k", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tag.EntryVersion)

	tag, err = n.Put(ctx, "orders", "k", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tag.EntryVersion)

	snap, err := n.Get(ctx, "orders", "k")
	require.NoError(t, err)
	assert.True(t, snap.Found)
	assert.Equal(t, []byte("v2"), snap.Value)

	_, err = n.Delete(ctx, "orders", "k")
	require.NoError(t, err)
	snap, err = n.Get(ctx, "orders", "k")
	require.NoError(t, err)
	assert.False(t, snap.Found)
	assert.True(t, snap.Tombstone)
}

func TestNode_PutAllPartitioned(t *testing.T) {
	n := startNode(t)
	ctx := context.Background()

	entries := []coordinator.Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	}
	res, err := n.PutAll(ctx, "events", entries, coordinator.Options{})
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Len(t, res.Applied, 3)

	r, ok := n.Region("events")
	require.True(t, ok)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"counters", "events", "orders"}, n.RegionNames())
}

func TestNode_Errors(t *testing.T) {
	n := startNode(t)
	ctx := context.Background()

	_, err := n.Put(ctx, "missing", "k", []byte("v"))
	assert.ErrorIs(t, err, kverrors.ErrRegionNotFound)

	_, err = n.Get(ctx, "missing", "k")
	assert.ErrorIs(t, err, kverrors.ErrRegionNotFound)

	_, err = n.Put(ctx, "orders", "", []byte("v"))
	assert.Error(t, err)

	b := putall.NewBatch("missing", event.EventID{Member: "n2", ThreadID: 2, SequenceID: 1}, 0)
	_, err = n.HandlePutAll(ctx, "n2", b)
	assert.ErrorIs(t, err, kverrors.ErrRegionNotFound)

	_, err = n.HandleFetchValue(ctx, "orders", "")
	assert.Error(t, err)
}

func TestNode_CriticalMemoryRejectsWrites(t *testing.T) {
	n := startNode(t)
	ctx := context.Background()

	n.Monitor().Force(true)
	assert.True(t, n.membership.IsCritical(n.ID()))

	_, err := n.Put(ctx, "orders", "k", []byte("v"))
	assert.ErrorIs(t, err, kverrors.ErrLowMemory)

	n.Monitor().Unforce()
	_, err = n.Put(ctx, "orders", "k", []byte("v"))
	assert.NoError(t, err)
}

func TestNode_PutAllDelta(t *testing.T) {
	n := startNode(t)
	ctx := context.Background()

	_, err := n.Put(ctx, "counters", "hits", []byte("5"))
	require.NoError(t, err)

	res, err := n.PutAll(ctx, "counters", []coordinator.Entry{{Key: "hits", Delta: []byte("3")}}, coordinator.Options{})
	require.NoError(t, err)
	require.True(t, res.Complete(), "err: %v", res.Err())
	assert.Equal(t, uint32(2), res.Applied[0].Tag.EntryVersion)

	snap, err := n.Get(ctx, "counters", "hits")
	require.NoError(t, err)
	assert.Equal(t, "8", string(snap.Value))

	// a region without a codec cannot take deltas
	_, err = n.Put(ctx, "orders", "plain", []byte("1"))
	require.NoError(t, err)
	res, err = n.PutAll(ctx, "orders", []coordinator.Entry{{Key: "plain", Delta: []byte("1")}}, coordinator.Options{})
	require.NoError(t, err)
	assert.False(t, res.Complete())
	_, rejected := res.Rejected("plain")
	assert.True(t, rejected)
}
