package putall

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/offheap"
)

func newTestBatch(t *testing.T, n int, bucketOf func(i int) int) *Batch {
	t.Helper()
	base := event.EventID{Member: "coord", ThreadID: 7, SequenceID: 100}
	b := NewBatch("orders", base, n)
	for i := 0; i < n; i++ {
		ev := event.New(event.Policy{}, fmt.Sprintf("k%d", i), event.OpPutAllCreate)
		ev.ID = base.At(i)
		if bucketOf != nil {
			ev.BucketID = bucketOf(i)
		}
		require.NoError(t, ev.SetNewValue([]byte(fmt.Sprintf("v%d", i))))
		require.NoError(t, b.AddEntry(ev))
		ev.Release()
	}
	return b
}

func TestBatch_AddEntryLimits(t *testing.T) {
	b := newTestBatch(t, 2, nil)
	err := b.AddEntryData(EntryData{Key: "extra"})
	assert.Error(t, err, "batch size is fixed at construction")

	b2 := NewBatch("r", event.EventID{}, 0)
	require.NoError(t, b2.AddEntryData(EntryData{Key: "a"}))
	b2.Seal()
	assert.Error(t, b2.AddEntryData(EntryData{Key: "b"}))
}

func TestBatch_RemoveKeepsPositions(t *testing.T) {
	b := newTestBatch(t, 4, nil)
	b.Remove(1)

	assert.Equal(t, 4, b.Len())
	assert.Equal(t, 3, b.Live())
	assert.Equal(t, []string{"k0", "k2", "k3"}, b.Keys())

	_, ok := b.Entry(1)
	assert.False(t, ok)
	d, ok := b.Entry(2)
	require.True(t, ok)
	assert.Equal(t, "k2", d.Key)

	tags := b.VersionTags()
	assert.Len(t, tags, 4, "version list stays correlated by position")
}

func TestBatch_CreatePRMessages(t *testing.T) {
	b := newTestBatch(t, 6, func(i int) int { return i % 2 })
	b.Remove(4)

	msgs := b.CreatePRMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []int{0, 1}, Buckets(msgs))

	even := msgs[0]
	assert.Equal(t, 0, even.BucketID)
	assert.Equal(t, []string{"k0", "k2"}, even.Keys())
	assert.Equal(t, 2, even.ParentIndex(1))

	odd := msgs[1]
	assert.Equal(t, []string{"k1", "k3", "k5"}, odd.Keys())
	for _, d := range odd.Entries() {
		assert.True(t, d.UsedFakeEventID)
		bucket, thread := event.DecodeFakeThreadID(d.EventID.ThreadID)
		assert.Equal(t, 1, bucket)
		assert.Equal(t, int64(7), thread)
	}

	again := b.CreatePRMessages()
	d, _ := again[1].Entry(0)
	bucket, thread := event.DecodeFakeThreadID(d.EventID.ThreadID)
	assert.Equal(t, 1, bucket, "fake id must only be applied once")
	assert.Equal(t, int64(7), thread)
}

func TestBatch_CreatePRMessagesNotifyOnly(t *testing.T) {
	b := newTestBatch(t, 3, func(int) int { return 5 })
	sub := b.CreatePRMessagesNotifyOnly(5)
	assert.True(t, sub.NotifyOnly)
	assert.Equal(t, 3, sub.Live())
	for _, d := range sub.Entries() {
		assert.True(t, d.NotifyOnly)
		assert.True(t, d.UsedFakeEventID)
	}
	d, _ := b.Entry(0)
	assert.False(t, d.NotifyOnly, "parent rows are not marked notify-only")
}

func TestBatch_SelectVersionlessAndVersioned(t *testing.T) {
	b := newTestBatch(t, 5, nil)
	for i := 0; i < 5; i++ {
		d, _ := b.Entry(i)
		if i%2 == 0 {
			d.Tag = &clock.VersionTag{MemberID: "m", EntryVersion: 1, RegionVersion: uint64(i + 1)}
		} else {
			d.Tag = &clock.VersionTag{MemberID: "m"}
		}
	}
	d3, _ := b.Entry(3)
	d3.InhibitDistribution = true
	b.Remove(4)

	versionless := b.SelectVersionless()
	assert.Equal(t, []string{"k1"}, versionless.Keys())
	assert.Equal(t, 1, versionless.ParentIndex(0))

	versioned := b.SelectVersioned()
	assert.Equal(t, []string{"k0", "k2"}, versioned.Keys())
}

func TestBatch_ShouldAck(t *testing.T) {
	b := newTestBatch(t, 1, nil)
	assert.True(t, b.ShouldAck(false, true), "concurrency checks force an ack")
	assert.True(t, b.ShouldAck(true, false))
	assert.False(t, b.ShouldAck(false, false))
}

func TestBatch_EventAtIsLazyAndFreed(t *testing.T) {
	arena := offheap.NewArena(0)
	b := newTestBatch(t, 3, nil)
	b.Policy = event.Policy{OffHeap: true, Arena: arena}
	b.CallbackArg = []byte("cb")

	ev, err := b.EventAt(1)
	require.NoError(t, err)
	same, err := b.EventAt(1)
	require.NoError(t, err)
	assert.Same(t, ev, same)
	assert.Equal(t, "k1", ev.Key)
	assert.Equal(t, []byte("cb"), ev.CallbackArg)
	assert.Equal(t, int64(2), arena.Used())

	count := 0
	for ev, err := range b.Events() {
		require.NoError(t, err)
		require.NotNil(t, ev)
		count++
	}
	assert.Equal(t, 3, count)

	b.FreeResources()
	b.FreeResources()
	assert.Equal(t, int64(0), arena.Used())
	_, err = ev.NewValue()
	assert.Error(t, err)
	_, err = b.EventAt(0)
	assert.Error(t, err)
}

func TestBatch_EventAtAfterLateAdd(t *testing.T) {
	base := event.EventID{Member: "coord", ThreadID: 7, SequenceID: 100}
	b := NewBatch("orders", base, 0)
	add := func(i int) {
		require.NoError(t, b.AddEntryData(EntryData{
			Key:      fmt.Sprintf("k%d", i),
			Op:       event.OpPutAllCreate,
			EventID:  base.At(i),
			Value:    []byte(fmt.Sprintf("v%d", i)),
			BucketID: NoBucket,
		}))
	}
	add(0)
	first, err := b.EventAt(0)
	require.NoError(t, err)
	add(1)
	ev, err := b.EventAt(1)
	require.NoError(t, err)
	assert.Equal(t, "k1", ev.Key)
	again, err := b.EventAt(0)
	require.NoError(t, err)
	assert.Same(t, first, again)

	add(2)
	tag := &clock.VersionTag{MemberID: "r", EntryVersion: 1, RegionVersion: 3}
	require.NoError(t, b.ApplyVersionTags(EntryVersionsList{nil, nil, tag}))
	d, _ := b.Entry(2)
	assert.Same(t, tag, d.Tag)
	b.FreeResources()
}

func TestBatch_ApplyVersionTags(t *testing.T) {
	b := newTestBatch(t, 3, nil)
	ev, err := b.EventAt(2)
	require.NoError(t, err)

	tag := &clock.VersionTag{MemberID: "r", EntryVersion: 1, RegionVersion: 3}
	require.NoError(t, b.ApplyVersionTags(EntryVersionsList{nil, nil, tag}))
	d, _ := b.Entry(2)
	assert.Same(t, tag, d.Tag)
	assert.Same(t, tag, ev.Tag())

	assert.Error(t, b.ApplyVersionTags(EntryVersionsList{tag}))
	b.FreeResources()
}
