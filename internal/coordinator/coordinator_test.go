package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/kverrors"
	"regionkv/internal/putall"
	"regionkv/internal/region"
	"regionkv/internal/replication"
	"regionkv/internal/repair"
	"regionkv/internal/transport"
)

// host serves the regions of one member over the in-process network.
type host struct {
	id      clock.MemberID
	regions map[string]*region.Region
}

func (h *host) HandlePutAll(ctx context.Context, from clock.MemberID, b *putall.Batch) (*putall.Reply, error) {
	r, ok := h.regions[b.Region]
	if !ok {
		return nil, errors.Wrapf(kverrors.ErrRegionNotFound, "region %q", b.Region)
	}
	return r.ApplyPutAll(ctx, b, from), nil
}

func (h *host) HandleFetchValue(_ context.Context, name, key string) (repair.Snapshot, error) {
	r, ok := h.regions[name]
	if !ok {
		return repair.Snapshot{}, errors.Wrapf(kverrors.ErrRegionNotFound, "region %q", name)
	}
	return r.Snapshot(key)
}

type catalog map[string]region.Config

func (c catalog) RegionConfig(name string) (region.Config, bool) {
	cfg, ok := c[name]
	return cfg, ok
}

type fixedMemory bool

func (m fixedMemory) IsCritical() bool { return bool(m) }

type fakeMembers struct {
	mu       sync.Mutex
	dead     map[clock.MemberID]bool
	critical map[clock.MemberID]bool
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{dead: map[clock.MemberID]bool{}, critical: map[clock.MemberID]bool{}}
}

func (f *fakeMembers) IsAlive(id clock.MemberID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[id]
}

func (f *fakeMembers) IsCritical(id clock.MemberID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.critical[id]
}

type tracer struct {
	mu   sync.Mutex
	seen []Transition
}

func (t *tracer) add(tr Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = append(t.seen, tr)
}

func (t *tracer) states(s State) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Transition
	for _, tr := range t.seen {
		if tr.State == s {
			out = append(out, tr)
		}
	}
	return out
}

type cluster struct {
	net     *transport.InProcess
	hosts   map[clock.MemberID]*host
	router  *replication.StaticRouter
	members *fakeMembers
	trace   *tracer
	cfg     region.Config
}

func newCluster(t *testing.T, cfg region.Config, ids []clock.MemberID, opts func(id clock.MemberID) []region.Option) *cluster {
	t.Helper()
	c := &cluster{
		net:     transport.NewInProcess(),
		hosts:   map[clock.MemberID]*host{},
		router:  &replication.StaticRouter{Members: ids},
		members: newFakeMembers(),
		trace:   &tracer{},
		cfg:     cfg,
	}
	for _, id := range ids {
		var ropts []region.Option
		if opts != nil {
			ropts = opts(id)
		}
		r, err := region.New(cfg, id, ropts...)
		require.NoError(t, err)
		t.Cleanup(r.Close)
		h := &host{id: id, regions: map[string]*region.Region{cfg.Name: r}}
		c.hosts[id] = h
		c.net.Register(id, h)
	}
	return c
}

func (c *cluster) region(id clock.MemberID) *region.Region { return c.hosts[id].regions[c.cfg.Name] }

func (c *cluster) coordinator(t *testing.T, id clock.MemberID, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{
		WithMembers(c.members),
		WithAckTimeout(200 * time.Millisecond),
		WithRetryBackoff(time.Millisecond),
		WithTrace(c.trace.add),
	}, opts...)
	co := New(id, catalog{c.cfg.Name: c.cfg}, c.router, c.net.Endpoint(id), opts...)
	t.Cleanup(co.Close)
	return co
}

// lossyReplies delivers every message but loses the reply to the first
// drops[m] sends to member m.
type lossyReplies struct {
	transport.Transport

	mu    sync.Mutex
	drops map[clock.MemberID]int
}

func (l *lossyReplies) PutAll(ctx context.Context, to clock.MemberID, b *putall.Batch) (*putall.Reply, error) {
	reply, err := l.Transport.PutAll(ctx, to, b)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil && l.drops[to] > 0 {
		l.drops[to]--
		return nil, errors.Wrapf(context.DeadlineExceeded, "reply from %s lost", to)
	}
	return reply, err
}

type fetcherFunc func(ctx context.Context, member clock.MemberID, region, key string) (repair.Snapshot, error)

func (f fetcherFunc) FetchValue(ctx context.Context, member clock.MemberID, region, key string) (repair.Snapshot, error) {
	return f(ctx, member, region, key)
}

func entries(from, to int) []Entry {
	out := make([]Entry, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, Entry{Key: fmt.Sprintf("k%d", i), Value: []byte(fmt.Sprintf("v%d", i))})
	}
	return out
}

func replicated() region.Config {
	cfg := region.DefaultConfig("orders")
	cfg.Type = region.Replicate
	return cfg
}

func partitioned() region.Config {
	cfg := region.DefaultConfig("orders")
	cfg.Type = region.Partition
	cfg.TotalBuckets = 4
	return cfg
}

func TestPutAll_ReplicatedAppliesEverywhere(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2", "m3"}, nil)
	co := c.coordinator(t, "coord")

	res, err := co.PutAll(context.Background(), "orders", entries(0, 10), Options{})
	require.NoError(t, err)
	require.True(t, res.Complete(), "err: %v", res.Err())
	require.Len(t, res.Applied, 10)
	assert.NoError(t, res.Err())

	for i, a := range res.Applied {
		assert.Equal(t, fmt.Sprintf("k%d", i), a.Key)
		assert.Equal(t, putall.StatusApplied, a.Status)
		assert.Equal(t, clock.MemberID("m1"), a.Tag.MemberID, "first owner mints versions")
	}
	for _, id := range []clock.MemberID{"m1", "m2", "m3"} {
		for i, a := range res.Applied {
			v, err := c.region(id).Get(a.Key)
			require.NoError(t, err)
			require.True(t, v.Found(), "%s missing %s", id, a.Key)
			assert.Equal(t, fmt.Sprintf("v%d", i), string(v.Value))
			assert.True(t, a.Tag.Equal(v.Tag), "%s holds %s under %s", id, a.Key, v.Tag)
		}
	}
	assert.Equal(t, 1, c.net.Sent("m1"), "minter sees the batch once")
	assert.Len(t, c.trace.states(StateComplete), 1)
}

func TestPutAll_LowMemoryOwnerRejectsItsKeys(t *testing.T) {
	cfg := partitioned()
	c := newCluster(t, cfg, []clock.MemberID{"m1", "m2"}, func(id clock.MemberID) []region.Option {
		return []region.Option{region.WithMemory(fixedMemory(id == "m2"))}
	})
	c.router.KeyBuckets = map[string]int{}
	for i := 0; i < 1000; i++ {
		c.router.KeyBuckets[fmt.Sprintf("k%d", i)] = map[bool]int{true: 1, false: 2}[i < 500]
	}
	c.router.Buckets = map[int][]clock.MemberID{1: {"m1"}, 2: {"m2"}}
	co := c.coordinator(t, "coord")

	res, err := co.PutAll(context.Background(), "orders", entries(0, 1000), Options{})
	require.NoError(t, err, "a low-memory owner fails keys, not the batch")
	assert.False(t, res.Complete())
	require.Len(t, res.Applied, 500)
	require.Len(t, res.Rejections, 500)
	assert.Empty(t, res.Unknown)

	for i, a := range res.Applied {
		assert.Equal(t, fmt.Sprintf("k%d", i), a.Key)
	}
	for i, rej := range res.Rejections {
		assert.Equal(t, fmt.Sprintf("k%d", 500+i), rej.Key)
		assert.True(t, errors.Is(rej.Err, kverrors.ErrLowMemory), "%s: %v", rej.Key, rej.Err)
	}
	assert.True(t, errors.Is(res.Err(), kverrors.ErrLowMemory))

	v, err := c.region("m2").Get("k750")
	require.NoError(t, err)
	assert.False(t, v.Found(), "rejected keys are never visible")
	v, err = c.region("m1").Get("k250")
	require.NoError(t, err)
	assert.True(t, v.Found())
}

func TestPutAll_CriticalOwnerAdmission(t *testing.T) {
	cfg := partitioned()
	c := newCluster(t, cfg, []clock.MemberID{"m1", "m2"}, nil)
	c.router.KeyBuckets = map[string]int{"k0": 1, "k1": 2, "gone": 2}
	c.router.Buckets = map[int][]clock.MemberID{1: {"m1"}, 2: {"m2"}}
	c.members.critical["m2"] = true
	co := c.coordinator(t, "coord")

	batch := append(entries(0, 2), Entry{Key: "gone", Destroy: true})
	res, err := co.PutAll(context.Background(), "orders", batch, Options{})
	require.NoError(t, err)

	rej, ok := res.Rejected("k1")
	require.True(t, ok)
	assert.True(t, errors.Is(rej.Err, kverrors.ErrLowMemory))
	_, ok = res.Rejected("gone")
	assert.False(t, ok, "destroys stay admissible on a critical owner")
	_, ok = res.Rejected("k0")
	assert.False(t, ok)

	v, err := c.region("m2").Get("k1")
	require.NoError(t, err)
	assert.False(t, v.Found())
}

func TestPutAll_RetriesNextOwner(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2", "m3"}, nil)
	c.net.SetDown("m1", true)
	co := c.coordinator(t, "coord")

	res, err := co.PutAll(context.Background(), "orders", entries(0, 5), Options{})
	require.NoError(t, err)
	require.True(t, res.Complete(), "err: %v", res.Err())
	for _, a := range res.Applied {
		assert.Equal(t, clock.MemberID("m2"), a.Tag.MemberID)
	}

	retries := c.trace.states(StateRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, clock.MemberID("m2"), retries[0].Member)

	v, err := c.region("m3").Get("k4")
	require.NoError(t, err)
	assert.True(t, v.Found())
}

func TestPutAll_ReplicasOffline(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, nil)
	c.net.SetDown("m1", true)
	c.net.SetDown("m2", true)
	co := c.coordinator(t, "coord", WithMaxAttempts(5))

	res, err := co.PutAll(context.Background(), "orders", entries(0, 3), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kverrors.ErrReplicasOffline), "got %v", err)
	assert.Equal(t, err, res.Err())
	require.Len(t, res.Rejections, 3)
	for _, rej := range res.Rejections {
		assert.True(t, errors.Is(rej.Err, kverrors.ErrReplicaUnavailable))
	}
	assert.Len(t, c.trace.states(StateFatal), 1)
}

func TestPutAll_PartitionOwnersUnavailable(t *testing.T) {
	c := newCluster(t, partitioned(), []clock.MemberID{"m1", "m2", "m3"}, nil)
	c.router.KeyBuckets = map[string]int{"k0": 1, "k1": 2, "k2": 2}
	c.router.Buckets = map[int][]clock.MemberID{1: {"m1"}, 2: {"m2", "m3"}}
	c.net.SetDown("m2", true)
	c.members.dead["m3"] = true
	co := c.coordinator(t, "coord")

	res, err := co.PutAll(context.Background(), "orders", entries(0, 3), Options{})
	require.NoError(t, err, "one bucket's loss is reported per key")
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "k0", res.Applied[0].Key)
	require.Len(t, res.Rejections, 2)
	for _, rej := range res.Rejections {
		assert.True(t, errors.Is(rej.Err, kverrors.ErrReplicaUnavailable), "%v", rej.Err)
	}
	assert.Zero(t, c.net.Sent("m3"), "dead members are not routed to")
}

func TestPutAll_TimeoutLeavesOutcomeUnknown(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, nil)
	c.net.SetDelay("m1", time.Second)
	co := c.coordinator(t, "coord", WithAckTimeout(30*time.Millisecond))

	res, err := co.PutAll(context.Background(), "orders", entries(0, 4), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, []string{"k0", "k1", "k2", "k3"}, res.Unknown)
	assert.True(t, errors.Is(res.Err(), kverrors.ErrOutcomeUnknown))
	assert.Empty(t, c.trace.states(StateRetry), "a timeout is not retried on another owner")

	c.net.SetDelay("m1", 0)
	replay, err := co.PutAll(context.Background(), "orders", entries(0, 4), Options{BaseEventID: res.BaseEventID})
	require.NoError(t, err)
	require.True(t, replay.Complete(), "err: %v", replay.Err())
	assert.Equal(t, res.BaseEventID, replay.BaseEventID)
}

func TestPutAll_DuplicateResendSkipsListeners(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, nil)
	var (
		mu    sync.Mutex
		calls int
	)
	count := func(*event.EntryEvent) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	}
	c.region("m2").AddListener(event.ListenerFuncs{OnCreate: count, OnUpdate: count})
	co := c.coordinator(t, "coord")

	first, err := co.PutAll(context.Background(), "orders", entries(0, 3), Options{})
	require.NoError(t, err)
	require.True(t, first.Complete())

	again, err := co.PutAll(context.Background(), "orders", entries(0, 3), Options{BaseEventID: first.BaseEventID})
	require.NoError(t, err)
	require.True(t, again.Complete(), "duplicates still succeed")
	for _, a := range again.Applied {
		assert.Equal(t, putall.StatusDuplicate, a.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestPutAll_VersionedEntriesSkipMinting(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, nil)
	co := c.coordinator(t, "coord")

	tag := &clock.VersionTag{MemberID: "gateway", EntryVersion: 3, RegionVersion: 40, Timestamp: 1}
	res, err := co.PutAll(context.Background(), "orders", []Entry{{Key: "k", Value: []byte("v"), Tag: tag}}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.True(t, tag.Equal(res.Applied[0].Tag))

	for _, id := range []clock.MemberID{"m1", "m2"} {
		v, err := c.region(id).Get("k")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), v.Tag.EntryVersion)
		assert.Equal(t, clock.MemberID("gateway"), v.Tag.MemberID)
	}
}

func TestPutAll_MixedVersionedAndVersionlessRows(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, nil)
	co := c.coordinator(t, "coord")

	gateway := &clock.VersionTag{MemberID: "gateway", EntryVersion: 1, RegionVersion: 1, Timestamp: 1}
	batch := []Entry{
		{Key: "k0", Value: []byte("v0")},
		{Key: "k1", Value: []byte("v1"), Tag: gateway},
		{Key: "k2", Value: []byte("v2")},
	}
	res, err := co.PutAll(context.Background(), "orders", batch, Options{})
	require.NoError(t, err)
	require.True(t, res.Complete(), "err: %v", res.Err())
	for _, a := range res.Applied {
		assert.Equal(t, putall.StatusApplied, a.Status, a.Key)
	}
	assert.True(t, gateway.Equal(res.Applied[1].Tag))
	assert.Equal(t, 1, c.net.Sent("m1"), "the minter gets the whole batch in one message")

	for _, id := range []clock.MemberID{"m1", "m2"} {
		for i, a := range res.Applied {
			v, err := c.region(id).Get(a.Key)
			require.NoError(t, err)
			require.True(t, v.Found(), "%s missing %s", id, a.Key)
			assert.Equal(t, fmt.Sprintf("v%d", i), string(v.Value))
			assert.True(t, a.Tag.Equal(v.Tag), "%s holds %s under %s", id, a.Key, v.Tag)
		}
	}
}

func TestPutAll_ReplayAfterLostReplyReachesEveryOwner(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, nil)
	lossy := &lossyReplies{Transport: c.net.Endpoint("coord"), drops: map[clock.MemberID]int{"m1": 1}}
	co := New("coord", catalog{c.cfg.Name: c.cfg}, c.router, lossy,
		WithMembers(c.members),
		WithAckTimeout(200*time.Millisecond),
		WithRetryBackoff(time.Millisecond))
	t.Cleanup(co.Close)
	ctx := context.Background()

	first, err := co.PutAll(ctx, "orders", entries(0, 2), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1"}, first.Unknown)
	assert.True(t, errors.Is(first.Err(), kverrors.ErrOutcomeUnknown))
	v, err := c.region("m1").Get("k0")
	require.NoError(t, err)
	require.True(t, v.Found(), "the minter applied the batch before its reply was lost")
	v, err = c.region("m2").Get("k0")
	require.NoError(t, err)
	require.False(t, v.Found())

	replay, err := co.PutAll(ctx, "orders", entries(0, 2), Options{BaseEventID: first.BaseEventID})
	require.NoError(t, err)
	require.True(t, replay.Complete(), "err: %v", replay.Err())
	for _, a := range replay.Applied {
		assert.Equal(t, putall.StatusDuplicate, a.Status, a.Key)
	}
	for _, key := range []string{"k0", "k1"} {
		want, err := c.region("m1").Get(key)
		require.NoError(t, err)
		got, err := c.region("m2").Get(key)
		require.NoError(t, err)
		require.True(t, got.Found(), "m2 missing %s after the replay", key)
		assert.True(t, want.Tag.Equal(got.Tag), "m2 holds %s under %s, m1 under %s", key, got.Tag, want.Tag)
	}
}

func TestPutAll_CriticalSecondaryFailsAdmission(t *testing.T) {
	c := newCluster(t, partitioned(), []clock.MemberID{"m1", "m2"}, nil)
	c.router.KeyBuckets = map[string]int{"k0": 1}
	c.router.Buckets = map[int][]clock.MemberID{1: {"m1", "m2"}}
	c.members.critical["m2"] = true
	co := c.coordinator(t, "coord")

	res, err := co.PutAll(context.Background(), "orders", entries(0, 1), Options{})
	require.NoError(t, err)
	rej, ok := res.Rejected("k0")
	require.True(t, ok)
	assert.True(t, errors.Is(rej.Err, kverrors.ErrLowMemory))
	assert.Zero(t, c.net.Sent("m1"), "a healthy primary is not written to")
	for _, id := range []clock.MemberID{"m1", "m2"} {
		v, err := c.region(id).Get("k0")
		require.NoError(t, err)
		assert.False(t, v.Found(), "%s holds a rejected key", id)
	}
}

func TestPutAll_SecondaryRefusalIsNotApplied(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, func(id clock.MemberID) []region.Option {
		return []region.Option{region.WithMemory(fixedMemory(id == "m2"))}
	})
	co := c.coordinator(t, "coord", WithCriticalHold(time.Minute))
	ctx := context.Background()

	res, err := co.PutAll(ctx, "orders", entries(0, 1), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, []string{"k0"}, res.Unknown)
	cause := res.UnknownCause("k0")
	require.Error(t, cause)
	assert.True(t, errors.Is(cause, kverrors.ErrLowMemory), "%v", cause)
	assert.True(t, errors.Is(cause, kverrors.ErrOutcomeUnknown))
	assert.True(t, errors.Is(res.Err(), kverrors.ErrLowMemory))
	assert.NoError(t, res.UnknownCause("k1"))

	// m2 reported critical memory, so writes to its buckets now fail
	// admission before any owner is written
	sent := c.net.Sent("m1")
	res, err = co.PutAll(ctx, "orders", entries(1, 2), Options{})
	require.NoError(t, err)
	rej, ok := res.Rejected("k1")
	require.True(t, ok)
	assert.True(t, errors.Is(rej.Err, kverrors.ErrLowMemory))
	assert.Equal(t, sent, c.net.Sent("m1"))
	v, err := c.region("m1").Get("k1")
	require.NoError(t, err)
	assert.False(t, v.Found())
}

func TestPutAll_DeltaAcrossVersionGapFetchesFullValue(t *testing.T) {
	var c *cluster
	fetch := fetcherFunc(func(ctx context.Context, member clock.MemberID, region, key string) (repair.Snapshot, error) {
		return c.net.Endpoint("fetcher").FetchValue(ctx, member, region, key)
	})
	peers := func(string) []clock.MemberID { return []clock.MemberID{"m1", "m2"} }
	c = newCluster(t, replicated(), []clock.MemberID{"m1", "m2"}, func(clock.MemberID) []region.Option {
		return []region.Option{
			region.WithDeltaCodec(event.CounterCodec),
			region.WithResync(repair.NewResync(fetch, time.Second, zerolog.Nop()), peers),
		}
	})
	co := c.coordinator(t, "coord")
	ctx := context.Background()

	// m1 is at version 7 while m2 missed everything after version 5
	seed := func(id clock.MemberID, value string, ev uint32) {
		base := event.EventID{Member: "loader", ThreadID: 1, SequenceID: int64(ev)}
		b := putall.NewBatch("orders", base, 1)
		require.NoError(t, b.AddEntryData(putall.EntryData{
			Key:      "c",
			Op:       event.OpPutAllCreate,
			EventID:  base,
			Value:    []byte(value),
			BucketID: putall.NoBucket,
			Tag:      &clock.VersionTag{MemberID: "loader", EntryVersion: ev, RegionVersion: uint64(ev), Timestamp: 1},
		}))
		reply := c.region(id).ApplyPutAll(ctx, b, "loader")
		require.Equal(t, putall.StatusApplied, reply.Acks[0].Status, reply.Acks[0].Message)
	}
	seed("m1", "40", 7)
	seed("m2", "10", 5)

	res, err := co.PutAll(ctx, "orders", []Entry{{Key: "c", Delta: []byte("2")}}, Options{})
	require.NoError(t, err)
	require.True(t, res.Complete(), "err: %v", res.Err())
	assert.Equal(t, uint32(8), res.Applied[0].Tag.EntryVersion)

	want, err := c.region("m1").Get("c")
	require.NoError(t, err)
	assert.Equal(t, "42", string(want.Value))
	got, err := c.region("m2").Get("c")
	require.NoError(t, err)
	assert.Equal(t, "42", string(got.Value), "m2 takes the full value, not the delta over its stale base")
	assert.True(t, want.Tag.Equal(got.Tag))
}

func TestPutAll_NoAckScopeReplicatesInBackground(t *testing.T) {
	cfg := replicated()
	cfg.ConcurrencyChecks = false
	cfg.Scope = region.ScopeNoAck
	c := newCluster(t, cfg, []clock.MemberID{"m1", "m2"}, nil)
	co := c.coordinator(t, "coord")

	res, err := co.PutAll(context.Background(), "orders", entries(0, 2), Options{})
	require.NoError(t, err)
	assert.True(t, res.Complete())
	co.Close()

	for _, id := range []clock.MemberID{"m1", "m2"} {
		v, err := c.region(id).Get("k1")
		require.NoError(t, err)
		assert.True(t, v.Found(), "%s missing k1", id)
	}
}

func TestPutAll_ConcurrentCoordinatorsConverge(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1", "m2", "m3"}, nil)
	a := c.coordinator(t, "ca")
	b := c.coordinator(t, "cb")

	var wg sync.WaitGroup
	for _, w := range []struct {
		co    *Coordinator
		value string
	}{{a, "from-a"}, {b, "from-b"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := w.co.PutAll(context.Background(), "orders", []Entry{{Key: "hot", Value: []byte(w.value)}}, Options{})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	want, err := c.region("m1").Get("hot")
	require.NoError(t, err)
	assert.Equal(t, uint32(40), want.Tag.EntryVersion)
	for _, id := range []clock.MemberID{"m2", "m3"} {
		got, err := c.region(id).Get("hot")
		require.NoError(t, err)
		assert.Equal(t, string(want.Value), string(got.Value), "member %s", id)
		assert.True(t, want.Tag.Equal(got.Tag), "member %s holds %s, m1 holds %s", id, got.Tag, want.Tag)
	}
}

func TestPutAll_BadRequests(t *testing.T) {
	c := newCluster(t, replicated(), []clock.MemberID{"m1"}, nil)
	co := c.coordinator(t, "coord")

	_, err := co.PutAll(context.Background(), "nope", entries(0, 1), Options{})
	assert.True(t, errors.Is(err, kverrors.ErrRegionNotFound))

	res, err := co.PutAll(context.Background(), "orders", nil, Options{})
	require.NoError(t, err)
	assert.True(t, res.Complete())

	_, err = co.PutAll(context.Background(), "orders", []Entry{{Key: "k"}}, Options{})
	assert.Error(t, err, "a write needs a value")

	_, err = co.PutAll(context.Background(), "orders", []Entry{{Key: "k", Value: []byte("1"), Delta: []byte("2")}}, Options{})
	assert.Error(t, err, "a row is either a value or a delta")

	foreign := event.EventID{Member: "someone-else", ThreadID: 2, SequenceID: 1}
	_, err = co.PutAll(context.Background(), "orders", entries(0, 1), Options{BaseEventID: foreign})
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateAssemble, "ASSEMBLE"},
		{StateAwaitAck, "AWAIT_ACK"},
		{StateFatal, "FATAL"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
