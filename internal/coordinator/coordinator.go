package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/kverrors"
	"regionkv/internal/metrics"
	"regionkv/internal/putall"
	"regionkv/internal/region"
	"regionkv/internal/replication"
	"regionkv/internal/transport"
)

// firstThreadID is the first event thread handed to put-alls. Thread 1
// belongs to single-key writes made directly on a region.
const firstThreadID = 2

// Catalog resolves region configurations by name.
type Catalog interface {
	RegionConfig(name string) (region.Config, bool)
}

// Members answers liveness and memory state of members.
type Members interface {
	IsAlive(id clock.MemberID) bool
	IsCritical(id clock.MemberID) bool
}

type allAlive struct{}

func (allAlive) IsAlive(clock.MemberID) bool    { return true }
func (allAlive) IsCritical(clock.MemberID) bool { return false }

// Coordinator distributes put-all batches from this member.
type Coordinator struct {
	local     clock.MemberID
	catalog   Catalog
	router    replication.Router
	transport transport.Transport
	members   Members
	memory    *memoryView
	ids       *event.Generator
	threads   chan int64

	maxAttempts  int
	backoff      time.Duration
	ackTimeout   time.Duration
	parallelism  int
	criticalHold time.Duration

	metrics *metrics.Metrics
	logger  zerolog.Logger
	trace   func(Transition)

	// background tracks sends for regions that do not wait for acks.
	background sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMembers sets the membership view used for routing and admission.
func WithMembers(m Members) Option { return func(c *Coordinator) { c.members = m } }

// WithMaxAttempts bounds how many owners are tried for a bucket.
func WithMaxAttempts(n int) Option { return func(c *Coordinator) { c.maxAttempts = n } }

// WithRetryBackoff sets the pause before trying the next owner.
func WithRetryBackoff(d time.Duration) Option { return func(c *Coordinator) { c.backoff = d } }

// WithAckTimeout bounds each send's round trip.
func WithAckTimeout(d time.Duration) Option { return func(c *Coordinator) { c.ackTimeout = d } }

// WithMaxInFlight bounds concurrent put-alls. Each holds its own event
// thread so owners see its sequence numbers in order.
func WithMaxInFlight(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.threads = newThreadPool(n)
		}
	}
}

// WithCriticalHold sets how long a member that answered with critical
// memory keeps failing admission without another report.
func WithCriticalHold(d time.Duration) Option { return func(c *Coordinator) { c.criticalHold = d } }

// WithParallelism bounds concurrent bucket sends within a put-all.
func WithParallelism(n int) Option { return func(c *Coordinator) { c.parallelism = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithTrace reports every state transition to fn. fn may be called from
// several goroutines.
func WithTrace(fn func(Transition)) Option { return func(c *Coordinator) { c.trace = fn } }

// New creates a coordinator sending as member local.
func New(local clock.MemberID, catalog Catalog, router replication.Router, tr transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:        local,
		catalog:      catalog,
		router:       router,
		transport:    tr,
		members:      allAlive{},
		ids:          event.NewGenerator(local),
		maxAttempts:  3,
		backoff:      50 * time.Millisecond,
		ackTimeout:   5 * time.Second,
		parallelism:  16,
		criticalHold: time.Second,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if c.threads == nil {
		c.threads = newThreadPool(64)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	c.memory = newMemoryView(c.members, c.criticalHold)
	c.logger = c.logger.With().Str("component", "coordinator").Logger()
	return c
}

func newThreadPool(n int) chan int64 {
	ch := make(chan int64, n)
	for i := 0; i < n; i++ {
		ch <- int64(firstThreadID + i)
	}
	return ch
}

// Close waits for background sends to finish.
func (c *Coordinator) Close() {
	c.background.Wait()
}

// PutAll writes entries to region. The returned error is set only when
// the batch failed as a whole; per-key failures are reported in the
// Result. Keys that did not apply are never retried implicitly.
func (c *Coordinator) PutAll(ctx context.Context, regionName string, entries []Entry, opts Options) (*Result, error) {
	cfg, ok := c.catalog.RegionConfig(regionName)
	if !ok {
		return nil, errors.Wrapf(kverrors.ErrRegionNotFound, "region %q", regionName)
	}
	if len(entries) == 0 {
		return &Result{}, nil
	}

	var thread int64
	select {
	case thread = <-c.threads:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for an event thread")
	}
	defer func() { c.threads <- thread }()

	base := opts.BaseEventID
	if base.IsZero() {
		var err error
		if base, err = c.ids.Reserve(thread, len(entries)); err != nil {
			return nil, err
		}
	} else if base.Member != c.local {
		return nil, errors.Newf("base event id %s was not issued by %s", base, c.local)
	}

	op := &operation{
		c:        c,
		cfg:      cfg,
		base:     base,
		outcomes: make([]outcome, len(entries)),
	}
	op.transition(putall.NoBucket, StateAssemble, "")
	b, err := op.assemble(entries, opts)
	if err != nil {
		return nil, err
	}
	// released whether or not the sends complete
	defer b.FreeResources()

	groups := op.route(b)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, bucket := range putall.Buckets(groups) {
		sub := groups[bucket]
		g.Go(func() error { return op.sendBucket(gctx, sub) })
	}
	fatal := g.Wait()

	res := op.result()
	res.fatal = fatal
	c.record(cfg.Name, res)
	if fatal != nil {
		return res, fatal
	}
	return res, nil
}

func (c *Coordinator) record(regionName string, res *Result) {
	switch {
	case res.fatal != nil:
		c.metrics.Batch(regionName, metrics.BatchFatal)
	case res.Complete():
		c.metrics.Batch(regionName, metrics.BatchComplete)
	default:
		c.metrics.Batch(regionName, metrics.BatchPartial)
	}
	c.metrics.Keys(regionName, metrics.KeyApplied, len(res.Applied))
	c.metrics.Keys(regionName, metrics.KeyUnknown, len(res.Unknown))
	var lowMem, unavailable, failed int
	for _, rej := range res.Rejections {
		switch {
		case errors.Is(rej.Err, kverrors.ErrLowMemory):
			lowMem++
		case errors.Is(rej.Err, kverrors.ErrReplicaUnavailable):
			unavailable++
		default:
			failed++
		}
	}
	c.metrics.Keys(regionName, metrics.KeyLowMemory, lowMem)
	c.metrics.Keys(regionName, metrics.KeyUnavailable, unavailable)
	c.metrics.Keys(regionName, metrics.KeyFailed, failed)
}
