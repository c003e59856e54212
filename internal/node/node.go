package node

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"regionkv/internal/clock"
	"regionkv/internal/config"
	"regionkv/internal/coordinator"
	"regionkv/internal/event"
	"regionkv/internal/gossip"
	"regionkv/internal/metrics"
	"regionkv/internal/offheap"
	"regionkv/internal/region"
	"regionkv/internal/repair"
	"regionkv/internal/replication"
	"regionkv/internal/resource"
	"regionkv/internal/ring"
	"regionkv/internal/transport"
)

// Node represents a single member of the cluster: its hosted regions,
// membership view, replication server and put-all coordinator.
type Node struct {
	id     clock.MemberID
	cfg    config.Config
	logger zerolog.Logger

	regions map[string]*region.Region
	arena   *offheap.Arena
	monitor *resource.Monitor
	metrics *metrics.Metrics

	membership gossip.Provider
	swim       *gossip.Membership   // set for the gossip provider
	zk         *gossip.ZKMembership // set for the zookeeper provider

	ring   *ring.Ring
	router *replication.RingRouter

	clients *transport.ClientManager
	client  *transport.Client
	server  *transport.Server
	coord   *coordinator.Coordinator

	lis    net.Listener
	http   *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Node.
type Option func(*options)

type options struct {
	deltas map[string]event.DeltaCodec
}

// WithDeltaCodec sets the codec for values accepting deltas in the named
// region. It takes precedence over the region's configured codec.
func WithDeltaCodec(regionName string, c event.DeltaCodec) Option {
	return func(o *options) { o.deltas[regionName] = c }
}

// NewNode builds a node from cfg. Nothing listens until Start.
func NewNode(cfg config.Config, logger zerolog.Logger, opts ...Option) (*Node, error) {
	o := options{deltas: make(map[string]event.DeltaCodec)}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := clock.MemberID(cfg.Node.ID)
	n := &Node{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		regions: make(map[string]*region.Region, len(cfg.Regions)),
		arena:   offheap.NewArena(cfg.Resource.OffHeapCapacity),
		metrics: metrics.New(),
		ring:    ring.NewRing(cfg.Node.VNodes),
		clients: transport.NewClientManager(),
	}
	n.router = replication.NewRingRouter(n.ring)
	n.monitor = resource.NewMonitor(resource.Thresholds{
		CriticalHeapBytes:      cfg.Resource.CriticalHeapBytes,
		CriticalOffHeapPercent: cfg.Resource.CriticalOffHeapPercent,
	}, n.arena, resource.WithLogger(logger))

	if err := n.initMembership(); err != nil {
		return nil, err
	}

	n.client = transport.NewClient(id, n.clients, transport.ResolverFunc(n.addrOf),
		transport.WithCompression(cfg.Transport.Compression),
		transport.WithCallTimeout(cfg.Transport.CallTimeout))

	resync := repair.NewResync(n.client, cfg.Transport.CallTimeout, logger)
	regionCfgs, err := cfg.RegionConfigs()
	if err != nil {
		return nil, err
	}
	for i, rc := range regionCfgs {
		codec, ok := o.deltas[rc.Name]
		if !ok {
			if codec, err = cfg.Regions[i].DeltaCodec(); err != nil {
				return nil, err
			}
		}
		ropts := []region.Option{
			region.WithArena(n.arena),
			region.WithMemory(n.monitor),
			region.WithResync(resync, replication.PeersFor(n.router, rc)),
			region.WithObserver(n.metrics.ApplyObserver(rc.Name)),
			region.WithLogger(logger),
		}
		if codec != nil {
			ropts = append(ropts, region.WithDeltaCodec(codec))
		}
		r, err := region.New(rc, id, ropts...)
		if err != nil {
			return nil, errors.Wrapf(err, "region %s", rc.Name)
		}
		n.regions[rc.Name] = r
	}

	n.coord = coordinator.New(id, n, n.router, n.client,
		coordinator.WithMembers(n.membership),
		coordinator.WithMaxAttempts(cfg.Coordinator.MaxAttempts),
		coordinator.WithRetryBackoff(cfg.Coordinator.RetryBackoff),
		coordinator.WithAckTimeout(cfg.Transport.AckTimeout),
		coordinator.WithMaxInFlight(cfg.Coordinator.MaxInFlight),
		coordinator.WithCriticalHold(cfg.Resource.CheckInterval),
		coordinator.WithMetrics(n.metrics),
		coordinator.WithLogger(logger))

	var gh transport.GossipHandler
	if n.swim != nil {
		gh = n.swim
	}
	n.server = transport.NewServer(n, gh, logger)

	n.monitor.OnChange(func(critical bool) {
		n.membership.SetLocalCritical(critical)
		n.metrics.SetCritical(critical)
	})
	n.membership.OnChange(n.onMembershipChanged)
	return n, nil
}

// initMembership picks the membership provider. Gossip and static views
// start from the configured peers; ZooKeeper fills in after Register.
func (n *Node) initMembership() error {
	mc := n.cfg.Membership
	seed := n.cfg.RingMembers()
	switch mc.Provider {
	case config.ProviderGossip:
		m := gossip.NewMembership(n.id, n.cfg.Node.ListenAddr, gossip.Config{
			ProbeInterval:  mc.ProbeInterval,
			SuspectTimeout: mc.SuspectTimeout,
		}, n.logger)
		m.AddSeeds(seed)
		n.swim, n.membership = m, m
	case config.ProviderZooKeeper:
		z, err := gossip.DialZK(mc.ZKServers, mc.ZKRoot, n.id, n.cfg.Node.ListenAddr, n.logger)
		if err != nil {
			return errors.Wrap(err, "dial zookeeper")
		}
		n.zk, n.membership = z, z
		seed = []ring.Member{{ID: n.id, Addr: n.cfg.Node.ListenAddr}}
	default:
		n.membership = gossip.NewStatic(n.id, seed)
	}
	n.ring.SetMembers(seed)
	return nil
}

func (n *Node) addrOf(id clock.MemberID) (string, bool) {
	if addr, ok := n.membership.Addr(id); ok {
		return addr, true
	}
	if m, ok := n.ring.Lookup(id); ok {
		return m.Addr, true
	}
	return "", false
}

// Start listens for replication traffic and, when configured, HTTP
// clients. It returns once both listeners are bound.
func (n *Node) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.cfg.Node.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", n.cfg.Node.ListenAddr)
	}
	n.lis = lis

	ctx, n.cancel = context.WithCancel(ctx)
	n.goRun(func() {
		if err := n.server.Serve(lis); err != nil {
			n.logger.Error().Err(err).Msg("replication server stopped")
		}
	})

	interval := n.cfg.Resource.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	n.goRun(func() { n.monitor.Run(ctx, interval) })

	switch {
	case n.swim != nil:
		n.swim.Start(n.client)
		n.logger.Info().Msg("started gossip membership")
	case n.zk != nil:
		if err := n.zk.Register(ctx); err != nil {
			n.Stop()
			return errors.Wrap(err, "zookeeper register")
		}
		n.goRun(func() { n.zk.Watch(ctx) })
	}

	if addr := n.cfg.Node.HTTPAddr; addr != "" {
		hl, err := net.Listen("tcp", addr)
		if err != nil {
			n.Stop()
			return errors.Wrapf(err, "failed to listen on %s", addr)
		}
		n.http = &http.Server{Handler: n.HTTPHandler(), ReadHeaderTimeout: 5 * time.Second}
		n.goRun(func() {
			if err := n.http.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error().Err(err).Msg("http server stopped")
			}
		})
		n.logger.Info().Str("addr", hl.Addr().String()).Msg("http listening")
	}

	n.logger.Info().Str("addr", lis.Addr().String()).Int("regions", len(n.regions)).Msg("node started")
	return nil
}

func (n *Node) goRun(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop gracefully stops the node.
func (n *Node) Stop() {
	n.logger.Info().Msg("stopping node")
	if n.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.http.Shutdown(ctx)
		cancel()
	}
	if n.swim != nil {
		n.swim.Stop()
	}
	if n.zk != nil {
		n.zk.Close()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.coord.Close()
	if n.lis != nil {
		n.server.Stop()
	}
	n.wg.Wait()
	if err := n.clients.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("closing client connections")
	}
	for _, r := range n.regions {
		r.Close()
	}
}

// onMembershipChanged rebuilds the ring from the alive set.
func (n *Node) onMembershipChanged(alive []ring.Member) {
	n.ring.SetMembers(alive)
	n.logger.Info().Int("members", len(alive)).Msg("ring updated")
}

// ID returns the member id.
func (n *Node) ID() clock.MemberID { return n.id }

// Addr returns the bound replication address, or the configured one
// before Start.
func (n *Node) Addr() string {
	if n.lis != nil {
		return n.lis.Addr().String()
	}
	return n.cfg.Node.ListenAddr
}

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Monitor exposes the memory monitor, mainly to force critical state.
func (n *Node) Monitor() *resource.Monitor { return n.monitor }

// Region returns a hosted region.
func (n *Node) Region(name string) (*region.Region, bool) {
	r, ok := n.regions[name]
	return r, ok
}

// RegionNames lists hosted regions in name order.
func (n *Node) RegionNames() []string {
	names := make([]string, 0, len(n.regions))
	for name := range n.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegionConfig implements coordinator.Catalog.
func (n *Node) RegionConfig(name string) (region.Config, bool) {
	r, ok := n.regions[name]
	if !ok {
		return region.Config{}, false
	}
	return r.Config(), true
}

// Members returns the alive members as this node sees them.
func (n *Node) Members() []ring.Member { return n.membership.AliveMembers() }
