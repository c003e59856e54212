package gossip

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"regionkv/internal/clock"
	"regionkv/internal/ring"
)

// Status is the liveness state of a member.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Member is one member as seen locally.
type Member struct {
	ID          clock.MemberID
	Addr        string
	Status      Status
	Incarnation uint64
	// Critical is set while the member refuses writes for lack of memory.
	Critical bool
	LastSeen time.Time
}

// Provider is the membership view used for routing and admission.
type Provider interface {
	LocalID() clock.MemberID
	IsAlive(id clock.MemberID) bool
	IsCritical(id clock.MemberID) bool
	Addr(id clock.MemberID) (string, bool)
	AliveMembers() []ring.Member
	SetLocalCritical(critical bool)
	OnChange(fn func(alive []ring.Member))
}

// Prober sends membership messages to a peer.
type Prober interface {
	Ping(ctx context.Context, addr string, d Digest) (Digest, error)
	Gossip(ctx context.Context, addr string, d Digest) (Digest, error)
}

// Membership is the gossip-based Provider.
type Membership struct {
	mu          sync.RWMutex
	localID     clock.MemberID
	members     map[clock.MemberID]*Member
	incarnation map[clock.MemberID]uint64

	probeInterval  time.Duration
	suspectTimeout time.Duration

	onChange []func([]ring.Member)
	version  uint64
	logger   zerolog.Logger

	deliverMu sync.Mutex
	delivered uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the protocol timings.
type Config struct {
	ProbeInterval  time.Duration
	SuspectTimeout time.Duration
}

// NewMembership creates a view containing only the local member.
func NewMembership(localID clock.MemberID, localAddr string, cfg Config, logger zerolog.Logger) *Membership {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	if cfg.SuspectTimeout <= 0 {
		cfg.SuspectTimeout = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Membership{
		localID:        localID,
		members:        make(map[clock.MemberID]*Member),
		incarnation:    make(map[clock.MemberID]uint64),
		probeInterval:  cfg.ProbeInterval,
		suspectTimeout: cfg.SuspectTimeout,
		logger:         logger.With().Str("component", "gossip").Logger(),
		ctx:            ctx,
		cancel:         cancel,
	}
	m.members[localID] = &Member{ID: localID, Addr: localAddr, Status: Alive, Incarnation: 1, LastSeen: time.Now()}
	m.incarnation[localID] = 1
	return m
}

func (m *Membership) LocalID() clock.MemberID { return m.localID }

// OnChange registers fn to receive the alive set after every change.
func (m *Membership) OnChange(fn func([]ring.Member)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Start runs the probe, gossip and timeout loops until Stop.
func (m *Membership) Start(p Prober) {
	m.loop(m.probeInterval, func() { m.probe(p) })
	m.loop(2*m.probeInterval, func() { m.gossip(p) })
	m.loop(m.probeInterval/2, m.checkTimeouts)
}

func (m *Membership) loop(every time.Duration, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop ends the protocol loops.
func (m *Membership) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Digest returns what this member knows, for sending to a peer.
func (m *Membership) Digest() Digest {
	return Digest{From: m.localID, Members: m.Snapshot()}
}

// HandlePing answers a peer's probe.
func (m *Membership) HandlePing(d Digest) Digest {
	m.MarkAlive(d.From)
	if len(d.Members) > 0 {
		m.ApplyGossip(d.Members)
	}
	return m.Digest()
}

// HandleGossip merges a peer's digest and answers with ours.
func (m *Membership) HandleGossip(d Digest) Digest {
	m.logger.Debug().Str("from", d.From.String()).Int("members", len(d.Members)).Msg("received gossip")
	m.ApplyGossip(d.Members)
	return m.Digest()
}

func (m *Membership) probe(p Prober) {
	m.mu.RLock()
	var candidates []*Member
	for _, mem := range m.members {
		if mem.ID != m.localID && mem.Status == Alive {
			candidates = append(candidates, mem)
		}
	}
	m.mu.RUnlock()
	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]

	ctx, cancel := context.WithTimeout(m.ctx, m.probeInterval)
	defer cancel()
	reply, err := p.Ping(ctx, target.Addr, m.Digest())
	if err == nil {
		m.MarkAlive(target.ID)
		m.ApplyGossip(reply.Members)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.members[target.ID]; ok && mem.Status == Alive {
		m.incarnation[target.ID]++
		mem.Status = Suspect
		mem.Incarnation = m.incarnation[target.ID]
		mem.LastSeen = time.Now()
		m.logger.Info().Str("member", target.ID.String()).Err(err).Msg("marked suspect")
		m.notifyLocked()
	}
}

func (m *Membership) gossip(p Prober) {
	snapshot := m.Snapshot()
	var peers []*Member
	for _, mem := range snapshot {
		if mem.ID != m.localID && mem.Status != Dead {
			peers = append(peers, mem)
		}
	}
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]
	ctx, cancel := context.WithTimeout(m.ctx, m.probeInterval)
	defer cancel()
	reply, err := p.Gossip(ctx, target.Addr, Digest{From: m.localID, Members: snapshot})
	if err != nil {
		// best effort
		return
	}
	m.ApplyGossip(reply.Members)
}

func (m *Membership) checkTimeouts() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for id, mem := range m.members {
		if id == m.localID {
			continue
		}
		if mem.Status == Suspect && now.Sub(mem.LastSeen) > m.suspectTimeout {
			m.incarnation[id]++
			mem.Status = Dead
			mem.Incarnation = m.incarnation[id]
			m.logger.Info().Str("member", id.String()).Msg("marked dead")
			changed = true
		}
	}
	if changed {
		m.notifyLocked()
	}
}

// ApplyGossip merges remote member records. A higher incarnation wins;
// at equal incarnation a livelier status wins.
func (m *Membership) ApplyGossip(remote []*Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, r := range remote {
		if r.ID == m.localID {
			continue
		}
		local, ok := m.members[r.ID]
		switch {
		case !ok:
			m.members[r.ID] = &Member{
				ID:          r.ID,
				Addr:        r.Addr,
				Status:      r.Status,
				Incarnation: r.Incarnation,
				Critical:    r.Critical,
				LastSeen:    time.Now(),
			}
			m.incarnation[r.ID] = r.Incarnation
			changed = true
			m.logger.Info().Str("member", r.ID.String()).Stringer("status", r.Status).Msg("discovered member")
		case r.Incarnation > local.Incarnation:
			local.Addr = r.Addr
			local.Status = r.Status
			local.Incarnation = r.Incarnation
			local.Critical = r.Critical
			local.LastSeen = time.Now()
			m.incarnation[r.ID] = r.Incarnation
			changed = true
		case r.Incarnation == local.Incarnation && livelier(local.Status, r.Status):
			local.Status = r.Status
			local.LastSeen = time.Now()
			changed = true
		}
	}
	if changed {
		m.notifyLocked()
	}
}

// livelier reports whether remote should replace local at equal
// incarnation. Alive beats Suspect beats Dead.
func livelier(local, remote Status) bool {
	return remote < local
}

// MarkAlive records a successful exchange with id.
func (m *Membership) MarkAlive(id clock.MemberID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return
	}
	mem.LastSeen = time.Now()
	if mem.Status != Alive {
		mem.Status = Alive
		m.logger.Info().Str("member", id.String()).Msg("marked alive")
		m.notifyLocked()
	}
}

// SetLocalCritical changes the advertised memory state of this member. The
// incarnation is bumped so peers accept the new record.
func (m *Membership) SetLocalCritical(critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	self := m.members[m.localID]
	if self.Critical == critical {
		return
	}
	m.incarnation[m.localID]++
	self.Incarnation = m.incarnation[m.localID]
	self.Critical = critical
	m.notifyLocked()
}

// AddSeeds adds members known from configuration, assumed alive.
func (m *Membership) AddSeeds(seeds []ring.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range seeds {
		if s.ID == m.localID {
			continue
		}
		if _, ok := m.members[s.ID]; !ok {
			m.members[s.ID] = &Member{ID: s.ID, Addr: s.Addr, Status: Alive, Incarnation: 1, LastSeen: time.Now()}
			m.incarnation[s.ID] = 1
		}
	}
	m.notifyLocked()
}

// Snapshot returns copies of every member record sorted by ID.
func (m *Membership) Snapshot() []*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Member, 0, len(m.members))
	for _, mem := range m.members {
		c := *mem
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Membership) IsAlive(id clock.MemberID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	return ok && mem.Status == Alive
}

func (m *Membership) IsCritical(id clock.MemberID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	return ok && mem.Critical
}

func (m *Membership) Addr(id clock.MemberID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	if !ok {
		return "", false
	}
	return mem.Addr, true
}

// AliveMembers returns alive members sorted by ID.
func (m *Membership) AliveMembers() []ring.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aliveLocked()
}

func (m *Membership) aliveLocked() []ring.Member {
	out := make([]ring.Member, 0, len(m.members))
	for _, mem := range m.members {
		if mem.Status == Alive {
			out = append(out, ring.Member{ID: mem.ID, Addr: mem.Addr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Membership) notifyLocked() {
	if len(m.onChange) == 0 {
		return
	}
	m.version++
	v := m.version
	alive := m.aliveLocked()
	fns := append([]func([]ring.Member){}, m.onChange...)
	// callbacks run outside the lock; a view older than one already
	// delivered is dropped
	go func() {
		m.deliverMu.Lock()
		defer m.deliverMu.Unlock()
		if v <= m.delivered {
			return
		}
		m.delivered = v
		for _, fn := range fns {
			fn(alive)
		}
	}()
}
