package region

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/kverrors"
	"regionkv/internal/offheap"
	"regionkv/internal/putall"
	"regionkv/internal/repair"
	"regionkv/internal/resource"
	"regionkv/internal/storage"
)

// Writer vetoes local writes before they are applied.
type Writer interface {
	BeforeWrite(ev *event.EntryEvent) error
}

// QueryHook feeds applied events to continuous queries.
type QueryHook interface {
	// RequiresOldValue reports whether a query over key needs the old
	// value of an update.
	RequiresOldValue(key string) bool
	Process(ev *event.EntryEvent)
}

// PeerFunc lists members that may hold a full value for key.
type PeerFunc func(key string) []clock.MemberID

// Region is one region hosted on this member.
type Region struct {
	cfg    Config
	member clock.MemberID

	store   *storage.Store
	arena   *offheap.Arena
	policy  event.Policy
	rvv     *clock.RegionVersionVector
	tracker *event.Tracker
	ids     *event.Generator

	// bulkMu serializes batch application so two batches touching the
	// same keys apply in a consistent order.
	bulkMu sync.Mutex

	memory   resource.Oracle
	resync   *repair.Resync
	peers    PeerFunc
	writer   Writer
	query    QueryHook
	observe  func(putall.Status)
	logger   zerolog.Logger
	now      func() time.Time
	listenMu sync.RWMutex
	listen   []event.Listener
}

// Option configures a Region.
type Option func(*Region)

// WithArena keeps values off-heap when the region is configured for it.
func WithArena(a *offheap.Arena) Option { return func(r *Region) { r.arena = a } }

// WithMemory sets the memory pressure oracle.
func WithMemory(m resource.Oracle) Option { return func(r *Region) { r.memory = m } }

// WithResync enables fetching full values when a delta cannot apply.
func WithResync(rs *repair.Resync, peers PeerFunc) Option {
	return func(r *Region) {
		r.resync = rs
		r.peers = peers
	}
}

func WithWriter(w Writer) Option { return func(r *Region) { r.writer = w } }

func WithQueryHook(q QueryHook) Option { return func(r *Region) { r.query = q } }

// WithDeltaCodec sets the codec that decodes values accepting deltas.
func WithDeltaCodec(c event.DeltaCodec) Option { return func(r *Region) { r.policy.Deltas = c } }

// WithObserver registers a function called with each entry's outcome.
func WithObserver(fn func(putall.Status)) Option { return func(r *Region) { r.observe = fn } }

func WithLogger(l zerolog.Logger) Option { return func(r *Region) { r.logger = l } }

// WithClock replaces the wall clock used for tag timestamps and
// tombstone expiry.
func WithClock(now func() time.Time) Option { return func(r *Region) { r.now = now } }

// New creates a region hosted by member.
func New(cfg Config, member clock.MemberID, opts ...Option) (*Region, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Region{
		cfg:     cfg,
		member:  member,
		rvv:     clock.NewRegionVersionVector(member),
		tracker: event.NewTracker(),
		ids:     event.NewGenerator(member),
		memory:  resource.Never{},
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("region", cfg.Name).Logger()
	r.policy.OldValuesEnabled = cfg.OldValuesEnabled
	r.policy.CopyOnRead = cfg.CopyOnRead
	storeOpts := []storage.Option{
		storage.WithTombstoneTTL(cfg.TombstoneTTL),
		storage.WithClock(r.now),
	}
	if cfg.OffHeap && r.arena != nil {
		r.policy.OffHeap = true
		r.policy.Arena = r.arena
		storeOpts = append(storeOpts, storage.WithArena(r.arena))
	}
	r.store = storage.NewStore(storeOpts...)
	return r, nil
}

func (r *Region) Name() string              { return r.cfg.Name }
func (r *Region) Config() Config            { return r.cfg }
func (r *Region) Member() clock.MemberID    { return r.member }
func (r *Region) EventPolicy() event.Policy { return r.policy }

// Versions returns the region version vector.
func (r *Region) Versions() *clock.RegionVersionVector { return r.rvv }

// AddListener registers l for applied events.
func (r *Region) AddListener(l event.Listener) {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	r.listen = append(r.listen, l)
}

// SyncBulkOp runs fn while holding the region's bulk-operation lock.
func (r *Region) SyncBulkOp(fn func()) {
	r.bulkMu.Lock()
	defer r.bulkMu.Unlock()
	fn()
}

// HasSeenEvent reports whether the event was already applied here.
func (r *Region) HasSeenEvent(id event.EventID) bool { return r.tracker.HasSeenEvent(id) }

// Get returns a copy of the entry for key.
func (r *Region) Get(key string) (storage.VersionedValue, error) {
	return r.store.Get(key)
}

// Range walks the region's entries in key order.
func (r *Region) Range(fn func(key string, v storage.VersionedValue) bool) error {
	return r.store.Range(fn)
}

// Len returns the number of live entries.
func (r *Region) Len() int { return r.store.Len() }

// Snapshot returns the full state of key for a member resyncing it.
func (r *Region) Snapshot(key string) (repair.Snapshot, error) {
	vv, err := r.store.Get(key)
	if err != nil {
		return repair.Snapshot{}, err
	}
	return repair.Snapshot{
		Value:     vv.Value,
		Tag:       vv.Tag,
		Found:     vv.Found(),
		Tombstone: vv.State == storage.StateTombstone,
	}, nil
}

// Close releases off-heap values held by the region.
func (r *Region) Close() { r.store.Close() }

// ApplyPutAll applies a batch received from sender and returns one ack per
// position. The batch's resources are released before it returns.
func (r *Region) ApplyPutAll(ctx context.Context, b *putall.Batch, sender clock.MemberID) *putall.Reply {
	defer b.FreeResources()
	reply := putall.NewReply(r.member, b.Len())
	reply.Critical = r.memory.IsCritical()
	b.Policy = r.policy
	b.Remote = sender != r.member
	b.ReplaceNullIDs(sender)

	r.SyncBulkOp(func() {
		for i, d := range b.Entries() {
			reply.Acks[i] = r.applyRow(ctx, b, i, d, sender, reply.Critical)
			if r.observe != nil {
				r.observe(reply.Acks[i].Status)
			}
		}
	})
	return reply
}

func (r *Region) applyRow(ctx context.Context, b *putall.Batch, i int, d *putall.EntryData, sender clock.MemberID, critical bool) putall.Ack {
	if err := ctx.Err(); err != nil {
		return failedAck(err)
	}
	if critical && !d.Op.IsDestroy() && !d.Op.IsInvalidate() {
		return putall.Ack{
			Status:  putall.StatusLowMemory,
			Message: kverrors.ForKey(d.Key, kverrors.ErrLowMemory).Error(),
		}
	}
	ev, err := b.EventAt(i)
	if err != nil {
		return failedAck(err)
	}
	if b.NotifyOnly || d.NotifyOnly {
		if !b.SkipCallbacks {
			r.dispatch(ev)
		}
		return putall.Ack{Status: putall.StatusApplied}
	}
	ack, notify, err := r.apply(ctx, ev, sender, b.BaseEventID.SequenceID)
	if err != nil {
		r.logger.Debug().Err(err).Str("key", d.Key).Msg("entry not applied")
		return failedAck(err)
	}
	if notify && !b.SkipCallbacks {
		r.dispatch(ev)
	}
	return ack
}

// apply installs one event under its key lock. It reports whether
// listeners should be notified. A failed entry returns an error and a
// zero ack. bulkBase is the base sequence of the batch carrying ev, zero
// for a single-key write.
func (r *Region) apply(ctx context.Context, ev *event.EntryEvent, sender clock.MemberID, bulkBase int64) (putall.Ack, bool, error) {
	e := r.store.Lock(ev.Key)
	defer e.Unlock()

	if r.tracker.HasSeenEvent(ev.ID) {
		if ev.HasDelta() {
			return putall.Ack{}, false, ev.ApplyDelta(nil, r.tracker)
		}
		// the entry's current tag may belong to a later write
		tag, _ := r.tracker.BulkTag(bulkBase, ev.ID)
		return putall.Ack{Status: putall.StatusDuplicate, Tag: tag}, false, nil
	}

	local := e.Tag()
	if r.cfg.ConcurrencyChecks {
		decision := repair.Apply
		if !ev.HasValidVersion() {
			if !r.cfg.GeneratesVersions() {
				return putall.Ack{}, false, errors.Wrapf(kverrors.ErrVersionless, "region %s key %q", r.cfg.Name, ev.Key)
			}
			ev.SetTag(r.mintTag(local))
		} else {
			var err error
			if decision, err = repair.Reconcile(local, ev.Tag(), ev.HasDelta()); err != nil {
				return putall.Ack{}, false, err
			}
		}
		switch decision {
		case repair.RejectStale:
			r.tracker.RecordEvent(ev.ID)
			if bulkBase > 0 {
				r.tracker.RecordBulkTag(bulkBase, ev.ID, ev.Tag())
			}
			r.logger.Debug().Str("key", ev.Key).Stringer("incoming", ev.Tag()).Stringer("local", local).Msg("rejected stale entry")
			return putall.Ack{Status: putall.StatusStale, Tag: local.Copy()}, false, nil
		case repair.NeedsFullValue:
			if err := r.fetchFullValue(ctx, ev, sender); err != nil {
				return putall.Ack{}, false, err
			}
		}
	}

	if ev.HasDelta() {
		base, err := e.Value()
		if err == nil {
			err = ev.ApplyDelta(base, r.tracker)
		}
		if errors.Is(err, kverrors.ErrDeltaGap) {
			err = r.fetchFullValue(ctx, ev, sender)
		}
		if err != nil {
			return putall.Ack{}, false, err
		}
	}

	if !ev.OriginRemote && r.writer != nil {
		if err := r.writer.BeforeWrite(ev); err != nil {
			return putall.Ack{}, false, errors.Wrapf(err, "writer rejected %q", ev.Key)
		}
	}

	var err error
	if e.Exists() {
		err = ev.PutExistingEntry(e, e.IsLive(), r.writer != nil)
	} else {
		ev.PutNewEntry()
	}
	if err == nil && r.query != nil && r.query.RequiresOldValue(ev.Key) {
		err = ev.SetOldValueForQueryProcessing(e)
	}
	if err == nil {
		err = r.install(e, ev)
	}
	if err != nil {
		return putall.Ack{}, false, err
	}

	tag := ev.Tag()
	if r.cfg.ConcurrencyChecks && tag.HasValidVersion() && !tag.IsRecorded() {
		r.rvv.RecordVersion(tag)
	}
	r.tracker.RecordEvent(ev.ID)
	if bulkBase > 0 {
		r.tracker.RecordBulkTag(bulkBase, ev.ID, tag)
	}
	return putall.Ack{Status: putall.StatusApplied, Tag: tag.Copy()}, true, nil
}

func (r *Region) install(e *storage.Entry, ev *event.EntryEvent) error {
	var tag *clock.VersionTag
	if r.cfg.ConcurrencyChecks {
		tag = ev.Tag()
	}
	switch {
	case ev.Op().IsDestroy():
		e.Destroy(tag)
		return nil
	case ev.Op().IsInvalidate():
		e.Invalidate(tag)
		return nil
	}
	if r.store.OffHeap() {
		ref, err := ev.RetainNewValue(r.store.Token())
		if err != nil {
			return err
		}
		if ref != nil {
			return e.AdoptValueRef(ref, tag)
		}
	}
	v, err := ev.NewValue()
	if err != nil {
		return err
	}
	if v == nil {
		return errors.AssertionFailedf("%s for %q carries no value", ev.Op(), ev.Key)
	}
	return e.SetValue(append([]byte(nil), v...), tag)
}

// mintTag issues the successor of local for a write originating here.
func (r *Region) mintTag(local *clock.VersionTag) *clock.VersionTag {
	var ev uint32 = 1
	if local.HasValidVersion() {
		ev = local.EntryVersion + 1
	}
	return &clock.VersionTag{
		MemberID:      r.member,
		EntryVersion:  ev,
		RegionVersion: r.rvv.NextVersion(),
		Timestamp:     r.now().UnixMilli(),
	}
}

// fetchFullValue replaces ev's delta with a full value fetched from a
// member at least as new as ev's tag.
func (r *Region) fetchFullValue(ctx context.Context, ev *event.EntryEvent, sender clock.MemberID) error {
	if r.resync == nil {
		return errors.Wrapf(kverrors.ErrDeltaGap, "region %s has no resync source for %q", r.cfg.Name, ev.Key)
	}
	var candidates []clock.MemberID
	if sender != r.member && !sender.IsNull() {
		candidates = append(candidates, sender)
	}
	if r.peers != nil {
		for _, m := range r.peers(ev.Key) {
			if m != r.member && m != sender {
				candidates = append(candidates, m)
			}
		}
	}
	snap, err := r.resync.Fetch(ctx, r.cfg.Name, ev.Key, candidates, ev.Tag())
	if err != nil {
		return err
	}
	ev.SetDeltaBytes(nil)
	if err := ev.SetNewValue(snap.Value); err != nil {
		return err
	}
	ev.SetTag(snap.Tag)
	r.logger.Debug().Str("key", ev.Key).Stringer("tag", snap.Tag).Msg("replaced delta with full value")
	return nil
}

func (r *Region) dispatch(ev *event.EntryEvent) {
	r.listenMu.RLock()
	ls := r.listen
	r.listenMu.RUnlock()
	ev.InvokeCallbacks(ls...)
	if r.query != nil {
		r.query.Process(ev)
	}
}

func failedAck(err error) putall.Ack {
	return putall.Ack{Status: putall.StatusFailed, Message: err.Error()}
}
