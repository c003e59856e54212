package coordinator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/kverrors"
	"regionkv/internal/metrics"
	"regionkv/internal/putall"
	"regionkv/internal/quorum"
	"regionkv/internal/region"
)

// operation is one put-all in flight.
type operation struct {
	c        *Coordinator
	cfg      region.Config
	base     event.EventID
	keys     []string
	outcomes []outcome
}

func (op *operation) transition(bucket int, s State, member clock.MemberID) {
	if op.c.trace != nil {
		op.c.trace(Transition{Base: op.base, Bucket: bucket, State: s, Member: member})
	}
}

func (op *operation) assemble(entries []Entry, opts Options) (*putall.Batch, error) {
	b := putall.NewBatch(op.cfg.Name, op.base, len(entries))
	op.keys = make([]string, len(entries))
	b.CallbackArg = opts.CallbackArg
	b.SkipCallbacks = opts.SkipCallbacks
	b.PossibleDuplicate = !opts.BaseEventID.IsZero()
	for i, e := range entries {
		op.keys[i] = e.Key
		d := putall.EntryData{
			Key:               e.Key,
			Op:                event.OpPutAllCreate,
			EventID:           op.base.At(i),
			BucketID:          op.c.router.BucketFor(op.cfg, e.Key),
			PossibleDuplicate: b.PossibleDuplicate,
		}
		switch {
		case e.Destroy:
			d.Op = event.OpDestroy
		case e.Delta != nil:
			if e.Value != nil {
				return nil, errors.Newf("entry %d (%q) has both a value and a delta", i, e.Key)
			}
			d.Op = event.OpPutAllUpdate
			d.Kind = putall.ValueDelta
			d.Value = e.Delta
		case e.Value == nil:
			return nil, errors.Newf("entry %d (%q) has no value", i, e.Key)
		default:
			d.Value = e.Value
		}
		if e.Tag.HasValidVersion() {
			d.Tag = e.Tag.Copy()
		}
		if err := b.AddEntryData(d); err != nil {
			return nil, err
		}
	}
	b.Seal()
	return b, nil
}

// route splits the batch by bucket. A replicated region has a single
// group holding the batch itself.
func (op *operation) route(b *putall.Batch) map[int]*putall.Batch {
	if op.cfg.Type != region.Partition {
		return map[int]*putall.Batch{putall.NoBucket: b}
	}
	return b.CreatePRMessages()
}

// sendBucket drives one bucket through its states. Only a failure that
// dooms the whole put-all is returned.
func (op *operation) sendBucket(ctx context.Context, sub *putall.Batch) error {
	bucket := sub.BucketID
	op.transition(bucket, StateRoute, "")

	owners := op.liveOwners(bucket)
	if len(owners) == 0 {
		err := errors.Wrapf(kverrors.ErrReplicaUnavailable, "bucket %d has no live owner", bucket)
		op.rejectAll(sub, err)
		return op.finish(sub, op.offline(err))
	}
	if m, ok := op.criticalOwner(owners); ok {
		op.rejectWrites(sub, errors.Wrapf(kverrors.ErrLowMemory, "owner %s is critical", m))
		if sub.Live() == 0 {
			return op.finish(sub, nil)
		}
	}

	var minter clock.MemberID
	if op.cfg.ConcurrencyChecks && sub.SelectVersionless().Live() > 0 {
		// the whole bucket goes to the minter in one message so it sees the
		// batch's sequence numbers in order
		m, reply, err := op.mint(ctx, sub, owners)
		switch {
		case err == nil:
			minter = m
			op.recordMinted(sub, reply)
		case errors.Is(err, kverrors.ErrReplicaUnavailable):
			op.rejectRows(sub, sub.SelectVersionless(), err)
			if fatal := op.offline(err); fatal != nil {
				return op.finish(sub, fatal)
			}
		default:
			op.unknownAll(sub, err)
		}
	}
	if sub.Live() > 0 {
		op.replicate(ctx, sub, owners, minter)
	}
	return op.finish(sub, nil)
}

// offline turns exhausted owners of a region that mints versions on
// every replica into a failure of the whole put-all.
func (op *operation) offline(err error) error {
	if op.cfg.Type == region.Replicate && op.cfg.GeneratesVersions() {
		return errors.Mark(errors.Wrapf(err, "region %s", op.cfg.Name), kverrors.ErrReplicasOffline)
	}
	return nil
}

func (op *operation) finish(sub *putall.Batch, fatal error) error {
	switch {
	case fatal != nil:
		op.transition(sub.BucketID, StateFatal, "")
		op.c.logger.Warn().Err(fatal).Str("region", op.cfg.Name).Msg("put-all failed")
		return fatal
	case op.bucketComplete(sub):
		op.transition(sub.BucketID, StateComplete, "")
	default:
		op.transition(sub.BucketID, StatePartial, "")
	}
	return nil
}

func (op *operation) bucketComplete(sub *putall.Batch) bool {
	for i := 0; i < sub.Len(); i++ {
		if op.outcomes[sub.ParentIndex(i)].state != applied {
			return false
		}
	}
	return true
}

func (op *operation) liveOwners(bucket int) []clock.MemberID {
	owners := op.c.router.Owners(op.cfg, bucket)
	live := make([]clock.MemberID, 0, len(owners))
	for _, m := range owners {
		if op.c.memory.IsAlive(m) {
			live = append(live, m)
		}
	}
	return live
}

func (op *operation) criticalOwner(owners []clock.MemberID) (clock.MemberID, bool) {
	for _, m := range owners {
		if op.c.memory.IsCritical(m) {
			return m, true
		}
	}
	return "", false
}

// mint sends the bucket to the first owner that answers, moving to the
// next owner when one is unreachable. The owner assigns versions to rows
// without one and reconciles the rest.
func (op *operation) mint(ctx context.Context, b *putall.Batch, owners []clock.MemberID) (clock.MemberID, *putall.Reply, error) {
	attempts := min(op.c.maxAttempts, len(owners))
	lastErr := errors.New("no owner to try")
	for attempt := 0; attempt < attempts; attempt++ {
		m := owners[attempt]
		if attempt > 0 {
			op.c.metrics.Retry()
			op.transition(b.BucketID, StateRetry, m)
			if err := sleep(ctx, op.c.backoff); err != nil {
				return "", nil, err
			}
		}
		op.transition(b.BucketID, StateSend, m)
		reply, err := op.send(ctx, m, b, metrics.PhaseMint)
		if err == nil {
			op.transition(b.BucketID, StateAwaitAck, m)
			return m, reply, nil
		}
		if !kverrors.IsRetryable(err) {
			return "", nil, err
		}
		op.c.logger.Debug().Err(err).Str("member", m.String()).Int("bucket", b.BucketID).Msg("owner unreachable")
		lastErr = err
	}
	return "", nil, errors.Mark(
		errors.Wrapf(lastErr, "bucket %d: %d owners tried", b.BucketID, attempts),
		kverrors.ErrReplicaUnavailable)
}

// recordMinted settles every row of sub from the minting owner's answer
// and stamps the versions it settled them under. A duplicate carries the
// version the event was first applied at, so the other owners receive it
// as well.
func (op *operation) recordMinted(sub *putall.Batch, reply *putall.Reply) {
	positions := livePositions(sub)
	for k, ack := range reply.Acks {
		i := positions[k]
		d, _ := sub.Entry(i)
		root := sub.ParentIndex(i)
		if !ack.Succeeded() {
			op.outcomes[root] = rejectedOutcome(d.Key, ack)
			sub.Remove(i)
			continue
		}
		op.outcomes[root] = outcome{state: applied, status: ack.Status, tag: ack.Tag}
		switch {
		case ack.Status == putall.StatusStale:
			// the row keeps its own version and loses on every owner
		case ack.Tag.HasValidVersion():
			d.Tag = ack.Tag.Copy()
		case !d.Tag.HasValidVersion():
			op.c.logger.Warn().Str("key", d.Key).Str("status", ack.Status.String()).
				Msg("owner answered without a version, entry not replicated")
			sub.Remove(i)
		}
	}
}

// replicate sends sub to every owner but the minter. A row is applied
// when each owner that answered accepted it and rejected when each one
// refused it. A row some owners hold and others refused is left unknown
// with the refusal as its cause. Unreachable owners are skipped as long
// as one owner answered.
func (op *operation) replicate(ctx context.Context, sub *putall.Batch, owners []clock.MemberID, minter clock.MemberID) {
	targets := make([]clock.MemberID, 0, len(owners))
	for _, m := range owners {
		if m != minter {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		return
	}
	if !sub.ShouldAck(op.cfg.RequiresAck(), op.cfg.ConcurrencyChecks) {
		op.settleUnacknowledged(sub)
		op.replicateInBackground(sub, targets)
		return
	}

	for _, m := range targets {
		op.transition(sub.BucketID, StateSend, m)
	}
	res := quorum.Do(ctx, targets, 1, op.c.ackTimeout, func(ctx context.Context, m clock.MemberID) (*putall.Reply, error) {
		return op.send(ctx, m, sub, metrics.PhaseReplicate)
	})
	op.transition(sub.BucketID, StateAwaitAck, "")

	answers := make([]map[int]putall.Ack, len(res.Responses))
	for j, r := range res.Responses {
		if r.Err != nil {
			op.c.logger.Debug().Err(r.Err).Str("member", r.Member.String()).Int("bucket", sub.BucketID).Msg("replica send failed")
			continue
		}
		answers[j] = acksByPosition(sub, r.Value)
	}

	for i, d := range sub.Entries() {
		o := &op.outcomes[sub.ParentIndex(i)]
		var (
			refusal   putall.Ack
			refusedBy clock.MemberID
		)
		for j, r := range res.Responses {
			ack, ok := answers[j][i]
			if !ok {
				continue
			}
			if ack.Succeeded() {
				if o.state == pending {
					*o = outcome{state: applied, status: ack.Status, tag: ack.Tag}
				}
				continue
			}
			if refusedBy == "" {
				refusal, refusedBy = ack, r.Member
			}
		}
		switch {
		case refusedBy == "":
			if o.state == pending {
				*o = failedSendOutcome(d.Key, res.Responses)
			}
		case o.state == applied:
			op.c.logger.Warn().Str("member", refusedBy.String()).Str("key", d.Key).
				Str("status", refusal.Status.String()).Msg("owner refused an entry other owners hold")
			*o = partialOutcome(d.Key, refusedBy, refusal)
		case o.state == pending:
			*o = rejectedOutcome(d.Key, refusal)
		}
	}
}

func (op *operation) replicateInBackground(sub *putall.Batch, targets []clock.MemberID) {
	c := op.c
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		defer cancel()
		res := quorum.Do(ctx, targets, 0, c.ackTimeout, func(ctx context.Context, m clock.MemberID) (*putall.Reply, error) {
			return op.send(ctx, m, sub, metrics.PhaseReplicate)
		})
		if res.Err != nil {
			c.logger.Warn().Err(res.Err).Str("region", op.cfg.Name).Int("bucket", sub.BucketID).Msg("unacknowledged replication incomplete")
		}
	}()
}

func (op *operation) send(ctx context.Context, m clock.MemberID, b *putall.Batch, phase string) (*putall.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, op.c.ackTimeout)
	defer cancel()
	start := time.Now()
	reply, err := op.c.transport.PutAll(ctx, m, b)
	op.c.metrics.ObserveSend(phase, start)
	if err != nil {
		return nil, err
	}
	if len(reply.Acks) != b.Live() {
		return nil, errors.AssertionFailedf("member %s answered %d acks for %d entries", m, len(reply.Acks), b.Live())
	}
	op.c.memory.Observe(m, reply.Critical)
	return reply, nil
}

// settleUnacknowledged counts pending rows as applied once they are
// handed to owners that will not acknowledge them.
func (op *operation) settleUnacknowledged(sub *putall.Batch) {
	for i := range sub.Entries() {
		if o := &op.outcomes[sub.ParentIndex(i)]; o.state == pending {
			*o = outcome{state: applied, status: putall.StatusApplied}
		}
	}
}

func (op *operation) rejectAll(sub *putall.Batch, err error) {
	for i, d := range sub.Entries() {
		op.outcomes[sub.ParentIndex(i)] = outcome{state: rejected, err: kverrors.ForKey(d.Key, err)}
		sub.Remove(i)
	}
}

// rejectWrites refuses every row except destroys and invalidates, which
// free memory and stay admissible.
func (op *operation) rejectWrites(sub *putall.Batch, err error) {
	for i, d := range sub.Entries() {
		if d.Op.IsDestroy() || d.Op.IsInvalidate() {
			continue
		}
		op.outcomes[sub.ParentIndex(i)] = outcome{state: rejected, status: putall.StatusLowMemory, err: kverrors.ForKey(d.Key, err)}
		sub.Remove(i)
	}
}

// rejectRows settles the rows of derived batch b, drawn from sub.
func (op *operation) rejectRows(sub, b *putall.Batch, err error) {
	for i, d := range b.Entries() {
		subIdx := b.ParentIndex(i)
		op.outcomes[sub.ParentIndex(subIdx)] = outcome{state: rejected, err: kverrors.ForKey(d.Key, err)}
		sub.Remove(subIdx)
	}
}

func (op *operation) unknownAll(sub *putall.Batch, err error) {
	for i, d := range sub.Entries() {
		op.outcomes[sub.ParentIndex(i)] = outcome{state: unknown, err: kverrors.ForKey(d.Key, err)}
		sub.Remove(i)
	}
}

func (op *operation) result() *Result {
	res := &Result{BaseEventID: op.base}
	for i, o := range op.outcomes {
		key := op.keys[i]
		switch o.state {
		case applied:
			res.Applied = append(res.Applied, Applied{Key: key, Tag: o.tag, Status: o.status})
		case rejected:
			res.Rejections = append(res.Rejections, Rejection{Key: key, Err: o.err})
		default:
			res.Unknown = append(res.Unknown, key)
			res.unknownErrs = append(res.unknownErrs, o.err)
		}
	}
	return res
}

func rejectedOutcome(key string, ack putall.Ack) outcome {
	return outcome{state: rejected, status: ack.Status, err: kverrors.ForKey(key, refusalCause(ack))}
}

// partialOutcome is a row held by some owners and refused by member.
func partialOutcome(key string, member clock.MemberID, ack putall.Ack) outcome {
	err := errors.Wrapf(refusalCause(ack), "owner %s refused its copy", member)
	return outcome{state: unknown, status: ack.Status, err: kverrors.ForKey(key, err)}
}

func refusalCause(ack putall.Ack) error {
	if ack.Status == putall.StatusLowMemory {
		return kverrors.ErrLowMemory
	}
	return errors.Newf("entry failed: %s", ack.Message)
}

// failedSendOutcome classifies a row no owner answered for. Unreachable
// owners reject it; a timeout leaves it unknown.
func failedSendOutcome(key string, responses []quorum.Response[*putall.Reply]) outcome {
	var lastErr error
	for _, r := range responses {
		if r.Err == nil {
			continue
		}
		if !kverrors.IsRetryable(r.Err) {
			return outcome{state: unknown, err: kverrors.ForKey(key, r.Err)}
		}
		lastErr = r.Err
	}
	if lastErr == nil {
		lastErr = errors.New("no owner acknowledged the entry")
	}
	return outcome{state: rejected, err: kverrors.ForKey(key, errors.Mark(lastErr, kverrors.ErrReplicaUnavailable))}
}

// livePositions lists the live positions of b. A receiver's reply has one
// ack per live position, in order.
func livePositions(b *putall.Batch) []int {
	out := make([]int, 0, b.Live())
	for i := range b.Entries() {
		out = append(out, i)
	}
	return out
}

// acksByPosition keys the acks of a reply to sent by live position.
func acksByPosition(sent *putall.Batch, reply *putall.Reply) map[int]putall.Ack {
	positions := livePositions(sent)
	out := make(map[int]putall.Ack, len(positions))
	for k, ack := range reply.Acks {
		out[positions[k]] = ack
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
