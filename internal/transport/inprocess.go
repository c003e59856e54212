package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/kverrors"
	"regionkv/internal/putall"
	"regionkv/internal/repair"
)

// InProcess routes messages between handlers registered in one process.
// Every message goes through its binary encoding so receivers see exactly
// what a remote peer would.
type InProcess struct {
	mu       sync.RWMutex
	handlers map[clock.MemberID]Handler
	down     map[clock.MemberID]bool
	delay    map[clock.MemberID]time.Duration
	sent     map[clock.MemberID]int
}

// NewInProcess creates an empty in-process network.
func NewInProcess() *InProcess {
	return &InProcess{
		handlers: make(map[clock.MemberID]Handler),
		down:     make(map[clock.MemberID]bool),
		delay:    make(map[clock.MemberID]time.Duration),
		sent:     make(map[clock.MemberID]int),
	}
}

// Endpoint is one member's view of an InProcess network.
type Endpoint struct {
	net   *InProcess
	local clock.MemberID
}

var (
	_ Transport      = (*Endpoint)(nil)
	_ repair.Fetcher = (*Endpoint)(nil)
)

// Endpoint returns the transport used by member local.
func (t *InProcess) Endpoint(local clock.MemberID) *Endpoint {
	return &Endpoint{net: t, local: local}
}

// PutAll sends b from this endpoint's member.
func (e *Endpoint) PutAll(ctx context.Context, to clock.MemberID, b *putall.Batch) (*putall.Reply, error) {
	return e.net.putAll(ctx, e.local, to, b)
}

// FetchValue reads a key from a member.
func (e *Endpoint) FetchValue(ctx context.Context, to clock.MemberID, region, key string) (repair.Snapshot, error) {
	return e.net.fetchValue(ctx, to, region, key)
}

// Register attaches a member's handler.
func (t *InProcess) Register(id clock.MemberID, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
}

// Unregister detaches a member.
func (t *InProcess) Unregister(id clock.MemberID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
}

// SetDown makes a member unreachable or reachable again.
func (t *InProcess) SetDown(id clock.MemberID, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[id] = down
}

// SetDelay delays delivery of every message to a member.
func (t *InProcess) SetDelay(id clock.MemberID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delay[id] = d
}

// Sent reports how many put-all messages reached a member.
func (t *InProcess) Sent(id clock.MemberID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sent[id]
}

func (t *InProcess) target(ctx context.Context, to clock.MemberID) (Handler, error) {
	t.mu.RLock()
	h, ok := t.handlers[to]
	down := t.down[to]
	delay := t.delay[to]
	t.mu.RUnlock()
	if !ok || down {
		return nil, errors.Wrapf(kverrors.ErrMemberUnreachable, "member %s", to)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "member %s", to)
		}
	}
	return h, nil
}

// putAll delivers an encoded copy of b and decodes the reply.
func (t *InProcess) putAll(ctx context.Context, from, to clock.MemberID, b *putall.Batch) (*putall.Reply, error) {
	h, err := t.target(ctx, to)
	if err != nil {
		return nil, err
	}
	data, err := b.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encoding batch")
	}
	remote := new(putall.Batch)
	if err := remote.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "decoding batch")
	}
	t.mu.Lock()
	t.sent[to]++
	t.mu.Unlock()

	reply, err := h.HandlePutAll(ctx, from, remote)
	if err != nil {
		return nil, errors.Wrapf(err, "member %s", to)
	}
	out, err := reply.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encoding reply")
	}
	decoded := new(putall.Reply)
	if err := decoded.UnmarshalBinary(out); err != nil {
		return nil, errors.Wrap(err, "decoding reply")
	}
	return decoded, nil
}

func (t *InProcess) fetchValue(ctx context.Context, to clock.MemberID, region, key string) (repair.Snapshot, error) {
	h, err := t.target(ctx, to)
	if err != nil {
		return repair.Snapshot{}, err
	}
	snap, err := h.HandleFetchValue(ctx, region, key)
	if err != nil {
		return repair.Snapshot{}, errors.Wrapf(err, "member %s", to)
	}
	data, err := (&fetchResponse{Snapshot: snap}).MarshalBinary()
	if err != nil {
		return repair.Snapshot{}, err
	}
	var resp fetchResponse
	if err := resp.UnmarshalBinary(data); err != nil {
		return repair.Snapshot{}, err
	}
	return resp.Snapshot, nil
}
