package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
)

// DefaultPerMemberTimeout bounds each member call when no timeout is given.
const DefaultPerMemberTimeout = 2 * time.Second

// errNoAnswer marks members that had not answered when the caller gave up.
var errNoAnswer = errors.New("no answer before deadline")

// CallFunc performs one member's part of a fan-out.
type CallFunc[T any] func(ctx context.Context, member clock.MemberID) (T, error)

// Response is one member's answer.
type Response[T any] struct {
	Member clock.MemberID
	Value  T
	Err    error
}

// Result collects every member's answer in the order members were given.
type Result[T any] struct {
	Responses []Response[T]
	Acks      int
	Required  int
	// Err is set when fewer than Required members answered without error.
	Err error
}

// Success reports whether enough members answered.
func (r Result[T]) Success() bool { return r.Err == nil }

// Do calls fn for every member in parallel and waits for all of them or
// for ctx. required is the number of successful answers needed; zero
// means every member.
func Do[T any](ctx context.Context, members []clock.MemberID, required int, timeout time.Duration, fn CallFunc[T]) Result[T] {
	if required <= 0 || required > len(members) {
		required = len(members)
	}
	if timeout <= 0 {
		timeout = DefaultPerMemberTimeout
	}
	res := Result[T]{Required: required}
	if len(members) == 0 {
		res.Err = errors.New("no members to call")
		return res
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		responses = make([]Response[T], len(members))
		answered  = make([]bool, len(members))
	)
	for i, m := range members {
		wg.Add(1)
		go func(i int, m clock.MemberID) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := fn(callCtx, m)
			mu.Lock()
			defer mu.Unlock()
			responses[i] = Response[T]{Member: m, Value: v, Err: err}
			answered[i] = true
		}(i, m)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	res.Responses = make([]Response[T], len(members))
	var errs []error
	for i, m := range members {
		r := responses[i]
		if !answered[i] {
			r = Response[T]{Member: m, Err: errors.Wrapf(errNoAnswer, "member %s: %v", m, ctx.Err())}
		}
		res.Responses[i] = r
		if r.Err == nil {
			res.Acks++
		} else {
			errs = append(errs, r.Err)
		}
	}
	if res.Acks < required {
		res.Err = errors.Newf("%d of %d members answered, %d required", res.Acks, len(members), required)
		for _, e := range errs[:min(3, len(errs))] {
			res.Err = errors.WithSecondaryError(res.Err, e)
		}
	}
	return res
}

// IsNoAnswer reports whether err marks a member that never answered.
func IsNoAnswer(err error) bool { return errors.Is(err, errNoAnswer) }
