package repair

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionkv/internal/clock"
	"regionkv/internal/kverrors"
)

type fakeFetcher struct {
	snaps map[clock.MemberID]Snapshot
	errs  map[clock.MemberID]error
	calls []clock.MemberID
}

func (f *fakeFetcher) FetchValue(ctx context.Context, member clock.MemberID, region, key string) (Snapshot, error) {
	f.calls = append(f.calls, member)
	if err := f.errs[member]; err != nil {
		return Snapshot{}, err
	}
	return f.snaps[member], nil
}

func TestResync_FetchSkipsFailedAndBehindCandidates(t *testing.T) {
	f := &fakeFetcher{
		snaps: map[clock.MemberID]Snapshot{
			"behind": {Value: []byte("old"), Tag: tag("w", 6, 6, 0), Found: true},
			"good":   {Value: []byte("full"), Tag: tag("w", 8, 8, 0), Found: true},
		},
		errs: map[clock.MemberID]error{"down": errors.Mark(errors.New("dial"), kverrors.ErrMemberUnreachable)},
	}
	r := NewResync(f, time.Second, zerolog.Nop())

	snap, err := r.Fetch(context.Background(), "r", "k", []clock.MemberID{"down", "behind", "good"}, tag("w", 8, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("full"), snap.Value)
	assert.Equal(t, []clock.MemberID{"down", "behind", "good"}, f.calls)
}

func TestResync_FetchFailsWithDeltaGap(t *testing.T) {
	f := &fakeFetcher{
		errs: map[clock.MemberID]error{"down": errors.New("dial")},
	}
	r := NewResync(f, time.Second, zerolog.Nop())

	_, err := r.Fetch(context.Background(), "r", "k", []clock.MemberID{"down", "empty"}, tag("w", 2, 2, 0))
	assert.ErrorIs(t, err, kverrors.ErrDeltaGap)
}
