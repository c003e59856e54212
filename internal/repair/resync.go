package repair

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"regionkv/internal/clock"
	"regionkv/internal/kverrors"
)

// Snapshot is the full state of one key on one member.
type Snapshot struct {
	Value     []byte
	Tag       *clock.VersionTag
	Found     bool
	Tombstone bool
}

// Fetcher reads a key's full state from a member.
type Fetcher interface {
	FetchValue(ctx context.Context, member clock.MemberID, region, key string) (Snapshot, error)
}

// Resync fetches authoritative full values when a delta cannot be applied.
type Resync struct {
	fetcher Fetcher
	timeout time.Duration
	logger  zerolog.Logger
}

// NewResync creates a resync helper. Each candidate gets timeout to answer.
func NewResync(fetcher Fetcher, timeout time.Duration, logger zerolog.Logger) *Resync {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resync{
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger.With().Str("component", "resync").Logger(),
	}
}

// Fetch asks candidates in order for the key and returns the first
// snapshot at least as new as want. The error wraps kverrors.ErrDeltaGap
// when no candidate could supply one.
func (r *Resync) Fetch(ctx context.Context, region, key string, candidates []clock.MemberID, want *clock.VersionTag) (Snapshot, error) {
	var lastErr error
	for _, member := range candidates {
		snap, err := r.fetchOne(ctx, member, region, key)
		if err != nil {
			r.logger.Debug().Err(err).Str("member", member.String()).Str("key", key).Msg("full value fetch failed")
			lastErr = err
			continue
		}
		if !snap.Found || !snap.Tag.HasValidVersion() {
			continue
		}
		if want != nil && snap.Tag.EntryVersion < want.EntryVersion {
			r.logger.Debug().
				Str("member", member.String()).
				Str("key", key).
				Uint32("have", snap.Tag.EntryVersion).
				Uint32("want", want.EntryVersion).
				Msg("candidate is behind, trying next")
			continue
		}
		r.logger.Debug().Str("member", member.String()).Str("key", key).Stringer("tag", snap.Tag).Msg("fetched full value")
		return snap, nil
	}
	err := errors.Wrapf(kverrors.ErrDeltaGap, "no member could supply %s/%s at %s", region, key, want)
	if lastErr != nil {
		err = errors.WithSecondaryError(err, lastErr)
	}
	return Snapshot{}, err
}

func (r *Resync) fetchOne(ctx context.Context, member clock.MemberID, region, key string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.fetcher.FetchValue(ctx, member, region, key)
}
