package node

import (
	"context"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/kverrors"
	"regionkv/internal/putall"
	"regionkv/internal/repair"
	"regionkv/internal/transport"
)

var _ transport.Handler = (*Node)(nil)

// HandlePutAll applies a batch sent by another member to the local copy
// of its region.
func (n *Node) HandlePutAll(ctx context.Context, from clock.MemberID, b *putall.Batch) (*putall.Reply, error) {
	r, ok := n.regions[b.Region]
	if !ok {
		return nil, errors.Wrapf(kverrors.ErrRegionNotFound, "region %q", b.Region)
	}
	n.logger.Debug().
		Str("region", b.Region).
		Str("from", from.String()).
		Stringer("base", b.BaseEventID).
		Int("rows", b.Live()).
		Msg("applying put-all")
	return r.ApplyPutAll(ctx, b, from), nil
}

// HandleFetchValue returns the full state of a key for a member that
// could not apply a delta.
func (n *Node) HandleFetchValue(_ context.Context, regionName, key string) (repair.Snapshot, error) {
	r, ok := n.regions[regionName]
	if !ok {
		return repair.Snapshot{}, errors.Wrapf(kverrors.ErrRegionNotFound, "region %q", regionName)
	}
	if key == "" {
		return repair.Snapshot{}, errors.New("key cannot be empty")
	}
	return r.Snapshot(key)
}
