package node

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/coordinator"
	"regionkv/internal/kverrors"
	"regionkv/internal/quorum"
	"regionkv/internal/repair"
)

// PutAll writes entries to a region through the coordinator.
func (n *Node) PutAll(ctx context.Context, regionName string, entries []coordinator.Entry, opts coordinator.Options) (*coordinator.Result, error) {
	return n.coord.PutAll(ctx, regionName, entries, opts)
}

// Put writes a single key. It is a one-entry put-all.
func (n *Node) Put(ctx context.Context, regionName, key string, value []byte) (*clock.VersionTag, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	return n.single(ctx, regionName, coordinator.Entry{Key: key, Value: value})
}

// Delete destroys a single key on every owner.
func (n *Node) Delete(ctx context.Context, regionName, key string) (*clock.VersionTag, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	return n.single(ctx, regionName, coordinator.Entry{Key: key, Destroy: true})
}

func (n *Node) single(ctx context.Context, regionName string, e coordinator.Entry) (*clock.VersionTag, error) {
	res, err := n.coord.PutAll(ctx, regionName, []coordinator.Entry{e}, coordinator.Options{})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Applied[0].Tag, nil
}

// Get reads key. A member owning the key answers from its own copy;
// otherwise the live owners are asked and the newest copy wins.
func (n *Node) Get(ctx context.Context, regionName, key string) (repair.Snapshot, error) {
	if key == "" {
		return repair.Snapshot{}, errors.New("key cannot be empty")
	}
	r, ok := n.regions[regionName]
	if !ok {
		return repair.Snapshot{}, errors.Wrapf(kverrors.ErrRegionNotFound, "region %q", regionName)
	}
	cfg := r.Config()
	owners := n.router.Owners(cfg, n.router.BucketFor(cfg, key))
	if len(owners) == 0 || slices.Contains(owners, n.id) {
		return r.Snapshot(key)
	}

	live := make([]clock.MemberID, 0, len(owners))
	for _, m := range owners {
		if n.membership.IsAlive(m) {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return repair.Snapshot{}, errors.Wrapf(kverrors.ErrReplicaUnavailable, "no live owner of %s/%s", regionName, key)
	}

	res := quorum.Do(ctx, live, 1, n.cfg.Transport.CallTimeout,
		func(ctx context.Context, m clock.MemberID) (repair.Snapshot, error) {
			return n.client.FetchValue(ctx, m, regionName, key)
		})
	if !res.Success() {
		return repair.Snapshot{}, errors.Mark(res.Err, kverrors.ErrReplicaUnavailable)
	}
	var best repair.Snapshot
	for _, resp := range res.Responses {
		if resp.Err != nil {
			continue
		}
		if newer(resp.Value, best) {
			best = resp.Value
		}
	}
	return best, nil
}

// newer orders copies of one key by entry version, then by tie-break.
func newer(a, b repair.Snapshot) bool {
	switch {
	case a.Tag == nil:
		return false
	case b.Tag == nil:
		return true
	case a.Tag.EntryVersion != b.Tag.EntryVersion:
		return a.Tag.EntryVersion > b.Tag.EntryVersion
	}
	return a.Tag.WinsTieBreak(b.Tag)
}
