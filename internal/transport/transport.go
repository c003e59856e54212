package transport

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"regionkv/internal/clock"
	"regionkv/internal/gossip"
	"regionkv/internal/kverrors"
	"regionkv/internal/putall"
	"regionkv/internal/repair"
)

// Transport sends replication messages to members.
type Transport interface {
	PutAll(ctx context.Context, to clock.MemberID, b *putall.Batch) (*putall.Reply, error)
	FetchValue(ctx context.Context, to clock.MemberID, region, key string) (repair.Snapshot, error)
}

// Handler is the receiving side of a member.
type Handler interface {
	HandlePutAll(ctx context.Context, from clock.MemberID, b *putall.Batch) (*putall.Reply, error)
	HandleFetchValue(ctx context.Context, region, key string) (repair.Snapshot, error)
}

// GossipHandler answers membership messages.
type GossipHandler interface {
	HandlePing(d gossip.Digest) gossip.Digest
	HandleGossip(d gossip.Digest) gossip.Digest
}

// classify maps a call error onto the error taxonomy. Unreachable members
// and unknown regions are retryable on another owner; a deadline leaves
// the outcome unknown.
func classify(to clock.MemberID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "member %s", to)
	}
	s, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(err, "member %s", to)
	}
	switch s.Code() {
	case codes.Unavailable:
		return errors.Wrapf(errors.Mark(err, kverrors.ErrMemberUnreachable), "member %s", to)
	case codes.NotFound:
		return errors.Wrapf(errors.Mark(err, kverrors.ErrRegionNotFound), "member %s", to)
	case codes.DeadlineExceeded:
		return errors.Wrapf(errors.Mark(err, context.DeadlineExceeded), "member %s", to)
	case codes.Canceled:
		return errors.Wrapf(errors.Mark(err, context.Canceled), "member %s", to)
	}
	return errors.Wrapf(err, "member %s", to)
}

// toStatus maps handler errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kverrors.ErrRegionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
