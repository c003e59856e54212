package transport

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"regionkv/internal/clock"
	"regionkv/internal/gossip"
	"regionkv/internal/putall"
	"regionkv/internal/repair"
)

// Resolver maps a member to its replication address.
type Resolver interface {
	Addr(id clock.MemberID) (string, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id clock.MemberID) (string, bool)

func (f ResolverFunc) Addr(id clock.MemberID) (string, bool) { return f(id) }

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCompression enables zstd compression of requests.
func WithCompression(on bool) ClientOption {
	return func(c *Client) { c.compress = on }
}

// WithCallTimeout bounds calls whose context carries no deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Client sends replication traffic over gRPC. It implements Transport,
// repair.Fetcher and gossip.Prober.
type Client struct {
	local    clock.MemberID
	clients  *ClientManager
	resolver Resolver
	compress bool
	timeout  time.Duration
}

// NewClient creates a gRPC client speaking for local.
func NewClient(local clock.MemberID, clients *ClientManager, resolver Resolver, opts ...ClientOption) *Client {
	c := &Client{
		local:    local,
		clients:  clients,
		resolver: resolver,
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ Transport      = (*Client)(nil)
	_ repair.Fetcher = (*Client)(nil)
	_ gossip.Prober  = (*Client)(nil)
)

func (c *Client) invoke(ctx context.Context, addr, method string, req, resp any) error {
	conn, err := c.clients.Conn(addr)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var opts []grpc.CallOption
	if c.compress {
		opts = append(opts, grpc.UseCompressor(CompressorName))
	}
	return conn.Invoke(ctx, method, req, resp, opts...)
}

func (c *Client) addr(to clock.MemberID) (string, error) {
	addr, ok := c.resolver.Addr(to)
	if !ok {
		return "", classify(to, status.Error(codes.Unavailable, "no known address"))
	}
	return addr, nil
}

// PutAll sends a batch to a member and returns its per-row reply.
func (c *Client) PutAll(ctx context.Context, to clock.MemberID, b *putall.Batch) (*putall.Reply, error) {
	addr, err := c.addr(to)
	if err != nil {
		return nil, err
	}
	data, err := b.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encoding batch")
	}
	reply := new(putall.Reply)
	err = c.invoke(ctx, addr, methodPutAll, &putAllRequest{From: c.local, Batch: data}, reply)
	if err != nil {
		return nil, classify(to, err)
	}
	return reply, nil
}

// FetchValue reads the full state of a key from a member.
func (c *Client) FetchValue(ctx context.Context, to clock.MemberID, region, key string) (repair.Snapshot, error) {
	addr, err := c.addr(to)
	if err != nil {
		return repair.Snapshot{}, err
	}
	resp := new(fetchResponse)
	if err := c.invoke(ctx, addr, methodFetchValue, &fetchRequest{Region: region, Key: key}, resp); err != nil {
		return repair.Snapshot{}, classify(to, err)
	}
	return resp.Snapshot, nil
}

// Ping probes addr directly.
func (c *Client) Ping(ctx context.Context, addr string, d gossip.Digest) (gossip.Digest, error) {
	return c.exchange(ctx, addr, methodPing, d)
}

// Gossip pushes a digest to addr and returns the peer's view.
func (c *Client) Gossip(ctx context.Context, addr string, d gossip.Digest) (gossip.Digest, error) {
	return c.exchange(ctx, addr, methodGossip, d)
}

func (c *Client) exchange(ctx context.Context, addr, method string, d gossip.Digest) (gossip.Digest, error) {
	var reply gossip.Digest
	if err := c.invoke(ctx, addr, method, &d, &reply); err != nil {
		return gossip.Digest{}, classify(clock.MemberID(addr), err)
	}
	return reply, nil
}

// Server exposes a member's Handler over gRPC.
type Server struct {
	handler    Handler
	membership GossipHandler
	grpc       *grpc.Server
	logger     zerolog.Logger
}

// NewServer creates a gRPC server. g may be nil when membership is not
// gossip based.
func NewServer(h Handler, g GossipHandler, logger zerolog.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		handler:    h,
		membership: g,
		logger:     logger.With().Str("component", "transport").Logger(),
	}
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(binaryCodec{})}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("replication server listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) putAll(ctx context.Context, req *putAllRequest) (*frame, error) {
	b := new(putall.Batch)
	if err := b.UnmarshalBinary(req.Batch); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decoding batch: %v", err)
	}
	reply, err := s.handler.HandlePutAll(ctx, req.From, b)
	if err != nil {
		s.logger.Warn().Err(err).Str("from", req.From.String()).Str("region", b.Region).Msg("put-all failed")
		return nil, toStatus(err)
	}
	data, err := reply.MarshalBinary()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding reply: %v", err)
	}
	return &frame{b: data}, nil
}

func (s *Server) fetchValue(ctx context.Context, req *fetchRequest) (*fetchResponse, error) {
	snap, err := s.handler.HandleFetchValue(ctx, req.Region, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &fetchResponse{Snapshot: snap}, nil
}

func (s *Server) ping(_ context.Context, req *frame) (*frame, error) {
	return s.digest(req, func(d gossip.Digest) gossip.Digest { return s.membership.HandlePing(d) })
}

func (s *Server) gossip(_ context.Context, req *frame) (*frame, error) {
	return s.digest(req, func(d gossip.Digest) gossip.Digest { return s.membership.HandleGossip(d) })
}

func (s *Server) digest(req *frame, handle func(gossip.Digest) gossip.Digest) (*frame, error) {
	if s.membership == nil {
		return nil, status.Error(codes.Unimplemented, "membership is not gossip based")
	}
	var d gossip.Digest
	if err := d.UnmarshalBinary(req.b); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decoding digest: %v", err)
	}
	out, err := handle(d).MarshalBinary()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding digest: %v", err)
	}
	return &frame{b: out}, nil
}
