package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName      = "regionkv.Replication"
	methodPutAll     = "/" + serviceName + "/PutAll"
	methodFetchValue = "/" + serviceName + "/FetchValue"
	methodPing       = "/" + serviceName + "/Ping"
	methodGossip     = "/" + serviceName + "/Gossip"
)

// replicationServer is the handler type registered with serviceDesc.
type replicationServer interface {
	putAll(ctx context.Context, req *putAllRequest) (*frame, error)
	fetchValue(ctx context.Context, req *fetchRequest) (*fetchResponse, error)
	ping(ctx context.Context, req *frame) (*frame, error)
	gossip(ctx context.Context, req *frame) (*frame, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PutAll", Handler: unary(methodPutAll, replicationServer.putAll)},
		{MethodName: "FetchValue", Handler: unary(methodFetchValue, replicationServer.fetchValue)},
		{MethodName: "Ping", Handler: unary(methodPing, replicationServer.ping)},
		{MethodName: "Gossip", Handler: unary(methodGossip, replicationServer.gossip)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "regionkv/replication",
}

// unary adapts a typed method into a grpc.MethodDesc handler.
func unary[Req any, Resp any](
	fullMethod string,
	call func(replicationServer, context.Context, *Req) (Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(replicationServer)
		if interceptor == nil {
			return call(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
			return call(s, ctx, r.(*Req))
		})
	}
}
