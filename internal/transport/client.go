package transport

import (
	"sync"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientManager caches one gRPC connection per peer address.
type ClientManager struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewClientManager creates a client manager. Extra dial options are
// appended to the insecure transport credentials.
func NewClientManager(opts ...grpc.DialOption) *ClientManager {
	return &ClientManager{
		conns: make(map[string]*grpc.ClientConn),
		opts: append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(binaryCodec{})),
		}, opts...),
	}
}

// Conn returns the connection for addr, creating it on first use.
func (cm *ClientManager) Conn(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()

	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, cm.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	cm.conns[addr] = conn
	return conn, nil
}

// Forget closes and drops the connection for addr.
func (cm *ClientManager) Forget(addr string) {
	cm.mu.Lock()
	conn, ok := cm.conns[addr]
	delete(cm.conns, addr)
	cm.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Close closes all client connections.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var errs error
	for addr, conn := range cm.conns {
		if err := conn.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "closing %s", addr))
		}
	}
	cm.conns = make(map[string]*grpc.ClientConn)
	return errs
}
