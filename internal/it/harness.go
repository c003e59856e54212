package it

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"regionkv/internal/config"
	"regionkv/internal/httpapi"
	"regionkv/internal/node"
	"regionkv/internal/storage"
)

// Cluster represents a test cluster of in-process nodes talking gRPC
// over loopback.
type Cluster struct {
	nodes    []*Node
	provider string
	regions  []config.RegionConfig
	logger   zerolog.Logger
	mu       sync.Mutex
}

// Node represents a single node in the test cluster
type Node struct {
	ID       string
	Addr     string
	HTTPAddr string
	cfg      config.Config
	node     *node.Node
	client   *http.Client
}

// NewCluster creates a new test cluster harness
func NewCluster(provider string, regions []config.RegionConfig, logger zerolog.Logger) *Cluster {
	return &Cluster{
		provider: provider,
		regions:  regions,
		logger:   logger,
	}
}

func freePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// StartCluster starts n nodes that know each other as peers.
func (c *Cluster) StartCluster(ctx context.Context, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make([]config.Peer, 0, n)
	for i := 1; i <= n; i++ {
		port, err := freePort()
		if err != nil {
			return err
		}
		httpPort, err := freePort()
		if err != nil {
			return err
		}
		id := fmt.Sprintf("n%d", i)
		peers = append(peers, config.Peer{ID: id, Addr: loopback(port)})
		c.nodes = append(c.nodes, &Node{ID: id, Addr: loopback(port), HTTPAddr: loopback(httpPort)})
	}

	for _, nd := range c.nodes {
		nd.cfg = c.nodeConfig(nd, peers)
		if err := c.start(ctx, nd); err != nil {
			c.stopLocked()
			return errors.Wrapf(err, "failed to start node %s", nd.ID)
		}
	}
	return nil
}

func (c *Cluster) nodeConfig(nd *Node, peers []config.Peer) config.Config {
	cfg := config.Default()
	cfg.Node.ID = nd.ID
	cfg.Node.ListenAddr = nd.Addr
	cfg.Node.HTTPAddr = nd.HTTPAddr
	cfg.Node.Peers = peers
	cfg.Transport.AckTimeout = 2 * time.Second
	cfg.Transport.CallTimeout = 2 * time.Second
	cfg.Coordinator.RetryBackoff = 10 * time.Millisecond
	cfg.Membership.Provider = c.provider
	cfg.Membership.ProbeInterval = 100 * time.Millisecond
	cfg.Membership.SuspectTimeout = 300 * time.Millisecond
	cfg.Resource.CheckInterval = 50 * time.Millisecond
	cfg.Regions = c.regions
	return cfg
}

// start builds and starts the node from its config, then waits for it to
// serve HTTP.
func (c *Cluster) start(ctx context.Context, nd *Node) error {
	n, err := node.NewNode(nd.cfg, c.logger.With().Str("node", nd.ID).Logger())
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	nd.node = n
	nd.client = &http.Client{Timeout: 10 * time.Second}
	if err := c.waitForReady(ctx, nd, 10*time.Second); err != nil {
		n.Stop()
		nd.node = nil
		return err
	}
	return nil
}

// waitForReady waits for a node to be ready by checking health endpoint
func (c *Cluster) waitForReady(ctx context.Context, nd *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return errors.Newf("timeout waiting for node %s to be ready", nd.ID)
			}
			resp, err := nd.client.Get(nd.url("/health"))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Cluster) stopLocked() {
	for _, nd := range c.nodes {
		nd.Stop()
	}
	c.nodes = nil
}

// GetNode returns a node by ID
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// KillNode stops a specific node. Its in-memory regions are lost.
func (c *Cluster) KillNode(nodeID string) error {
	nd := c.GetNode(nodeID)
	if nd == nil {
		return errors.Newf("node %s not found", nodeID)
	}
	nd.Stop()
	return nil
}

// RestartNode starts a killed node again on the same addresses.
func (c *Cluster) RestartNode(ctx context.Context, nodeID string) error {
	nd := c.GetNode(nodeID)
	if nd == nil {
		return errors.Newf("node %s not found", nodeID)
	}
	nd.Stop()
	return c.start(ctx, nd)
}

// Stop stops a single node
func (n *Node) Stop() {
	if n.node != nil {
		n.node.Stop()
		n.node = nil
	}
}

// Server returns the running node.
func (n *Node) Server() *node.Node { return n.node }

// Local reads key from this node's own copy of the region.
func (n *Node) Local(region, key string) (storage.VersionedValue, error) {
	r, ok := n.node.Region(region)
	if !ok {
		return storage.VersionedValue{}, errors.Newf("region %s not hosted", region)
	}
	return r.Get(key)
}

func (n *Node) url(path string) string { return "http://" + n.HTTPAddr + path }

// Put writes a single key through the HTTP API.
func (n *Node) Put(ctx context.Context, region, key string, value []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.url("/regions/"+region+"/"+key), bytes.NewReader(value))
	if err != nil {
		return 0, err
	}
	return n.do(req, nil)
}

// Get reads a key through the HTTP API.
func (n *Node) Get(ctx context.Context, region, key string) (httpapi.ValueResponse, int, error) {
	var out httpapi.ValueResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.url("/regions/"+region+"/"+key), nil)
	if err != nil {
		return out, 0, err
	}
	status, err := n.do(req, &out)
	return out, status, err
}

// Delete destroys a key through the HTTP API.
func (n *Node) Delete(ctx context.Context, region, key string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, n.url("/regions/"+region+"/"+key), nil)
	if err != nil {
		return 0, err
	}
	return n.do(req, nil)
}

// PutAll sends a batch through the HTTP API.
func (n *Node) PutAll(ctx context.Context, region string, body httpapi.PutAllRequest) (httpapi.PutAllResponse, int, error) {
	var out httpapi.PutAllResponse
	b, err := json.Marshal(body)
	if err != nil {
		return out, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url("/regions/"+region), bytes.NewReader(b))
	if err != nil {
		return out, 0, err
	}
	status, err := n.do(req, &out)
	return out, status, err
}

func (n *Node) do(req *http.Request, out any) (int, error) {
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "decoding %s", body)
		}
	}
	return resp.StatusCode, nil
}
