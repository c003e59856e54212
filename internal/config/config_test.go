package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regionkv/internal/region"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Peer
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []Peer{},
		},
		{
			name:  "single peer",
			input: "n1=127.0.0.1:50051",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
			},
		},
		{
			name:  "multiple peers",
			input: "n1=127.0.0.1:50051,n2=127.0.0.1:50052,n3=127.0.0.1:50053",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
				{ID: "n2", Addr: "127.0.0.1:50052"},
				{ID: "n3", Addr: "127.0.0.1:50053"},
			},
		},
		{
			name:  "with spaces",
			input: "n1 = 127.0.0.1:50051 , n2 = 127.0.0.1:50052",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
				{ID: "n2", Addr: "127.0.0.1:50052"},
			},
		},
		{
			name:    "invalid format - no equals",
			input:   "n1:127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty ID",
			input:   "=127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty addr",
			input:   "n1=",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePeers() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Errorf("ParsePeers() length = %d, want %d", len(got), len(tt.want))
					return
				}
				for i := range got {
					if got[i].ID != tt.want[i].ID || got[i].Addr != tt.want[i].Addr {
						t.Errorf("ParsePeers()[%d] = %v, want %v", i, got[i], tt.want[i])
					}
				}
			}
		})
	}
}

func TestConfig_RingMembers(t *testing.T) {
	cfg := &Config{
		Node: NodeConfig{
			ID:         "n1",
			ListenAddr: "127.0.0.1:50051",
			Peers: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
				{ID: "n2", Addr: "127.0.0.1:50052"},
				{ID: "n3", Addr: "127.0.0.1:50053"},
			},
		},
	}

	members := cfg.RingMembers()
	if len(members) != 3 {
		t.Errorf("Expected 3 members, got %d", len(members))
	}

	// Check that self is included
	foundSelf := false
	for _, m := range members {
		if m.ID == "n1" && m.Addr == "127.0.0.1:50051" {
			foundSelf = true
		}
	}
	if !foundSelf {
		t.Error("Self member not found in ring members")
	}
}

func TestLoad_MissingFileUsesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regionkv.yaml")
	doc := `
node:
  id: n2
  listen: 127.0.0.1:7401
  peers:
    - id: n1
      addr: 127.0.0.1:7400
transport:
  ack_timeout: 2s
membership:
  provider: gossip
regions:
  - name: orders
    type: partition
    total_buckets: 16
    redundancy: 2
    scope: noack
  - name: sessions
    concurrency_checks: false
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "n2", cfg.Node.ID)
	assert.Len(t, cfg.Node.Peers, 1)
	assert.Equal(t, 2*time.Second, cfg.Transport.AckTimeout)
	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Coordinator.MaxAttempts)
	assert.Equal(t, ProviderGossip, cfg.Membership.Provider)

	regions, err := cfg.RegionConfigs()
	require.NoError(t, err)
	require.Len(t, regions, 2)

	orders := regions[0]
	assert.Equal(t, region.Partition, orders.Type)
	assert.Equal(t, 16, orders.TotalBuckets)
	assert.Equal(t, 2, orders.Redundancy)
	assert.Equal(t, region.ScopeNoAck, orders.Scope)
	assert.True(t, orders.ConcurrencyChecks)

	sessions := regions[1]
	assert.Equal(t, region.Replicate, sessions.Type)
	assert.False(t, sessions.ConcurrencyChecks)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.Node.ID = "" }},
		{"missing listen", func(c *Config) { c.Node.ListenAddr = "" }},
		{"unknown provider", func(c *Config) { c.Membership.Provider = "dns" }},
		{"zookeeper without servers", func(c *Config) { c.Membership.Provider = ProviderZooKeeper }},
		{"duplicate region", func(c *Config) {
			c.Regions = append(c.Regions, RegionConfig{Name: "default"})
		}},
		{"bad region type", func(c *Config) { c.Regions[0].Type = "mirror" }},
		{"bad scope", func(c *Config) { c.Regions[0].Scope = "eventual" }},
		{"unknown delta codec", func(c *Config) { c.Regions[0].Delta = "json-patch" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestRegionConfig_DeltaCodec(t *testing.T) {
	codec, err := RegionConfig{Name: "plain"}.DeltaCodec()
	require.NoError(t, err)
	assert.Nil(t, codec)

	codec, err = RegionConfig{Name: "hits", Delta: "counter"}.DeltaCodec()
	require.NoError(t, err)
	require.NotNil(t, codec)
	v, err := codec.Decode([]byte("1"))
	require.NoError(t, err)
	require.NoError(t, v.ApplyDelta([]byte("2")))
	out, err := v.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, "3", string(out))
}
