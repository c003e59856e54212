package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/region"
	"regionkv/internal/ring"
)

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config holds the node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Logging     LoggingConfig     `yaml:"logging"`
	Transport   TransportConfig   `yaml:"transport"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Membership  MembershipConfig  `yaml:"membership"`
	Resource    ResourceConfig    `yaml:"resource"`
	Regions     []RegionConfig    `yaml:"regions"`
}

type NodeConfig struct {
	ID         string `yaml:"id"`
	ListenAddr string `yaml:"listen"`
	HTTPAddr   string `yaml:"http"`
	Peers      []Peer `yaml:"peers"`
	VNodes     int    `yaml:"vnodes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TransportConfig struct {
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Compression bool          `yaml:"compression"`
}

type CoordinatorConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxInFlight  int           `yaml:"max_in_flight"`
}

// Membership providers.
const (
	ProviderStatic    = "static"
	ProviderGossip    = "gossip"
	ProviderZooKeeper = "zookeeper"
)

type MembershipConfig struct {
	Provider       string        `yaml:"provider"`
	ZKServers      []string      `yaml:"zk_servers"`
	ZKRoot         string        `yaml:"zk_root"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SuspectTimeout time.Duration `yaml:"suspect_timeout"`
}

type ResourceConfig struct {
	CriticalHeapBytes      uint64        `yaml:"critical_heap_bytes"`
	CriticalOffHeapPercent float64       `yaml:"critical_off_heap_percent"`
	OffHeapCapacity        int64         `yaml:"off_heap_capacity"`
	CheckInterval          time.Duration `yaml:"check_interval"`
}

// RegionConfig is the file form of a region.Config. Unset fields take
// region.DefaultConfig values.
type RegionConfig struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"`
	TotalBuckets      int           `yaml:"total_buckets"`
	Redundancy        *int          `yaml:"redundancy"`
	ConcurrencyChecks *bool         `yaml:"concurrency_checks"`
	Scope             string        `yaml:"scope"`
	OldValuesEnabled  bool          `yaml:"old_values_enabled"`
	CopyOnRead        bool          `yaml:"copy_on_read"`
	OffHeap           bool          `yaml:"off_heap"`
	TombstoneTTL      time.Duration `yaml:"tombstone_ttl"`
	Accessor          bool          `yaml:"accessor"`
	// Delta names the built-in codec for values that accept deltas.
	Delta string `yaml:"delta"`
}

// DeltaCodec returns the codec named by Delta, nil when none is set.
func (rc RegionConfig) DeltaCodec() (event.DeltaCodec, error) {
	if rc.Delta == "" {
		return nil, nil
	}
	codec, ok := event.LookupDeltaCodec(rc.Delta)
	if !ok {
		return nil, errors.Newf("region %q: unknown delta codec %q", rc.Name, rc.Delta)
	}
	return codec, nil
}

// Region converts the file form into a validated region.Config.
func (rc RegionConfig) Region() (region.Config, error) {
	cfg := region.DefaultConfig(rc.Name)
	if rc.Type != "" {
		t, err := region.ParseType(rc.Type)
		if err != nil {
			return cfg, err
		}
		cfg.Type = t
	}
	if rc.Scope != "" {
		s, err := region.ParseScope(rc.Scope)
		if err != nil {
			return cfg, err
		}
		cfg.Scope = s
	}
	if rc.TotalBuckets > 0 {
		cfg.TotalBuckets = rc.TotalBuckets
	}
	if rc.Redundancy != nil {
		cfg.Redundancy = *rc.Redundancy
	}
	if rc.ConcurrencyChecks != nil {
		cfg.ConcurrencyChecks = *rc.ConcurrencyChecks
	}
	if rc.TombstoneTTL > 0 {
		cfg.TombstoneTTL = rc.TombstoneTTL
	}
	cfg.OldValuesEnabled = rc.OldValuesEnabled
	cfg.CopyOnRead = rc.CopyOnRead
	cfg.OffHeap = rc.OffHeap
	cfg.Accessor = rc.Accessor
	return cfg, cfg.Validate()
}

// Default returns a single-node development config with one replicated
// region.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:         "n1",
			ListenAddr: "127.0.0.1:7400",
			HTTPAddr:   "127.0.0.1:7480",
			VNodes:     128,
		},
		Logging: LoggingConfig{Level: "info"},
		Transport: TransportConfig{
			AckTimeout:  5 * time.Second,
			CallTimeout: 10 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MaxAttempts:  3,
			RetryBackoff: 50 * time.Millisecond,
			MaxInFlight:  64,
		},
		Membership: MembershipConfig{
			Provider:       ProviderStatic,
			ZKRoot:         "/regionkv",
			ProbeInterval:  time.Second,
			SuspectTimeout: 3 * time.Second,
		},
		Resource: ResourceConfig{
			CriticalOffHeapPercent: 90,
			OffHeapCapacity:        256 << 20,
			CheckInterval:          time.Second,
		},
		Regions: []RegionConfig{{Name: "default", Type: "replicate"}},
	}
}

// Load reads a YAML config. A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "reading %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if c.Node.ListenAddr == "" {
		return errors.New("node.listen is required")
	}
	switch c.Membership.Provider {
	case ProviderStatic, ProviderGossip:
	case ProviderZooKeeper:
		if len(c.Membership.ZKServers) == 0 {
			return errors.New("membership.zk_servers is required for the zookeeper provider")
		}
	default:
		return errors.Newf("unknown membership provider %q", c.Membership.Provider)
	}
	seen := make(map[string]bool, len(c.Regions))
	for i, rc := range c.Regions {
		if seen[rc.Name] {
			return errors.Newf("region %q declared twice", rc.Name)
		}
		seen[rc.Name] = true
		if _, err := rc.Region(); err != nil {
			return errors.Wrapf(err, "regions[%d]", i)
		}
		if _, err := rc.DeltaCodec(); err != nil {
			return errors.Wrapf(err, "regions[%d]", i)
		}
	}
	return nil
}

// RegionConfigs converts every declared region.
func (c *Config) RegionConfigs() ([]region.Config, error) {
	out := make([]region.Config, 0, len(c.Regions))
	for _, rc := range c.Regions {
		cfg, err := rc.Region()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Newf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, errors.Newf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// RingMembers converts config peers + self into ring members.
// Includes self in the list.
func (c *Config) RingMembers() []ring.Member {
	members := make([]ring.Member, 0, len(c.Node.Peers)+1)

	members = append(members, ring.Member{
		ID:   clock.MemberID(c.Node.ID),
		Addr: c.Node.ListenAddr,
	})

	for _, peer := range c.Node.Peers {
		// Skip self if it appears in peers list
		if peer.ID != c.Node.ID {
			members = append(members, ring.Member{
				ID:   clock.MemberID(peer.ID),
				Addr: peer.Addr,
			})
		}
	}

	return members
}
