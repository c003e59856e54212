package region

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Type is the distribution model of a region.
type Type uint8

const (
	// Replicate keeps every key on every hosting member.
	Replicate Type = iota
	// Partition hashes keys into buckets, each owned by a few members.
	Partition
)

func (t Type) String() string {
	if t == Partition {
		return "partition"
	}
	return "replicate"
}

// ParseType parses "replicate" or "partition".
func ParseType(s string) (Type, error) {
	switch s {
	case "", "replicate":
		return Replicate, nil
	case "partition":
		return Partition, nil
	}
	return 0, errors.Newf("unknown region type %q", s)
}

// Scope selects whether recipients acknowledge batches.
type Scope uint8

const (
	ScopeAck Scope = iota
	ScopeNoAck
)

func (s Scope) String() string {
	if s == ScopeNoAck {
		return "noack"
	}
	return "ack"
}

// ParseScope parses "ack" or "noack".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "ack":
		return ScopeAck, nil
	case "noack":
		return ScopeNoAck, nil
	}
	return 0, errors.Newf("unknown scope %q", s)
}

// Config is the explicit per-region configuration.
type Config struct {
	Name string
	Type Type
	// TotalBuckets and Redundancy apply to partitioned regions.
	TotalBuckets int
	Redundancy   int

	ConcurrencyChecks bool
	Scope             Scope
	OldValuesEnabled  bool
	CopyOnRead        bool
	OffHeap           bool
	TombstoneTTL      time.Duration
	// Accessor regions hold no data and never mint versions.
	Accessor bool
}

// DefaultConfig returns a replicated region with concurrency checks on.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		Type:              Replicate,
		TotalBuckets:      113,
		Redundancy:        1,
		ConcurrencyChecks: true,
		Scope:             ScopeAck,
		TombstoneTTL:      10 * time.Minute,
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("region name is required")
	}
	if c.Type == Partition && c.TotalBuckets <= 0 {
		return errors.Newf("region %s: partitioned region needs total buckets", c.Name)
	}
	if c.Redundancy < 0 {
		return errors.Newf("region %s: negative redundancy", c.Name)
	}
	return nil
}

// RequiresAck reports whether senders must wait for acknowledgements.
func (c Config) RequiresAck() bool { return c.Scope == ScopeAck }

// GeneratesVersions reports whether members hosting this region mint
// version tags for versionless writes.
func (c Config) GeneratesVersions() bool { return c.ConcurrencyChecks && !c.Accessor }
