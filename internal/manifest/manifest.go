// Package manifest decodes the YAML project manifest into the typed
// configuration structures the rest of the engine consumes. Manifest
// *parsing* is a named external collaborator in the wider project, but the
// core still needs a concrete shape to load and validate against, so the
// types and the loader live here.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlockPollFrequencyKind selects how a network's live-tail poll cadence is
// computed.
type BlockPollFrequencyKind string

const (
	PollRapid        BlockPollFrequencyKind = "rapid"
	PollRPCOptimized BlockPollFrequencyKind = "rpc-optimized"
	PollFixedMs      BlockPollFrequencyKind = "fixed-ms"
	PollBlockTimeDiv BlockPollFrequencyKind = "block-time-div"
)

// BlockPollFrequency is the closed sum type from the original manifest:
// rapid | rpc-optimized | fixed-ms(N) | block-time/N.
type BlockPollFrequency struct {
	Kind   BlockPollFrequencyKind `yaml:"kind"`
	Millis uint64                 `yaml:"millis,omitempty"`
	Divisor uint64                `yaml:"divisor,omitempty"`
}

// AddressFilteringKind selects how a network partitions large address sets
// across eth_getLogs requests.
type AddressFilteringKind string

const (
	AddressFilteringInMemory  AddressFilteringKind = "in-memory"
	AddressFilteringMaxPerReq AddressFilteringKind = "max-per-request"
)

// AddressFiltering mirrors the original's AddressFiltering enum.
type AddressFiltering struct {
	Kind          AddressFilteringKind `yaml:"kind"`
	MaxAddresses  int                  `yaml:"max_addresses,omitempty"`
}

// Network is the Network Descriptor from the data model: chain id, RPC
// endpoint, request budget, optional hard max block range, poll cadence,
// bloom-filter flag, address-filtering mode.
type Network struct {
	Name                string              `yaml:"name"`
	ChainID             uint64              `yaml:"chain_id"`
	RPCURL              string              `yaml:"rpc"`
	WSURL               string              `yaml:"ws,omitempty"`
	ComputeUnitsPerSec  int                 `yaml:"compute_units_per_second,omitempty"`
	MaxBlockRange       uint64              `yaml:"max_block_range,omitempty"`
	BlockPollFrequency  *BlockPollFrequency `yaml:"block_poll_frequency,omitempty"`
	CheckBloom          bool                `yaml:"check_bloom,omitempty"`
	AddressFiltering    *AddressFiltering   `yaml:"address_filtering,omitempty"`
	ReorgSafeDistance   uint64              `yaml:"reorg_safe_distance,omitempty"`
}

// IndexedFilter constrains a single indexed (topic) parameter to a set of
// allowed values.
type IndexedFilter struct {
	ParamName string   `yaml:"param_name"`
	Values    []string `yaml:"values"`
}

// Factory describes a filter sourced from a parent contract's discovered
// child addresses instead of a fixed address set.
type Factory struct {
	ParentContract     string `yaml:"parent_contract"`
	ParentEvent        string `yaml:"parent_event"`
	ChildAddressParam  string `yaml:"child_address_param"`
}

// ContractDetail binds one contract+event registration to a network: either
// a fixed address set, a bare topic filter, or a Factory reference.
type ContractDetail struct {
	Network          string           `yaml:"network"`
	Addresses        []string         `yaml:"addresses,omitempty"`
	Factory          *Factory         `yaml:"factory,omitempty"`
	StartBlock       uint64           `yaml:"start_block"`
	EndBlock         *uint64          `yaml:"end_block,omitempty"`
	IndexedFilters   []IndexedFilter  `yaml:"indexed_filters,omitempty"`
	ReorgSafeDistance *uint64         `yaml:"reorg_safe_distance,omitempty"`
}

// Contract declares an ABI and the networks/events it should be indexed on.
type Contract struct {
	Name               string            `yaml:"name"`
	ABIPath            string            `yaml:"abi"`
	Details            []ContractDetail  `yaml:"details"`
	IncludeEvents      []string          `yaml:"include_events,omitempty"`
	IndexEventsInOrder bool              `yaml:"index_event_in_order,omitempty"`
	DependencyEvents   []string          `yaml:"dependency_events,omitempty"`
}

// Storage configures the relational, file and/or stream write targets.
type Storage struct {
	PostgresURL string `yaml:"postgres,omitempty"`
	DataDir     string `yaml:"data_dir,omitempty"`
}

// NativeTransfers opts into trace-derived pseudo-events for plain value
// transfers.
type NativeTransfers struct {
	Enabled  bool     `yaml:"enabled"`
	Networks []string `yaml:"networks,omitempty"`
}

// Stream configures an optional downstream publish sink (NATS here; other
// sink kinds are named external collaborators).
type Stream struct {
	Kind    string `yaml:"kind"`
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix,omitempty"`
}

// Manifest is the top-level project configuration.
type Manifest struct {
	Name            string           `yaml:"name"`
	ProjectType     string           `yaml:"project_type,omitempty"`
	Networks        []Network        `yaml:"networks"`
	Contracts       []Contract       `yaml:"contracts"`
	Storage         Storage          `yaml:"storage"`
	NativeTransfers *NativeTransfers `yaml:"native_transfers,omitempty"`
	Streams         []Stream         `yaml:"streams,omitempty"`
}

// Load reads and decodes a manifest file, resolving ${env:NAME}
// substitutions before unmarshalling.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	resolved, err := SubstituteEnv(string(raw))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal([]byte(resolved), &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate performs the minimal structural checks a config error must
// surface as fatal at start (spec.md §7 "Configuration error").
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}
	seen := make(map[string]bool, len(m.Networks))
	for _, n := range m.Networks {
		if n.Name == "" || n.RPCURL == "" {
			return fmt.Errorf("network entries require name and rpc")
		}
		seen[n.Name] = true
	}
	for _, c := range m.Contracts {
		if c.Name == "" || c.ABIPath == "" {
			return fmt.Errorf("contract entries require name and abi")
		}
		for _, d := range c.Details {
			if !seen[d.Network] {
				return fmt.Errorf("contract %s references unknown network %s", c.Name, d.Network)
			}
		}
	}
	return nil
}

// NetworkByName looks up a configured network.
func (m *Manifest) NetworkByName(name string) (Network, bool) {
	for _, n := range m.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return Network{}, false
}

// ToLowerSnake lower-snake-cases a camelCase identifier, matching the naming
// rule spec.md §6 requires for relational column/table identifiers.
func ToLowerSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
