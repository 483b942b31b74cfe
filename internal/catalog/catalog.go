// Package catalog builds the Event Catalog from a decoded manifest plus
// each contract's ABI: one EventDescriptor per (contract,event,network)
// triple, with its topic0 hash computed from the canonical event
// signature, generalizing the teacher's hardcoded
// common.HexToHash(...)-per-event constants (internal/handler/events.go)
// into a manifest-driven registration loop.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rindexer-go/rindexer/internal/manifest"
	"github.com/rindexer-go/rindexer/internal/model"
)

// LoadABI reads and parses a contract ABI JSON file.
func LoadABI(path string) (abi.ABI, error) {
	f, err := os.Open(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("open abi %s: %w", path, err)
	}
	defer f.Close()
	parsed, err := abi.JSON(f)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return parsed, nil
}

// includeSet returns a lookup set, or nil meaning "include everything."
func includeSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Build constructs the full Event Catalog: one EventDescriptor per
// (contract, ABI event, network detail) triple, filtered by each
// contract's include_events list and bound to its dependency_events.
func Build(indexerName string, m *manifest.Manifest, abis map[string]abi.ABI) ([]*model.EventDescriptor, error) {
	var out []*model.EventDescriptor

	for _, c := range m.Contracts {
		parsed, ok := abis[c.Name]
		if !ok {
			return nil, fmt.Errorf("no ABI loaded for contract %s", c.Name)
		}
		include := includeSet(c.IncludeEvents)

		for _, ev := range parsed.Events {
			if include != nil && !include[ev.Name] {
				continue
			}
			params := make([]model.Param, 0, len(ev.Inputs))
			for _, in := range ev.Inputs {
				params = append(params, model.Param{Name: in.Name, Type: in.Type.String(), Indexed: in.Indexed})
			}

			for _, detail := range c.Details {
				net, ok := m.NetworkByName(detail.Network)
				if !ok {
					return nil, fmt.Errorf("contract %s references unknown network %s", c.Name, detail.Network)
				}

				desc := &model.EventDescriptor{
					IndexerName:       indexerName,
					ContractName:      c.Name,
					EventName:         ev.Name,
					Network:           detail.Network,
					TopicHash:         ev.ID,
					Params:            params,
					StartBlock:        detail.StartBlock,
					EndBlock:          detail.EndBlock,
					ReorgSafeDistance: resolveReorgDistance(detail, net),
					IndexInOrder:      c.IndexEventsInOrder,
				}
				if detail.Factory != nil {
					desc.Factory = &model.FactoryRef{
						ParentContract:    detail.Factory.ParentContract,
						ParentEvent:       detail.Factory.ParentEvent,
						ChildAddressParam: detail.Factory.ChildAddressParam,
					}
					// A factory child's filter must include every address the
					// parent has discovered for blocks <= the child's current
					// window (spec.md §4.5's ordering contract), so the child
					// always depends on its parent event in the dependency
					// scheduler even when the manifest declares no explicit
					// dependency_events entry for it.
					desc.DependsOn = append(desc.DependsOn, dependencyID(detail.Factory.ParentContract, detail.Factory.ParentEvent, detail.Network))
				} else {
					for _, a := range detail.Addresses {
						desc.Addresses = append(desc.Addresses, common.HexToAddress(a))
					}
				}
				for _, dep := range c.DependencyEvents {
					desc.DependsOn = append(desc.DependsOn, dependencyID(c.Name, dep, detail.Network))
				}
				out = append(out, desc)
			}
		}
	}
	return out, nil
}

func resolveReorgDistance(detail manifest.ContractDetail, net manifest.Network) uint64 {
	if detail.ReorgSafeDistance != nil {
		return *detail.ReorgSafeDistance
	}
	return net.ReorgSafeDistance
}

func dependencyID(contract, event, network string) string {
	return contract + "." + event + "@" + network
}

// ColumnName derives the relational column name for an event parameter,
// lower-snake-cased per spec.md §6.
func ColumnName(paramName string) string {
	if paramName == "" {
		return "arg"
	}
	return manifest.ToLowerSnake(paramName)
}

// SchemaAndTable derives the schema (<indexer>_<contract>) and table
// (<event>) names separately, lower-snake-cased, for callers that need them
// unquoted and unjoined (e.g. the batch writer and its query builder).
func SchemaAndTable(indexer, contract, event string) (schema, table string) {
	schema = strings.ToLower(manifest.ToLowerSnake(indexer) + "_" + manifest.ToLowerSnake(contract))
	table = strings.ToLower(manifest.ToLowerSnake(event))
	return schema, table
}

// TableName derives <indexer>_<contract>.<event>, lower-snake-cased, for
// display and logging purposes.
func TableName(indexer, contract, event string) string {
	schema, table := SchemaAndTable(indexer, contract, event)
	return fmt.Sprintf("%s.%s", schema, table)
}

// SQLType maps a Solidity ABI type name to a Postgres column type. Decoded
// values with a String() method are stored as text (see internal/task.toRow)
// and other values pass through unchanged; the widest safe representation
// for each ABI family is used rather
// than trying to preserve numeric precision in the column type itself. The
// event table DDL (internal/store/postgres) and the batch writer's typed
// placeholders (internal/batchwriter, via internal/task's Column list) both
// derive from this single mapping so a column's declared type and its
// insert-time cast never drift apart.
func SQLType(abiType string) string {
	switch {
	case abiType == "bool":
		return "boolean"
	case abiType == "address":
		return "char(42)"
	case strings.HasPrefix(abiType, "bytes"):
		return "text"
	case strings.HasPrefix(abiType, "uint"), strings.HasPrefix(abiType, "int"):
		return "numeric"
	default:
		return "text"
	}
}
