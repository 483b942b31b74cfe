// Package eventfilter builds RPC-ready filter windows from an event
// descriptor, the network's address-filtering mode, and (for factory-
// dependent events) the addresses discovered so far.
package eventfilter

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rindexer-go/rindexer/internal/manifest"
	"github.com/rindexer-go/rindexer/internal/model"
)

// AddressSource resolves the current discovered-address set for a
// factory-dependent event. Implemented by internal/factory.
type AddressSource interface {
	Addresses(contract, event, network string) []common.Address
}

// Builder constructs windowed ethereum.FilterQuery values for one event.
type Builder struct {
	Descriptor *model.EventDescriptor
	Network    manifest.Network
	Factories  AddressSource
}

// New constructs a Builder.
func New(desc *model.EventDescriptor, network manifest.Network, factories AddressSource) *Builder {
	return &Builder{Descriptor: desc, Network: network, Factories: factories}
}

// Window builds the filter query for [from,to], resolving the address set
// (fixed, or factory-discovered so far) and topic constraints.
func (b *Builder) Window(from, to uint64) ethereum.FilterQuery {
	addrs := b.Descriptor.Addresses
	if b.Descriptor.Factory != nil && b.Factories != nil {
		addrs = b.Factories.Addresses(b.Descriptor.Factory.ParentContract, b.Descriptor.Factory.ParentEvent, b.Descriptor.Network)
	}

	topics := [][]common.Hash{{b.Descriptor.TopicHash}}

	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
		Topics:    topics,
	}
}

// Partition splits a large address set into groups of at most maxPerGroup,
// implementing the "max-addresses-per-getLogs" address-filtering mode from
// spec.md §4.4. Returns a single group unchanged when maxPerGroup is 0 or
// the set already fits.
func Partition(addrs []common.Address, maxPerGroup int) [][]common.Address {
	if maxPerGroup <= 0 || len(addrs) <= maxPerGroup {
		return [][]common.Address{addrs}
	}
	var groups [][]common.Address
	for i := 0; i < len(addrs); i += maxPerGroup {
		end := i + maxPerGroup
		if end > len(addrs) {
			end = len(addrs)
		}
		groups = append(groups, addrs[i:end])
	}
	return groups
}

// BloomMayContain reports whether a block's header bloom filter could
// possibly contain a log matching one of the addresses or the topic; a
// false result lets the Log Fetcher skip an eth_getLogs call entirely for
// that block (spec.md §4.4 "Bloom short-circuit").
func BloomMayContain(bloom types.Bloom, addrs []common.Address, topic common.Hash) bool {
	for _, a := range addrs {
		if types.BloomLookup(bloom, a) {
			return true
		}
	}
	return types.BloomLookup(bloom, topic)
}
