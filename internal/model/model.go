// Package model holds the data-model types shared across the ingestion
// pipeline: event descriptors, filters, decoded events and watermark keys.
// Keeping these in one leaf package avoids import cycles between the
// catalog, filter, fetcher, clock, scheduler and writer packages that all
// need to talk about the same event in flight.
package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Param describes one ABI event parameter.
type Param struct {
	Name    string
	Type    string
	Indexed bool
}

// EventDescriptor is immutable after registration: an indexer/contract/event
// triple bound to one network, with its topic hash, parameter list, block
// range and dependency metadata.
type EventDescriptor struct {
	IndexerName       string
	ContractName      string
	EventName         string
	Network           string
	TopicHash         common.Hash
	Params            []Param
	Addresses         []common.Address
	Factory           *FactoryRef
	StartBlock        uint64
	EndBlock          *uint64 // nil => live tail
	ReorgSafeDistance uint64
	IndexInOrder      bool
	DependsOn         []string // EventDescriptor.ID() of predecessors
}

// FactoryRef points a child event's address set at a parent event's
// discovered-address cache.
type FactoryRef struct {
	ParentContract    string
	ParentEvent       string
	ChildAddressParam string
}

// ID is the stable key used by the scheduler, watermark store and factory
// cache: (contract,event,network).
func (d *EventDescriptor) ID() string {
	return d.ContractName + "." + d.EventName + "@" + d.Network
}

// Filter is the RPC-ready query window derived from an EventDescriptor plus
// the factory-discovered addresses known so far.
type Filter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// DecodedEvent is a raw log plus its decoded parameters and transaction
// context.
type DecodedEvent struct {
	Network         string
	ContractAddress common.Address
	BlockHash       common.Hash
	BlockNumber     uint64
	BlockTimestamp  *uint64
	TxHash          common.Hash
	TxIndex         uint
	LogIndex        uint
	EventName       string
	Params          map[string]any
}

// NativeTransfer is a pseudo-event synthesized from a trace call frame for
// plain value transfers (native_transfers manifest option).
type NativeTransfer struct {
	Network     string
	BlockNumber uint64
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// WatermarkKey identifies one (indexer,contract,event,network) progress
// cursor.
type WatermarkKey struct {
	Indexer  string
	Contract string
	Event    string
	Network  string
}
