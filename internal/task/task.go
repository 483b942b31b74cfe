// Package task wires one event catalog entry into a running pipeline:
// dependency barrier (before each window's fetch) -> Log Fetcher -> Block
// Clock -> decode -> handler dispatch -> batch write -> watermark advance,
// plus the factory discovery output
// edge for parent events. It is the generalization of the teacher's
// internal/syncer.Syncer and internal/processor.BlockEventsProcessor,
// collapsed into a single per-event orchestrator since this engine's unit
// of scheduling is (contract,event,network), not a single shared chain
// cursor.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rindexer-go/rindexer/internal/adaptive"
	"github.com/rindexer-go/rindexer/internal/batchwriter"
	"github.com/rindexer-go/rindexer/internal/blockclock"
	"github.com/rindexer-go/rindexer/internal/callback"
	"github.com/rindexer-go/rindexer/internal/catalog"
	"github.com/rindexer-go/rindexer/internal/eventfilter"
	"github.com/rindexer-go/rindexer/internal/factory"
	"github.com/rindexer-go/rindexer/internal/logfetcher"
	"github.com/rindexer-go/rindexer/internal/manifest"
	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/rindexer-go/rindexer/internal/reload"
	"github.com/rindexer-go/rindexer/internal/scheduler"
	"github.com/rindexer-go/rindexer/internal/watermark"
	"github.com/rs/zerolog"
)

// RPCSource is what a Task needs from the network connection: the log
// fetcher's latest-block/filter-logs pair, plus the batched header fetch
// the block clock anchors against. *rpcprovider.Provider satisfies this;
// tests supply a fake.
type RPCSource interface {
	logfetcher.RPCSource
	BatchHeadersByNumber(ctx context.Context, numbers []uint64) (map[uint64]*types.Header, error)
}

// headerAdapter satisfies blockclock.HeaderSource over an RPCSource,
// translating its *types.Header batch result into the clock's minimal
// Header shape.
type headerAdapter struct {
	source RPCSource
}

func (a headerAdapter) BatchHeadersByNumber(ctx context.Context, numbers []uint64) (map[uint64]blockclock.Header, error) {
	headers, err := a.source.BatchHeadersByNumber(ctx, numbers)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]blockclock.Header, len(headers))
	for n, h := range headers {
		out[n] = blockclock.Header{Number: n, Timestamp: h.Time}
	}
	return out, nil
}

// bloomAdapter satisfies logfetcher.BloomSource over an RPCSource, reusing
// the same batched header fetch the block clock anchors against instead of
// a separate bloom-only RPC path.
type bloomAdapter struct {
	source RPCSource
}

func (a bloomAdapter) BatchBlooms(ctx context.Context, numbers []uint64) (map[uint64]types.Bloom, error) {
	headers, err := a.source.BatchHeadersByNumber(ctx, numbers)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]types.Bloom, len(headers))
	for n, h := range headers {
		out[n] = h.Bloom
	}
	return out, nil
}

var (
	taskBlockHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rindexer_task_block_height",
		Help: "Last block number processed by this task",
	}, []string{"indexer", "contract", "event", "network"})

	taskEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rindexer_task_events_processed_total",
		Help: "Total events decoded and dispatched by this task",
	}, []string{"indexer", "contract", "event", "network"})

	taskErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rindexer_task_errors_total",
		Help: "Total errors encountered by this task, by stage",
	}, []string{"indexer", "contract", "event", "network", "stage"})
)

// FactoryOutput binds a decoded parameter on this task's events to a child
// event's address filter, implementing the factory discovery edge: every
// batch this task processes may grow one or more child tasks' address
// sets.
type FactoryOutput struct {
	AddressParam string
	Contract     string
	Event        string
	Network      string
}

// Task orchestrates one (contract,event,network) catalog entry end to end.
type Task struct {
	Descriptor     *model.EventDescriptor
	Provider       RPCSource
	Network        manifest.Network
	Controller     *adaptive.Controller
	Factories      *factory.Cache
	FactoryOutputs []FactoryOutput
	Scheduler      *scheduler.Graph
	Registry       *callback.Registry
	Watermarks     *watermark.Resolver
	Writer         *batchwriter.Writer
	Generation     *reload.Generation
	Logger         zerolog.Logger

	schema  string
	table   string
	columns []batchwriter.Column
}

// New builds a Task for one catalog entry, precomputing the relational
// schema/table/column layout and constructing its own schema-scoped Writer
// over the shared pool (pool may be nil when the manifest has no Postgres
// storage target configured, in which case the task dispatches to
// registered handlers only and skips the relational write step).
func New(desc *model.EventDescriptor, pool *pgxpool.Pool) *Task {
	t := &Task{Descriptor: desc}
	t.schema, t.table = catalog.SchemaAndTable(desc.IndexerName, desc.ContractName, desc.EventName)
	if pool != nil {
		t.Writer = batchwriter.New(pool, t.schema)
	}

	cols := []batchwriter.Column{
		{Name: "tx_hash", SQLType: "char(66)", Action: batchwriter.ActionWhere},
		{Name: "log_index", SQLType: "text", Action: batchwriter.ActionWhere},
		{Name: "block_number", SQLType: "numeric", Behavior: batchwriter.BehaviorSequence},
		{Name: "block_hash", SQLType: "char(66)"},
		{Name: "block_timestamp", SQLType: "timestamptz"},
		{Name: "contract_address", SQLType: "char(42)"},
	}
	for _, p := range desc.Params {
		cols = append(cols, batchwriter.Column{Name: catalog.ColumnName(p.Name), SQLType: catalog.SQLType(p.Type)})
	}
	t.columns = cols
	return t
}

func (t *Task) recordError(stage string) {
	taskErrors.WithLabelValues(t.Descriptor.IndexerName, t.Descriptor.ContractName, t.Descriptor.EventName, t.Descriptor.Network, stage).Inc()
}

// generationDone returns the active generation's retirement channel, or nil
// when this Task was not given one. A nil channel never fires in a select,
// so callers can select on it unconditionally.
func (t *Task) generationDone() <-chan struct{} {
	if t.Generation == nil {
		return nil
	}
	return t.Generation.Done()
}

// Run drives the task until ctx is cancelled or (for a bounded historical
// range) the configured end block is reached.
func (t *Task) Run(ctx context.Context) error {
	key := model.WatermarkKey{
		Indexer:  t.Descriptor.IndexerName,
		Contract: t.Descriptor.ContractName,
		Event:    t.Descriptor.EventName,
		Network:  t.Descriptor.Network,
	}

	from := t.Descriptor.StartBlock
	if resolved, ok, err := t.Watermarks.Resolve(ctx, key); err != nil {
		t.recordError("resolve_watermark")
		return fmt.Errorf("task %s: resolve watermark: %w", t.Descriptor.ID(), err)
	} else if ok && resolved+1 > from {
		from = resolved + 1
	}

	filterBuilder := eventfilter.New(t.Descriptor, t.Network, t.Factories)
	window := filterBuilder.Window(t.Descriptor.StartBlock, t.Descriptor.StartBlock)

	maxAddrsPerRequest := 0
	if af := t.Network.AddressFiltering; af != nil && af.Kind == manifest.AddressFilteringMaxPerReq {
		maxAddrsPerRequest = af.MaxAddresses
	}

	fetcher := logfetcher.New(logfetcher.Config{
		Addresses:              window.Addresses,
		Topics:                 window.Topics,
		StartBlock:             from,
		EndBlock:               t.Descriptor.EndBlock,
		ReorgSafeDistance:      t.Descriptor.ReorgSafeDistance,
		MaxBlockRange:          t.Network.MaxBlockRange,
		MaxAddressesPerRequest: maxAddrsPerRequest,
		CheckBloom:             t.Network.CheckBloom,
		Bloom:                  bloomAdapter{source: t.Provider},
	}, t.Provider, t.Controller)

	// Gate filter construction on the dependency barrier before each window
	// is fetched (spec.md §4.7 option (a)), not after: a factory child must
	// not issue eth_getLogs for blocks <= b until the parent event has
	// processed <= b, so its address set is refreshed from the factory
	// cache at the same point rather than on a fixed timer.
	if t.Scheduler != nil {
		fetcher.SetPreFetch(func(ctx context.Context, to uint64) error {
			if err := t.Scheduler.Barrier(ctx, t.Descriptor.ID(), to); err != nil {
				return fmt.Errorf("dependency barrier: %w", err)
			}
			if t.Descriptor.Factory != nil && t.Factories != nil {
				addrs := t.Factories.Addresses(t.Descriptor.Factory.ParentContract, t.Descriptor.Factory.ParentEvent, t.Descriptor.Network)
				if len(addrs) > 0 {
					fetcher.SetAddresses(addrs)
				}
			}
			return nil
		})
	}

	clock := blockclock.New(t.Descriptor.Network, headerAdapter{source: t.Provider})

	out, errs := fetcher.Stream(ctx, from)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.generationDone():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.recordError("fetch")
				return fmt.Errorf("task %s: %w", t.Descriptor.ID(), err)
			}
		case batch, ok := <-out:
			if !ok {
				return nil
			}
			if err := t.processBatch(ctx, clock, key, batch); err != nil {
				t.recordError("process_batch")
				return fmt.Errorf("task %s: %w", t.Descriptor.ID(), err)
			}
			taskBlockHeight.WithLabelValues(t.Descriptor.IndexerName, t.Descriptor.ContractName, t.Descriptor.EventName, t.Descriptor.Network).Set(float64(batch.ToBlock))
		}
	}
}

func (t *Task) processBatch(ctx context.Context, clock *blockclock.Clock, key model.WatermarkKey, batch logfetcher.Batch) error {
	timestamps, err := clock.Attach(ctx, batch.FromBlock, batch.ToBlock, nil)
	if err != nil {
		return fmt.Errorf("attach timestamps: %w", err)
	}

	events := make([]model.DecodedEvent, 0, len(batch.Logs))
	var discovered []common.Address
	for _, log := range batch.Logs {
		params, err := t.Registry.Decode(t.Descriptor.ID(), log)
		if err != nil {
			return fmt.Errorf("decode log at block %d index %d: %w", log.BlockNumber, log.Index, err)
		}
		ts := timestamps[log.BlockNumber]
		ev := model.DecodedEvent{
			Network:         t.Descriptor.Network,
			ContractAddress: log.Address,
			BlockHash:       log.BlockHash,
			BlockNumber:     log.BlockNumber,
			BlockTimestamp:  &ts,
			TxHash:          log.TxHash,
			TxIndex:         log.TxIndex,
			LogIndex:        log.Index,
			EventName:       t.Descriptor.EventName,
			Params:          params,
		}
		events = append(events, ev)
		discovered = append(discovered, t.extractFactoryAddresses(params)...)
	}

	if len(discovered) > 0 && t.Factories != nil {
		for _, fo := range t.FactoryOutputs {
			if err := t.Factories.Discover(ctx, fo.Contract, fo.Event, fo.Network, discovered); err != nil {
				return fmt.Errorf("factory discover for %s.%s@%s: %w", fo.Contract, fo.Event, fo.Network, err)
			}
		}
	}

	if len(events) > 0 {
		if err := t.Registry.Dispatch(ctx, t.Descriptor.ID(), events); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if t.Writer != nil {
			rows := make([]batchwriter.Row, len(events))
			for i, ev := range events {
				rows[i] = t.toRow(ev)
			}
			if err := t.Writer.Flush(ctx, batchwriter.OpUpsert, t.table, t.columns, rows, ""); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
		}
		taskEventsProcessed.WithLabelValues(t.Descriptor.IndexerName, t.Descriptor.ContractName, t.Descriptor.EventName, t.Descriptor.Network).Add(float64(len(events)))
	}

	if errs := t.Watermarks.AdvanceAll(ctx, key, batch.ToBlock); len(errs) > 0 {
		for _, e := range errs {
			t.Logger.Warn().Err(e).Str("event_id", t.Descriptor.ID()).Msg("watermark backend failed to advance")
		}
	}
	return nil
}

// toRow shapes one decoded event into the Row the batch writer expects,
// keyed by the same column names New() registered.
func (t *Task) toRow(ev model.DecodedEvent) batchwriter.Row {
	var ts any
	if ev.BlockTimestamp != nil {
		ts = time.Unix(int64(*ev.BlockTimestamp), 0).UTC()
	}
	row := batchwriter.Row{
		"tx_hash":          ev.TxHash.Hex(),
		"log_index":        ev.LogIndex,
		"block_number":     int64(ev.BlockNumber),
		"block_hash":       ev.BlockHash.Hex(),
		"block_timestamp":  ts,
		"contract_address": ev.ContractAddress.Hex(),
	}
	for _, p := range t.Descriptor.Params {
		row[catalog.ColumnName(p.Name)] = stringifyParam(ev.Params[p.Name])
	}
	return row
}

// stringifyParam renders a decoded ABI value into a Postgres-friendly
// representation: go-ethereum's unpacker hands back *big.Int, [N]byte and
// common.Address/Hash values that have no native driver mapping, so
// anything with a String() method is stored as text and everything else
// passes through unchanged.
func stringifyParam(v any) any {
	if v == nil {
		return nil
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return v
}

// extractFactoryAddresses pulls every configured child-address parameter
// out of one decoded event's params, for any of this task's FactoryOutputs.
func (t *Task) extractFactoryAddresses(params map[string]any) []common.Address {
	if len(t.FactoryOutputs) == 0 {
		return nil
	}
	var out []common.Address
	for _, fo := range t.FactoryOutputs {
		v, ok := params[fo.AddressParam]
		if !ok {
			continue
		}
		if addr, ok := v.(common.Address); ok {
			out = append(out, addr)
		}
	}
	return out
}
