// Package rpcprovider wraps a per-network JSON-RPC connection with chain-id
// verification, a short-lived latest-block cache, batched header fetches
// and classified provider errors, generalizing the teacher's single-chain
// blockchain client into one built from a manifest network descriptor.
package rpcprovider

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// ErrKind classifies a ProviderError for the log-fetching layer's retry
// routing (spec.md §4.2/§4.4).
type ErrKind int

const (
	ErrTransport ErrKind = iota
	ErrJSONRPC
	ErrTimeout
)

// ProviderError wraps a transport/JSON-RPC/timeout failure from the
// network so callers can classify without string-sniffing twice.
type ProviderError struct {
	Kind    ErrKind
	Code    int
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider error (%d): %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider error (%d): %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func classify(err error) *ProviderError {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(gethrpc.Error); ok {
		return &ProviderError{Kind: ErrJSONRPC, Code: rpcErr.ErrorCode(), Message: rpcErr.Error(), Cause: err}
	}
	if err == context.DeadlineExceeded {
		return &ProviderError{Kind: ErrTimeout, Message: err.Error(), Cause: err}
	}
	return &ProviderError{Kind: ErrTransport, Message: err.Error(), Cause: err}
}

// cachedHead holds the 50ms-TTL latest-block cache entry.
type cachedHead struct {
	mu        sync.Mutex
	number    uint64
	fetchedAt time.Time
}

const latestBlockCacheTTL = 50 * time.Millisecond

// Provider is a per-network RPC client.
type Provider struct {
	Network   string
	eth       *ethclient.Client
	rpc       *gethrpc.Client
	chainID   *big.Int
	logger    zerolog.Logger
	headCache cachedHead
}

// Config carries the dial parameters for one network.
type Config struct {
	Network string
	RPCURL  string
	ChainID uint64
	Headers map[string]string
}

// Dial connects to the network's RPC endpoint and verifies its chain id.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	rpcClient, err := gethrpc.DialOptions(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Network, err)
	}
	for k, v := range cfg.Headers {
		rpcClient.SetHeader(k, v)
	}
	eth := ethclient.NewClient(rpcClient)

	actual, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("chain id check for %s: %w", cfg.Network, err)
	}
	if cfg.ChainID != 0 && actual.Uint64() != cfg.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("chain id mismatch for %s: configured %d, got %d", cfg.Network, cfg.ChainID, actual.Uint64())
	}

	return &Provider{
		Network: cfg.Network,
		eth:     eth,
		rpc:     rpcClient,
		chainID: actual,
		logger:  logger.With().Str("component", "rpcprovider").Str("network", cfg.Network).Logger(),
	}, nil
}

// ChainID returns the verified chain id.
func (p *Provider) ChainID() *big.Int { return p.chainID }

// Close releases the underlying connection.
func (p *Provider) Close() { p.rpc.Close() }

// LatestBlock returns the chain head, coalescing concurrent callers behind
// a single request for up to latestBlockCacheTTL.
func (p *Provider) LatestBlock(ctx context.Context) (uint64, error) {
	p.headCache.mu.Lock()
	defer p.headCache.mu.Unlock()

	if time.Since(p.headCache.fetchedAt) < latestBlockCacheTTL {
		return p.headCache.number, nil
	}
	n, err := p.eth.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err)
	}
	p.headCache.number = n
	p.headCache.fetchedAt = time.Now()
	return n, nil
}

// FilterLogs issues eth_getLogs.
func (p *Provider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := p.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

// BatchHeadersByNumber fetches headers for the given block numbers using a
// single batched eth_getBlockByNumber JSON-RPC call, the mechanism the
// Block Clock uses for anchor fetches.
func (p *Provider) BatchHeadersByNumber(ctx context.Context, numbers []uint64) (map[uint64]*types.Header, error) {
	if len(numbers) == 0 {
		return map[uint64]*types.Header{}, nil
	}
	batch := make([]gethrpc.BatchElem, len(numbers))
	results := make([]*types.Header, len(numbers))
	for i, n := range numbers {
		results[i] = new(types.Header)
		batch[i] = gethrpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []any{toBlockNumArg(n), false},
			Result: results[i],
		}
	}
	if err := p.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, classify(err)
	}
	out := make(map[uint64]*types.Header, len(numbers))
	for i, n := range numbers {
		if batch[i].Error != nil {
			return nil, classify(batch[i].Error)
		}
		out[n] = results[i]
	}
	return out, nil
}

// TraceBlock calls debug_traceBlockByNumber for native-transfer extraction.
// Providers that do not support debug/trace return a ProviderError the
// caller should treat as "native transfers unavailable," not fatal.
func (p *Provider) TraceBlock(ctx context.Context, number uint64) (any, error) {
	var result any
	err := p.rpc.CallContext(ctx, &result, "debug_traceBlockByNumber", toBlockNumArg(number), map[string]string{"tracer": "callTracer"})
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func toBlockNumArg(n uint64) string {
	return gethrpc.BlockNumber(int64(n)).String()
}

// HeaderByNumber fetches one header directly, for callers that don't need
// a batch.
func (p *Provider) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	h, err := p.eth.HeaderByNumber(ctx, big.NewInt(int64(number)))
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

// Address is re-exported for callers that only import this package for
// filter construction convenience.
type Address = common.Address
