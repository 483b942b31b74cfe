package logfetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rindexer-go/rindexer/internal/adaptive"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	responses []func(q ethereum.FilterQuery) ([]types.Log, error)
	calls     []ethereum.FilterQuery
	latest    uint64
}

func (s *scriptedSource) LatestBlock(context.Context) (uint64, error) { return s.latest, nil }

func (s *scriptedSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.calls = append(s.calls, q)
	idx := len(s.calls) - 1
	if idx >= len(s.responses) {
		return nil, nil
	}
	return s.responses[idx](q)
}

func TestAlchemyHintNarrowsNextWindow(t *testing.T) {
	src := &scriptedSource{
		responses: []func(ethereum.FilterQuery) ([]types.Log, error){
			func(ethereum.FilterQuery) ([]types.Log, error) {
				return nil, errors.New("this block range should work: [0x64, 0x6e]")
			},
			func(ethereum.FilterQuery) ([]types.Log, error) { return nil, nil },
		},
	}
	end := uint64(0x6e)
	f := New(Config{StartBlock: 0x64, EndBlock: &end, MaxBlockRange: 0xC8 - 0x64 + 1}, src, adaptive.New())

	out, errs := f.Stream(context.Background(), 0x64)
	drain(t, out, errs, 1)

	require.Len(t, src.calls, 2)
	require.Equal(t, uint64(0x6e), src.calls[1].ToBlock.Uint64())
	require.Equal(t, uint64(0x64), src.calls[1].FromBlock.Uint64())
}

func TestWindowTooLargeShrinksAndRetriesSameFrom(t *testing.T) {
	attempt := 0
	src := &scriptedSource{}
	src.responses = []func(ethereum.FilterQuery) ([]types.Log, error){
		func(q ethereum.FilterQuery) ([]types.Log, error) {
			attempt++
			if attempt <= 2 {
				return nil, errors.New("block range too large, please narrow")
			}
			return nil, nil
		},
		func(q ethereum.FilterQuery) ([]types.Log, error) { return nil, nil },
		func(q ethereum.FilterQuery) ([]types.Log, error) { return nil, nil },
	}
	end := uint64(1000)
	f := New(Config{StartBlock: 0, EndBlock: &end, MaxBlockRange: 1000}, src, adaptive.New())

	out, errs := f.Stream(context.Background(), 0)
	drain(t, out, errs, 1)

	require.GreaterOrEqual(t, len(src.calls), 2)
	firstSpan := src.calls[0].ToBlock.Uint64() - src.calls[0].FromBlock.Uint64()
	secondSpan := src.calls[1].ToBlock.Uint64() - src.calls[1].FromBlock.Uint64()
	require.Less(t, secondSpan, firstSpan, "window must strictly shrink on window-too-large")
	require.Equal(t, src.calls[0].FromBlock.Uint64(), src.calls[1].FromBlock.Uint64(), "retry must keep the same `from`")
}

func TestRateLimitRetriesSameWindow(t *testing.T) {
	attempt := 0
	src := &scriptedSource{}
	src.responses = []func(ethereum.FilterQuery) ([]types.Log, error){
		func(ethereum.FilterQuery) ([]types.Log, error) {
			attempt++
			return nil, errors.New("429 Too Many Requests")
		},
		func(ethereum.FilterQuery) ([]types.Log, error) { return nil, nil },
	}
	end := uint64(100)
	ctrl := adaptive.New()
	f := New(Config{StartBlock: 0, EndBlock: &end, MaxBlockRange: 100}, src, ctrl)

	out, errs := f.Stream(context.Background(), 0)
	drain(t, out, errs, 1)

	require.Equal(t, src.calls[0].FromBlock.Uint64(), src.calls[1].FromBlock.Uint64())
	require.Equal(t, src.calls[0].ToBlock.Uint64(), src.calls[1].ToBlock.Uint64())
	require.Equal(t, int64(1), ctrl.RateLimitCount())
}

func drain(t *testing.T, out <-chan Batch, errs <-chan error, minBatches int) []Batch {
	t.Helper()
	var batches []Batch
	for out != nil || errs != nil {
		select {
		case b, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			batches = append(batches, b)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.Fatalf("unexpected stream error: %v", err)
			}
		}
	}
	if len(batches) < minBatches {
		t.Fatalf("expected at least %d batches, got %d", minBatches, len(batches))
	}
	return batches
}

// partitionedSource answers FilterLogs per address, letting tests exercise
// address-filtering mode (b)'s partition/merge path with a concurrency-safe
// call log.
type partitionedSource struct {
	mu     sync.Mutex
	calls  []ethereum.FilterQuery
	byAddr map[common.Address][]types.Log
	latest uint64
}

func (s *partitionedSource) LatestBlock(context.Context) (uint64, error) { return s.latest, nil }

func (s *partitionedSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.mu.Lock()
	s.calls = append(s.calls, q)
	s.mu.Unlock()
	var out []types.Log
	for _, a := range q.Addresses {
		out = append(out, s.byAddr[a]...)
	}
	return out, nil
}

func (s *partitionedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestAddressFilteringPartitionsAndMergesResults(t *testing.T) {
	a1 := common.HexToAddress("0x1")
	a2 := common.HexToAddress("0x2")
	a3 := common.HexToAddress("0x3")

	src := &partitionedSource{byAddr: map[common.Address][]types.Log{
		a1: {{BlockNumber: 10, Index: 2}},
		a2: {{BlockNumber: 5, Index: 0}},
		a3: {{BlockNumber: 10, Index: 1}},
	}}

	end := uint64(10)
	f := New(Config{
		Addresses:              []common.Address{a1, a2, a3},
		StartBlock:             0,
		EndBlock:               &end,
		MaxBlockRange:          100,
		MaxAddressesPerRequest: 1,
	}, src, adaptive.New())

	out, errs := f.Stream(context.Background(), 0)
	batches := drain(t, out, errs, 1)

	require.Len(t, batches, 1)
	logs := batches[0].Logs
	require.Len(t, logs, 3)
	require.Equal(t, uint64(5), logs[0].BlockNumber)
	require.Equal(t, uint64(10), logs[1].BlockNumber)
	require.Equal(t, uint(1), logs[1].Index)
	require.Equal(t, uint64(10), logs[2].BlockNumber)
	require.Equal(t, uint(2), logs[2].Index)

	require.Equal(t, 3, src.callCount(), "one partitioned request per address group")
}

// fakeBloomSource answers BatchBlooms from a fixed per-block table, letting
// tests assert that a non-matching block never reaches FilterLogs.
type fakeBloomSource struct {
	blooms map[uint64]types.Bloom
}

func (s *fakeBloomSource) BatchBlooms(_ context.Context, numbers []uint64) (map[uint64]types.Bloom, error) {
	out := make(map[uint64]types.Bloom, len(numbers))
	for _, n := range numbers {
		out[n] = s.blooms[n]
	}
	return out, nil
}

func TestBloomShortCircuitSkipsNonMatchingBlocks(t *testing.T) {
	addr := common.HexToAddress("0xaaaa")
	topic := common.HexToHash("0xbbbb")

	var matching types.Bloom
	matching.Add(addr.Bytes())

	bloomSrc := &fakeBloomSource{blooms: map[uint64]types.Bloom{
		0: matching, // matches the address, block 0 kept
		1: {},       // matches neither, block 1 skipped
		2: matching, // matches again, block 2 kept
	}}

	src := &scriptedSource{
		responses: []func(ethereum.FilterQuery) ([]types.Log, error){
			func(q ethereum.FilterQuery) ([]types.Log, error) {
				return []types.Log{{BlockNumber: 0}}, nil
			},
			func(q ethereum.FilterQuery) ([]types.Log, error) {
				return []types.Log{{BlockNumber: 2}}, nil
			},
		},
	}

	end := uint64(2)
	f := New(Config{
		Addresses:     []common.Address{addr},
		Topics:        [][]common.Hash{{topic}},
		StartBlock:    0,
		EndBlock:      &end,
		MaxBlockRange: 3,
		CheckBloom:    true,
		Bloom:         bloomSrc,
	}, src, adaptive.New())

	out, errs := f.Stream(context.Background(), 0)
	batches := drain(t, out, errs, 1)

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Logs, 2)

	require.Len(t, src.calls, 2, "non-matching block 1 must not reach eth_getLogs")
	require.Equal(t, uint64(0), src.calls[0].FromBlock.Uint64())
	require.Equal(t, uint64(0), src.calls[0].ToBlock.Uint64())
	require.Equal(t, uint64(2), src.calls[1].FromBlock.Uint64())
	require.Equal(t, uint64(2), src.calls[1].ToBlock.Uint64())
}

func TestPreFetchHookRunsBeforeFilterLogsWithCorrectTo(t *testing.T) {
	src := &scriptedSource{
		responses: []func(ethereum.FilterQuery) ([]types.Log, error){
			func(ethereum.FilterQuery) ([]types.Log, error) { return nil, nil },
		},
	}
	end := uint64(50)
	f := New(Config{StartBlock: 0, EndBlock: &end, MaxBlockRange: 100}, src, adaptive.New())

	var hookTo uint64
	var hookCalledBeforeFetch bool
	f.SetPreFetch(func(_ context.Context, to uint64) error {
		hookTo = to
		hookCalledBeforeFetch = len(src.calls) == 0
		return nil
	})

	out, errs := f.Stream(context.Background(), 0)
	drain(t, out, errs, 1)

	require.True(t, hookCalledBeforeFetch, "pre-fetch hook must run before eth_getLogs")
	require.Equal(t, uint64(50), hookTo)
}

func TestPreFetchHookErrorAbortsTheFetch(t *testing.T) {
	src := &scriptedSource{}
	end := uint64(50)
	f := New(Config{StartBlock: 0, EndBlock: &end, MaxBlockRange: 100}, src, adaptive.New())

	sentinel := errors.New("dependency barrier cancelled")
	f.SetPreFetch(func(context.Context, uint64) error { return sentinel })

	out, errs := f.Stream(context.Background(), 0)
	var gotErr error
	for out != nil || errs != nil {
		select {
		case _, ok := <-out:
			if !ok {
				out = nil
			}
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			gotErr = e
		}
	}
	require.ErrorIs(t, gotErr, sentinel)
	require.Empty(t, src.calls, "FilterLogs must never be reached when the pre-fetch hook fails")
}

func TestWindowTooLargeRuleTableIsConfigurable(t *testing.T) {
	custom := "my custom provider quirk message"
	require.False(t, isWindowTooLarge(custom))
	WindowTooLargeRules = append(WindowTooLargeRules, custom)
	defer func() { WindowTooLargeRules = WindowTooLargeRules[:len(WindowTooLargeRules)-1] }()
	require.True(t, isWindowTooLarge(fmt.Sprintf("error: %s", custom)))
}
