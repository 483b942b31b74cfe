package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu   sync.Mutex
	vals map[model.WatermarkKey]uint64
}

func (f *fakeReader) Resolve(_ context.Context, key model.WatermarkKey) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	return v, ok, nil
}

func (f *fakeReader) set(key model.WatermarkKey, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = v
}

func descriptors() []*model.EventDescriptor {
	parent := &model.EventDescriptor{ContractName: "Factory", EventName: "Created", Network: "mainnet"}
	child := &model.EventDescriptor{ContractName: "Child", EventName: "Transfer", Network: "mainnet", DependsOn: []string{parent.ID()}}
	return []*model.EventDescriptor{parent, child}
}

func TestBarrierBlocksUntilPredecessorCatchesUp(t *testing.T) {
	events := descriptors()
	reader := &fakeReader{vals: map[model.WatermarkKey]uint64{}}
	g, err := New("idx", events, reader)
	require.NoError(t, err)

	childID := events[1].ID()
	parentKey := model.WatermarkKey{Indexer: "idx", Contract: "Factory", Event: "Created", Network: "mainnet"}

	done := make(chan error, 1)
	go func() {
		done <- g.Barrier(context.Background(), childID, 500)
	}()

	select {
	case <-done:
		t.Fatal("barrier returned before predecessor caught up")
	case <-time.After(50 * time.Millisecond):
	}

	reader.set(parentKey, 500)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not release after predecessor caught up")
	}
}

func TestBarrierNoDependencyReturnsImmediately(t *testing.T) {
	events := descriptors()
	reader := &fakeReader{vals: map[model.WatermarkKey]uint64{}}
	g, err := New("idx", events, reader)
	require.NoError(t, err)

	require.NoError(t, g.Barrier(context.Background(), events[0].ID(), 100))
}

func TestCyclicDependencyRejected(t *testing.T) {
	a := &model.EventDescriptor{ContractName: "A", EventName: "E", Network: "mainnet"}
	b := &model.EventDescriptor{ContractName: "B", EventName: "E", Network: "mainnet"}
	a.DependsOn = []string{b.ID()}
	b.DependsOn = []string{a.ID()}

	_, err := New("idx", []*model.EventDescriptor{a, b}, &fakeReader{vals: map[model.WatermarkKey]uint64{}})
	require.Error(t, err)
}
