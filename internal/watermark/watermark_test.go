package watermark

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/stretchr/testify/require"
)

func testKey() model.WatermarkKey {
	return model.WatermarkKey{Indexer: "idx", Contract: "Token", Event: "Transfer", Network: "mainnet"}
}

func TestBoltStoreMonotonic(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "wm.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := testKey()

	require.NoError(t, store.Advance(ctx, key, 100))
	v, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), v)

	// attempt to go backwards: ignored.
	require.NoError(t, store.Advance(ctx, key, 50))
	v, _, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uint64(100), v)

	require.NoError(t, store.Advance(ctx, key, 150))
	v, _, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uint64(150), v)
}

func TestFileStoreMonotonic(t *testing.T) {
	store := &FileStore{BaseDir: t.TempDir()}
	ctx := context.Background()
	key := testKey()

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Advance(ctx, key, 10))
	require.NoError(t, store.Advance(ctx, key, 5))
	v, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), v)
}

type fakeStore struct {
	vals map[model.WatermarkKey]uint64
}

func (f *fakeStore) Get(_ context.Context, key model.WatermarkKey) (uint64, bool, error) {
	v, ok := f.vals[key]
	return v, ok, nil
}
func (f *fakeStore) Advance(_ context.Context, key model.WatermarkKey, newBlock uint64) error {
	if cur, ok := f.vals[key]; ok && newBlock <= cur {
		return nil
	}
	f.vals[key] = newBlock
	return nil
}

func TestResolverPriorityOrder(t *testing.T) {
	key := testKey()
	relational := &fakeStore{vals: map[model.WatermarkKey]uint64{key: 500}}
	file := &fakeStore{vals: map[model.WatermarkKey]uint64{key: 100}}

	r := &Resolver{Backends: []Store{relational, file}}
	v, ok, err := r.Resolve(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(500), v, "relational value must win when both exist")
}

func TestResolverFallsBackWhenFirstAbsent(t *testing.T) {
	key := testKey()
	relational := &fakeStore{vals: map[model.WatermarkKey]uint64{}}
	file := &fakeStore{vals: map[model.WatermarkKey]uint64{key: 100}}

	r := &Resolver{Backends: []Store{relational, file}}
	v, ok, err := r.Resolve(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), v)
}

func TestProgressFraction(t *testing.T) {
	p := Progress{State: Syncing, Start: 100, Cur: 150, Target: 200}
	require.InDelta(t, 0.5, p.Fraction(), 0.001)
}
