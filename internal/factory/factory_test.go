package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDiscoverThenAddressesVisible(t *testing.T) {
	persister := &CSVPersister{BaseDir: t.TempDir()}
	cache := New(persister)
	defer cache.Close()

	dead := common.HexToAddress("0x000000000000000000000000000000000000dE")
	require.NoError(t, cache.Discover(context.Background(), "Factory", "ChildCreated", "mainnet", []common.Address{dead}))

	got := cache.Addresses("Factory", "ChildCreated", "mainnet")
	require.Contains(t, got, dead)
}

func TestCSVPersisterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := &CSVPersister{BaseDir: dir}
	addr := common.HexToAddress("0x00000000000000000000000000000000001234")

	require.NoError(t, p.Append(context.Background(), "Factory", "Created", "mainnet", []common.Address{addr}))
	got, err := p.Load(context.Background(), "Factory", "Created", "mainnet")
	require.NoError(t, err)
	require.Equal(t, []common.Address{addr}, got)

	require.FileExists(t, filepath.Join(dir, "Factory", "known-factory-addresses", "Factory-mainnet-Created.csv"))
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	p := &CSVPersister{BaseDir: t.TempDir()}
	got, err := p.Load(context.Background(), "Factory", "Created", "mainnet")
	require.NoError(t, err)
	require.Nil(t, got)
}

// TestChildWindowSeesParentDiscoveryAtSameBlock covers the spec's factory
// address closure scenario at the cache level: once Discover has returned,
// the address set a child task's next filter reads already contains the
// discovered address.
func TestChildWindowSeesParentDiscoveryAtSameBlock(t *testing.T) {
	cache := New(nil)
	defer cache.Close()

	addr := common.HexToAddress("0x000000000000000000000000000000000000AD")
	require.NoError(t, cache.Discover(context.Background(), "Factory", "Created", "mainnet", []common.Address{addr}))

	// The set a child window's filter is built from must already hold the
	// address once Discover has returned.
	got := cache.Addresses("Factory", "Created", "mainnet")
	require.Contains(t, got, addr)
}
