package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rindexer-go/rindexer/internal/manifest"
	"github.com/stretchr/testify/require"
)

const erc20ABI = `[
  {"type":"event","name":"Transfer","inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Approval","inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"spender","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}
  ]}
]`

func writeABI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "erc20.json")
	require.NoError(t, os.WriteFile(path, []byte(erc20ABI), 0o644))
	return path
}

func testManifest(abiPath string, includeEvents []string) *manifest.Manifest {
	return &manifest.Manifest{
		Name: "test",
		Networks: []manifest.Network{
			{Name: "mainnet", ChainID: 1, RPCURL: "https://example.invalid", ReorgSafeDistance: 12},
		},
		Contracts: []manifest.Contract{
			{
				Name:          "Token",
				ABIPath:       abiPath,
				IncludeEvents: includeEvents,
				Details: []manifest.ContractDetail{
					{Network: "mainnet", Addresses: []string{"0x0000000000000000000000000000000000000001"}, StartBlock: 100},
				},
			},
		},
	}
}

func TestBuildProducesOneDescriptorPerEventAndNetwork(t *testing.T) {
	path := writeABI(t)
	parsed, err := LoadABI(path)
	require.NoError(t, err)

	m := testManifest(path, nil)
	descs, err := Build("myindexer", m, map[string]abi.ABI{"Token": parsed})
	require.NoError(t, err)
	require.Len(t, descs, 2)

	names := map[string]bool{}
	for _, d := range descs {
		names[d.EventName] = true
		require.Equal(t, "myindexer", d.IndexerName)
		require.Equal(t, "mainnet", d.Network)
		require.Equal(t, uint64(12), d.ReorgSafeDistance)
		require.NotEqual(t, common.Hash{}, d.TopicHash)
	}
	require.True(t, names["Transfer"])
	require.True(t, names["Approval"])
}

func TestBuildFiltersByIncludeEvents(t *testing.T) {
	path := writeABI(t)
	parsed, err := LoadABI(path)
	require.NoError(t, err)

	m := testManifest(path, []string{"Transfer"})
	descs, err := Build("myindexer", m, map[string]abi.ABI{"Token": parsed})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, "Transfer", descs[0].EventName)
}

func TestBuildRejectsUnknownNetwork(t *testing.T) {
	path := writeABI(t)
	parsed, err := LoadABI(path)
	require.NoError(t, err)

	m := testManifest(path, nil)
	m.Contracts[0].Details[0].Network = "nope"
	_, err = Build("myindexer", m, map[string]abi.ABI{"Token": parsed})
	require.Error(t, err)
}

func TestTableAndColumnNaming(t *testing.T) {
	require.Equal(t, "myindexer_token.transfer", TableName("myindexer", "Token", "Transfer"))
	require.Equal(t, "token_id", ColumnName("tokenId"))
	require.Equal(t, "arg", ColumnName(""))
}
