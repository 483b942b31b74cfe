package catalog

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestBuildDecodersDecodesIndexedAndDataArgs(t *testing.T) {
	path := writeABI(t)
	parsed, err := LoadABI(path)
	require.NoError(t, err)

	m := testManifest(path, []string{"Transfer"})
	decoders, err := BuildDecoders(m, map[string]abi.ABI{"Token": parsed})
	require.NoError(t, err)

	id := dependencyID("Token", "Transfer", "mainnet")
	dec, ok := decoders[id]
	require.True(t, ok)

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	value := big.NewInt(1_000_000)

	data, err := abi.Arguments{{Type: mustType(t, "uint256")}}.Pack(value)
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{
			parsed.Events["Transfer"].ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}

	params, err := dec(log)
	require.NoError(t, err)
	require.Equal(t, from, params["from"])
	require.Equal(t, to, params["to"])
	require.Equal(t, value, params["value"])
}

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}
