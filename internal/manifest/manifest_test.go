package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstituteEnv(t *testing.T) {
	t.Setenv("RPC_URL_TEST", "https://example.invalid/rpc")
	out, err := SubstituteEnv("rpc: ${env:RPC_URL_TEST}")
	require.NoError(t, err)
	require.Equal(t, "rpc: https://example.invalid/rpc", out)
}

func TestSubstituteEnvMissing(t *testing.T) {
	_, err := SubstituteEnv("rpc: ${env:DEFINITELY_NOT_SET_XYZ}")
	require.Error(t, err)
}

func TestToLowerSnake(t *testing.T) {
	require.Equal(t, "token_id", ToLowerSnake("tokenId"))
	require.Equal(t, "condition_id", ToLowerSnake("conditionId"))
	require.Equal(t, "a", ToLowerSnake("a"))
}

func TestLoadValidatesNetworkReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
contracts:
  - name: Token
    abi: ./abi.json
    details:
      - network: unknown-network
        addresses: ["0x0000000000000000000000000000000000dEaD"]
        start_block: 100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := `
name: test
networks:
  - name: mainnet
    chain_id: 1
    rpc: https://example.invalid
contracts:
  - name: Token
    abi: ./abi.json
    details:
      - network: mainnet
        addresses: ["0x0000000000000000000000000000000000dEaD"]
        start_block: 100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test", m.Name)
	require.Len(t, m.Contracts[0].Details, 1)
}
