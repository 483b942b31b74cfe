package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[logging]
level = "debug"

[manifest]
path = "manifest.yaml"

[metrics]
address = ":9999"

[database]
dsn = "postgres://localhost/test"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesFileValuesAndDefaults(t *testing.T) {
	path := writeConfig(t, sampleTOML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "manifest.yaml", cfg.ManifestPath)
	require.Equal(t, ":9999", cfg.MetricsAddress)
	require.Equal(t, ":8080", cfg.HealthAddress, "unset health address falls back to default")
	require.Equal(t, "postgres://localhost/test", cfg.DatabaseDSN)
	require.Equal(t, 30*time.Second, cfg.ShutdownDrain, "unset drain falls back to default")
}

func TestLoadRejectsMissingManifestPath(t *testing.T) {
	path := writeConfig(t, `[logging]
level = "info"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAppliesEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, sampleTOML)
	t.Setenv("LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
}
