// Package appconfig loads process-wide settings (as opposed to the indexer
// manifest, which internal/manifest owns): log level, metrics/health bind
// addresses, the Postgres DSN and the optional NATS URL. It reuses the
// teacher's koanf layering exactly: a TOML file overridden by environment
// variables.
package appconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the process-wide settings this binary needs before it can even
// read its manifest: where to log, where to serve metrics/health, and how
// to reach Postgres and (optionally) NATS.
type Config struct {
	LogLevel       string
	ManifestPath   string
	MetricsAddress string
	HealthAddress  string
	DatabaseDSN    string
	NATSURL        string
	NATSMaxAge     time.Duration
	ShutdownDrain  time.Duration
}

// Load reads configPath as TOML, then lets environment variables of the
// form LOGGING_LEVEL / DATABASE_DSN / METRICS_ADDRESS override it, matching
// the teacher's CHAIN_RPC_ENDPOINT -> chain.rpc_endpoint transform.
func Load(configPath string) (Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load config file %s: %w", configPath, err)
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment overrides: %w", err)
	}

	cfg := Config{
		LogLevel:       ko.String("logging.level"),
		ManifestPath:   ko.String("manifest.path"),
		MetricsAddress: orDefault(ko.String("metrics.address"), ":9090"),
		HealthAddress:  orDefault(ko.String("health.address"), ":8080"),
		DatabaseDSN:    ko.String("database.dsn"),
		NATSURL:        ko.String("nats.url"),
		NATSMaxAge:     durationOrDefault(ko, "nats.max_age_seconds", 0),
		ShutdownDrain:  durationOrDefault(ko, "shutdown.drain_seconds", 30*time.Second),
	}

	if cfg.ManifestPath == "" {
		return Config{}, fmt.Errorf("manifest.path is required in %s", configPath)
	}

	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationOrDefault(ko *koanf.Koanf, key string, def time.Duration) time.Duration {
	if !ko.Exists(key) {
		return def
	}
	return time.Duration(ko.Int64(key)) * time.Second
}
