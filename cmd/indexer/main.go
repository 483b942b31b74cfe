// Indexer service: reads a project manifest, builds the event catalog for
// every configured network, and runs one Task per (contract,event,network)
// entry until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rindexer-go/rindexer/internal/adaptive"
	"github.com/rindexer-go/rindexer/internal/appconfig"
	"github.com/rindexer-go/rindexer/internal/callback"
	"github.com/rindexer-go/rindexer/internal/catalog"
	"github.com/rindexer-go/rindexer/internal/factory"
	"github.com/rindexer-go/rindexer/internal/manifest"
	"github.com/rindexer-go/rindexer/internal/model"
	"github.com/rindexer-go/rindexer/internal/obs"
	"github.com/rindexer-go/rindexer/internal/reload"
	"github.com/rindexer-go/rindexer/internal/rpcprovider"
	"github.com/rindexer-go/rindexer/internal/scheduler"
	natssink "github.com/rindexer-go/rindexer/internal/sink/nats"
	"github.com/rindexer-go/rindexer/internal/store/postgres"
	"github.com/rindexer-go/rindexer/internal/task"
	"github.com/rindexer-go/rindexer/internal/watermark"
)

const serviceName = "rindexer"

func main() {
	logger := obs.NewLogger(serviceName, "info")
	logger.Info().Msg("starting rindexer")

	cfg, err := appconfig.Load("config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load app config")
	}
	obs.SetLevel(logger, cfg.LogLevel)

	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load manifest")
	}
	logger.Info().
		Str("manifest", m.Name).
		Int("networks", len(m.Networks)).
		Int("contracts", len(m.Contracts)).
		Msg("loaded manifest")

	abis := make(map[string]abi.ABI, len(m.Contracts))
	for _, c := range m.Contracts {
		parsed, err := catalog.LoadABI(c.ABIPath)
		if err != nil {
			logger.Fatal().Err(err).Str("contract", c.Name).Msg("failed to load contract ABI")
		}
		abis[c.Name] = parsed
	}

	descriptors, err := catalog.Build(m.Name, m, abis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build event catalog")
	}
	decoders, err := catalog.BuildDecoders(m, abis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build event decoders")
	}
	logger.Info().Int("events", len(descriptors)).Msg("built event catalog")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers := make(map[string]*rpcprovider.Provider, len(m.Networks))
	for _, net := range m.Networks {
		p, err := rpcprovider.Dial(ctx, rpcprovider.Config{
			Network: net.Name,
			RPCURL:  net.RPCURL,
			ChainID: net.ChainID,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("network", net.Name).Msg("failed to dial network")
		}
		providers[net.Name] = p
		logger.Info().Str("network", net.Name).Uint64("chain_id", p.ChainID().Uint64()).Msg("connected to network")
	}
	defer func() {
		for _, p := range providers {
			p.Close()
		}
	}()

	dsn := cfg.DatabaseDSN
	if dsn == "" {
		dsn = m.Storage.PostgresURL
	}
	var pool *pgxpool.Pool
	if dsn != "" {
		pool, err = postgres.Open(ctx, dsn)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		for _, desc := range descriptors {
			if err := postgres.EnsureEventTable(ctx, pool, desc); err != nil {
				logger.Fatal().Err(err).Str("event", desc.ID()).Msg("failed to ensure event table")
			}
		}
		logger.Info().Msg("connected to postgres and ensured event tables")
	}

	dataDir := m.Storage.DataDir
	boltPath := "watermarks.db"
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", dataDir).Msg("failed to create data directory")
		}
		boltPath = filepath.Join(dataDir, "watermarks.db")
	}
	boltStore, err := watermark.OpenBoltStore(boltPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local watermark store")
	}
	defer boltStore.Close()

	var backends []watermark.Store
	const internalSchema = "rindexer_internal"
	if pool != nil {
		pgWatermarks := &watermark.PostgresStore{Pool: pool, Schema: internalSchema}
		for _, desc := range descriptors {
			key := model.WatermarkKey{Indexer: desc.IndexerName, Contract: desc.ContractName, Event: desc.EventName, Network: desc.Network}
			if err := pgWatermarks.EnsureTable(ctx, key); err != nil {
				logger.Fatal().Err(err).Str("event", desc.ID()).Msg("failed to ensure watermark table")
			}
		}
		backends = append(backends, pgWatermarks)
	}
	if dataDir != "" {
		backends = append(backends, &watermark.FileStore{BaseDir: filepath.Join(dataDir, "watermarks")})
	}
	backends = append(backends, boltStore)
	resolver := &watermark.Resolver{Backends: backends}

	var factoryPersister factory.Persister
	if pool != nil {
		pgPersister := &factory.PostgresPersister{Pool: pool, Schema: internalSchema}
		if err := pgPersister.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure factory address schema")
		}
		factoryPersister = pgPersister
	} else if dataDir != "" {
		factoryPersister = &factory.CSVPersister{BaseDir: dataDir}
	}
	factoryCache := factory.New(factoryPersister)
	defer factoryCache.Close()
	for _, desc := range descriptors {
		if desc.Factory != nil {
			if err := factoryCache.Warm(ctx, desc.Factory.ParentContract, desc.Factory.ParentEvent, desc.Network); err != nil {
				logger.Warn().Err(err).Str("event", desc.ID()).Msg("failed to warm factory address cache")
			}
		}
	}

	sched, err := scheduler.New(m.Name, descriptors, resolver)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dependency scheduler")
	}

	var sink *natssink.Sink
	natsURL := cfg.NATSURL
	for _, s := range m.Streams {
		if s.Kind == "nats" && natsURL == "" {
			natsURL = s.URL
		}
	}
	if natsURL != "" {
		sink, err = natssink.New(natsURL, m.Name, cfg.NATSMaxAge, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize nats sink")
		}
		defer sink.Close()
	}

	generation := reload.NewGeneration()

	registry := callback.New(logger)
	for _, desc := range descriptors {
		dec := decoders[desc.ID()]
		registry.Register(desc.ID(), callback.Decoder(dec), streamHandler(sink, desc.ContractName))
	}

	tasks := make([]*task.Task, 0, len(descriptors))
	byKey := make(map[string]*task.Task, len(descriptors))
	for _, desc := range descriptors {
		net, ok := m.NetworkByName(desc.Network)
		if !ok {
			logger.Fatal().Str("network", desc.Network).Msg("descriptor references unknown network")
		}
		t := task.New(desc, pool)
		t.Provider = providers[desc.Network]
		t.Network = net
		t.Controller = adaptive.Global()
		t.Factories = factoryCache
		t.Scheduler = sched
		t.Registry = registry
		t.Watermarks = resolver
		t.Generation = generation
		t.Logger = logger.With().Str("event", desc.ID()).Logger()
		tasks = append(tasks, t)
		byKey[desc.ContractName+"."+desc.EventName+"@"+desc.Network] = t
	}
	for _, desc := range descriptors {
		if desc.Factory == nil {
			continue
		}
		parentKey := desc.Factory.ParentContract + "." + desc.Factory.ParentEvent + "@" + desc.Network
		parent, ok := byKey[parentKey]
		if !ok {
			logger.Fatal().Str("event", desc.ID()).Str("parent", parentKey).Msg("factory references unknown parent event")
		}
		// The cache entry is keyed by the parent event's own identity, not
		// the child's: that is the key the child reads from (see
		// eventfilter.Builder.Window and the task's pre-fetch barrier
		// hook), since several children can be derived from the same
		// parent discovery.
		parent.FactoryOutputs = append(parent.FactoryOutputs, task.FactoryOutput{
			AddressParam: desc.Factory.ChildAddressParam,
			Contract:     parent.Descriptor.ContractName,
			Event:        parent.Descriptor.EventName,
			Network:      desc.Network,
		})
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{Addr: cfg.HealthAddress, Handler: http.HandlerFunc(healthCheckHandler(pool, sink))}
	go func() {
		logger.Info().Str("address", cfg.HealthAddress).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	taskErrs := make(chan error, len(tasks))
	for _, t := range tasks {
		go func(t *task.Task) {
			taskErrs <- t.Run(ctx)
		}(t)
	}

	logger.Info().Int("tasks", len(tasks)).Msg("indexer started, processing events")

	remaining := len(tasks)
	for remaining > 0 {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			remaining = 0
		case err := <-taskErrs:
			remaining--
			if err != nil {
				logger.Error().Err(err).Msg("task error, shutting down")
				remaining = 0
			}
		}
	}

	logger.Info().Msg("shutting down")
	cancel()
	generation.Cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// streamHandler returns the callback.Handler for one contract: when a sink
// is configured it republishes the batch, otherwise it is a no-op since the
// relational write path runs independently of the handler in
// internal/task.Task.processBatch.
func streamHandler(sink *natssink.Sink, contract string) callback.Handler {
	return func(ctx context.Context, events []model.DecodedEvent) error {
		if sink == nil {
			return nil
		}
		return sink.Publish(ctx, contract, events)
	}
}

// healthCheckHandler reports unhealthy if a configured postgres pool or
// nats sink has dropped, matching the shallow liveness probe the teacher
// exposes alongside its syncer status.
func healthCheckHandler(pool *pgxpool.Pool, sink *natssink.Sink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "unhealthy: postgres: %v\n", err)
				return
			}
		}
		if sink != nil && !sink.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: nats sink disconnected\n")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\n")
	}
}
