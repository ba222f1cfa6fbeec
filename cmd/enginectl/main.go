// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Command enginectl is the composition root: it loads configuration, opens the
// configured storage backend, wires the engine layers (event store through auth
// gate) together, and runs the sync loops under a supervisor tree until signaled to
// stop. Modeled on the teacher's cmd/server/main.go startup/shutdown sequence
// (config first, fatal on setup error, context-cancel on signal, drain the
// supervisor's error channel before exiting).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/idpass/datacollect-engine/internal/applier"
	"github.com/idpass/datacollect-engine/internal/authgate"
	"github.com/idpass/datacollect-engine/internal/datamanager"
	"github.com/idpass/datacollect-engine/internal/duplicate"
	"github.com/idpass/datacollect-engine/internal/enginecfg"
	"github.com/idpass/datacollect-engine/internal/enginelog"
	"github.com/idpass/datacollect-engine/internal/enginesupervisor"
	"github.com/idpass/datacollect-engine/internal/entitystore"
	"github.com/idpass/datacollect-engine/internal/eventbus"
	"github.com/idpass/datacollect-engine/internal/eventstore"
	"github.com/idpass/datacollect-engine/internal/storage"
	"github.com/idpass/datacollect-engine/internal/storage/badger"
	"github.com/idpass/datacollect-engine/internal/storage/duckdb"
	"github.com/idpass/datacollect-engine/internal/storage/memory"
	"github.com/idpass/datacollect-engine/internal/syncexternal"
	"github.com/idpass/datacollect-engine/internal/syncinternal"
)

// defaultProviderName mirrors authgate's own default provider name: when no auth
// provider is configured, the sync loop still needs a name to look its token up under.
const defaultProviderName = "default"

func main() {
	cfg, err := enginecfg.Load()
	if err != nil {
		enginelog.Logger().Fatal().Err(err).Msg("load config")
	}

	enginelog.Init(enginelog.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})
	log := enginelog.Logger()
	log.Info().Str("tenant", cfg.TenantID).Str("backend", cfg.Storage.Backend).Msg("starting datacollect-engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ports, closeBackend, err := openBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage backend")
	}
	defer func() {
		if err := closeBackend(); err != nil {
			log.Error().Err(err).Msg("close storage backend")
		}
	}()

	events := eventstore.New(ports.events)
	entities := entitystore.New(ports.entities)
	if err := events.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("initialize event store")
	}
	if err := entities.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("initialize entity store")
	}

	registry := applier.NewRegistry()

	resolver := duplicate.New(entities, ports.duplicates)
	if err := resolver.Reindex(ctx); err != nil {
		log.Fatal().Err(err).Msg("reindex duplicate name index")
	}

	bus, err := eventbus.NewInProcess()
	if err != nil {
		log.Fatal().Err(err).Msg("start event bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error().Err(err).Msg("close event bus")
		}
	}()

	manager := datamanager.New(events, entities, registry, resolver).WithEventBus(bus, cfg.TenantID)

	gate, err := buildAuthGate(ctx, cfg, ports.auth)
	if err != nil {
		log.Fatal().Err(err).Msg("build auth gate")
	}
	manager.WithAuthGate(gate)

	tree := enginesupervisor.NewTree(enginelog.NewSlogLogger(), enginesupervisor.DefaultTreeConfig())

	if cfg.Sync.ServerURL != "" {
		authProvider := defaultProviderName
		if len(cfg.Auth.Providers) > 0 {
			authProvider = cfg.Auth.Providers[0].Name
		}
		internalMgr := buildInternalSync(cfg, gate, authProvider, events, entities, registry)
		manager.WithInternalSync(internalMgr)
		tree.AddSyncService(&enginesupervisor.PeriodicSyncService{
			Name:     "sync-internal",
			Interval: 30 * time.Second,
			Run: func(ctx context.Context) error {
				_, err := manager.SyncWithSyncServer(ctx)
				return err
			},
			OnError: func(err error) { log.Warn().Err(err).Msg("internal sync cycle failed") },
		})
	}

	externalMgr := syncexternal.New(syncexternal.LoggingAdapter{}, events, entities)
	manager.WithExternalSync(externalMgr)
	tree.AddSyncService(&enginesupervisor.PeriodicSyncService{
		Name:     "sync-external",
		Interval: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := manager.SyncWithExternal(ctx)
			return err
		},
		OnError: func(err error) { log.Warn().Err(err).Msg("external sync cycle failed") },
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		cancel()
	}()

	log.Info().Msg("starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("supervisor tree error during shutdown")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("supervisor tree exited")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			log.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
		}
	}

	log.Info().Msg("datacollect-engine stopped gracefully")
}

// backendPorts bundles the storage ports selected for one tenant, built against
// whichever concrete backend cfg.Storage.Backend names.
type backendPorts struct {
	events     storage.EventStoragePort
	entities   storage.EntityStoragePort
	auth       storage.AuthStoragePort
	duplicates storage.DuplicateStoragePort
}

func openBackend(cfg *enginecfg.Config) (backendPorts, func() error, error) {
	switch cfg.Storage.Backend {
	case "badger":
		db, err := badger.Open(cfg.Storage.BadgerDir)
		if err != nil {
			return backendPorts{}, nil, err
		}
		return backendPorts{
			events:     badger.NewEventStore(db, cfg.TenantID),
			entities:   badger.NewEntityStore(db, cfg.TenantID),
			auth:       badger.NewAuthStore(db, cfg.TenantID),
			duplicates: badger.NewDuplicateStore(db, cfg.TenantID),
		}, func() error { return db.Close() }, nil

	case "duckdb":
		db, err := duckdb.Open(cfg.Storage.DuckDBDSN)
		if err != nil {
			return backendPorts{}, nil, err
		}
		// duckdb has no AuthStoragePort implementation (§4 supplement: the central
		// server authenticates sync clients, it doesn't host the Auth Gate itself),
		// so an in-memory AuthStore backs it instead.
		return backendPorts{
			events:     duckdb.NewEventStore(db, cfg.TenantID),
			entities:   duckdb.NewEntityStore(db, cfg.TenantID),
			auth:       memory.NewAuthStore(),
			duplicates: duckdb.NewDuplicateStore(db, cfg.TenantID),
		}, func() error { return db.Close() }, nil

	default:
		return backendPorts{
			events:     memory.NewEventStore(cfg.TenantID),
			entities:   memory.NewEntityStore(cfg.TenantID),
			auth:       memory.NewAuthStore(),
			duplicates: memory.NewDuplicateStore(cfg.TenantID),
		}, func() error { return nil }, nil
	}
}

func buildAuthGate(ctx context.Context, cfg *enginecfg.Config, authPort storage.AuthStoragePort) (*authgate.Gate, error) {
	providers := make([]authgate.Provider, 0, len(cfg.Auth.Providers))
	for _, p := range cfg.Auth.Providers {
		switch p.Type {
		case "oidc":
			op, err := authgate.NewOIDCProvider(ctx, p.Name, p.OIDCIssuerURL, p.OIDCClientID, p.OIDCSecret, p.OIDCRedirect, nil)
			if err != nil {
				return nil, err
			}
			providers = append(providers, op)
		default:
			verifier := authgate.NewBcryptVerifier(nil)
			providers = append(providers, authgate.NewPasswordProvider(p.Name, []byte(p.JWTSecret), p.TokenTTL, verifier))
		}
	}
	return authgate.New(authPort, providers...), nil
}

func buildInternalSync(cfg *enginecfg.Config, gate *authgate.Gate, authProvider string, events *eventstore.Store, entities *entitystore.Store, registry *applier.Registry) *syncinternal.Manager {
	tokenSource := func(ctx context.Context) (string, error) {
		return gate.ActiveToken(ctx, authProvider)
	}
	client := syncinternal.NewHTTPClient(cfg.Sync.ServerURL, tokenSource)

	scfg := syncinternal.DefaultConfig(cfg.TenantID)
	if cfg.Sync.PageSize > 0 {
		scfg.PageSize = cfg.Sync.PageSize
	}
	if cfg.Sync.BackoffBase > 0 {
		scfg.BackoffBase = cfg.Sync.BackoffBase
	}
	if cfg.Sync.BackoffFactor > 0 {
		scfg.BackoffFactor = cfg.Sync.BackoffFactor
	}
	if cfg.Sync.BackoffMaxDelay > 0 {
		scfg.BackoffMaxDelay = cfg.Sync.BackoffMaxDelay
	}
	if cfg.Sync.MaxAttempts > 0 {
		scfg.MaxAttempts = uint64(cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BreakerFailures > 0 {
		scfg.BreakerFailures = cfg.Sync.BreakerFailures
	}
	if cfg.Sync.BreakerTimeout > 0 {
		scfg.BreakerTimeout = cfg.Sync.BreakerTimeout
	}

	return syncinternal.New(scfg, client, events, entities, registry)
}
