package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/instructions/pkg/backup"
	"github.com/Mindburn-Labs/helm/instructions/pkg/catalog"
	"github.com/Mindburn-Labs/helm/instructions/pkg/config"
	"github.com/Mindburn-Labs/helm/instructions/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/instructions/pkg/gate"
	"github.com/Mindburn-Labs/helm/instructions/pkg/governance"
	"github.com/Mindburn-Labs/helm/instructions/pkg/history"
	"github.com/Mindburn-Labs/helm/instructions/pkg/observability"
	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

// app holds the wired components for one process.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.FileStore
	catalog    *catalog.Service
	freshness  catalog.Freshness
	engine     *governance.Engine
	gate       *gate.Gate
	history    *history.Store
	telemetry  *observability.Provider
	dispatcher *dispatch.Dispatcher
	redis      *redis.Client
	watcher    *catalog.Watcher
}

type appOptions struct {
	// watch starts the fsnotify watcher regardless of configuration.
	watch bool
	// history opens the session history store when configured.
	history bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.store, err = store.NewFileStore(cfg.Dir, logger.With("component", "store"))
	if err != nil {
		return nil, err
	}

	a.freshness = catalog.NewMarkerFreshness(a.store.Marker())
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.freshness = catalog.NewSignalFreshness(a.freshness, a.redis, catalog.SignalKey(cfg.Dir), logger.With("component", "catalog"))
	}
	if cfg.Watch || opts.watch {
		a.watcher, err = catalog.NewWatcher(cfg.Dir, a.freshness, logger.With("component", "catalog"))
		if err != nil {
			return nil, err
		}
	}
	a.catalog = catalog.NewService(a.store, catalog.Options{
		Freshness:        a.freshness,
		SelfHealAttempts: cfg.SelfHealAttempts,
		SelfHealBackoff:  cfg.SelfHealBackoff,
		Logger:           logger.With("component", "catalog"),
	})

	policy, err := governance.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	a.engine, err = governance.NewEngine(policy, logger.With("component", "governance"))
	if err != nil {
		return nil, err
	}

	a.gate, err = gate.New(gate.Config{
		MutationEnabled: cfg.MutationEnabled,
		ReadOnly:        cfg.ReferenceMode,
		AutoConfirm:     cfg.AutoConfirm,
		TTL:             cfg.TokenTTL,
		Secret:          cfg.GateSecret,
	}, logger.With("component", "gate"))
	if err != nil {
		return nil, err
	}

	if opts.history && cfg.HistoryEnabled() {
		a.history, err = history.Open(ctx, cfg.HistoryDriver, cfg.HistoryDSN, cfg.HistoryRetention, logger.With("component", "history"))
		if err != nil {
			return nil, err
		}
	}

	telemetryCfg := observability.DefaultConfig()
	telemetryCfg.Enabled = cfg.OTelEnabled
	telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telemetryCfg.ServiceVersion = dispatch.Version
	a.telemetry, err = observability.New(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a.dispatcher, err = dispatch.New(dispatch.Config{
		Catalog:   a.catalog,
		Engine:    a.engine,
		Gate:      a.gate,
		History:   a.history,
		Telemetry: a.telemetry,
		Agent:     cfg.AgentID,
		Workspace: cfg.Workspace,
		Logger:    logger.With("component", "dispatch"),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// backups builds the backup manager with the configured mirror.
func (a *app) backups(ctx context.Context) (*backup.Manager, error) {
	mirror, err := backup.NewMirrorFromURL(ctx, a.cfg.BackupMirror)
	if err != nil {
		return nil, err
	}
	return backup.NewManager(a.store, a.cfg.BackupsDir, mirror, a.logger.With("component", "backup"))
}

// confirmGate runs the request/confirm handshake in-process.
func (a *app) confirmGate() error {
	issued, err := a.gate.Request("confirmed from the command line")
	if err != nil {
		return err
	}
	if issued.AlreadyConfirmed {
		return nil
	}
	_, err = a.gate.Confirm(issued.Token)
	return err
}

// Close releases everything newApp opened.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
