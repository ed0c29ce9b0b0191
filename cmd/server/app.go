package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/warp/unit-ledger/api"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/config"
	"github.com/warp/unit-ledger/factory"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
	"github.com/warp/unit-ledger/reporting"
	"github.com/warp/unit-ledger/store/memory"
	"github.com/warp/unit-ledger/store/postgres"
	"github.com/warp/unit-ledger/store/sqlite"
)

// backend is what every store driver provides.
type backend interface {
	ledger.Store
	claims.Store
	claims.SessionSource
	billing.SessionRecorder
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// app wires the components over one backend.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   backend
	ledger  *ledger.Ledger
	claims  *claims.Engine
	service *billing.Service
	factory *factory.AuthorizationFactory
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		if cfg.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	thresholds, err := cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	store, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clock := generic.SystemClock{}
	l := ledger.New(store,
		ledger.WithClock(clock),
		ledger.WithThresholds(thresholds),
		ledger.WithWeekStart(cfg.Weekday()),
		ledger.WithBiweeklyAnchor(cfg.Anchor()),
		ledger.WithLockTimeout(cfg.LockTimeout),
		ledger.WithLogger(log.With().Str("component", "ledger").Logger()),
		ledger.WithObserver(ledger.LogObserver{Logger: log.With().Str("component", "depletion").Logger()}),
	)
	e := claims.NewEngine(store, store,
		claims.WithClock(clock),
		claims.WithLockTimeout(cfg.LockTimeout),
		claims.WithLogger(log.With().Str("component", "claims").Logger()),
	)
	agg := reporting.NewAggregator(e, l,
		reporting.WithClock(clock),
		reporting.WithTimelyFilingDays(cfg.TimelyFilingDays),
		reporting.WithLogger(log.With().Str("component", "reporting").Logger()),
	)
	svc := billing.NewService(l, e, agg, store,
		billing.WithClock(clock),
		billing.WithLogger(log.With().Str("component", "billing").Logger()),
	)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		ledger:  l,
		claims:  e,
		service: svc,
		factory: factory.NewAuthorizationFactory(clock),
	}, nil
}

func (a *app) handler() *api.Handler {
	return api.NewHandler(a.service, a.factory, a.store, a.log.With().Str("component", "api").Logger())
}

func (a *app) Close() error { return a.store.Close() }
