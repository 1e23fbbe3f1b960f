// Package app wires the configured services together for the binaries.
package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/camuig/trade-tracker/internal/broker"
	"github.com/camuig/trade-tracker/internal/broker/kraken"
	"github.com/camuig/trade-tracker/internal/broker/oanda"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/executor"
	"github.com/camuig/trade-tracker/internal/instrument"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/reconcile"
	"github.com/camuig/trade-tracker/internal/storage"
	"github.com/camuig/trade-tracker/internal/telegram"
	"github.com/camuig/trade-tracker/internal/tracker"
)

type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *gorm.DB
	Repo      *storage.Repository
	Catalog   *instrument.Catalog
	Brokers   *broker.Registry
	Notifier  *telegram.Notifier
	Tracker   *tracker.Tracker
	Executor  *executor.Executor
	Reconcile *reconcile.Job
}

// New opens the database, seeds the risk budgets and builds every enabled
// broker client.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	catalog, err := instrument.NewCatalog(cfg.Instruments)
	if err != nil {
		return nil, fmt.Errorf("instrument catalog: %w", err)
	}

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	repo := storage.NewRepository(db)

	if err := repo.SeedRiskBudgets(ctx, cfg.Risk.Budgets); err != nil {
		_ = storage.Close(db)
		return nil, err
	}

	brokers, err := Brokers(cfg, catalog, log)
	if err != nil {
		_ = storage.Close(db)
		return nil, err
	}

	notifier := telegram.NewNotifier(cfg, log)

	return &App{
		Config:    cfg,
		Logger:    log,
		DB:        db,
		Repo:      repo,
		Catalog:   catalog,
		Brokers:   brokers,
		Notifier:  notifier,
		Tracker:   tracker.New(brokers, catalog, repo, notifier, tracker.OptionsFromConfig(cfg), log.With("component", "tracker")),
		Executor:  executor.NewExecutor(brokers, catalog, repo, notifier, log.With("component", "executor")),
		Reconcile: reconcile.NewJob(brokers, catalog, repo, reconcile.SettingsFromConfig(cfg), log.With("component", "reconcile")),
	}, nil
}

// Brokers builds the registry of enabled broker clients.
func Brokers(cfg *config.Config, catalog *instrument.Catalog, log *logger.Logger) (*broker.Registry, error) {
	var clients []broker.Client

	if cfg.Brokers.Oanda.Enabled {
		clients = append(clients, oanda.NewClient(cfg.Brokers.Oanda, catalog, cfg.RequestTimeout()))
	}
	if cfg.Brokers.Kraken.Enabled {
		kc, err := kraken.NewClient(cfg.Brokers.Kraken, catalog, cfg.RequestTimeout(), log)
		if err != nil {
			return nil, fmt.Errorf("kraken client: %w", err)
		}
		clients = append(clients, kc)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no broker enabled")
	}

	return broker.NewRegistry(clients...), nil
}

func (a *App) Close() error {
	return storage.Close(a.DB)
}
