package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/camuig/trade-tracker/internal/app"
	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	brokers := a.Brokers.Names()
	log.Info("starting trade tracker", "brokers", strings.Join(brokers, ","), "db", cfg.Database.Path)

	trackerDone := a.Tracker.Start(ctx)

	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(a.Repo, a.Reconcile, cfg.Web.Port, log.With("component", "web"))
		go func() {
			if err := webServer.Start(); err != nil {
				log.Error("web server error", "error", err)
			}
		}()
	}

	a.Notifier.NotifyStatus(fmt.Sprintf("Trade tracker started (%s)", strings.Join(brokers, ", ")))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()
	// The database closes on return; let an in-flight cycle finish first.
	<-trackerDone

	if webServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			log.Error("web server shutdown error", "error", err)
		}
	}

	a.Notifier.NotifyStatus("Trade tracker stopped")
	log.Info("trade tracker stopped")
}
