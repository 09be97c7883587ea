package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OvictorVieira/backbot-sub003/internal/account"
	"github.com/OvictorVieira/backbot-sub003/internal/bot"
	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/dashboard"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/orders"
	"github.com/OvictorVieira/backbot-sub003/internal/protection"
	"github.com/OvictorVieira/backbot-sub003/internal/retry"
	"github.com/OvictorVieira/backbot-sub003/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting engine in %s mode, %d bot(s) configured", cfg.Environment.Mode, len(cfg.Bots))
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real orders will be placed")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}

	client := exchange.NewCircuitBreakerClient(
		exchange.NewBackpackClient(cfg.Exchange.BaseURL, cfg.RequestTimeout()),
	)

	ids := orders.NewAllocator(store, logger)
	canceler := retry.NewClient(client, logger)
	deps := bot.Deps{
		Client:    client,
		Cache:     account.NewCache(client, logger),
		Executor:  orders.NewExecutor(client, ids, logger),
		Protector: protection.NewProtector(client, ids, canceler, logger),
		Reaper:    protection.NewReaper(client, canceler, logger),
		Store:     store,
		Logger:    logger,
	}

	supervisor := bot.NewSupervisor(cfg, deps, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := supervisor.StartAll(ctx); err != nil {
		logger.Printf("Some bots failed to start: %v", err)
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dashLogger.SetFormatter(&logrus.JSONFormatter{})
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLogger.SetLevel(lvl)
		}
		dash = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, supervisor, dashLogger)
		go func() {
			if err := dash.Start(); err != nil && err != http.ErrServerClosed {
				logger.Printf("Dashboard server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Println("Shutdown signal received, stopping bots...")

	supervisor.Shutdown()
	if dash != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := dash.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Dashboard shutdown: %v", err)
		}
	}
	logger.Println("Engine stopped")
}
