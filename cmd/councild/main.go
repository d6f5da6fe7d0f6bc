// councild is the Djinn Council daemon: it assembles the agent workers and
// serves the council over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Yufok1/Djinn-Council-Chat/internal/circuitbreaker"
	"github.com/Yufok1/Djinn-Council-Chat/internal/config"
	"github.com/Yufok1/Djinn-Council-Chat/internal/generation"
	"github.com/Yufok1/Djinn-Council-Chat/internal/httpapi"
	"github.com/Yufok1/Djinn-Council-Chat/internal/ledger"
	"github.com/Yufok1/Djinn-Council-Chat/internal/memory"
	"github.com/Yufok1/Djinn-Council-Chat/internal/orchestrator"
	"github.com/Yufok1/Djinn-Council-Chat/internal/streaming"
)

func main() {
	configPath := flag.String("config", getEnvOrDefault("COUNCIL_CONFIG", "config/council.yaml"), "path to the council config file")
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	manager, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg := manager.Current()

	// Optional SQLite mirror for the ledger.
	var db *sqlx.DB
	if cfg.Ledger.SQLitePath != "" {
		db, err = sqlx.Open("sqlite3", cfg.Ledger.SQLitePath)
		if err != nil {
			logger.Warn("sqlite mirror unavailable", zap.Error(err))
			db = nil
		} else {
			defer db.Close()
		}
	}

	led, err := ledger.Open(cfg.Ledger.Path, db, logger)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer led.Close()

	mem, err := openMemory(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open conversational memory", zap.Error(err))
	}
	defer mem.Close()

	client := generation.NewBreakerClient(
		generation.NewHTTPClient(cfg.Generation.BaseURL, cfg.Generation.RequestTimeout, logger),
		circuitbreaker.GenerationSettings(),
		logger,
	)

	orch, err := orchestrator.New(cfg, client, mem, led, streaming.NewManager(0), logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}
	orch.Start()
	defer orch.Shutdown()

	manager.OnReload(orch.ApplyConfig)
	if err := manager.Start(); err != nil {
		logger.Warn("config hot-reload unavailable", zap.Error(err))
	}
	defer manager.Stop()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewServer(orch, cfg.Server, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("council listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("council exited", zap.Error(err))
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("COUNCIL_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openMemory(cfg *config.Config, logger *zap.Logger) (memory.Store, error) {
	if cfg.Memory.Backend == "redis" {
		return memory.NewRedisStore(
			cfg.Memory.Redis.Addr,
			cfg.Memory.Redis.UserID,
			cfg.Memory.MaxTurns,
			cfg.Memory.Redis.TTL,
			logger,
		)
	}
	return memory.NewFileStore(cfg.Memory.Dir, cfg.Memory.MaxTurns, logger)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
