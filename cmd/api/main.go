package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/weeklyloan/pkg/cache"
	"github.com/mcclellann/weeklyloan/pkg/config"
	"github.com/mcclellann/weeklyloan/pkg/ledger"
	"github.com/mcclellann/weeklyloan/pkg/logger"
	"github.com/mcclellann/weeklyloan/pkg/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	var idem cache.Store = cache.NewMemoryStore()
	if cfg.Redis.Enabled {
		client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		idem = cache.NewRedisStore(client, "weeklyloan:idem:")
	}

	l := ledger.NewLedger(sqliteStore,
		ledger.WithScheduleDefaults(cfg.ScheduleDefaults()),
		ledger.WithMatcher(cfg.Matcher()),
		ledger.WithPenaltyRate(cfg.PenaltyRate()),
	)
	server := NewServer(l, idem, cfg.Idempotency.TTL)

	go runOverdueSweep(ctx, l, cfg.Collections.SweepInterval)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runOverdueSweep marks overdue installments once at startup and then on
// every tick until ctx is done.
func runOverdueSweep(ctx context.Context, l *ledger.Ledger, interval time.Duration) {
	sweep := func() {
		n, err := l.MarkOverdue(ctx, time.Now().UTC())
		if err != nil {
			logger.CtxError(ctx, "overdue sweep finished with errors", err, slog.Int("installments", n))
		}
	}
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
