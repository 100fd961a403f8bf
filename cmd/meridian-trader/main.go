package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"meridian/internal/broker"
	"meridian/internal/config"
	"meridian/internal/engine"
	"meridian/internal/httpapi"
	"meridian/internal/ledger"
	"meridian/internal/store"
	"meridian/internal/util"
)

func main() {
	cfgPath := "config/meridian.yaml"
	if p := os.Getenv("MERIDIAN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer st.Close()

	var b broker.Broker
	if cfg.Trading.PaperMode {
		b = broker.NewSandbox(cfg.Sandbox, broker.DefaultReasonTable(), cfg.Trading.MaxOrderQty, nil)
	} else {
		b = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, broker.DefaultReasonTable())
	}
	logger.Info("broker selected", "broker", b.Name())

	arch := ledger.NewArchiver(cfg.Storage.DataDir)
	eng := engine.New(cfg, b, st, arch, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Restore(ctx); err != nil {
		log.Fatalf("restoring state: %v", err)
	}
	eng.ExpireSession(ctx, time.Now())

	api := httpapi.NewServer(eng, logger)
	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: api.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := eng.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("trader exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("trader stopped")
}
