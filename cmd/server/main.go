package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chatrelay/internal/browser"
	"chatrelay/internal/config"
	"chatrelay/internal/driver"
	"chatrelay/internal/protocol"
	"chatrelay/internal/queue"
	"chatrelay/internal/recorder"
	"chatrelay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to an optional YAML config file (env vars override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	// Signal context only triggers shutdown; the scraping core runs on its
	// own context so the queue can drain after SIGTERM.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	rec, err := recorder.NewRecorder(cfg.Browser.TraceDir)
	if err != nil {
		logger.Fatal("failed to initialize trace recorder", zap.Error(err))
	}
	if err := rec.Start("server"); err != nil {
		logger.Warn("trace recording disabled", zap.Error(err))
	}
	defer func() { _ = rec.Close() }()

	store := browser.NewStore(cfg.Browser.SessionFile, logger)
	engine := driver.NewRodEngine(driver.RodOptions{
		Bin:            cfg.Browser.Bin,
		Headless:       cfg.Browser.IsHeadless(),
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	})
	mgr := browser.NewManager(browser.Options{
		TargetURL:         cfg.Chat.TargetURL,
		NavigationTimeout: cfg.Chat.GetNavigationTimeout(),
		ReconnectDelay:    cfg.Browser.GetReconnectDelay(),
	}, engine, store, rec, logger)

	// A launch failure at startup is fatal; only post-Ready disconnects
	// enter the retry loop.
	if err := mgr.Initialize(workCtx); err != nil {
		logger.Fatal("browser initialization failed", zap.Error(err))
	}
	go mgr.Run(workCtx)

	snaps := recorder.NewSnapshotWriter(cfg.Browser.SnapshotDir)
	asker := protocol.NewAsker(cfg.Chat, snaps, logger)
	ask := func(ctx context.Context, prompt string) (string, error) {
		page, err := mgr.Page()
		if err != nil {
			return "", err
		}
		return asker.Ask(ctx, page, prompt)
	}

	q := queue.New(ask, cfg.Queue.GetCooldown(), rec, logger)
	q.Start(workCtx)

	srv := server.New(cfg.Server, cfg.Chat.MaxPromptLen, mgr, q, logger)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("chatrelay listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("target", cfg.Chat.TargetURL))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-sigCtx.Done()

	// Graceful shutdown: reject new prompts, let the worker drain what is
	// queued (no upper bound), persist the session, close the browser.
	logger.Info("shutdown requested, draining queue", zap.Int("pending", q.Len()))
	srv.SetDraining(true)
	if err := q.Drain(context.Background()); err != nil {
		logger.Warn("queue drain interrupted", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	cancelWork()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func buildLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
