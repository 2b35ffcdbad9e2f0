package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flowpbx/callscript/internal/api"
	"github.com/flowpbx/callscript/internal/audio"
	"github.com/flowpbx/callscript/internal/callstate"
	"github.com/flowpbx/callscript/internal/config"
	"github.com/flowpbx/callscript/internal/conversation"
	"github.com/flowpbx/callscript/internal/database"
	"github.com/flowpbx/callscript/internal/database/pgstore"
	"github.com/flowpbx/callscript/internal/metrics"
	"github.com/flowpbx/callscript/internal/notify"
	"github.com/flowpbx/callscript/internal/script"
	"github.com/flowpbx/callscript/internal/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callscript",
		"http_port", cfg.HTTPPort,
		"db_driver", cfg.DBDriver,
		"scripts_dir", cfg.ScriptsDir,
		"base_url", cfg.BaseURL,
	)

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	startTime := time.Now()
	counters := metrics.NewCounters()
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := counters.Register(promReg); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Script cache over the definition directory.
	registry := script.NewRegistry(cfg.ScriptsDir, logger)
	registry.OnReload = counters.ScriptsReloaded
	if n, err := registry.Reload(appCtx); err != nil {
		slog.Warn("initial script load failed", "dir", cfg.ScriptsDir, "error", err)
	} else {
		slog.Info("scripts loaded", "count", n)
	}
	if cfg.WatchScripts {
		if err := registry.Watch(appCtx); err != nil {
			slog.Warn("script directory watch unavailable", "dir", cfg.ScriptsDir, "error", err)
		}
	}
	defer registry.Close()
	resolver := script.NewResolver(store.Scripts, registry, logger)

	// Callback state codec, signed when a secret is configured.
	stateKey, err := cfg.StateKey()
	if err != nil {
		slog.Error("failed to derive state key", "error", err)
		os.Exit(1)
	}
	codec := callstate.NewCodec(stateKey)
	if codec.Signed() {
		slog.Info("callback state signing enabled")
	}
	if cfg.TwilioAuthToken == "" {
		slog.Warn("no twilio auth token configured, webhook signatures will not be checked")
	}

	library := audio.NewLibrary(cfg.StaticDir, cfg.BaseURL)
	prompts := voice.NewBuilder(library, codec, cfg.BaseURL)

	// Completion outbox and its dispatcher.
	outbox := notify.NewOutbox(store.Outbox, logger)
	outbox.OnEnqueue = func() { counters.Delivery("queued") }

	sender, closeSender := newSender(cfg, logger)
	dispatcher := notify.NewDispatcher(store.Outbox, sender, cfg.NotifyInterval, cfg.NotifyMaxAttempts, logger)
	dispatcher.OnResult = counters.Delivery

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(appCtx)
	}()

	promReg.MustRegister(metrics.NewCollector(registry, store.Outbox, startTime))

	ctrl := conversation.New(conversation.Deps{
		Scripts:  resolver,
		State:    codec,
		Answers:  store.Answers,
		Calls:    store.Calls,
		Prompts:  prompts,
		Notifier: outbox,
		Recorder: counters,
		Logger:   logger,
	})

	// HTTP server using the api package.
	handler := api.NewServer(api.Deps{
		Config:       cfg,
		Store:        store,
		Scripts:      registry,
		Conversation: ctrl,
		Audio:        library,
		Gatherer:     promReg,
		Rejects:      counters,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	appCancel()
	wg.Wait()
	if err := closeSender(); err != nil {
		slog.Error("closing completion sender", "error", err)
	}

	slog.Info("callscript stopped")
}

// openStore opens the configured database backend and runs its migrations.
func openStore(cfg *config.Config) (*database.Store, error) {
	if cfg.DBDriver == "postgres" {
		pg, err := pgstore.New(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return pg.Repositories(), nil
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return database.NewStore(db), nil
}

// newSender picks the completion transport: Kafka when brokers are set,
// the HTTP endpoint when a URL is set, otherwise events are only logged.
func newSender(cfg *config.Config, logger *slog.Logger) (notify.Sender, func() error) {
	noop := func() error { return nil }

	switch {
	case len(cfg.KafkaBrokerList()) > 0:
		slog.Info("completion events go to kafka", "topic", cfg.KafkaTopic)
		ks := notify.NewKafkaSender(cfg.KafkaBrokerList(), cfg.KafkaTopic)
		return ks, ks.Close
	case cfg.NotifyURL != "":
		slog.Info("completion events go to http", "url", cfg.NotifyURL, "auth", cfg.NotifyAuth)
		return notify.NewHTTPSender(cfg.NotifyURL, cfg.NotifyAuth, cfg.NotifyUsername, cfg.NotifyPassword), noop
	default:
		slog.Warn("no completion destination configured, events will only be logged")
		return notify.LogSender{Logger: logger}, noop
	}
}
