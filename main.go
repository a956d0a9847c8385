// Package main runs the forum notification service: an HTTP endpoint (and
// optional ticker) that mails new forum posts to subscribers and sends the
// daily digest.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forum-notifier/config"
	"forum-notifier/cron"
	"forum-notifier/db"
	"forum-notifier/email"
	"forum-notifier/memstore"
	"forum-notifier/metrics"
	"forum-notifier/server"
	"forum-notifier/storage"

	"cloud.google.com/go/compute/metadata"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	host, closeHost, err := openHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeHost()

	state, closeState, err := openState(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeState()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(email.NewBreaker(provider, cfg.EmailProvider, 5, time.Minute, logger), logger, cfg.BaseURL, cfg.SiteName)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	runner := cron.New(host, state, sender, m, cron.Config{
		MaxEditingTime:  cfg.MaxEditingTime,
		LookbackWindow:  cfg.LookbackWindow,
		PhaseBudget:     cfg.PhaseBudget,
		SendTimeout:     cfg.SendTimeout,
		Workers:         cfg.Workers,
		UserCacheSize:   cfg.UserCacheSize,
		AutoMarkRead:    cfg.AutoMarkRead,
		DigestLocation:  cfg.Location(),
		DigestHour:      cfg.DigestHour,
		DigestRetention: cfg.DigestRetention,
	}, logger)

	if cfg.CronInterval > 0 {
		go runner.Start(ctx, cfg.CronInterval)
	}

	srv := server.New(&server.Config{
		Runner:   runner,
		Gatherer: reg,
		Logger:   logger,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// openHost connects to PostgreSQL, or falls back to an empty in-memory store
// for local development.
func openHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cron.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("No DATABASE_URL set, using an empty in-memory host store")
		return memstore.New(), func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	store := db.New(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func openState(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.StorageBucket, "", logger), closeFn, nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case "gmail":
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("init gmail: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil
	case "brevo":
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddress, cfg.FromName, logger), nil
	case "ses":
		p, err := email.NewSESProvider(ctx, cfg.AWSRegion, cfg.FromAddress, cfg.FromName, logger)
		if err != nil {
			return nil, fmt.Errorf("init ses: %w", err)
		}
		return p, nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// On GCP the service account's default credentials carry the gmail.send scope.
	if metadata.OnGCE() {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running on GCP")
}
