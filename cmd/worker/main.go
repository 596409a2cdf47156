package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/dispatch"
	"server/internal/infra"
	"server/internal/providers/veo"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	if cfg.VeoAPIKey == "" {
		logger.Warn().Msg("worker: VEO_API_KEY missing, only mock-mode jobs will succeed")
	}
	generator, err := veo.NewClient(veo.Options{
		APIKey:       cfg.VeoAPIKey,
		BaseURL:      cfg.VeoBaseURL,
		HTTPClient:   &http.Client{Timeout: 2 * time.Minute},
		Logger:       &logger,
		PollInterval: cfg.VeoPollInterval,
		MaxRetries:   cfg.VeoMaxRetries,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure generation client")
	}

	workers := dispatch.New(dispatch.Config{
		Size:              cfg.WorkerPoolSize,
		QueuePollInterval: cfg.QueuePollInterval,
		GenerationTimeout: cfg.GenerationTimeout,
		StaleRunningAfter: cfg.StaleRunningAfter,
		SweepInterval:     cfg.SweepInterval,
		RefundOnFailure:   cfg.RefundOnFailure,
	},
		repo.NewVideoJobRepository(runner),
		repo.NewLedgerRepository(runner),
		generator,
		store,
		logger,
	)

	if err := workers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
