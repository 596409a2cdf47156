package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/auth"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/intake"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	jobs := repo.NewVideoJobRepository(runner)
	ledger := repo.NewLedgerRepository(runner)
	jwt := auth.NewJWT(cfg.JWTSecret)

	app := &handlers.App{
		Cfg:    cfg,
		Logger: logger,
		Intake: intake.NewService(jobs, cfg.VideoJobCost, cfg.UserConcurrencyCap, logger),
		Jobs:   jobs,
		Ledger: ledger,
		Store:  store,
	}

	router := httpapi.NewRouter(app, jwt, cfg, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
