package main

import (
	"bishop_service/internal/api"
	"bishop_service/internal/config"
	"bishop_service/internal/core"
	"bishop_service/internal/domain/repository"
	"bishop_service/internal/logger"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("BISHOP_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Fatal("service stopped with error", zap.Error(err))
	}
	zapLogger.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	postgresRepo, err := repository.NewPostgresRepository(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer postgresRepo.Close()
	postgresRepo.DB().SetMaxOpenConns(cfg.Postgres.MaxOpenConns)

	if cfg.Postgres.EnsureSchema {
		if err := postgresRepo.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	var modelStore repository.ModelStore
	switch cfg.Store.Backend {
	case "postgres":
		modelStore = repository.NewPostgresModelStore(postgresRepo.DB())
	case "file":
		modelStore = repository.NewFileModelStore(cfg.Store.Path)
	}

	var places repository.PlaceLookup
	if cfg.Overpass.URL != "" {
		places = repository.NewOverpassRepository(cfg.Overpass.URL, cfg.Overpass.Timeout)
	}

	forecasterConfig, err := cfg.ForecasterConfig()
	if err != nil {
		return err
	}
	forecaster, err := core.NewForecaster(forecasterConfig, logger.Named("forecaster"))
	if err != nil {
		return fmt.Errorf("failed to create forecaster: %w", err)
	}

	service := core.NewPredictionService(
		forecaster,
		postgresRepo,
		modelStore,
		repository.NewPostgresTrainingRecorder(postgresRepo.DB()),
		places,
		cfg.ServiceConfig(),
		logger.Named("service"),
	)
	if err := service.LoadModel(ctx); err != nil {
		// keep serving; the next training run replaces the broken artifact
		logger.Error("failed to load persisted model", zap.Error(err))
	}

	gin.SetMode(cfg.Server.Mode)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(api.NewHandler(service, logger.Named("http"))),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Training.Interval > 0 {
		scheduler, err := core.NewRetrainScheduler(service, cfg.Training.Interval, cfg.Training.OnStart, logger.Named("scheduler"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			scheduler.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
