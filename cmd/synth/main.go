// Command synth uploads a synthetic location track to a running service and
// optionally triggers a training run on it.
package main

import (
	"bishop_service/internal/core"
	"bishop_service/internal/infrastructure/mlclient"
	"bishop_service/internal/logger"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8080", "service base URL")
		count       = flag.Int("count", 1000, "number of samples")
		spacing     = flag.Duration("spacing", 10*time.Minute, "time between samples")
		baseLat     = flag.Float64("lat", 40.0190, "base latitude")
		baseLon     = flag.Float64("lon", 105.2747, "base longitude")
		noise       = flag.Float64("noise", 0.01, "standard deviation of the position noise in degrees")
		seed        = flag.Int64("seed", 42, "random seed")
		concurrency = flag.Int("concurrency", 8, "parallel uploads")
		train       = flag.Bool("train", false, "trigger training after the upload")
		level       = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	zapLogger, err := logger.NewLogger(*level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	track := core.DefaultSyntheticTrack(time.Now().UTC())
	track.Count = *count
	track.Spacing = *spacing
	track.BaseLat, track.BaseLon = *baseLat, *baseLon
	track.NoiseDeg = *noise
	track.Seed = *seed
	samples := core.GenerateSyntheticSamples(track)

	client := mlclient.NewClient(*baseURL, 30*time.Second)

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for _, s := range samples {
		g.Go(func() error {
			if _, err := client.SendCoordinates(gctx, s.Latitude, s.Longitude, s.Timestamp); err != nil {
				return err
			}
			if n := sent.Add(1); n%100 == 0 {
				zapLogger.Info("upload progress", zap.Int64("sent", n), zap.Int("total", len(samples)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		zapLogger.Fatal("upload failed", zap.Int64("sent", sent.Load()), zap.Error(err))
	}
	zapLogger.Info("upload finished", zap.Int64("sent", sent.Load()))

	if !*train {
		return
	}
	// training runs synchronously on the server and can take a while
	trainClient := mlclient.NewClient(*baseURL, 0)
	result, err := trainClient.Train(ctx)
	if err != nil {
		zapLogger.Fatal("training failed", zap.Error(err))
	}
	zapLogger.Info("training finished",
		zap.String("run_id", result.RunID.String()),
		zap.Int("windows", result.Windows),
		zap.Int("epochs", len(result.History.Epochs)),
		zap.Float64("held_out_mae_km", result.HeldOut.MAEKm))
}
