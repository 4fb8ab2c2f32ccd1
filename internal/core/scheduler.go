package core

import (
	"bishop_service/internal/domain/model"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Retrainer interface {
	TryRetrain(ctx context.Context) (*model.TrainingResult, error)
}

// RetrainScheduler retrains periodically. A tick that finds a run in
// flight is skipped, so runs never stack up.
type RetrainScheduler struct {
	retrainer Retrainer
	interval  time.Duration
	onStart   bool
	logger    *zap.Logger
}

func NewRetrainScheduler(retrainer Retrainer, interval time.Duration, onStart bool, logger *zap.Logger) (*RetrainScheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("retrain interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrainScheduler{
		retrainer: retrainer,
		interval:  interval,
		onStart:   onStart,
		logger:    logger,
	}, nil
}

// Run blocks until ctx is done.
func (s *RetrainScheduler) Run(ctx context.Context) {
	s.logger.Info("retrain scheduler started",
		zap.Duration("interval", s.interval),
		zap.Bool("on_start", s.onStart))

	if s.onStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retrain scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RetrainScheduler) tick(ctx context.Context) {
	result, err := s.retrainer.TryRetrain(ctx)
	switch {
	case err == nil:
		s.logger.Info("scheduled retrain finished",
			zap.String("run_id", result.RunID.String()),
			zap.Int("windows", result.Windows),
			zap.Float64("held_out_mae_km", result.HeldOut.MAEKm))
	case errors.Is(err, ErrTrainingInProgress):
		s.logger.Info("scheduled retrain skipped, previous run still in progress")
	case errors.Is(err, ErrInsufficientData):
		s.logger.Warn("scheduled retrain skipped, not enough data", zap.Error(err))
	case ctx.Err() != nil:
		// shutting down
	default:
		s.logger.Error("scheduled retrain failed", zap.Error(err))
	}
}
