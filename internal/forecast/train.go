package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"

	"bishop_service/internal/domain/model"
	"bishop_service/internal/ml"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrDiverged = errors.New("training diverged")

type TrainConfig struct {
	Epochs          int
	BatchSize       int
	LearningRate    float64
	ValidationSplit float64

	EarlyStopPatience int
	ReduceLRPatience  int
	ReduceLRFactor    float64
	ReduceLRMinDelta  float64
	MinLearningRate   float64

	Concurrency int
	Seed        int64
}

func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:            200,
		BatchSize:         32,
		LearningRate:      ml.DefaultLearningRate,
		ValidationSplit:   0.2,
		EarlyStopPatience: 20,
		ReduceLRPatience:  5,
		ReduceLRFactor:    0.2,
		ReduceLRMinDelta:  1e-4,
		MinLearningRate:   1e-6,
		Seed:              42,
	}
}

// Trainer fits a Network on windows. The last ValidationSplit fraction of
// the samples is held out for validation before any shuffling.
type Trainer struct {
	cfg    TrainConfig
	logger *zap.Logger
}

func NewTrainer(cfg TrainConfig, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Trainer{cfg: cfg, logger: logger}
}

// Fit trains mainModel in place. On return mainModel holds the weights of the
// epoch with the lowest monitored loss.
func (tr *Trainer) Fit(ctx context.Context, mainModel *Network, samples []Sample) (model.TrainingHistory, error) {
	var history model.TrainingHistory
	if len(samples) == 0 {
		return history, errors.New("no training samples")
	}
	if tr.cfg.Epochs <= 0 {
		return history, fmt.Errorf("epochs must be positive, got %d", tr.cfg.Epochs)
	}

	var splitAt = int(float64(len(samples)) * (1 - tr.cfg.ValidationSplit))
	var training = append([]Sample(nil), samples[:splitAt]...)
	var validation = samples[splitAt:]
	if len(training) == 0 {
		training = append([]Sample(nil), samples...)
		validation = nil
	}
	history.Monitor = "val_loss"
	if len(validation) == 0 {
		history.Monitor = "loss"
	}

	var models = make([]*Network, min(tr.cfg.Concurrency, len(training)))
	models[0] = mainModel
	for i := 1; i < len(models); i++ {
		models[i] = mainModel.ThreadCopy(tr.cfg.Seed + int64(i))
	}

	tr.logger.Info("training started",
		zap.Int("samples", len(samples)),
		zap.Int("training", len(training)),
		zap.Int("validation", len(validation)),
		zap.Int("params", mainModel.ParamCount()),
		zap.Int("workers", len(models)))

	var opt = ml.NewAdam(tr.cfg.LearningRate)
	var rnd = rand.New(rand.NewSource(tr.cfg.Seed))

	var best = math.Inf(1)
	var bestWeights = mainModel.Snapshot()
	var wait int
	var plateauBest = math.Inf(1)
	var plateauWait int

	for epoch := 1; epoch <= tr.cfg.Epochs; epoch++ {
		shuffle(rnd, training)

		var loss, mae float64
		for i := 0; i < len(training); i += tr.cfg.BatchSize {
			var batch = training[i:min(i+tr.cfg.BatchSize, len(training))]
			batchLoss, batchMAE, err := trainBatch(ctx, batch, models)
			if err != nil {
				return history, err
			}
			loss += batchLoss
			mae += batchMAE
			applyGradients(models, opt, 1/float64(len(batch)))
		}
		loss /= float64(len(training))
		mae /= float64(len(training))

		var stats = model.EpochHistory{
			Epoch:        epoch,
			Loss:         loss,
			MAE:          mae,
			LearningRate: opt.LearningRate,
		}
		var monitored = loss
		if len(validation) > 0 {
			valLoss, valMAE, err := calcAverageCost(ctx, validation, models)
			if err != nil {
				return history, err
			}
			stats.ValLoss, stats.ValMAE = valLoss, valMAE
			monitored = valLoss
		}
		history.Epochs = append(history.Epochs, stats)

		if math.IsNaN(monitored) || math.IsInf(monitored, 0) {
			return history, fmt.Errorf("%w at epoch %d", ErrDiverged, epoch)
		}

		tr.logger.Debug("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("loss", loss),
			zap.Float64("mae", mae),
			zap.Float64("val_loss", stats.ValLoss),
			zap.Float64("val_mae", stats.ValMAE),
			zap.Float64("lr", opt.LearningRate))

		if monitored < best {
			best = monitored
			bestWeights = mainModel.Snapshot()
			history.BestEpoch = epoch
			wait = 0
		} else {
			wait++
			if tr.cfg.EarlyStopPatience > 0 && wait >= tr.cfg.EarlyStopPatience {
				history.StoppedEarly = true
				tr.logger.Info("early stopping",
					zap.Int("epoch", epoch),
					zap.Int("best_epoch", history.BestEpoch))
				break
			}
		}

		if monitored < plateauBest-tr.cfg.ReduceLRMinDelta {
			plateauBest = monitored
			plateauWait = 0
		} else {
			plateauWait++
			if tr.cfg.ReduceLRPatience > 0 && plateauWait >= tr.cfg.ReduceLRPatience {
				if opt.LearningRate > tr.cfg.MinLearningRate {
					opt.LearningRate = math.Max(opt.LearningRate*tr.cfg.ReduceLRFactor, tr.cfg.MinLearningRate)
					tr.logger.Info("reducing learning rate",
						zap.Int("epoch", epoch),
						zap.Float64("lr", opt.LearningRate))
				}
				plateauWait = 0
			}
		}
	}

	if err := mainModel.Restore(bestWeights); err != nil {
		return history, fmt.Errorf("restore best weights: %w", err)
	}
	history.BestLoss = best
	tr.logger.Info("training finished",
		zap.Int("epochs", len(history.Epochs)),
		zap.Int("best_epoch", history.BestEpoch),
		zap.Int("optimizer_steps", opt.Steps()),
		zap.Float64("best_"+history.Monitor, best))
	return history, nil
}

// Evaluate returns the mean loss and mean absolute error of mainModel on
// samples without touching its weights.
func (tr *Trainer) Evaluate(ctx context.Context, mainModel *Network, samples []Sample) (loss, mae float64, err error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}
	var models = make([]*Network, min(tr.cfg.Concurrency, len(samples)))
	for i := range models {
		models[i] = mainModel.threadCopy(0, false)
	}
	return calcAverageCost(ctx, samples, models)
}

func shuffle(rnd *rand.Rand, training []Sample) {
	rnd.Shuffle(len(training), func(i, j int) {
		training[i], training[j] = training[j], training[i]
	})
}

// trainBatch spreads the batch over the thread copies. Each worker takes
// the next sample index atomically.
func trainBatch(ctx context.Context, samples []Sample, models []*Network) (loss, mae float64, err error) {
	var index int32 = -1
	var losses = make([]float64, len(models))
	var maes = make([]float64, len(models))
	g, ctx := errgroup.WithContext(ctx)
	for w := range models {
		g.Go(func() error {
			var m = models[w]
			for {
				var i = int(atomic.AddInt32(&index, 1))
				if i >= len(samples) {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				c, a := m.Train(&samples[i])
				losses[w] += c
				maes[w] += a
			}
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	for w := range models {
		loss += losses[w]
		mae += maes[w]
	}
	return loss, mae, nil
}

func applyGradients(models []*Network, opt *ml.Adam, scale float64) {
	for i := 1; i < len(models); i++ {
		models[i].AddGradients(models[0])
	}
	models[0].ApplyGradients(opt, scale)
}

func calcAverageCost(ctx context.Context, samples []Sample, models []*Network) (loss, mae float64, err error) {
	var index int32 = -1
	var losses = make([]float64, len(models))
	var maes = make([]float64, len(models))
	g, ctx := errgroup.WithContext(ctx)
	for w := range models {
		g.Go(func() error {
			var m = models[w]
			for {
				var i = int(atomic.AddInt32(&index, 1))
				if i >= len(samples) {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				c, a := m.CalcCost(&samples[i])
				losses[w] += c
				maes[w] += a
			}
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	for w := range models {
		loss += losses[w]
		mae += maes[w]
	}
	return loss / float64(len(samples)), mae / float64(len(samples)), nil
}
