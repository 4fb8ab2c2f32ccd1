package forecast

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func smallTopology() Topology {
	return Topology{
		Inputs:     2,
		Outputs:    2,
		LSTMUnits:  []int{3, 2},
		DenseUnits: []int{3},
		Activation: "tanh",
	}
}

func randomSample(rnd *rand.Rand, steps, inputs, outputs int) Sample {
	var s = Sample{Inputs: make([][]float64, steps), Target: make([]float64, outputs)}
	for t := range s.Inputs {
		s.Inputs[t] = make([]float64, inputs)
		for j := range s.Inputs[t] {
			s.Inputs[t][j] = rnd.Float64()
		}
	}
	for j := range s.Target {
		s.Target[j] = rnd.Float64()
	}
	return s
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	var rnd = rand.New(rand.NewSource(7))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)

	var sample = randomSample(rnd, 4, 2, 2)
	n.Train(&sample)

	var params, grads = n.Params(), n.gradients()
	require.Equal(t, len(params), len(grads))

	const eps = 1e-6
	for i, p := range params {
		for _, j := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			var orig = p.Data[j]
			p.Data[j] = orig + eps
			plus, _ := n.CalcCost(&sample)
			p.Data[j] = orig - eps
			minus, _ := n.CalcCost(&sample)
			p.Data[j] = orig

			var numeric = (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, grads[i].Data[j].Value, 1e-6, "matrix %d index %d", i, j)
		}
	}
}

func TestDefaultTopologyShape(t *testing.T) {
	n, err := NewNetwork(DefaultTopology(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	// three bidirectional layers, two hidden dense layers and the output layer
	assert.Len(t, n.Params(), 3*2*3+2*2+2)

	var out = n.Predict(randomSample(rand.New(rand.NewSource(2)), 10, 4, 2).Inputs)
	assert.Len(t, out, 2)
}

func TestTopologyValidate(t *testing.T) {
	var bad = smallTopology()
	bad.LSTMUnits = nil
	assert.Error(t, bad.Validate())

	bad = smallTopology()
	bad.Dropout = 1
	assert.Error(t, bad.Validate())

	bad = smallTopology()
	bad.Activation = "swish"
	assert.Error(t, bad.Validate())
}

func TestForgetGateBiasStartsAtOne(t *testing.T) {
	var l = NewLSTM(2, 3).initWeights(rand.New(rand.NewSource(3)))
	assert.Equal(t, []float64{0, 0, 0, 1, 1, 1, 0, 0, 0, 0, 0, 0}, l.bias.Data)
}

func makeDataset(rnd *rand.Rand, count int) []Sample {
	var samples = make([]Sample, count)
	for i := range samples {
		var s = randomSample(rnd, 3, 2, 2)
		var mean float64
		for _, row := range s.Inputs {
			mean += row[0]
		}
		s.Target[0] = mean / 3
		s.Target[1] = 0.3
		samples[i] = s
	}
	return samples
}

func TestFitReducesLoss(t *testing.T) {
	var rnd = rand.New(rand.NewSource(11))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)

	var cfg = DefaultTrainConfig()
	cfg.Epochs = 60
	cfg.BatchSize = 8
	cfg.LearningRate = 0.01
	cfg.Concurrency = 2

	var trainer = NewTrainer(cfg, zaptest.NewLogger(t))
	history, err := trainer.Fit(context.Background(), n, makeDataset(rnd, 80))
	require.NoError(t, err)

	require.NotEmpty(t, history.Epochs)
	assert.Equal(t, "val_loss", history.Monitor)
	assert.Less(t, history.BestLoss, history.Epochs[0].ValLoss/2)
	assert.Equal(t, history.BestLoss, history.Epochs[history.BestEpoch-1].ValLoss)
}

func TestFitStopsEarlyAndRestoresBest(t *testing.T) {
	var rnd = rand.New(rand.NewSource(12))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)

	var cfg = DefaultTrainConfig()
	cfg.Epochs = 50
	cfg.LearningRate = 0
	cfg.EarlyStopPatience = 2
	cfg.Concurrency = 1

	var before = n.Snapshot()
	history, err := NewTrainer(cfg, nil).Fit(context.Background(), n, makeDataset(rnd, 20))
	require.NoError(t, err)

	assert.True(t, history.StoppedEarly)
	assert.Len(t, history.Epochs, 3)
	assert.Equal(t, 1, history.BestEpoch)
	assert.Equal(t, before, n.Snapshot())
}

func TestFitReducesLearningRateOnPlateau(t *testing.T) {
	var rnd = rand.New(rand.NewSource(13))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)

	var cfg = DefaultTrainConfig()
	cfg.Epochs = 5
	cfg.LearningRate = 1e-12
	cfg.MinLearningRate = 1e-13
	cfg.ReduceLRPatience = 1
	cfg.EarlyStopPatience = 0
	cfg.Concurrency = 1

	history, err := NewTrainer(cfg, nil).Fit(context.Background(), n, makeDataset(rnd, 20))
	require.NoError(t, err)
	require.Len(t, history.Epochs, 5)

	var want = []float64{1e-12, 1e-12, 2e-13, 1e-13, 1e-13}
	for i, e := range history.Epochs {
		assert.InEpsilon(t, want[i], e.LearningRate, 1e-9, "epoch %d", e.Epoch)
	}
}

func TestFitSingleSampleMonitorsTrainingLoss(t *testing.T) {
	var rnd = rand.New(rand.NewSource(14))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)

	var cfg = DefaultTrainConfig()
	cfg.Epochs = 3
	history, err := NewTrainer(cfg, nil).Fit(context.Background(), n, makeDataset(rnd, 1))
	require.NoError(t, err)
	assert.Equal(t, "loss", history.Monitor)
	assert.Len(t, history.Epochs, 3)
}

func TestFitHonoursCancellation(t *testing.T) {
	var rnd = rand.New(rand.NewSource(15))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewTrainer(DefaultTrainConfig(), nil).Fit(ctx, n, makeDataset(rnd, 10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateMatchesCalcCost(t *testing.T) {
	var rnd = rand.New(rand.NewSource(16))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)
	var samples = makeDataset(rnd, 7)

	var cfg = DefaultTrainConfig()
	cfg.Concurrency = 3
	loss, mae, err := NewTrainer(cfg, nil).Evaluate(context.Background(), n, samples)
	require.NoError(t, err)

	var wantLoss, wantMAE float64
	for i := range samples {
		c, a := n.CalcCost(&samples[i])
		wantLoss += c
		wantMAE += a
	}
	assert.InDelta(t, wantLoss/7, loss, 1e-12)
	assert.InDelta(t, wantMAE/7, mae, 1e-12)
}

func TestCodecRoundTrip(t *testing.T) {
	var rnd = rand.New(rand.NewSource(17))
	var topology = smallTopology()
	topology.Dropout = 0.3
	n, err := NewNetwork(topology, rnd)
	require.NoError(t, err)

	data, err := n.MarshalBinary()
	require.NoError(t, err)

	loaded, err := UnmarshalNetwork(data)
	require.NoError(t, err)
	assert.Equal(t, n.Topology, loaded.Topology)
	assert.Equal(t, n.Snapshot(), loaded.Snapshot())

	var inputs = randomSample(rnd, 5, 2, 2).Inputs
	assert.Equal(t, n.Predict(inputs), loaded.Predict(inputs))
}

func TestCodecRejectsGarbage(t *testing.T) {
	_, err := UnmarshalNetwork([]byte("XXXXXXXX"))
	assert.ErrorIs(t, err, ErrBadFormat)

	n, err := NewNetwork(smallTopology(), rand.New(rand.NewSource(18)))
	require.NoError(t, err)
	data, err := n.MarshalBinary()
	require.NoError(t, err)

	_, err = UnmarshalNetwork(data[:len(data)-3])
	assert.Error(t, err)
}

func TestCodecRejectsOversizedAndNonFinite(t *testing.T) {
	n, err := NewNetwork(smallTopology(), rand.New(rand.NewSource(20)))
	require.NoError(t, err)
	data, err := n.MarshalBinary()
	require.NoError(t, err)

	// offsets follow the layout in codec.go for smallTopology:
	// inputs 4, outputs 8, lstm count 12, lstm units 16 and 20,
	// dense count 24, dense unit 28, dropout 32
	tests := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"huge inputs", func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 1<<30) }},
		{"huge recurrent width", func(b []byte) { binary.LittleEndian.PutUint32(b[16:], maxLayerWidth+1) }},
		{"huge dense width", func(b []byte) { binary.LittleEndian.PutUint32(b[28:], math.MaxUint32) }},
		{"too many layers", func(b []byte) { binary.LittleEndian.PutUint32(b[12:], maxLayers+1) }},
		{"nan dropout", func(b []byte) { binary.LittleEndian.PutUint64(b[32:], math.Float64bits(math.NaN())) }},
		{"nan weight", func(b []byte) { binary.LittleEndian.PutUint64(b[len(b)-8:], math.Float64bits(math.NaN())) }},
		{"infinite weight", func(b []byte) { binary.LittleEndian.PutUint64(b[len(b)-8:], math.Float64bits(math.Inf(-1))) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrupt := append([]byte(nil), data...)
			tt.mutate(corrupt)

			var loaded *Network
			require.NotPanics(t, func() { loaded, err = UnmarshalNetwork(corrupt) })
			assert.ErrorIs(t, err, ErrBadFormat)
			assert.Nil(t, loaded)
		})
	}
}

func TestPredictIsSafeForConcurrentUse(t *testing.T) {
	var rnd = rand.New(rand.NewSource(19))
	n, err := NewNetwork(smallTopology(), rnd)
	require.NoError(t, err)
	var inputs = randomSample(rnd, 6, 2, 2).Inputs
	var want = n.Predict(inputs)

	var wg sync.WaitGroup
	var results = make([][]float64, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = n.Predict(inputs)
		}()
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
}
