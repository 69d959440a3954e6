package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/theblitlabs/parity-fedsync/pkg/logger"
	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

// DefaultLayerSizes is the 17-64-32-1 binary classifier.
var DefaultLayerSizes = []int{17, 64, 32, 1}

// Config parameterizes local training.
type Config struct {
	LayerSizes   []int   `mapstructure:"LAYER_SIZES"`
	LearningRate float64 `mapstructure:"LEARNING_RATE"`
	BatchSize    int     `mapstructure:"BATCH_SIZE"`
	Optimizer    string  `mapstructure:"OPTIMIZER"`
	// Seed drives weight initialization and shuffling. Clients sharing a seed
	// start from the same model.
	Seed int64 `mapstructure:"SEED"`
}

// DefaultConfig mirrors the reference setup: Adam at 1e-3, batches of 32.
func DefaultConfig() Config {
	return Config{
		LayerSizes:   append([]int(nil), DefaultLayerSizes...),
		LearningRate: 1e-3,
		BatchSize:    32,
		Optimizer:    "adam",
		Seed:         42,
	}
}

// Loader fetches a shard by source string.
type Loader interface {
	Load(ctx context.Context, source string) (*Dataset, error)
}

// FederatedTrainer trains a NeuralNetwork on one shard, one epoch at a time,
// exposing its weight matrices for synchronization between epochs.
type FederatedTrainer struct {
	cfg    Config
	net    *NeuralNetwork
	opt    Optimizer
	loader Loader
	rng    *rand.Rand
	data   *Dataset
	order  []int
	epochs int
	log    zerolog.Logger
}

// NewFederatedTrainer builds the network up front so its layer shapes are known
// before any data arrives.
func NewFederatedTrainer(cfg Config, loader Loader) (*FederatedTrainer, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	net, err := NewNeuralNetwork(cfg.LayerSizes, rng)
	if err != nil {
		return nil, err
	}
	opt, err := NewOptimizer(cfg.Optimizer, cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	return &FederatedTrainer{
		cfg:    cfg,
		net:    net,
		opt:    opt,
		loader: loader,
		rng:    rng,
		log:    logger.WithComponent("trainer"),
	}, nil
}

// LoadShard fetches and validates the local dataset.
func (t *FederatedTrainer) LoadShard(ctx context.Context, source string) error {
	ds, err := t.loader.Load(ctx, source)
	if err != nil {
		return err
	}
	if ds.Width() != t.net.InputSize() {
		return fmt.Errorf("shard has %d features, model expects %d", ds.Width(), t.net.InputSize())
	}
	for i, row := range ds.Features {
		if len(row) != t.net.InputSize() {
			return fmt.Errorf("sample %d has %d features, model expects %d", i, len(row), t.net.InputSize())
		}
	}

	t.data = ds
	t.order = make([]int, ds.Len())
	for i := range t.order {
		t.order[i] = i
	}
	t.log.Info().Str("source", source).Int("samples", ds.Len()).Msg("Shard ready")
	return nil
}

// Layers returns the live weight matrices in layer order.
func (t *FederatedTrainer) Layers() []*weights.Matrix { return t.net.Layers() }

// TrainEpoch runs one shuffled pass over the shard and returns the mean of the
// per-batch losses.
func (t *FederatedTrainer) TrainEpoch(ctx context.Context) (float64, error) {
	if t.data == nil {
		return 0, fmt.Errorf("no shard loaded")
	}
	t.rng.Shuffle(len(t.order), func(i, j int) { t.order[i], t.order[j] = t.order[j], t.order[i] })

	var (
		total   float64
		batches int
	)
	for start := 0; start < len(t.order); start += t.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := min(start+t.cfg.BatchSize, len(t.order))

		features := make([][]float64, 0, end-start)
		labels := make([]float64, 0, end-start)
		for _, idx := range t.order[start:end] {
			features = append(features, t.data.Features[idx])
			labels = append(labels, t.data.Labels[idx])
		}

		g, loss := t.net.batchGradients(features, labels)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, fmt.Errorf("training produced non-finite loss at batch %d", batches)
		}
		t.opt.Step(t.net, g)
		total += loss
		batches++
	}

	t.epochs++
	mean := total / float64(batches)
	t.log.Debug().Int("epoch", t.epochs).Float64("loss", mean).Int("batches", batches).Msg("Local epoch done")
	return mean, nil
}

// Accuracy is the share of samples whose thresholded prediction matches the
// label.
func (t *FederatedTrainer) Accuracy(ds *Dataset) float64 {
	if ds == nil || ds.Len() == 0 {
		return 0
	}
	correct := 0
	for i, x := range ds.Features {
		pred := 0.0
		if t.net.Logit(x) > 0 {
			pred = 1
		}
		if pred == ds.Labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(ds.Len())
}
