package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

const sampleCSV = `f0,f1,label
0.5,1.0,1
-0.5,-1.0,0
1.5,0.25,1
`

func TestParseCSV(t *testing.T) {
	ds, err := ParseCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 2, ds.Width())
	assert.Equal(t, []float64{1, 0, 1}, ds.Labels)
	assert.Equal(t, []float64{-0.5, -1.0}, ds.Features[1])
}

func TestParseCSVErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "header"},
		{"single column", "label\n1\n", "at least one feature"},
		{"no samples", "a,label\n", "no samples"},
		{"non-binary label", "a,label\n1,2\n", "not binary"},
		{"bad feature", "a,label\nx,1\n", `column "a"`},
		{"non-finite", "a,label\nNaN,1\n", "non-finite"},
		{"ragged", "a,b,label\n1,2,1\n1,0\n", "CSV record"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDataLoaderLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part0.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))

	ds, err := NewDataLoader("").Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())

	_, err = NewDataLoader("").Load(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestDataLoaderHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/part1.csv" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, sampleCSV)
	}))
	defer srv.Close()

	loader := NewDataLoader("")
	ds, err := loader.Load(context.Background(), srv.URL+"/part1.csv")
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())

	_, err = loader.Load(context.Background(), srv.URL+"/nope.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDataLoaderIPFS(t *testing.T) {
	var gotArg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/cat" {
			http.NotFound(w, r)
			return
		}
		gotArg = r.URL.Query().Get("arg")
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, sampleCSV)
	}))
	defer srv.Close()

	ds, err := NewDataLoader(srv.URL).Load(context.Background(), "ipfs://QmShard")
	require.NoError(t, err)
	assert.Equal(t, "QmShard", gotArg)
	assert.Equal(t, 3, ds.Len())
}

func TestDataLoaderIPFSWithoutEndpoint(t *testing.T) {
	_, err := NewDataLoader("").Load(context.Background(), "ipfs://QmShard")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IPFS API endpoint")
}

func TestNeuralNetworkShapes(t *testing.T) {
	net, err := NewNeuralNetwork(DefaultLayerSizes, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	want := []weights.Shape{{Rows: 64, Cols: 17}, {Rows: 32, Cols: 64}, {Rows: 1, Cols: 32}}
	require.Len(t, net.Layers(), len(want))
	for i, l := range net.Layers() {
		assert.Equal(t, want[i], l.Shape(), "layer %d", i)
	}
}

func TestNeuralNetworkRejectsBadSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, sizes := range [][]int{nil, {3}, {3, 0, 1}, {3, 4, 2}} {
		_, err := NewNeuralNetwork(sizes, rng)
		assert.Error(t, err, "sizes %v", sizes)
	}
}

func TestNeuralNetworkDeterministicInit(t *testing.T) {
	a, err := NewNeuralNetwork(DefaultLayerSizes, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	b, err := NewNeuralNetwork(DefaultLayerSizes, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	for i := range a.Layers() {
		assert.Equal(t, a.Layers()[i].Data(), b.Layers()[i].Data())
	}
}

// Analytic gradients must agree with central differences of the batch loss.
func TestBatchGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	net, err := NewNeuralNetwork([]int{3, 4, 1}, rng)
	require.NoError(t, err)
	for l := range net.biases {
		for i := range net.biases[l] {
			net.biases[l][i] = 0.1
		}
	}

	features := [][]float64{{0.3, -0.7, 1.1}, {-1.2, 0.4, 0.9}, {0.8, 0.8, -0.5}}
	labels := []float64{1, 0, 1}

	g, _ := net.batchGradients(features, labels)
	lossAt := func() float64 {
		_, loss := net.batchGradients(features, labels)
		return loss
	}

	const eps = 1e-6
	for l, w := range net.Layers() {
		data := w.Data()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			up := lossAt()
			data[i] = orig - eps
			down := lossAt()
			data[i] = orig
			assert.InDelta(t, (up-down)/(2*eps), g.weights[l][i], 1e-6, "layer %d weight %d", l, i)
		}
	}
}

func TestBCEWithLogits(t *testing.T) {
	assert.InDelta(t, math.Log(2), bceWithLogits(0, 1), 1e-12)
	assert.InDelta(t, math.Log(2), bceWithLogits(0, 0), 1e-12)
	assert.Less(t, bceWithLogits(10, 1), 1e-4)
	assert.False(t, math.IsInf(bceWithLogits(-1000, 1), 0))
}

type staticLoader struct{ ds *Dataset }

func (l staticLoader) Load(context.Context, string) (*Dataset, error) { return l.ds, nil }

func separable(n int, rng *rand.Rand) *Dataset {
	ds := &Dataset{}
	for i := 0; i < n; i++ {
		x := []float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		y := 0.0
		if x[0]+x[1] > 0 {
			y = 1
		}
		ds.Features = append(ds.Features, x)
		ds.Labels = append(ds.Labels, y)
	}
	return ds
}

func TestFederatedTrainerLearns(t *testing.T) {
	rates := map[string]float64{"adam": 0.05, "sgd": 0.3}
	for opt, lr := range rates {
		t.Run(opt, func(t *testing.T) {
			ds := separable(200, rand.New(rand.NewSource(3)))
			cfg := Config{LayerSizes: []int{2, 8, 1}, LearningRate: lr, BatchSize: 16, Optimizer: opt, Seed: 42}
			tr, err := NewFederatedTrainer(cfg, staticLoader{ds})
			require.NoError(t, err)
			require.NoError(t, tr.LoadShard(context.Background(), "mem"))

			first, err := tr.TrainEpoch(context.Background())
			require.NoError(t, err)
			var last float64
			for i := 0; i < 40; i++ {
				last, err = tr.TrainEpoch(context.Background())
				require.NoError(t, err)
			}
			assert.Less(t, last, first)
			assert.Greater(t, tr.Accuracy(ds), 0.85)
		})
	}
}

func TestFederatedTrainerRejectsWidthMismatch(t *testing.T) {
	ds := separable(10, rand.New(rand.NewSource(1)))
	tr, err := NewFederatedTrainer(DefaultConfig(), staticLoader{ds})
	require.NoError(t, err)

	err = tr.LoadShard(context.Background(), "mem")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model expects 17")
}

func TestFederatedTrainerRequiresShard(t *testing.T) {
	tr, err := NewFederatedTrainer(DefaultConfig(), staticLoader{})
	require.NoError(t, err)
	_, err = tr.TrainEpoch(context.Background())
	assert.Error(t, err)
}

func TestFederatedTrainerHonoursContext(t *testing.T) {
	ds := separable(64, rand.New(rand.NewSource(1)))
	cfg := DefaultConfig()
	cfg.LayerSizes = []int{2, 4, 1}
	tr, err := NewFederatedTrainer(cfg, staticLoader{ds})
	require.NoError(t, err)
	require.NoError(t, tr.LoadShard(context.Background(), "mem"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.TrainEpoch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewOptimizer(t *testing.T) {
	o, err := NewOptimizer("", 1e-3)
	require.NoError(t, err)
	assert.IsType(t, &Adam{}, o)

	o, err = NewOptimizer("SGD", 0.1)
	require.NoError(t, err)
	assert.IsType(t, &SGD{}, o)

	_, err = NewOptimizer("rmsprop", 0.1)
	assert.Error(t, err)
	_, err = NewOptimizer("adam", 0)
	assert.Error(t, err)
}
