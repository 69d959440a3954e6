package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

// NeuralNetwork is a fully connected ReLU network with a single logit output.
// Layer l maps sizes[l] inputs to sizes[l+1] outputs through a weight matrix of
// shape (sizes[l+1], sizes[l]) and a local bias vector.
type NeuralNetwork struct {
	sizes   []int
	weights []*weights.Matrix
	biases  [][]float64
}

// NewNeuralNetwork builds a network with Xavier-uniform weights and zero
// biases drawn from rng. Identical seeds give identical networks.
func NewNeuralNetwork(sizes []int, rng *rand.Rand) (*NeuralNetwork, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("network needs at least an input and an output size, got %v", sizes)
	}
	for i, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("layer size %d at position %d must be positive", s, i)
		}
	}
	if sizes[len(sizes)-1] != 1 {
		return nil, fmt.Errorf("output size must be 1 for binary classification, got %d", sizes[len(sizes)-1])
	}

	n := &NeuralNetwork{sizes: append([]int(nil), sizes...)}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		limit := math.Sqrt(6.0 / float64(in+out))
		w := weights.New(out, in)
		data := w.Data()
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
		n.weights = append(n.weights, w)
		n.biases = append(n.biases, make([]float64, out))
	}
	return n, nil
}

// InputSize is the expected feature width.
func (n *NeuralNetwork) InputSize() int { return n.sizes[0] }

// Layers returns the weight matrices in layer order. They are live: writes
// through them change the network.
func (n *NeuralNetwork) Layers() []*weights.Matrix { return n.weights }

// pass holds the intermediate values of one forward pass.
type pass struct {
	// acts[0] is the input, acts[l+1] the post-activation output of layer l.
	acts [][]float64
	// pre[l] is the pre-activation output of layer l.
	pre [][]float64
}

func (n *NeuralNetwork) forward(x []float64) pass {
	p := pass{acts: [][]float64{x}}
	a := x
	last := len(n.weights) - 1
	for l, w := range n.weights {
		z := make([]float64, w.Rows())
		for r := range z {
			sum := n.biases[l][r]
			row := w.Row(r)
			for c, v := range row {
				sum += v * a[c]
			}
			z[r] = sum
		}
		p.pre = append(p.pre, z)
		if l == last {
			a = z
		} else {
			a = make([]float64, len(z))
			for i, v := range z {
				a[i] = relu(v)
			}
		}
		p.acts = append(p.acts, a)
	}
	return p
}

// Logit returns the raw output for one sample.
func (n *NeuralNetwork) Logit(x []float64) float64 {
	p := n.forward(x)
	return p.pre[len(p.pre)-1][0]
}

// gradients mirrors the trainable parameters of a network.
type gradients struct {
	weights [][]float64
	biases  [][]float64
}

func (n *NeuralNetwork) zeroGradients() gradients {
	g := gradients{}
	for l, w := range n.weights {
		g.weights = append(g.weights, make([]float64, len(w.Data())))
		g.biases = append(g.biases, make([]float64, len(n.biases[l])))
	}
	return g
}

// batchGradients accumulates mean BCE-with-logits gradients over a batch and
// returns the mean batch loss.
func (n *NeuralNetwork) batchGradients(features [][]float64, labels []float64) (gradients, float64) {
	g := n.zeroGradients()
	scale := 1.0 / float64(len(features))
	var loss float64

	for i, x := range features {
		p := n.forward(x)
		logit := p.pre[len(p.pre)-1][0]
		loss += bceWithLogits(logit, labels[i])

		delta := []float64{(sigmoid(logit) - labels[i]) * scale}
		for l := len(n.weights) - 1; l >= 0; l-- {
			w := n.weights[l]
			in := p.acts[l]
			gw := g.weights[l]
			for r, d := range delta {
				g.biases[l][r] += d
				base := r * w.Cols()
				for c, a := range in {
					gw[base+c] += d * a
				}
			}
			if l == 0 {
				break
			}
			prev := make([]float64, w.Cols())
			for r, d := range delta {
				for c, v := range w.Row(r) {
					prev[c] += v * d
				}
			}
			for c := range prev {
				if p.pre[l-1][c] <= 0 {
					prev[c] = 0
				}
			}
			delta = prev
		}
	}
	return g, loss * scale
}

func relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// bceWithLogits is the numerically stable binary cross-entropy of a raw logit.
func bceWithLogits(logit, label float64) float64 {
	return math.Max(logit, 0) - logit*label + math.Log1p(math.Exp(-math.Abs(logit)))
}
