package training

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer applies one gradient step to a network's parameters.
type Optimizer interface {
	Step(n *NeuralNetwork, g gradients)
}

// NewOptimizer returns the optimizer named by kind ("adam" or "sgd").
func NewOptimizer(kind string, learningRate float64) (Optimizer, error) {
	if learningRate <= 0 || learningRate > 1 {
		return nil, fmt.Errorf("learning rate must be in (0, 1], got %g", learningRate)
	}
	switch strings.ToLower(kind) {
	case "", "adam":
		return &Adam{LearningRate: learningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, nil
	case "sgd":
		return &SGD{LearningRate: learningRate}, nil
	default:
		return nil, fmt.Errorf("unsupported optimizer: %s", kind)
	}
}

// SGD is plain gradient descent.
type SGD struct {
	LearningRate float64
}

func (o *SGD) Step(n *NeuralNetwork, g gradients) {
	for l, w := range n.weights {
		sgdUpdate(w.Data(), g.weights[l], o.LearningRate)
		sgdUpdate(n.biases[l], g.biases[l], o.LearningRate)
	}
}

func sgdUpdate(params, grads []float64, lr float64) {
	for i, gr := range grads {
		params[i] -= lr * gr
	}
}

// Adam keeps first and second moment estimates per parameter. The moments
// survive weight replacement between rounds.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m, v gradients
}

func (o *Adam) Step(n *NeuralNetwork, g gradients) {
	if o.step == 0 {
		o.m = n.zeroGradients()
		o.v = n.zeroGradients()
	}
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for l, w := range n.weights {
		o.update(w.Data(), g.weights[l], o.m.weights[l], o.v.weights[l], c1, c2)
		o.update(n.biases[l], g.biases[l], o.m.biases[l], o.v.biases[l], c1, c2)
	}
}

func (o *Adam) update(params, grads, m, v []float64, c1, c2 float64) {
	for i, gr := range grads {
		m[i] = o.Beta1*m[i] + (1-o.Beta1)*gr
		v[i] = o.Beta2*v[i] + (1-o.Beta2)*gr*gr
		params[i] -= o.LearningRate * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.Epsilon)
	}
}
