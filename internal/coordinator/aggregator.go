package coordinator

import (
	"fmt"
	"sync"

	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

// aggregator is the per-layer barrier. Clients move through (epoch, layer)
// in lockstep, so one slot suffices: the contribution that fills it gets the
// element-wise mean back and the slot resets for the next layer.
type aggregator struct {
	mu      sync.Mutex
	clients int
	// sizes pins each layer's element count to what was first received.
	sizes []int
	epoch int
	layer int
	parts []*weights.Matrix
	count int
}

func newAggregator(clients, layers int) *aggregator {
	return &aggregator{
		clients: clients,
		sizes:   make([]int, layers),
		parts:   make([]*weights.Matrix, clients),
	}
}

// decode checks payload against the layer's established size and returns it
// as a row vector.
func (a *aggregator) decode(layer int, payload []byte) (*weights.Matrix, error) {
	a.mu.Lock()
	want := a.sizes[layer]
	a.mu.Unlock()

	if want == 0 {
		if len(payload) == 0 || len(payload)%weights.BytesPerElement != 0 {
			return nil, fmt.Errorf("layer %d: payload of %d bytes is not a whole number of float64 values", layer, len(payload))
		}
		want = len(payload) / weights.BytesPerElement
	}
	return weights.Decode(layer, weights.Shape{Rows: 1, Cols: want}, payload)
}

// add records client's matrix for (epoch, layer). It returns the mean when this
// contribution completes the layer and nil otherwise.
func (a *aggregator) add(client, epoch, layer int, m *weights.Matrix) (*weights.Matrix, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sizes[layer] == 0 {
		a.sizes[layer] = m.Shape().Elements()
	}
	if n := m.Shape().Elements(); n != a.sizes[layer] {
		return nil, &weights.ShapeMismatchError{
			Layer: layer,
			Want:  weights.Shape{Rows: 1, Cols: a.sizes[layer]},
			Got:   n * weights.BytesPerElement,
		}
	}

	if a.count == 0 {
		a.epoch, a.layer = epoch, layer
	} else if a.epoch != epoch || a.layer != layer {
		return nil, fmt.Errorf("client %d is at epoch %d layer %d, barrier holds epoch %d layer %d",
			client, epoch, layer, a.epoch, a.layer)
	}
	if a.parts[client] != nil {
		return nil, fmt.Errorf("client %d uploaded layer %d twice", client, layer)
	}

	a.parts[client] = m
	a.count++
	if a.count < a.clients {
		return nil, nil
	}

	mean, err := weights.Mean(a.parts)
	for i := range a.parts {
		a.parts[i] = nil
	}
	a.count = 0
	return mean, err
}
