package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/theblitlabs/parity-fedsync/internal/protocol"
	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

// previewLen is how many leading values of each uploaded layer get logged.
const previewLen = 8

// syncLayers runs one round: every layer in order, one outstanding upload at a
// time.
func (s *Session) syncLayers(ctx context.Context, epoch int, layers []*weights.Matrix) error {
	for i, layer := range layers {
		if err := s.syncLayer(ctx, epoch, uint8(i), layer); err != nil {
			return fmt.Errorf("epoch %d layer %d: %w", epoch, i, err)
		}
	}
	return nil
}

// syncLayer uploads layer and blocks for the coordinator's average of the same
// layer, which replaces it in place.
func (s *Session) syncLayer(ctx context.Context, epoch int, id uint8, layer *weights.Matrix) error {
	_, span := s.tracer.Start(ctx, "client.sync_layer", trace.WithAttributes(
		attribute.Int("epoch", epoch),
		attribute.Int("layer", int(id)),
		attribute.Int("bytes", layer.EncodedLen()),
	))
	defer span.End()

	start := time.Now()

	payload, err := layer.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	up, err := protocol.NewLayerMessage(protocol.KindWeightsUp, id, payload)
	if err != nil {
		return err
	}

	s.log.Debug().
		Int("epoch", epoch).
		Int("layer", int(id)).
		Str("shape", layer.Shape().String()).
		Floats64("preview", layer.Head(previewLen)).
		Msg("Uploading weights")

	if err := s.send(up); err != nil {
		return err
	}

	down, err := s.receive()
	if err != nil {
		return err
	}
	if err := protocol.ExpectLayer(s.state.String(), down, protocol.KindWeightsDown, id); err != nil {
		return err
	}
	if err := layer.Replace(int(id), down.Payload()); err != nil {
		return err
	}

	s.observer.LayerSynced(strconv.Itoa(int(id)), time.Since(start))
	return nil
}
