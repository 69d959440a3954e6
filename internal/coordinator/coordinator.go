// Package coordinator runs the server side of a training session: it admits a
// fixed population of clients, pushes their configuration, averages every
// uploaded layer across the population and broadcasts the result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/theblitlabs/parity-fedsync/internal/protocol"
	"github.com/theblitlabs/parity-fedsync/internal/storage"
	"github.com/theblitlabs/parity-fedsync/internal/transport"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

const (
	tracerName = "github.com/theblitlabs/parity-fedsync/internal/coordinator"
	// handshakeState names the phase in violations raised while admitting.
	handshakeState = "HANDSHAKE"
	trainingState  = "TRAINING"
	previewLen     = 8
)

// Recorder receives coordinator-side protocol events.
type Recorder interface {
	MessageSent(m protocol.Message)
	MessageReceived(m protocol.Message)
	ClientConnected()
	ClientDisconnected()
	LayerAggregated(layer string)
	SessionFinished(outcome string)
}

// EventSink fans session events out to observers such as a websocket feed.
type EventSink interface {
	Publish(kind string, payload any)
}

// Event kinds published to the EventSink.
const (
	EventClientJoined    = "client_joined"
	EventLayerAggregated = "layer_aggregated"
	EventSessionFinished = "session_finished"
)

type Option func(*Coordinator)

func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.rec = r } }

func WithStore(s storage.RoundStore) Option { return func(c *Coordinator) { c.store = s } }

func WithEvents(e EventSink) Option { return func(c *Coordinator) { c.events = e } }

// Coordinator runs exactly one session.
type Coordinator struct {
	cfg    Config
	id     uuid.UUID
	rec    Recorder
	store  storage.RoundStore
	events EventSink
	tracer trace.Tracer
	rounds metric.Int64Counter
	log    zerolog.Logger

	mu     sync.RWMutex
	status Status
	peers  []*peer

	abortOnce sync.Once
}

func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rounds, err := otel.Meter(tracerName).Int64Counter("fedsync.coordinator.rounds",
		metric.WithDescription("Layers averaged and broadcast"))
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	c := &Coordinator{
		cfg:    cfg,
		id:     id,
		rec:    nopRecorder{},
		store:  storage.NewMemoryStore(0),
		events: nopEvents{},
		tracer: otel.Tracer(tracerName),
		rounds: rounds,
		log:    logger.WithComponent("coordinator").With().Str("session_id", id.String()).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status = Status{
		SessionID: id.String(),
		Phase:     PhaseWaiting,
		Expected:  cfg.Clients,
		Epochs:    cfg.Epochs,
		Layers:    cfg.Layers,
	}
	return c, nil
}

// SessionID identifies this session in logs, store rows and the status API.
func (c *Coordinator) SessionID() uuid.UUID { return c.id }

// ListenAndRun listens on the configured address and runs the session.
func (c *Coordinator) ListenAndRun(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Listen, err)
	}
	return c.Run(ctx, ln)
}

// Run admits clients from ln, drives the session to completion and closes ln.
// Any failure after admission broadcasts TIMEOUT to every client.
func (c *Coordinator) Run(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	c.log.Info().
		Str("addr", ln.Addr().String()).
		Int("clients", c.cfg.Clients).
		Int("epochs", c.cfg.Epochs).
		Int("layers", c.cfg.Layers).
		Msg("Waiting for clients")

	stop := context.AfterFunc(ctx, c.abort)
	defer stop()

	err := c.run(ctx, ln)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("session interrupted: %w", ctx.Err())
	}
	if err != nil {
		c.abort()
	}
	c.finish(err)
	return err
}

func (c *Coordinator) run(ctx context.Context, ln net.Listener) error {
	if err := c.admit(ctx, ln); err != nil {
		return err
	}
	if err := c.configure(); err != nil {
		return err
	}

	c.setPhase(PhaseTraining)
	if err := c.train(ctx); err != nil {
		return err
	}

	for _, p := range c.snapshotPeers() {
		if err := p.send(protocol.Control(protocol.KindDone)); err != nil {
			return fmt.Errorf("client %d: %w", p.id, err)
		}
	}
	return nil
}

// admit accepts connections until the population is complete. A connection
// whose first message is not an empty ID_REQUEST is dropped without taking an
// id.
func (c *Coordinator) admit(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for len(c.snapshotPeers()) < c.cfg.Clients {
		nc, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		id := len(c.snapshotPeers())
		p := &peer{id: id, conn: transport.New(nc), codec: protocol.Codec{MaxPayload: c.cfg.MaxPayload}, rec: c.rec}

		if err := c.handshake(p); err != nil {
			c.log.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("Rejected connection")
			p.close()
			continue
		}

		c.mu.Lock()
		c.peers = append(c.peers, p)
		c.status.Connected = len(c.peers)
		c.mu.Unlock()
		c.rec.ClientConnected()

		c.log.Info().Int("client_id", id).Str("remote", nc.RemoteAddr().String()).Msg("Client admitted")
		c.events.Publish(EventClientJoined, map[string]any{"client_id": id, "remote": nc.RemoteAddr().String()})
	}
	return nil
}

func (c *Coordinator) handshake(p *peer) error {
	m, err := p.receive(c.cfg.ReadTimeout)
	if err != nil {
		return err
	}
	if err := protocol.Expect(handshakeState, m, protocol.KindIDRequest); err != nil {
		return err
	}
	if m.Len() != 0 {
		return fmt.Errorf("%s carries %d payload bytes, want none", protocol.KindIDRequest, m.Len())
	}
	if err := p.conn.SetReadTimeout(0); err != nil {
		return err
	}
	assign, err := protocol.Decimal(protocol.KindIDAssign, p.id)
	if err != nil {
		return err
	}
	return p.send(assign)
}

// configure pushes EPOCHS, FILE and START to every client in id order.
func (c *Coordinator) configure() error {
	for _, p := range c.snapshotPeers() {
		epochs, err := protocol.Decimal(protocol.KindEpochs, c.cfg.Epochs)
		if err != nil {
			return err
		}
		file, err := protocol.Text(protocol.KindFile, c.cfg.FileFor(p.id))
		if err != nil {
			return err
		}
		for _, m := range []protocol.Message{epochs, file, protocol.Control(protocol.KindStart)} {
			if err := p.send(m); err != nil {
				return fmt.Errorf("client %d: %w", p.id, err)
			}
		}
		c.log.Debug().Int("client_id", p.id).Str("file", c.cfg.FileFor(p.id)).Msg("Client configured")
	}
	return nil
}

// train runs one reader per client. The first failure aborts the session,
// which closes every socket and unblocks the remaining readers.
func (c *Coordinator) train(ctx context.Context) error {
	if c.cfg.Epochs == 0 {
		return nil
	}
	agg := newAggregator(c.cfg.Clients, c.cfg.Layers)

	// Readers unblocked by the abort fail with closed-socket errors; the
	// session reports the fault that triggered it.
	var (
		causeOnce sync.Once
		cause     error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.snapshotPeers() {
		p := p
		g.Go(func() error {
			if err := c.serve(gctx, p, agg); err != nil {
				err = fmt.Errorf("client %d: %w", p.id, err)
				causeOnce.Do(func() { cause = err })
				c.abort()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cause != nil {
			return cause
		}
		return err
	}
	return nil
}

// serve reads one client's uploads in strict (epoch, layer) order.
func (c *Coordinator) serve(ctx context.Context, p *peer, agg *aggregator) error {
	log := c.log.With().Int("client_id", p.id).Logger()
	for epoch := 0; epoch < c.cfg.Epochs; epoch++ {
		for layer := 0; layer < c.cfg.Layers; layer++ {
			m, err := p.receive(c.cfg.ReadTimeout)
			if err != nil {
				if transport.IsTimeout(err) {
					return fmt.Errorf("epoch %d layer %d: no upload within %s: %w", epoch, layer, c.cfg.ReadTimeout, err)
				}
				return fmt.Errorf("epoch %d layer %d: %w", epoch, layer, err)
			}
			if err := protocol.ExpectLayer(trainingState, m, protocol.KindWeightsUp, uint8(layer)); err != nil {
				return err
			}
			mat, err := agg.decode(layer, m.Payload())
			if err != nil {
				return err
			}
			log.Debug().
				Int("epoch", epoch).
				Int("layer", layer).
				Int("bytes", m.Len()).
				Floats64("preview", mat.Head(previewLen)).
				Msg("Weights received")

			mean, err := agg.add(p.id, epoch, layer, mat)
			if err != nil {
				return err
			}
			if mean != nil {
				if err := c.broadcast(ctx, epoch, layer, mean); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// broadcast sends the averaged layer to every client and records the round.
func (c *Coordinator) broadcast(ctx context.Context, epoch, layer int, mean *weights.Matrix) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.aggregate", trace.WithAttributes(
		attribute.Int("epoch", epoch),
		attribute.Int("layer", layer),
		attribute.Int("clients", c.cfg.Clients),
	))
	defer span.End()

	payload, err := mean.MarshalBinary()
	if err != nil {
		return err
	}
	down, err := protocol.NewLayerMessage(protocol.KindWeightsDown, uint8(layer), payload)
	if err != nil {
		return err
	}
	for _, p := range c.snapshotPeers() {
		if err := p.send(down); err != nil {
			return fmt.Errorf("broadcast layer %d to client %d: %w", layer, p.id, err)
		}
	}

	round := &storage.Round{
		SessionID: c.id,
		Epoch:     epoch,
		Layer:     layer,
		Clients:   c.cfg.Clients,
		Elements:  mean.Shape().Elements(),
		Mean:      elementMean(mean),
		Norm:      mean.Norm(),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveRound(ctx, round); err != nil {
		c.log.Error().Err(err).Int("epoch", epoch).Int("layer", layer).Msg("Failed to record round")
	}

	c.rec.LayerAggregated(strconv.Itoa(layer))
	c.rounds.Add(ctx, 1, metric.WithAttributes(attribute.Int("layer", layer)))
	c.mu.Lock()
	c.status.Epoch = epoch
	c.status.Layer = layer
	c.status.Rounds++
	c.mu.Unlock()

	c.events.Publish(EventLayerAggregated, round)
	c.log.Info().
		Int("epoch", epoch+1).
		Int("layer", layer).
		Int("elements", round.Elements).
		Float64("norm", round.Norm).
		Msg("Layer averaged")
	return nil
}

// abort tells every admitted client the session is cancelled and closes all
// sockets. Only the first call has effect.
func (c *Coordinator) abort() {
	c.abortOnce.Do(func() {
		peers := c.snapshotPeers()
		for _, p := range peers {
			if err := p.send(protocol.Control(protocol.KindTimeout)); err != nil {
				c.log.Debug().Err(err).Int("client_id", p.id).Msg("TIMEOUT not delivered")
			}
			p.close()
		}
		if len(peers) > 0 {
			c.log.Warn().Int("clients", len(peers)).Msg("Training cancelled")
		}
	})
}

func (c *Coordinator) finish(err error) {
	peers := c.snapshotPeers()
	for _, p := range peers {
		p.close()
		c.rec.ClientDisconnected()
	}

	c.mu.Lock()
	c.status.Connected = 0
	c.status.FinishedAt = time.Now().UTC()
	if err != nil {
		c.status.Phase = PhaseAborted
		c.status.Error = err.Error()
	} else {
		c.status.Phase = PhaseCompleted
	}
	status := c.status
	c.mu.Unlock()

	c.rec.SessionFinished(string(status.Phase))
	c.events.Publish(EventSessionFinished, status)
	if err != nil {
		c.log.Error().Err(err).Msg("Session aborted")
		return
	}
	c.log.Info().Int("rounds", status.Rounds).Msg("Training finished")
}

func (c *Coordinator) snapshotPeers() []*peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*peer(nil), c.peers...)
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.StartedAt.IsZero() {
		c.status.StartedAt = time.Now().UTC()
	}
	c.status.Phase = p
}

func elementMean(m *weights.Matrix) float64 {
	data := m.Data()
	if len(data) == 0 {
		return 0
	}
	var s float64
	for _, v := range data {
		s += v
	}
	return s / float64(len(data))
}

// IsCancelled reports whether err ended the session through cancellation
// rather than a client fault.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type nopRecorder struct{}

func (nopRecorder) MessageSent(protocol.Message)     {}
func (nopRecorder) MessageReceived(protocol.Message) {}
func (nopRecorder) ClientConnected()                 {}
func (nopRecorder) ClientDisconnected()              {}
func (nopRecorder) LayerAggregated(string)           {}
func (nopRecorder) SessionFinished(string)           {}

type nopEvents struct{}

func (nopEvents) Publish(string, any) {}
