package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/theblitlabs/parity-fedsync/internal/protocol"
	"github.com/theblitlabs/parity-fedsync/pkg/logger"
	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

const tracerName = "github.com/theblitlabs/parity-fedsync/internal/client"

// Conn is the byte-exact socket the session owns for its whole lifetime.
type Conn interface {
	protocol.Sender
	protocol.Receiver
	Close() error
}

// Trainer is the local learning algorithm. Layers returns the synchronized
// weight matrices in layer order; the same matrices are overwritten in place
// by the sync step after every epoch.
type Trainer interface {
	LoadShard(ctx context.Context, source string) error
	Layers() []*weights.Matrix
	TrainEpoch(ctx context.Context) (float64, error)
}

// Observer receives protocol events. Implementations must not block.
type Observer interface {
	MessageSent(m protocol.Message)
	MessageReceived(m protocol.Message)
	LayerSynced(layer string, d time.Duration)
	EpochCompleted(loss float64)
}

// Config is the session configuration pushed by the coordinator.
type Config struct {
	Epochs     int
	DataSource string
}

// Result summarizes a finished session.
type Result struct {
	Outcome  Outcome
	ClientID int
	Config   Config
	// Losses holds the local loss of every epoch that finished syncing.
	Losses []float64
	// FinalState is the state in which the session stopped.
	FinalState State
	// CancelledIn is the state that received TIMEOUT, when Outcome is
	// OutcomeCancelled.
	CancelledIn State
}

// Session drives one client through handshake, training rounds and teardown.
type Session struct {
	conn     Conn
	codec    protocol.Codec
	trainer  Trainer
	observer Observer
	tracer   trace.Tracer
	log      zerolog.Logger

	state    State
	clientID int
	cfg      Config
	losses   []float64
}

type Option func(*Session)

// WithObserver attaches protocol event hooks.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithMaxPayload bounds inbound payload allocations.
func WithMaxPayload(n uint64) Option {
	return func(s *Session) { s.codec.MaxPayload = n }
}

// NewSession takes ownership of conn; Run always closes it.
func NewSession(conn Conn, trainer Trainer, opts ...Option) *Session {
	s := &Session{
		conn:     conn,
		trainer:  trainer,
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
		log:      logger.WithComponent("client"),
		state:    StateConnecting,
		clientID: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Run executes the session to a terminal state and releases the socket on every
// path. Peer cancellation yields OutcomeCancelled with a nil error.
func (s *Session) Run(ctx context.Context) (Result, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer s.conn.Close()

	err := s.run(ctx)
	res := Result{ClientID: s.clientID, Config: s.cfg, Losses: s.losses}

	switch {
	case err == nil:
		s.transition(StateClosed)
		res.Outcome = OutcomeCompleted
		s.log.Info().Int("client_id", s.clientID).Msg("Session finished")
	case errors.Is(err, protocol.ErrCancelled):
		res.CancelledIn = s.state
		s.transition(StateCancelled)
		res.Outcome = OutcomeCancelled
		s.log.Warn().Int("client_id", s.clientID).Str("state", res.CancelledIn.String()).Msg("Session cancelled by coordinator")
		err = nil
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (state %s)", ctxErr, s.state)
		}
		s.transition(StateFailed)
		res.Outcome = OutcomeFailed
	}
	res.FinalState = s.state
	return res, err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.send(protocol.Control(protocol.KindIDRequest)); err != nil {
		return err
	}
	s.transition(StateAwaitID)

	m, err := s.expect(protocol.KindIDAssign)
	if err != nil {
		return err
	}
	if s.clientID, err = nonNegative(m); err != nil {
		return err
	}
	s.log = s.log.With().Int("client_id", s.clientID).Logger()
	s.log.Info().Msg("Identity assigned")
	s.transition(StateAwaitEpochs)

	if m, err = s.expect(protocol.KindEpochs); err != nil {
		return err
	}
	if s.cfg.Epochs, err = nonNegative(m); err != nil {
		return err
	}
	s.transition(StateAwaitFile)

	if m, err = s.expect(protocol.KindFile); err != nil {
		return err
	}
	s.cfg.DataSource = strings.TrimSpace(string(m.Payload()))
	if s.cfg.DataSource == "" {
		return fmt.Errorf("%s payload is empty", protocol.KindFile)
	}
	s.log.Info().Int("epochs", s.cfg.Epochs).Str("file", s.cfg.DataSource).Msg("Session configured")
	s.transition(StateAwaitStart)

	if _, err = s.expect(protocol.KindStart); err != nil {
		return err
	}
	s.transition(StateTraining)

	if err := s.train(ctx); err != nil {
		return err
	}
	s.transition(StateAwaitDone)

	_, err = s.expect(protocol.KindDone)
	return err
}

func (s *Session) train(ctx context.Context) error {
	s.log.Info().Msg("Training started")
	if err := s.trainer.LoadShard(ctx, s.cfg.DataSource); err != nil {
		return fmt.Errorf("load shard %q: %w", s.cfg.DataSource, err)
	}

	layers := s.trainer.Layers()
	if len(layers) == 0 || len(layers) > int(protocol.MaxLayerID)+1 {
		return fmt.Errorf("model has %d layers, protocol supports 1..%d", len(layers), protocol.MaxLayerID+1)
	}

	for epoch := 0; epoch < s.cfg.Epochs; epoch++ {
		if err := s.runEpoch(ctx, epoch, layers); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) runEpoch(ctx context.Context, epoch int, layers []*weights.Matrix) (err error) {
	ctx, span := s.tracer.Start(ctx, "client.epoch", trace.WithAttributes(
		attribute.Int("client.id", s.clientID),
		attribute.Int("epoch", epoch),
	))
	defer func() {
		if err != nil && !errors.Is(err, protocol.ErrCancelled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	loss, err := s.trainer.TrainEpoch(ctx)
	if err != nil {
		return fmt.Errorf("epoch %d: local training: %w", epoch, err)
	}

	if err := s.syncLayers(ctx, epoch, layers); err != nil {
		return err
	}

	s.losses = append(s.losses, loss)
	s.observer.EpochCompleted(loss)
	s.log.Info().
		Int("epoch", epoch+1).
		Int("epochs", s.cfg.Epochs).
		Float64("loss", loss).
		Msg("Epoch synchronized")
	return nil
}

func (s *Session) send(m protocol.Message) error {
	if err := s.codec.Write(s.conn, m); err != nil {
		return fmt.Errorf("state %s: %w", s.state, err)
	}
	s.observer.MessageSent(m)
	return nil
}

func (s *Session) receive() (protocol.Message, error) {
	m, err := s.codec.Read(s.conn)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("state %s: %w", s.state, err)
	}
	s.observer.MessageReceived(m)
	return m, nil
}

func (s *Session) expect(kind protocol.Kind) (protocol.Message, error) {
	m, err := s.receive()
	if err != nil {
		return protocol.Message{}, err
	}
	if err := protocol.Expect(s.state.String(), m, kind); err != nil {
		return protocol.Message{}, err
	}
	if (kind == protocol.KindStart || kind == protocol.KindDone) && m.Len() > 0 {
		s.log.Warn().Str("kind", kind.String()).Int("bytes", m.Len()).Msg("Ignoring unexpected payload")
	}
	return m, nil
}

func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	s.log.Debug().Str("from", s.state.String()).Str("to", to.String()).Msg("State transition")
	s.state = to
}

func nonNegative(m protocol.Message) (int, error) {
	n, err := m.Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s payload %d is negative", m.Kind(), n)
	}
	return n, nil
}

type nopObserver struct{}

func (nopObserver) MessageSent(protocol.Message)      {}
func (nopObserver) MessageReceived(protocol.Message)  {}
func (nopObserver) LayerSynced(string, time.Duration) {}
func (nopObserver) EpochCompleted(float64)            {}
