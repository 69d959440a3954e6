package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsync/internal/client"
	"github.com/theblitlabs/parity-fedsync/internal/metrics"
	"github.com/theblitlabs/parity-fedsync/internal/protocol"
	"github.com/theblitlabs/parity-fedsync/internal/storage"
	"github.com/theblitlabs/parity-fedsync/internal/transport"
	"github.com/theblitlabs/parity-fedsync/pkg/weights"
)

// stepTrainer adds one to every weight per epoch.
type stepTrainer struct {
	layers []*weights.Matrix
	source string
}

func newStepTrainer(start float64) *stepTrainer {
	t := &stepTrainer{}
	for _, s := range []weights.Shape{{Rows: 3, Cols: 2}, {Rows: 1, Cols: 3}} {
		m := weights.New(s.Rows, s.Cols)
		for i := range m.Data() {
			m.Data()[i] = start
		}
		t.layers = append(t.layers, m)
	}
	return t
}

func (t *stepTrainer) LoadShard(_ context.Context, source string) error {
	t.source = source
	return nil
}

func (t *stepTrainer) Layers() []*weights.Matrix { return t.layers }

func (t *stepTrainer) TrainEpoch(context.Context) (float64, error) {
	for _, l := range t.layers {
		for i := range l.Data() {
			l.Data()[i]++
		}
	}
	return 0.25, nil
}

type recordedEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordedEvents) Publish(kind string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recordedEvents) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func testConfig(clients, epochs, layers int) Config {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Clients = clients
	cfg.Epochs = epochs
	cfg.Layers = layers
	cfg.ReadTimeout = 2 * time.Second
	return cfg
}

func start(t *testing.T, ctx context.Context, c *Coordinator) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, ln) }()
	return ln.Addr().String(), done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not finish")
		return nil
	}
}

// rawClient speaks the protocol by hand.
type rawClient struct {
	t     *testing.T
	conn  *transport.Conn
	codec protocol.Codec
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := transport.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn}
}

func (r *rawClient) send(m protocol.Message) {
	r.t.Helper()
	require.NoError(r.t, r.codec.Write(r.conn, m))
}

func (r *rawClient) recv() protocol.Message {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadTimeout(5*time.Second))
	m, err := r.codec.Read(r.conn)
	require.NoError(r.t, err)
	return m
}

func (r *rawClient) expect(kind protocol.Kind) protocol.Message {
	r.t.Helper()
	m := r.recv()
	require.Equal(r.t, kind, m.Kind(), "got %s", m)
	return m
}

func (r *rawClient) expectEOF() {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadTimeout(5*time.Second))
	_, err := r.codec.Read(r.conn)
	require.Error(r.t, err)
	assert.True(r.t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || isReset(err), "got %v", err)
}

func isReset(err error) bool {
	var op *net.OpError
	return errors.As(err, &op)
}

// join performs the handshake and consumes the setup messages.
func (r *rawClient) join() (id int, file string) {
	r.t.Helper()
	r.send(protocol.Control(protocol.KindIDRequest))
	id, err := r.expect(protocol.KindIDAssign).Int()
	require.NoError(r.t, err)
	r.expect(protocol.KindEpochs)
	file = string(r.expect(protocol.KindFile).Payload())
	r.expect(protocol.KindStart)
	return id, file
}

func upload(t *testing.T, layer uint8, values ...float64) protocol.Message {
	t.Helper()
	m, err := weights.FromSlice(1, len(values), values)
	require.NoError(t, err)
	payload, err := m.MarshalBinary()
	require.NoError(t, err)
	msg, err := protocol.NewLayerMessage(protocol.KindWeightsUp, layer, payload)
	require.NoError(t, err)
	return msg
}

func TestCoordinatorEndToEnd(t *testing.T) {
	const clients, epochs = 3, 2

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg, metrics.RoleCoordinator)
	store := storage.NewMemoryStore(0)
	events := &recordedEvents{}

	c, err := New(testConfig(clients, epochs, 2), WithRecorder(rec), WithStore(store), WithEvents(events))
	require.NoError(t, err)
	ctx := context.Background()
	addr, done := start(t, ctx, c)

	type outcome struct {
		res     client.Result
		err     error
		trainer *stepTrainer
	}
	results := make(chan outcome, clients)
	for k := 0; k < clients; k++ {
		go func(k int) {
			tr := newStepTrainer(float64(k))
			conn, err := transport.Dial(ctx, addr)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			res, err := client.NewSession(conn, tr).Run(ctx)
			results <- outcome{res: res, err: err, trainer: tr}
		}(k)
	}

	require.NoError(t, wait(t, done))

	ids := map[int]bool{}
	for k := 0; k < clients; k++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, client.OutcomeCompleted, o.res.Outcome)
		assert.Equal(t, epochs, o.res.Config.Epochs)
		assert.Equal(t, fmt.Sprintf("part%d.csv", o.res.ClientID), o.trainer.source)
		ids[o.res.ClientID] = true

		// Starting values 0, 1, 2 average to 1; each epoch adds one before syncing.
		for _, l := range o.trainer.layers {
			for _, v := range l.Data() {
				assert.InDelta(t, 3.0, v, 1e-12)
			}
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, ids)

	status := c.Status()
	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, epochs*2, status.Rounds)
	assert.Empty(t, status.Error)

	rounds, err := store.ListRounds(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rounds, epochs*2)
	assert.Equal(t, c.SessionID(), rounds[0].SessionID)
	assert.InDelta(t, 3.0, rounds[0].Mean, 1e-12)
	assert.Equal(t, 3, rounds[0].Elements)

	assert.Equal(t, float64(epochs), testutil.ToFloat64(rec.Aggregations().WithLabelValues("0")))
	assert.Equal(t, float64(epochs), testutil.ToFloat64(rec.Aggregations().WithLabelValues("1")))
	assert.Equal(t, float64(clients*epochs*2), testutil.ToFloat64(rec.Messages().WithLabelValues("in", "WEIGHTS_UP")))
	assert.Equal(t, float64(clients*epochs*2), testutil.ToFloat64(rec.Messages().WithLabelValues("out", "WEIGHTS_DOWN")))

	assert.Equal(t, clients, events.count(EventClientJoined))
	assert.Equal(t, epochs*2, events.count(EventLayerAggregated))
	assert.Equal(t, 1, events.count(EventSessionFinished))
}

func TestCoordinatorZeroEpochs(t *testing.T) {
	c, err := New(testConfig(1, 0, 3))
	require.NoError(t, err)
	addr, done := start(t, context.Background(), c)

	raw := dialRaw(t, addr)
	id, file := raw.join()
	assert.Equal(t, 0, id)
	assert.Equal(t, "part0.csv", file)
	raw.expect(protocol.KindDone)
	raw.expectEOF()

	require.NoError(t, wait(t, done))
	assert.Equal(t, PhaseCompleted, c.Status().Phase)
}

func TestCoordinatorBroadcastsTimeoutOnSilentClient(t *testing.T) {
	cfg := testConfig(2, 1, 2)
	cfg.ReadTimeout = 200 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	addr, done := start(t, context.Background(), c)

	active := dialRaw(t, addr)
	active.send(protocol.Control(protocol.KindIDRequest))
	active.expect(protocol.KindIDAssign)
	silent := dialRaw(t, addr)
	silent.send(protocol.Control(protocol.KindIDRequest))
	silent.expect(protocol.KindIDAssign)
	for _, r := range []*rawClient{active, silent} {
		r.expect(protocol.KindEpochs)
		r.expect(protocol.KindFile)
		r.expect(protocol.KindStart)
	}

	active.send(upload(t, 0, 1, 2))

	err = wait(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upload within")

	for _, r := range []*rawClient{active, silent} {
		r.expect(protocol.KindTimeout)
		r.expectEOF()
	}
	assert.Equal(t, PhaseAborted, c.Status().Phase)
}

func TestCoordinatorRejectsOutOfOrderLayer(t *testing.T) {
	c, err := New(testConfig(1, 1, 2))
	require.NoError(t, err)
	addr, done := start(t, context.Background(), c)

	raw := dialRaw(t, addr)
	raw.join()
	raw.send(upload(t, 1, 0.5))

	err = wait(t, done)
	var v *protocol.ViolationError
	require.ErrorAs(t, err, &v)
	raw.expect(protocol.KindTimeout)
	raw.expectEOF()
}

func TestCoordinatorRejectsSizeMismatch(t *testing.T) {
	c, err := New(testConfig(2, 1, 1))
	require.NoError(t, err)
	addr, done := start(t, context.Background(), c)

	a := dialRaw(t, addr)
	a.send(protocol.Control(protocol.KindIDRequest))
	a.expect(protocol.KindIDAssign)
	b := dialRaw(t, addr)
	b.send(protocol.Control(protocol.KindIDRequest))
	b.expect(protocol.KindIDAssign)
	for _, r := range []*rawClient{a, b} {
		r.expect(protocol.KindEpochs)
		r.expect(protocol.KindFile)
		r.expect(protocol.KindStart)
	}

	a.send(upload(t, 0, 1, 2))
	b.send(upload(t, 0, 1, 2, 3))

	err = wait(t, done)
	var sm *weights.ShapeMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, 0, sm.Layer)
	a.expect(protocol.KindTimeout)
	b.expect(protocol.KindTimeout)
}

func TestCoordinatorDropsBadHandshake(t *testing.T) {
	c, err := New(testConfig(1, 0, 1))
	require.NoError(t, err)
	addr, done := start(t, context.Background(), c)

	bad := dialRaw(t, addr)
	bad.send(protocol.Control(protocol.KindStart))
	bad.expectEOF()

	good := dialRaw(t, addr)
	id, _ := good.join()
	assert.Equal(t, 0, id)
	good.expect(protocol.KindDone)

	require.NoError(t, wait(t, done))
}

func TestCoordinatorContextCancel(t *testing.T) {
	c, err := New(testConfig(2, 1, 1))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, done := start(t, ctx, c)

	raw := dialRaw(t, addr)
	raw.send(protocol.Control(protocol.KindIDRequest))
	raw.expect(protocol.KindIDAssign)
	require.Eventually(t, func() bool { return c.Status().Connected == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	err = wait(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))

	raw.expect(protocol.KindTimeout)
	raw.expectEOF()
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig(2, 1, 3)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no clients", func(c *Config) { c.Clients = 0 }},
		{"negative epochs", func(c *Config) { c.Epochs = -1 }},
		{"too many layers", func(c *Config) { c.Layers = 11 }},
		{"no layers", func(c *Config) { c.Layers = 0 }},
		{"no timeout", func(c *Config) { c.ReadTimeout = 0 }},
		{"template without id", func(c *Config) { c.FileTemplate = "data.csv" }},
		{"files count", func(c *Config) { c.Files = []string{"a.csv"} }},
		{"blank file", func(c *Config) { c.Files = []string{"a.csv", " "} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigFileFor(t *testing.T) {
	cfg := testConfig(2, 1, 1)
	assert.Equal(t, "part1.csv", cfg.FileFor(1))

	cfg.FileTemplate = "ipfs://{id}"
	assert.Equal(t, "ipfs://0", cfg.FileFor(0))

	cfg.Files = []string{"ipfs://QmA", "ipfs://QmB"}
	assert.Equal(t, "ipfs://QmB", cfg.FileFor(1))
}

func TestAggregator(t *testing.T) {
	agg := newAggregator(2, 2)
	vec := func(vs ...float64) *weights.Matrix {
		m, err := weights.FromSlice(1, len(vs), vs)
		require.NoError(t, err)
		return m
	}

	mean, err := agg.add(0, 0, 0, vec(1, 2))
	require.NoError(t, err)
	assert.Nil(t, mean)

	_, err = agg.add(0, 0, 0, vec(1, 2))
	assert.Error(t, err, "duplicate upload")

	mean, err = agg.add(1, 0, 0, vec(3, 6))
	require.NoError(t, err)
	require.NotNil(t, mean)
	assert.Equal(t, []float64{2, 4}, mean.Data())

	_, err = agg.decode(0, make([]byte, 3*weights.BytesPerElement))
	var sm *weights.ShapeMismatchError
	assert.ErrorAs(t, err, &sm)

	_, err = agg.decode(1, make([]byte, 5))
	assert.Error(t, err)

	_, err = agg.add(0, 0, 1, vec(1))
	require.NoError(t, err)
	_, err = agg.add(1, 1, 1, vec(1))
	assert.Error(t, err, "epoch mismatch")
}
