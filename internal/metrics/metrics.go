package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/theblitlabs/parity-fedsync/internal/protocol"
)

const namespace = "fedsync"

// Role labels which end of the session emitted a series.
type Role string

const (
	RoleClient      Role = "client"
	RoleCoordinator Role = "coordinator"
)

// Metrics groups the protocol collectors for one process.
type Metrics struct {
	role Role

	messages     *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	layerSync    *prometheus.HistogramVec
	epochs       prometheus.Counter
	loss         prometheus.Gauge
	sessions     *prometheus.CounterVec
	clients      prometheus.Gauge
	aggregations *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer, role Role) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"role": string(role)}

	return &Metrics{
		role: role,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_total",
			Help:        "Protocol messages by direction and kind",
			ConstLabels: labels,
		}, []string{"direction", "kind"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "payload_bytes_total",
			Help:        "Payload bytes by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		layerSync: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "layer_sync_duration_seconds",
			Help:        "Upload to averaged download latency per layer",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"layer"}),
		epochs: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "epochs_completed_total",
			Help:        "Fully synchronized epochs",
			ConstLabels: labels,
		}),
		loss: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "training_loss",
			Help:        "Mean local loss of the last epoch",
			ConstLabels: labels,
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sessions_total",
			Help:        "Finished sessions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected_clients",
			Help:        "Clients currently attached to the coordinator",
			ConstLabels: labels,
		}),
		aggregations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "aggregations_total",
			Help:        "Averaged layers broadcast by the coordinator",
			ConstLabels: labels,
		}, []string{"layer"}),
	}
}

func (m *Metrics) MessageSent(msg protocol.Message) {
	m.messages.WithLabelValues("out", msg.Kind().String()).Inc()
	m.bytes.WithLabelValues("out").Add(float64(msg.Len()))
}

func (m *Metrics) MessageReceived(msg protocol.Message) {
	m.messages.WithLabelValues("in", msg.Kind().String()).Inc()
	m.bytes.WithLabelValues("in").Add(float64(msg.Len()))
}

func (m *Metrics) LayerSynced(layer string, d time.Duration) {
	m.layerSync.WithLabelValues(layer).Observe(d.Seconds())
}

func (m *Metrics) EpochCompleted(loss float64) {
	m.epochs.Inc()
	m.loss.Set(loss)
}

func (m *Metrics) SessionFinished(outcome string) {
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ClientConnected()    { m.clients.Inc() }
func (m *Metrics) ClientDisconnected() { m.clients.Dec() }

func (m *Metrics) LayerAggregated(layer string) {
	m.aggregations.WithLabelValues(layer).Inc()
}

// Messages exposes the message counter for assertions.
func (m *Metrics) Messages() *prometheus.CounterVec { return m.messages }

// Epochs exposes the epoch counter for assertions.
func (m *Metrics) Epochs() prometheus.Counter { return m.epochs }

// Aggregations exposes the aggregation counter for assertions.
func (m *Metrics) Aggregations() *prometheus.CounterVec { return m.aggregations }
