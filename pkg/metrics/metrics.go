// Package metrics exposes Prometheus metrics for a meshsec node.
//
// Every Recorder method is safe to call on a nil *Recorder, so components
// take an optional recorder and never check for it.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshsec/meshsec-go/pkg/fragment"
	"github.com/meshsec/meshsec-go/pkg/queue"
)

const namespace = "meshsec"

// Recorder exposes Prometheus metrics for the secure transport.
type Recorder struct {
	framesEncrypted prometheus.Counter
	framesDecrypted prometheus.Counter
	framesRejected  *prometheus.CounterVec
	handshakes      *prometheus.CounterVec
	rotations       *prometheus.CounterVec
	identityFails   prometheus.Counter
	sessions        prometheus.Gauge
	clients         prometheus.Gauge
	cryptoDuration  *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	shed            prometheus.Counter
	evictions       *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueHighWater  prometheus.Gauge
	queueOverflow   *prometheus.CounterVec
	reassembly      *prometheus.CounterVec

	// Last cumulative values seen, for turning Stats snapshots into
	// counter increments.
	mu        sync.Mutex
	lastQueue queue.Stats
	lastFrag  fragment.Stats
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		framesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encrypted_total",
			Help:      "Total frames sealed for sending",
		}),
		framesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decrypted_total",
			Help:      "Total frames that passed every check",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames rejected grouped by reason",
		}, []string{"reason"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes processed grouped by result",
		}, []string{"result"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Key rotation steps grouped by phase",
		}, []string{"phase"}),
		identityFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_verification_failures_total",
			Help:      "Handshakes or rotations with an invalid identity proof",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of established peer sessions",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of clients tracked by the server",
		}),
		cryptoDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crypto_duration_seconds",
			Help:      "Latency of encrypt and decrypt operations",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3},
		}, []string{"op"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_rate_limited_total",
			Help:      "Inbound packets dropped by the per-peer rate limiter",
		}),
		shed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_shed_total",
			Help:      "Messages from low priority peers dropped under queue pressure",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_evictions_total",
			Help:      "Clients removed by the server grouped by reason",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in the inbound queue",
		}),
		queueHighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_high_water_mark",
			Help:      "Largest inbound queue depth observed",
		}),
		queueOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflow_total",
			Help:      "Inbound queue overflow outcomes grouped by outcome",
		}, []string{"outcome"}),
		reassembly: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassembly_total",
			Help:      "Fragmented messages grouped by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.framesEncrypted,
		r.framesDecrypted,
		r.framesRejected,
		r.handshakes,
		r.rotations,
		r.identityFails,
		r.sessions,
		r.clients,
		r.cryptoDuration,
		r.rateLimited,
		r.shed,
		r.evictions,
		r.queueDepth,
		r.queueHighWater,
		r.queueOverflow,
		r.reassembly,
	)
	return r
}

// Handler returns an HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ObserveEncrypt records frames sealed by one encrypt call.
func (r *Recorder) ObserveEncrypt(frames int, d time.Duration) {
	if r == nil {
		return
	}
	r.framesEncrypted.Add(float64(frames))
	r.cryptoDuration.WithLabelValues("encrypt").Observe(d.Seconds())
}

// ObserveDecrypt records one accepted frame.
func (r *Recorder) ObserveDecrypt(d time.Duration) {
	if r == nil {
		return
	}
	r.framesDecrypted.Inc()
	r.cryptoDuration.WithLabelValues("decrypt").Observe(d.Seconds())
}

// ObserveReject records a rejected frame.
func (r *Recorder) ObserveReject(reason string) {
	if r == nil {
		return
	}
	r.framesRejected.WithLabelValues(orUnknown(reason)).Inc()
}

// ObserveHandshake records a handshake outcome.
func (r *Recorder) ObserveHandshake(result string) {
	if r == nil {
		return
	}
	r.handshakes.WithLabelValues(orUnknown(result)).Inc()
}

// ObserveRotation records a rotation step (started, activated, abandoned...).
func (r *Recorder) ObserveRotation(phase string) {
	if r == nil {
		return
	}
	r.rotations.WithLabelValues(orUnknown(phase)).Inc()
}

// ObserveIdentityFailure increments the identity failure counter.
func (r *Recorder) ObserveIdentityFailure() {
	if r == nil {
		return
	}
	r.identityFails.Inc()
}

// SetSessions records the number of established sessions.
func (r *Recorder) SetSessions(n int) {
	if r == nil {
		return
	}
	r.sessions.Set(float64(n))
}

// SetClients records the number of tracked clients.
func (r *Recorder) SetClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

// ObserveRateLimited increments the rate limited counter.
func (r *Recorder) ObserveRateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

// ObserveShed increments the load shedding counter.
func (r *Recorder) ObserveShed() {
	if r == nil {
		return
	}
	r.shed.Inc()
}

// ObserveEviction records a client removed by the server.
func (r *Recorder) ObserveEviction(reason string) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(orUnknown(reason)).Inc()
}

// ObserveQueue publishes a queue stats snapshot. Cumulative counts are
// converted to counter increments against the previous snapshot.
func (r *Recorder) ObserveQueue(s queue.Stats) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(s.CurrentSize))
	r.queueHighWater.Set(float64(s.HighWaterMark))

	r.mu.Lock()
	prev := r.lastQueue
	r.lastQueue = s
	r.mu.Unlock()

	addDelta(r.queueOverflow.WithLabelValues("dropped"), prev.Dropped, s.Dropped)
	addDelta(r.queueOverflow.WithLabelValues("rejected"), prev.Rejected, s.Rejected)
	addDelta(r.queueOverflow.WithLabelValues("backpressure_timeout"), prev.BackpressureTimeouts, s.BackpressureTimeouts)
}

// ObserveReassembly publishes a reassembler stats snapshot.
func (r *Recorder) ObserveReassembly(s fragment.Stats) {
	if r == nil {
		return
	}
	r.mu.Lock()
	prev := r.lastFrag
	r.lastFrag = s
	r.mu.Unlock()

	addDelta(r.reassembly.WithLabelValues("completed"), prev.Completed, s.Completed)
	addDelta(r.reassembly.WithLabelValues("expired"), prev.Expired, s.Expired)
	addDelta(r.reassembly.WithLabelValues("dropped"), prev.Dropped, s.Dropped)
}

func addDelta(c prometheus.Counter, prev, cur uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}
