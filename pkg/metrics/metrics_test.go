package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsec/meshsec-go/pkg/fragment"
	"github.com/meshsec/meshsec-go/pkg/queue"
)

// sample returns the value of the metric with the given name and label
// value (or the only series when label is empty).
func sample(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" {
				match := false
				for _, lp := range m.GetLabel() {
					if lp.GetValue() == label {
						match = true
					}
				}
				if !match {
					continue
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveEncrypt(1, time.Millisecond)
	r.ObserveDecrypt(time.Millisecond)
	r.ObserveReject("replay")
	r.ObserveHandshake("ok")
	r.ObserveRotation("started")
	r.ObserveIdentityFailure()
	r.SetSessions(1)
	r.SetClients(1)
	r.ObserveRateLimited()
	r.ObserveShed()
	r.ObserveEviction("idle")
	r.ObserveQueue(queue.Stats{})
	r.ObserveReassembly(fragment.Stats{})
}

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveEncrypt(3, time.Microsecond)
	r.ObserveDecrypt(time.Microsecond)
	r.ObserveReject("replay")
	r.ObserveReject("replay")
	r.ObserveReject("")
	r.ObserveHandshake("established")
	r.ObserveRotation("activated")
	r.SetSessions(4)

	assert.Equal(t, 3.0, sample(t, reg, "meshsec_frames_encrypted_total", ""))
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_frames_decrypted_total", ""))
	assert.Equal(t, 2.0, sample(t, reg, "meshsec_frames_rejected_total", "replay"))
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_frames_rejected_total", "unknown"))
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_handshakes_total", "established"))
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_key_rotations_total", "activated"))
	assert.Equal(t, 4.0, sample(t, reg, "meshsec_sessions_active", ""))
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_crypto_duration_seconds", "decrypt"))
}

func TestRecorderStatsDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveQueue(queue.Stats{CurrentSize: 5, HighWaterMark: 7, Dropped: 2})
	r.ObserveQueue(queue.Stats{CurrentSize: 1, HighWaterMark: 7, Dropped: 5, Rejected: 1})
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_queue_depth", ""))
	assert.Equal(t, 7.0, sample(t, reg, "meshsec_queue_high_water_mark", ""))
	assert.Equal(t, 5.0, sample(t, reg, "meshsec_queue_overflow_total", "dropped"))
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_queue_overflow_total", "rejected"))

	r.ObserveReassembly(fragment.Stats{Completed: 2, Expired: 1})
	r.ObserveReassembly(fragment.Stats{Completed: 3, Expired: 1})
	assert.Equal(t, 3.0, sample(t, reg, "meshsec_reassembly_total", "completed"))
	assert.Equal(t, 1.0, sample(t, reg, "meshsec_reassembly_total", "expired"))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveShed()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "meshsec_messages_shed_total 1"))
}
