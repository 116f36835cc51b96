package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sync core's Prometheus collectors.
type Metrics struct {
	FramesTotal      *prometheus.CounterVec
	ConflictsTotal   *prometheus.CounterVec
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	StreamChunks     prometheus.Counter
	SessionsReplaced prometheus.Counter
	SessionsReaped   prometheus.Counter
	StoreFailures    prometheus.Counter
}

// InitMetrics registers all collectors, including an active-sessions gauge
// sampled live from the connection manager.
func InitMetrics(conns *ConnectionManager) *Metrics {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "veilchat_sessions_active",
		Help: "Currently connected websocket sessions",
	}, func() float64 {
		return float64(conns.Count())
	})

	return &Metrics{
		FramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veilchat_frames_total",
			Help: "Frames processed by type and direction",
		}, []string{"type", "direction"}),
		ConflictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veilchat_version_conflicts_total",
			Help: "Rejected component writes by component",
		}, []string{"component"}),
		CacheHitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veilchat_cache_hits_total",
			Help: "Cache hits by tier",
		}, []string{"tier"}),
		CacheMissesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veilchat_cache_misses_total",
			Help: "Cache misses by tier",
		}, []string{"tier"}),
		StreamChunks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veilchat_stream_chunks_total",
			Help: "AI stream chunks fanned out",
		}),
		SessionsReplaced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veilchat_sessions_replaced_total",
			Help: "Sessions closed because the same device reconnected",
		}),
		SessionsReaped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veilchat_sessions_reaped_total",
			Help: "Sessions closed by the idle reaper",
		}),
		StoreFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veilchat_store_failures_total",
			Help: "Document store operations that exhausted retries",
		}),
	}
}

// ObserveFrame records one processed frame.
func (m *Metrics) ObserveFrame(frameType, direction string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(frameType, direction).Inc()
}

// ObserveConflict records one rejected component write.
func (m *Metrics) ObserveConflict(component string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(component).Inc()
}
