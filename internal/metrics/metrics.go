// Package metrics exposes replication metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the replication handler's Prometheus metrics. A nil *Metrics
// records nothing.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	LastEventTime    prometheus.Gauge
	LockWaitSeconds  prometheus.Histogram
	CheckpointsTotal *prometheus.CounterVec
	AgentState       prometheus.Gauge
	ShutdownsTotal   *prometheus.CounterVec
}

// NewMetrics registers and returns the metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dstream_mysql_events_total",
			Help: "Binlog events dispatched, by category.",
		}, []string{"category"}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dstream_mysql_handler_errors_total",
			Help: "Events whose handler returned an error, by category.",
		}, []string{"category"}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dstream_mysql_handler_duration_seconds",
			Help:    "Time spent handling one event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"category"}),
		LastEventTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "dstream_mysql_last_event_timestamp_seconds",
			Help: "Binlog timestamp of the last dispatched event.",
		}),
		LockWaitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dstream_mysql_lock_wait_seconds",
			Help:    "Time spent acquiring the source lock.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CheckpointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dstream_mysql_checkpoints_total",
			Help: "Checkpoint saves at shutdown, by result.",
		}, []string{"result"}),
		AgentState: f.NewGauge(prometheus.GaugeOpts{
			Name: "dstream_mysql_agent_state",
			Help: "Agent state (0=init, 1=locked, 2=stream_open, 3=running, 4=shutting_down_clean, 5=shutting_down_nocheckpoint, 6=fatal, 7=terminated).",
		}),
		ShutdownsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dstream_mysql_shutdowns_total",
			Help: "Shutdowns, by trigger.",
		}, []string{"trigger"}),
	}
}

// RecordEvent records one dispatched event.
func (m *Metrics) RecordEvent(category string, eventTime time.Time, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(category).Inc()
	m.HandlerDuration.WithLabelValues(category).Observe(duration.Seconds())
	if err != nil {
		m.HandlerErrors.WithLabelValues(category).Inc()
	}
	if !eventTime.IsZero() {
		m.LastEventTime.Set(float64(eventTime.Unix()))
	}
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitSeconds.Observe(d.Seconds())
}

func (m *Metrics) RecordCheckpoint(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.CheckpointsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.AgentState.Set(float64(state))
}

func (m *Metrics) RecordShutdown(trigger string) {
	if m == nil {
		return
	}
	m.ShutdownsTotal.WithLabelValues(trigger).Inc()
}
