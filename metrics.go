package messenger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Frames        *prometheus.CounterVec
	FramesDropped prometheus.Counter
	Merges        *prometheus.CounterVec
	Reconnects    prometheus.Counter
	MarkRead      *prometheus.CounterVec
	HistoryStale  prometheus.Counter
	Unread        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "frames_total",
			Help:      "Inbound push frames decoded, by kind.",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "frames_dropped_total",
			Help:      "Inbound push frames dropped because they could not be decoded.",
		}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "merge_total",
			Help:      "Inbound messages merged into conversation logs, by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after abnormal closure.",
		}),
		MarkRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "mark_read_total",
			Help:      "Mark-as-read calls, by result.",
		}, []string{"result"}),
		HistoryStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "history_stale_total",
			Help:      "History responses discarded because a newer request superseded them.",
		}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "messenger",
			Name:      "unread_messages",
			Help:      "Sum of unread counters across conversations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.FramesDropped, m.Merges, m.Reconnects, m.MarkRead, m.HistoryStale, m.Unread)
	}
	return m
}
