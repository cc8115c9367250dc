package memory

import (
	"time"

	"github.com/dotsetgreg/tiermem/pkg/chat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of the memory subsystem. A nil
// *Metrics records nothing.
type Metrics struct {
	Summarizations    *prometheus.CounterVec
	SummarizeDuration prometheus.Histogram
	TierMessages      *prometheus.GaugeVec
	TierTokens        *prometheus.GaugeVec
	SchedulerRuns     *prometheus.CounterVec
	EventsHandled     *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Summarizations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermem_summarizations_total",
				Help: "Per-message summarization jobs by result",
			},
			[]string{"result"},
		),
		SummarizeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tiermem_summarize_duration_seconds",
				Help:    "Backend latency of one summarization",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		TierMessages: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tiermem_tier_messages",
				Help: "Messages per tier after the last classification",
			},
			[]string{"conversation", "tier"},
		),
		TierTokens: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tiermem_tier_tokens",
				Help: "Injected tokens per tier after the last classification",
			},
			[]string{"conversation", "tier"},
		),
		SchedulerRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermem_scheduler_runs_total",
				Help: "Scheduler runs by outcome",
			},
			[]string{"outcome"},
		),
		EventsHandled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermem_events_total",
				Help: "Chat events handled by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) observeJob(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Summarizations.WithLabelValues(result).Inc()
	if took > 0 {
		m.SummarizeDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) observeClassification(conversationID string, cls Classification) {
	if m == nil {
		return
	}
	short, long := 0, 0
	for _, a := range cls.Assignments {
		switch a.Tier {
		case chat.TierShort:
			short++
		case chat.TierLong:
			long++
		}
	}
	m.TierMessages.WithLabelValues(conversationID, "short").Set(float64(short))
	m.TierMessages.WithLabelValues(conversationID, "long").Set(float64(long))
	m.TierMessages.WithLabelValues(conversationID, "lagging").Set(float64(cls.LaggingCount()))
	m.TierTokens.WithLabelValues(conversationID, "short").Set(float64(cls.ShortTokens))
	m.TierTokens.WithLabelValues(conversationID, "long").Set(float64(cls.LongTokens))
}

func (m *Metrics) observeRun(res RunResult) {
	if m == nil {
		return
	}
	outcome := "completed"
	if res.Stopped {
		outcome = "stopped"
	}
	m.SchedulerRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsHandled.WithLabelValues(kind).Inc()
}
