package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for conversation turns and bookings.
// All methods are safe on a nil receiver so callers can run without metrics.
type SchedulingMetrics struct {
	turnsTotal    *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
	bookingsTotal *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	sweptDrafts   prometheus.Counter
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "secretary",
			Name:      "turns_total",
			Help:      "Conversation turns by route and outcome",
		}, []string{"route", "outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "secretary",
			Name:      "turn_latency_seconds",
			Help:      "Time to process one inbound message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "tokens_total",
			Help:      "Booking links handed out, new or reused",
		}, []string{"kind"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "commits_total",
			Help:      "Public booking commits by result",
		}, []string{"result"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Calls to the language model by provider and status",
		}, []string{"provider", "status"}),
		sweptDrafts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "stale_drafts_swept_total",
			Help:      "Draft appointments removed with their stale tokens",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.turnLatency, m.tokensTotal, m.bookingsTotal, m.llmCalls, m.sweptDrafts)
	return m
}

func (m *SchedulingMetrics) ObserveTurn(route, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(route, outcome).Inc()
	m.turnLatency.WithLabelValues(route).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveToken(reused bool) {
	if m == nil {
		return
	}
	kind := "issued"
	if reused {
		kind = "reused"
	}
	m.tokensTotal.WithLabelValues(kind).Inc()
}

func (m *SchedulingMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveLLMCall(provider, status string) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, status).Inc()
}

func (m *SchedulingMetrics) ObserveSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptDrafts.Add(float64(n))
}
