// Package metrics exposes the pipeline's Prometheus counters.
package metrics

import (
	"net/http"
	"strconv"

	"forecastloop/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry *prometheus.Registry

	SignalsTriaged     *prometheus.CounterVec
	EnsembleFailures   prometheus.Counter
	Outcomes           *prometheus.CounterVec
	PostmortemFallback prometheus.Counter
	ContextUpdates     *prometheus.CounterVec
	RunnerRuns         *prometheus.CounterVec
	RunnerDuration     *prometheus.HistogramVec
}

func New() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),

		SignalsTriaged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastloop_signals_triaged_total",
				Help: "Signals settled by triage, by decision and urgency",
			},
			[]string{"accepted", "urgency"},
		),
		EnsembleFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forecastloop_ensemble_failures_total",
				Help: "Ensemble calls that failed and degraded to a rejection",
			},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastloop_outcomes_total",
				Help: "Stored outcome evaluations by class",
			},
			[]string{"outcome"},
		),
		PostmortemFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forecastloop_postmortem_llm_fallback_total",
				Help: "Postmortems stored without LLM insights",
			},
		),
		ContextUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastloop_context_updates_total",
				Help: "Agent context updates by source and result",
			},
			[]string{"source", "result"},
		),
		RunnerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastloop_runner_runs_total",
				Help: "Agent runner invocations by runner type and result",
			},
			[]string{"runner_type", "result"},
		),
		RunnerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forecastloop_runner_duration_seconds",
				Help:    "Duration of agent runner invocations",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"runner_type"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SignalsTriaged,
		m.EnsembleFailures,
		m.Outcomes,
		m.PostmortemFallback,
		m.ContextUpdates,
		m.RunnerRuns,
		m.RunnerDuration,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) ObserveTriage(accepted bool, urgency domain.Urgency) {
	m.SignalsTriaged.WithLabelValues(strconv.FormatBool(accepted), string(urgency)).Inc()
}

func (m *Registry) ObserveEnsembleFailure() { m.EnsembleFailures.Inc() }

func (m *Registry) ObserveOutcome(outcome domain.OutcomeClass) {
	m.Outcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Registry) ObservePostmortemFallback() { m.PostmortemFallback.Inc() }

func (m *Registry) ObserveContextUpdate(source string, success bool) {
	result := "applied"
	if !success {
		result = "failed"
	}
	if source == "" {
		source = domain.SourceManual
	}
	m.ContextUpdates.WithLabelValues(source, result).Inc()
}

func (m *Registry) ObserveRunner(runnerType string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RunnerRuns.WithLabelValues(runnerType, result).Inc()
	m.RunnerDuration.WithLabelValues(runnerType).Observe(seconds)
}
