// Package metrics records conclave's Prometheus metrics and reads aggregated
// usage back from a Prometheus server.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// PrometheusRecorder implements the LLM middleware, consensus and agent recorders.
type PrometheusRecorder struct {
	queriesTotal       *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
	queryDuration      *prometheus.HistogramVec
	decisionsTotal     *prometheus.CounterVec
	decisionRounds     prometheus.Histogram
	condensationsTotal *prometheus.CounterVec
	actionsTotal       *prometheus.CounterVec
	agentsActive       prometheus.Gauge
}

// NewPrometheusRecorder registers every metric on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_model_queries_total",
				Help: "Total number of model queries by model, agent, status and error type",
			},
			[]string{"model", "agent_id", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_tokens_total",
				Help: "Total number of tokens used in model queries",
			},
			[]string{"model", "agent_id", "type"},
		),
		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conclave_model_query_duration_seconds",
				Help:    "Duration of model queries in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_consensus_decisions_total",
				Help: "Decision cycles by terminal outcome",
			},
			[]string{"outcome"},
		),
		decisionRounds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conclave_consensus_rounds",
				Help:    "Rounds needed to end a decision cycle",
				Buckets: []float64{1, 2, 3, 4, 6, 8},
			},
		),
		condensationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_condensations_total",
				Help: "History condensations by model and trigger",
			},
			[]string{"model", "trigger"},
		),
		actionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conclave_actions_total",
				Help: "Dispatched actions by kind and result status",
			},
			[]string{"kind", "status"},
		),
		agentsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conclave_agents_active",
				Help: "Agents currently running",
			},
		),
	}
}

// ObserveRequest records a completed model query.
func (p *PrometheusRecorder) ObserveRequest(
	model, agentID string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}
	p.queriesTotal.WithLabelValues(model, agentID, status, errorType).Inc()
	if success {
		p.tokensTotal.WithLabelValues(model, agentID, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, agentID, "completion").Add(float64(completionTokens))
	}
	p.queryDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveDecision records the end of a decision cycle.
func (p *PrometheusRecorder) ObserveDecision(outcome string, rounds int) {
	p.decisionsTotal.WithLabelValues(outcome).Inc()
	p.decisionRounds.Observe(float64(rounds))
}

// ObserveCondensation records a history condensation.
func (p *PrometheusRecorder) ObserveCondensation(modelID, trigger string) {
	p.condensationsTotal.WithLabelValues(modelID, trigger).Inc()
}

// ObserveAction records an action result.
func (p *PrometheusRecorder) ObserveAction(kind, status string) {
	p.actionsTotal.WithLabelValues(kind, status).Inc()
}

// AgentStarted increments the running-agent gauge.
func (p *PrometheusRecorder) AgentStarted() { p.agentsActive.Inc() }

// AgentStopped decrements the running-agent gauge.
func (p *PrometheusRecorder) AgentStopped() { p.agentsActive.Dec() }

// Nop implements every recorder with no-op behaviour.
type Nop struct{}

// ObserveRequest implements the middleware recorder.
func (Nop) ObserveRequest(string, string, int, int, bool, string, time.Duration) {}

// ObserveDecision implements the consensus recorder.
func (Nop) ObserveDecision(string, int) {}

// ObserveCondensation implements the consensus recorder.
func (Nop) ObserveCondensation(string, string) {}

// ObserveAction implements the agent recorder.
func (Nop) ObserveAction(string, string) {}

// AgentStarted implements the agent recorder.
func (Nop) AgentStarted() {}

// AgentStopped implements the agent recorder.
func (Nop) AgentStopped() {}

// WriteText renders every family gathered from g in the text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to write metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
