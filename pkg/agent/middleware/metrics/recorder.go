// Package metrics provides metrics middleware and recorders for LLM client operations.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(
		model, agentID string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}

// Tee fans one observation out to several recorders; nil entries are skipped.
func Tee(recorders ...Recorder) Recorder {
	out := make(teeRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type teeRecorder []Recorder

func (t teeRecorder) ObserveRequest(model, agentID string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	for _, r := range t {
		r.ObserveRequest(model, agentID, promptTokens, completionTokens, success, errorType, duration)
	}
}
