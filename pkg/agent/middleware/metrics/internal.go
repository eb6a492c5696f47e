package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory aggregation.
// The status API reads per-agent usage from it without needing a Prometheus server.
type InternalRecorder struct {
	agents map[string]*AgentUsage // agentID -> aggregated usage
	mu     sync.RWMutex
}

// AgentUsage represents aggregated LLM usage for one agent across all pool models.
//
//nolint:govet
type AgentUsage struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailureCount     int64     `json:"failure_count"`
	AgentID          string    `json:"agent_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

// NewInternalRecorder returns an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{agents: make(map[string]*AgentUsage)}
}

// ObserveRequest records metrics for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(
	_, agentID string,
	promptTokens, completionTokens int,
	success bool,
	_ string,
	_ time.Duration,
) {
	if agentID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	usage, exists := r.agents[agentID]
	if !exists {
		usage = &AgentUsage{AgentID: agentID}
		r.agents[agentID] = usage
	}

	usage.RequestCount++
	usage.LastUpdated = time.Now()
	if !success {
		usage.FailureCount++
		return
	}
	usage.PromptTokens += int64(promptTokens)
	usage.CompletionTokens += int64(completionTokens)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
}

// GetAgentUsage returns a copy of the usage for agentID, or nil when nothing was recorded.
func (r *InternalRecorder) GetAgentUsage(agentID string) *AgentUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if usage, exists := r.agents[agentID]; exists {
		cp := *usage
		return &cp
	}
	return nil
}

// GetAllAgentUsage returns usage for all agents.
func (r *InternalRecorder) GetAllAgentUsage() map[string]*AgentUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AgentUsage, len(r.agents))
	for id, usage := range r.agents {
		cp := *usage
		result[id] = &cp
	}
	return result
}

// ClearAgent removes usage for a dismissed agent.
func (r *InternalRecorder) ClearAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}
