package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"conclave/pkg/agent"
	"conclave/pkg/logx"
	"conclave/pkg/proto"
)

// Health reports liveness and the number of running agents.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agents": len(s.registry.Running())})
}

// agentSummary is one row of the agent listing.
type agentSummary struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ListAgents lists running agents with their current state.
func (s *Server) ListAgents(c *gin.Context) {
	ids := s.registry.Running()
	out := make([]agentSummary, 0, len(ids))
	for _, id := range ids {
		ag, ok := s.registry.Agent(id)
		if !ok {
			continue
		}
		out = append(out, agentSummary{ID: id, State: ag.GetCurrentState().String()})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// GetAgent returns the full status snapshot of one agent.
func (s *Server) GetAgent(c *gin.Context) {
	ag, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	st, err := ag.Status(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetUsage returns token usage for one agent, in process by default or
// from Prometheus with ?source=prometheus.
func (s *Server) GetUsage(c *gin.Context) {
	agentID := c.Param("id")
	if c.Query("source") == "prometheus" {
		if s.query == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "prometheus queries not configured"})
			return
		}
		ctx, cancel := s.requestContext(c)
		defer cancel()
		usage, err := s.query.GetAgentUsage(ctx, agentID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, usage)
		return
	}

	if s.usage == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "usage tracking not configured"})
		return
	}
	usage := s.usage.GetAgentUsage(agentID)
	if usage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no usage recorded for " + agentID})
		return
	}
	c.JSON(http.StatusOK, usage)
}

type messageRequest struct {
	Content string `json:"content" binding:"required"`
	From    string `json:"from"`
}

// PostMessage delivers an operator message to an agent.
func (s *Server) PostMessage(c *gin.Context) {
	ag, ok := s.lookup(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	from := req.From
	if from == "" {
		from = proto.OperatorID
	}

	msg := proto.NewAgentMsg(proto.MsgTypeMESSAGE, from, ag.GetID(), req.Content)
	if err := ag.Deliver(msg); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": msg.ID})
}

// PostContinue nudges an idle agent to decide again.
func (s *Server) PostContinue(c *gin.Context) {
	ag, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := ag.Continue(); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// DeleteAgent dismisses an agent and its descendants.
func (s *Server) DeleteAgent(c *gin.Context) {
	if _, ok := s.lookup(c); !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.registry.Dismiss(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Logs returns captured log entries, optionally for one agent and since a
// RFC 3339 timestamp.
func (s *Server) Logs(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}
	entries := logx.GetRecentLogEntries(c.Query("agent"), since)
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) lookup(c *gin.Context) (*agent.Agent, bool) {
	ag, ok := s.registry.Agent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return nil, false
	}
	return ag, true
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.timeout)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agent.ErrStopped):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, agent.ErrInboxFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		s.logger.Warn("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
