package eventbus

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogHook forwards log entries at or above a level to a destination as log events.
type LogHook struct {
	dest   Destination
	levels []logrus.Level
}

// NewLogHook creates a hook for entries at minLevel or more severe.
func NewLogHook(dest Destination, minLevel logrus.Level) *LogHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &LogHook{dest: dest, levels: levels}
}

// Levels implements logrus.Hook.
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook.
func (h *LogHook) Fire(entry *logrus.Entry) error {
	agentID, _ := entry.Data["agent_id"].(string)
	data := map[string]any{
		"level":   entry.Level.String(),
		"message": entry.Message,
	}
	if domain, ok := entry.Data["domain"]; ok {
		data["domain"] = domain
	}
	ev := New(TypeLog, agentID, data)
	ev.Timestamp = entry.Time.UTC()
	// A failing destination must not break logging.
	_ = Publish(context.Background(), h.dest, ev)
	return nil
}
