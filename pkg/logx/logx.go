// Package logx provides structured logging with per-agent fields and domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger writes printf-style messages tagged with the owning agent's id.
type Logger struct {
	agentID string
	entry   *logrus.Entry
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options configures the process-wide log backend.
type Options struct {
	Output io.Writer
	Level  string // logrus level name; empty keeps the current level
	JSON   bool
}

// LogEntry is a captured log line served by the status API.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// InMemoryLogBuffer keeps the most recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

type contextKey string

const agentIDKey contextKey = "agent_id"

const timestampFormat = "2006-01-02T15:04:05.000Z"

var (
	base = newBase()

	debugEnabled bool
	debugDomains map[string]bool // nil = all domains
	debugMutex   sync.RWMutex

	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

func init() { //nolint:gochecknoinits // env-driven debug switches
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugEnabled = true
		base.SetLevel(logrus.DebugLevel)
	}

	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugDomains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugDomains[strings.TrimSpace(domain)] = true
		}
	}
}

// Configure swaps the formatter, level and output of the shared backend.
func Configure(opts Options) error {
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	}
	if opts.JSON {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	}
	if opts.Level != "" {
		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		base.SetLevel(level)
		debugMutex.Lock()
		debugEnabled = level >= logrus.DebugLevel
		debugMutex.Unlock()
	}
	return nil
}

// AddHook attaches a logrus hook to the shared backend.
func AddHook(h logrus.Hook) {
	base.AddHook(h)
}

func NewLogger(agentID string) *Logger {
	return &Logger{
		agentID: agentID,
		entry:   base.WithField("agent_id", agentID),
	}
}

// SetDebugDomains restricts domain debug output; an empty list enables all domains.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugDomains = nil
		return
	}
	debugDomains = make(map[string]bool)
	for _, domain := range domains {
		debugDomains[strings.TrimSpace(domain)] = true
	}
}

// SetDebug toggles debug output for all loggers.
func SetDebug(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugEnabled = enabled
	if enabled {
		base.SetLevel(logrus.DebugLevel)
	} else if base.GetLevel() >= logrus.DebugLevel {
		base.SetLevel(logrus.InfoLevel)
	}
}

func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugEnabled
}

// IsDebugEnabledForDomain reports whether domain debug lines are emitted.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugEnabled {
		return false
	}
	if debugDomains == nil {
		return true
	}
	return debugDomains[domain]
}

// AddLogEntry appends an entry, trimming the buffer to its maximum size.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of buffered entries filtered by agent and time.
func (b *InMemoryLogBuffer) GetLogEntries(agentID string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if agentID != "" && entry.AgentID != agentID {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns buffered entries for the given agent ("" = all).
func GetRecentLogEntries(agentID string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(agentID, since)
}

func capture(agentID, domain string, level Level, message string) {
	logBuffer.AddLogEntry(&LogEntry{
		Timestamp: time.Now().UTC().Format(timestampFormat),
		AgentID:   agentID,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) log(level Level, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	switch level {
	case LevelDebug:
		l.entry.Debug(message)
	case LevelWarn:
		l.entry.Warn(message)
	case LevelError:
		l.entry.Error(message)
	default:
		l.entry.Info(message)
	}
	capture(l.agentID, "", level, message)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// WithField returns a logger carrying an extra structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{agentID: l.agentID, entry: l.entry.WithField(key, value)}
}

func (l *Logger) GetAgentID() string {
	return l.agentID
}

func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{
		agentID: agentID,
		entry:   l.entry.WithField("agent_id", agentID),
	}
}

// WithAgentContext stores an agent id for domain debug calls.
func WithAgentContext(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentIDFromContext returns the agent id stored by WithAgentContext, or "" when absent.
func AgentIDFromContext(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(agentIDKey).(string); ok {
			return id
		}
	}
	return ""
}

func agentFromContext(ctx context.Context) string {
	if id := AgentIDFromContext(ctx); id != "" {
		return id
	}
	return "unknown"
}

// Debug logs a domain-scoped debug message.
//
// Environment variable control:
//
//	DEBUG=1                              # enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=consensus      # only the consensus domain
//	DEBUG=1 DEBUG_DOMAINS=consensus,agent
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	agentID := agentFromContext(ctx)
	message := fmt.Sprintf(format, args...)
	base.WithFields(logrus.Fields{"agent_id": agentID, "domain": domain}).Debug(message)
	capture(agentID, domain, LevelDebug, message)
}

var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
