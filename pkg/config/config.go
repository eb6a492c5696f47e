// Package config loads, defaults and validates the conclave runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"conclave/pkg/logx"
)

// Provider identifiers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variables consulted for credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Defaults applied when a field is left empty.
const (
	DefaultMaxRounds        = 4
	DefaultTemperatureStep  = 0.2
	DefaultMaxTemperature   = 1.0
	DefaultBaseTemperature  = 0.3
	DefaultCondenseEntries  = 10
	DefaultOutputFloor      = 4096
	DefaultRatioThreshold   = 0.8
	DefaultWaitUnit         = time.Second
	DefaultRequestTimeout   = 3 * time.Minute
	DefaultEventBuffer      = 256
	DefaultRedisKeyPrefix   = "conclave"
	DefaultSQLitePath       = ".conclave/conclave.db"
	DefaultAPIListen        = "127.0.0.1:8089"
	DefaultRestoreWait      = 5 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	PersistenceDriverSQLite = "sqlite"
	PersistenceDriverRedis  = "redis"
	PersistenceDriverNone   = "none"
	LogFormatAuto           = "auto"
	LogFormatJSON           = "json"
	LogFormatText           = "text"
	CapabilityBase          = "base"
	CapabilityMessaging     = "messaging"
	CapabilitySpawn         = "spawn"
	CapabilityBudget        = "budget"
)

//nolint:gochecknoglobals // singleton config, same pattern as GetConfig/SetConfigForTesting
var (
	current *Config
	mu      sync.RWMutex
	logger  *logx.Logger
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// ModelInfo contains static limits for a known model.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels supplies limits for models whose entries omit them.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 64000},
	"claude-opus-4-1":   {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 32000},
	"claude-haiku-4-5":  {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 64000},
	"gpt-5":             {Provider: ProviderOpenAI, MaxContextTokens: 400000, MaxOutputTokens: 128000},
	"gpt-5-mini":        {Provider: ProviderOpenAI, MaxContextTokens: 400000, MaxOutputTokens: 128000},
	"gpt-4.1":           {Provider: ProviderOpenAI, MaxContextTokens: 1047576, MaxOutputTokens: 32768},
	"gemini-2.5-pro":    {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"gemini-2.5-flash":  {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"llama3.1:8b":       {Provider: ProviderOllama, MaxContextTokens: 131072, MaxOutputTokens: 8192},
	"qwen2.5-coder:14b": {Provider: ProviderOllama, MaxContextTokens: 32768, MaxOutputTokens: 8192},
}

// ProviderPattern infers a provider from a model-name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"phi", ProviderOllama},
}

// GetModelInfo returns registry limits, or conservative defaults with an inferred provider.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, ok := KnownModels[modelName]; ok {
		return info, true
	}
	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}
	return ModelInfo{Provider: provider, MaxContextTokens: 32000, MaxOutputTokens: 4096}, false
}

// ModelConfig describes one member of the consensus pool.
type ModelConfig struct {
	BaseTemperature *float32 `yaml:"base_temperature,omitempty" json:"base_temperature,omitempty"`
	ID              string   `yaml:"id" json:"id"`                                 // pool identifier
	Provider        string   `yaml:"provider,omitempty" json:"provider,omitempty"` // inferred when empty
	Model           string   `yaml:"model,omitempty" json:"model,omitempty"`       // provider model name, defaults to ID
	APIKeyEnv       string   `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Host            string   `yaml:"host,omitempty" json:"host,omitempty"` // ollama only
	ContextWindow   int      `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
}

// Temperature returns the configured base temperature or the default.
func (m *ModelConfig) Temperature() float32 {
	if m.BaseTemperature != nil {
		return *m.BaseTemperature
	}
	return DefaultBaseTemperature
}

// ConsensusConfig bounds refinement.
type ConsensusConfig struct {
	MaxRounds       int     `yaml:"max_rounds" json:"max_rounds"`
	TemperatureStep float32 `yaml:"temperature_step" json:"temperature_step"`
	MaxTemperature  float32 `yaml:"max_temperature" json:"max_temperature"`
}

// CondensationConfig controls history condensation.
type CondensationConfig struct {
	Entries        int     `yaml:"entries" json:"entries"`                 // N oldest entries replaced per condensation
	OutputFloor    int     `yaml:"output_floor" json:"output_floor"`       // minimum remaining output budget
	RatioThreshold float64 `yaml:"ratio_threshold" json:"ratio_threshold"` // history share of the context window
}

// ProfileConfig holds pre-built prompt fragments for the system message.
type ProfileConfig struct {
	Role        string `yaml:"role,omitempty" json:"role,omitempty"`
	Style       string `yaml:"style,omitempty" json:"style,omitempty"`
	Constraints string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Profile     string `yaml:"profile,omitempty" json:"profile,omitempty"`
}

// AgentsConfig holds per-agent runtime knobs.
type AgentsConfig struct {
	Profile                ProfileConfig `yaml:"profile" json:"profile"`
	DefaultCapabilities    []string      `yaml:"default_capabilities" json:"default_capabilities"`
	WaitUnit               time.Duration `yaml:"wait_unit" json:"wait_unit"`
	InboxSize              int           `yaml:"inbox_size" json:"inbox_size"`
	RestoreWait            time.Duration `yaml:"restore_wait" json:"restore_wait"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	ContinueOnLegacyResult bool          `yaml:"continue_on_legacy_result" json:"continue_on_legacy_result"`
}

// RedisConfig points the redis store at a server.
type RedisConfig struct {
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	DB        int    `yaml:"db" json:"db"`
}

// PersistenceConfig selects the snapshot store.
type PersistenceConfig struct {
	Driver     string      `yaml:"driver" json:"driver"`
	SQLitePath string      `yaml:"sqlite_path" json:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
}

// KafkaConfig enables the kafka event destination.
type KafkaConfig struct {
	Topic   string   `yaml:"topic" json:"topic"`
	Brokers []string `yaml:"brokers" json:"brokers"`
}

// EventsConfig selects event destinations; all are optional.
type EventsConfig struct {
	JSONLDir      string      `yaml:"jsonl_dir,omitempty" json:"jsonl_dir,omitempty"`
	Kafka         KafkaConfig `yaml:"kafka" json:"kafka"`
	ChannelBuffer int         `yaml:"channel_buffer" json:"channel_buffer"`
}

// RetryConfig defines retry behavior for transient LLM failures.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	Jitter        bool          `yaml:"jitter" json:"jitter"`
}

// CircuitBreakerConfig defines per-model breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// ResilienceConfig bundles LLM middleware settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Timeout        time.Duration        `yaml:"timeout" json:"timeout"`
}

type MetricsConfig struct {
	// PrometheusURL, when set, lets the status API read aggregated usage back.
	PrometheusURL string `yaml:"prometheus_url,omitempty" json:"prometheus_url,omitempty"`
	Enabled       bool   `yaml:"enabled" json:"enabled"`
}

type APIConfig struct {
	Listen  string `yaml:"listen" json:"listen"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config is the complete runtime configuration.
type Config struct {
	Models       []ModelConfig      `yaml:"models" json:"models"`
	Consensus    ConsensusConfig    `yaml:"consensus" json:"consensus"`
	Condensation CondensationConfig `yaml:"condensation" json:"condensation"`
	Agents       AgentsConfig       `yaml:"agents" json:"agents"`
	Persistence  PersistenceConfig  `yaml:"persistence" json:"persistence"`
	Events       EventsConfig       `yaml:"events" json:"events"`
	Resilience   ResilienceConfig   `yaml:"resilience" json:"resilience"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	API          APIConfig          `yaml:"api" json:"api"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// ModelIDs returns the pool ids in configuration order.
func (c *Config) ModelIDs() []string {
	ids := make([]string, 0, len(c.Models))
	for i := range c.Models {
		ids = append(ids, c.Models[i].ID)
	}
	return ids
}

// Model looks up a pool member by id.
func (c *Config) Model(id string) (ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return c.Models[i], true
		}
	}
	return ModelConfig{}, false
}

// GetConfig returns a copy of the loaded config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *current, nil
}

// SetConfigForTesting installs cfg as the global config; nil resets it.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	current = cfg
}

// LoadConfig reads a YAML or JSON file, applies defaults, validates,
// and installs the result as the global config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	getLogger().Info("📝 Config loaded from %s (%d models)", path, len(cfg.Models))
	return cfg, nil
}

// Parse decodes raw config bytes; ext selects JSON (".json") or YAML (anything else).
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied and an empty model pool.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
//
//nolint:cyclop // flat list of defaults
func ApplyDefaults(cfg *Config) {
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.Model == "" {
			m.Model = m.ID
		}
		info, _ := GetModelInfo(m.Model)
		if m.Provider == "" {
			m.Provider = info.Provider
		}
		if m.ContextWindow == 0 {
			m.ContextWindow = info.MaxContextTokens
		}
		if m.MaxOutputTokens == 0 {
			m.MaxOutputTokens = info.MaxOutputTokens
		}
	}

	if cfg.Consensus.MaxRounds == 0 {
		cfg.Consensus.MaxRounds = DefaultMaxRounds
	}
	if cfg.Consensus.TemperatureStep == 0 {
		cfg.Consensus.TemperatureStep = DefaultTemperatureStep
	}
	if cfg.Consensus.MaxTemperature == 0 {
		cfg.Consensus.MaxTemperature = DefaultMaxTemperature
	}

	if cfg.Condensation.Entries == 0 {
		cfg.Condensation.Entries = DefaultCondenseEntries
	}
	if cfg.Condensation.OutputFloor == 0 {
		cfg.Condensation.OutputFloor = DefaultOutputFloor
	}
	if cfg.Condensation.RatioThreshold == 0 {
		cfg.Condensation.RatioThreshold = DefaultRatioThreshold
	}

	if cfg.Agents.WaitUnit == 0 {
		cfg.Agents.WaitUnit = DefaultWaitUnit
	}
	if cfg.Agents.InboxSize == 0 {
		cfg.Agents.InboxSize = 64
	}
	if cfg.Agents.RestoreWait == 0 {
		cfg.Agents.RestoreWait = DefaultRestoreWait
	}
	if cfg.Agents.ShutdownTimeout == 0 {
		cfg.Agents.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(cfg.Agents.DefaultCapabilities) == 0 {
		cfg.Agents.DefaultCapabilities = []string{CapabilityBase, CapabilityMessaging, CapabilitySpawn, CapabilityBudget}
	}

	if cfg.Persistence.Driver == "" {
		cfg.Persistence.Driver = PersistenceDriverSQLite
	}
	if cfg.Persistence.SQLitePath == "" {
		cfg.Persistence.SQLitePath = DefaultSQLitePath
	}
	if cfg.Persistence.Redis.KeyPrefix == "" {
		cfg.Persistence.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	if cfg.Events.ChannelBuffer == 0 {
		cfg.Events.ChannelBuffer = DefaultEventBuffer
	}

	if cfg.Resilience.Timeout == 0 {
		cfg.Resilience.Timeout = DefaultRequestTimeout
	}
	if cfg.Resilience.Retry.MaxAttempts == 0 {
		cfg.Resilience.Retry = RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		}
	}
	if cfg.Resilience.CircuitBreaker.FailureThreshold == 0 {
		cfg.Resilience.CircuitBreaker = CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatAuto
	}
}

// Validate checks invariants the runtime relies on.
//
//nolint:cyclop // sequential field checks
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Models))
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("models[%d]: duplicate model id %q", i, m.ID)
		}
		seen[m.ID] = true
		switch m.Provider {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		default:
			return fmt.Errorf("model %s: unknown provider %q", m.ID, m.Provider)
		}
		if m.ContextWindow <= 0 || m.MaxOutputTokens <= 0 {
			return fmt.Errorf("model %s: context_window and max_output_tokens must be positive", m.ID)
		}
	}

	if cfg.Consensus.MaxRounds < 1 {
		return fmt.Errorf("consensus.max_rounds must be at least 1, got %d", cfg.Consensus.MaxRounds)
	}
	if cfg.Condensation.Entries <= 0 {
		return fmt.Errorf("condensation.entries must be greater than 0, got %d", cfg.Condensation.Entries)
	}
	if cfg.Condensation.RatioThreshold <= 0 || cfg.Condensation.RatioThreshold > 1 {
		return fmt.Errorf("condensation.ratio_threshold must be in (0, 1], got %v", cfg.Condensation.RatioThreshold)
	}
	if cfg.Condensation.OutputFloor < 1 {
		return fmt.Errorf("condensation.output_floor must be positive")
	}

	switch cfg.Persistence.Driver {
	case PersistenceDriverSQLite, PersistenceDriverNone:
	case PersistenceDriverRedis:
		if cfg.Persistence.Redis.Address == "" {
			return fmt.Errorf("persistence.redis.address is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown persistence driver %q", cfg.Persistence.Driver)
	}

	if len(cfg.Events.Kafka.Brokers) > 0 && cfg.Events.Kafka.Topic == "" {
		return fmt.Errorf("events.kafka.topic is required when brokers are set")
	}

	switch cfg.Logging.Format {
	case LogFormatAuto, LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("unknown logging.format %q", cfg.Logging.Format)
	}
	return nil
}

// GetAPIKey resolves the credential (or host URL for ollama) for a pool member.
func GetAPIKey(m *ModelConfig) (string, error) {
	if m.Provider == ProviderOllama {
		if m.Host != "" {
			return m.Host, nil
		}
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		return "http://localhost:11434", nil
	}

	envVar := m.APIKeyEnv
	if envVar == "" {
		switch m.Provider {
		case ProviderAnthropic:
			envVar = EnvAnthropicAPIKey
		case ProviderOpenAI:
			envVar = EnvOpenAIAPIKey
		case ProviderGoogle:
			envVar = EnvGoogleAPIKey
		default:
			return "", fmt.Errorf("unknown provider: %s", m.Provider)
		}
	}

	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: %s is not set", envVar)
}
