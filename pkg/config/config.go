// Package config loads and validates the conductor.yaml configuration:
// environment expansion, defaults merge, and cross-field validation.
package config

import "time"

// ExecutionMode controls how tool permission checks behave at runtime.
type ExecutionMode string

const (
	// ModePlan allows read-only tools and denies side effects.
	ModePlan ExecutionMode = "plan"
	// ModeExecute allows all registered tools.
	ModeExecute ExecutionMode = "execute"
	// ModeStrict requires explicit approval for side-effecting tools.
	ModeStrict ExecutionMode = "strict"
)

// Config is the umbrella configuration object returned by Initialize()
// and injected throughout the service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Queue   QueueConfig   `yaml:"queue"`
	Agent   AgentConfig   `yaml:"agent"`

	// MaxConcurrency bounds sub-tasks in flight within one decomposition level.
	MaxConcurrency int `yaml:"maxConcurrency"`

	// TaskTimeoutMs bounds a single delegated sub-task execution.
	TaskTimeoutMs int `yaml:"taskTimeoutMs"`

	// MaxDecompositionDepth is fixed at 5. It is surfaced here so operators
	// see the limit; overriding it is a validation error.
	MaxDecompositionDepth int `yaml:"maxDecompositionDepth"`

	Circuit    CircuitConfig    `yaml:"circuit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Retention  RetentionConfig  `yaml:"retention"`

	ExecutionMode ExecutionMode `yaml:"executionMode"`
	DryRun        DryRunConfig  `yaml:"dryRun"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the persistence backend. Open policy: postgres when
// a DSN is set, else sqlite at Path, else in-memory.
type StorageConfig struct {
	// PostgresDSN enables the postgres backend when non-empty.
	// Typically set via {{.CONDUCTOR_DATABASE_URL}} expansion.
	PostgresDSN string `yaml:"postgresDsn"`
	// SQLitePath is the fallback file-backed store.
	SQLitePath string `yaml:"sqlitePath"`
}

// OracleConfig configures the decision-oracle client (OpenAI-compatible).
type OracleConfig struct {
	BaseURL string `yaml:"baseUrl"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv   string  `yaml:"apiKeyEnv"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"maxTokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMs   int     `yaml:"timeoutMs"`
}

// QueueConfig contains worker pool configuration for claiming pending tasks.
type QueueConfig struct {
	WorkerCount         int `yaml:"workerCount"`
	PollIntervalMs      int `yaml:"pollIntervalMs"`
	HeartbeatIntervalMs int `yaml:"heartbeatIntervalMs"`
	// MaxRetries before a failed task is enrolled in the dead-letter queue.
	MaxRetries                int `yaml:"maxRetries"`
	GracefulShutdownTimeoutMs int `yaml:"gracefulShutdownTimeoutMs"`
}

// AgentConfig bounds the generic agent loop.
type AgentConfig struct {
	MaxSteps    int `yaml:"maxSteps"`
	MaxMessages int `yaml:"maxMessages"`
	// TokenBudget is the context budget handed to the compressor before
	// each oracle call.
	TokenBudget int `yaml:"tokenBudget"`
}

// CircuitConfig tunes the per-agent circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	CooldownMs       int `yaml:"cooldownMs"`
}

// CheckpointConfig tunes the checkpoint scheduler triggers.
type CheckpointConfig struct {
	IntervalMs        int     `yaml:"intervalMs"`
	ProgressThreshold float64 `yaml:"progressThreshold"`
	TokenThreshold    int     `yaml:"tokenThreshold"`
}

// RetentionConfig controls periodic cleanup of persisted entities.
type RetentionConfig struct {
	TaskMs       int64 `yaml:"taskMs"`
	CheckpointMs int64 `yaml:"checkpointMs"`
	DLQMs        int64 `yaml:"dlqMs"`
	// CleanupIntervalMs is how often the cleanup loop runs.
	CleanupIntervalMs int64 `yaml:"cleanupIntervalMs"`
}

// DryRunConfig configures side-effect simulation.
type DryRunConfig struct {
	Enabled           bool `yaml:"enabled"`
	BlockIrreversible bool `yaml:"blockIrreversible"`
	// Categories restricts simulation to the named side-effect categories.
	// Empty means all categories.
	Categories []string `yaml:"categories"`
}

// Default returns the built-in configuration. User YAML is merged on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Storage: StorageConfig{
			SQLitePath: "conductor.db",
		},
		Oracle: OracleConfig{
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "gpt-4o",
			MaxTokens:   4096,
			Temperature: 0.2,
			TimeoutMs:   60_000,
		},
		Queue: QueueConfig{
			WorkerCount:               3,
			PollIntervalMs:            1_000,
			HeartbeatIntervalMs:       5_000,
			MaxRetries:                3,
			GracefulShutdownTimeoutMs: 30_000,
		},
		Agent: AgentConfig{
			MaxSteps:    20,
			MaxMessages: 50,
			TokenBudget: 100_000,
		},
		MaxConcurrency:        3,
		TaskTimeoutMs:         120_000,
		MaxDecompositionDepth: 5,
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			CooldownMs:       60_000,
		},
		Checkpoint: CheckpointConfig{
			IntervalMs:        30_000,
			ProgressThreshold: 0.10,
			TokenThreshold:    10_000,
		},
		Retention: RetentionConfig{
			TaskMs:            7 * 24 * int64(time.Hour/time.Millisecond),
			CheckpointMs:      24 * int64(time.Hour/time.Millisecond),
			DLQMs:             24 * int64(time.Hour/time.Millisecond),
			CleanupIntervalMs: int64(time.Hour / time.Millisecond),
		},
		ExecutionMode: ModeExecute,
		DryRun: DryRunConfig{
			Enabled:           false,
			BlockIrreversible: true,
		},
	}
}

// TaskTimeout returns TaskTimeoutMs as a duration.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// Cooldown returns the circuit cooldown as a duration.
func (c *CircuitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// Interval returns the checkpoint interval as a duration.
func (c *CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// TaskMaxAge returns the task retention window as a duration.
func (c *RetentionConfig) TaskMaxAge() time.Duration {
	return time.Duration(c.TaskMs) * time.Millisecond
}

// CheckpointMaxAge returns the checkpoint retention window as a duration.
func (c *RetentionConfig) CheckpointMaxAge() time.Duration {
	return time.Duration(c.CheckpointMs) * time.Millisecond
}

// DLQMaxAge returns the dead-letter retention window as a duration.
func (c *RetentionConfig) DLQMaxAge() time.Duration {
	return time.Duration(c.DLQMs) * time.Millisecond
}

// CleanupInterval returns the cleanup loop interval as a duration.
func (c *RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// PollInterval returns the queue poll interval as a duration.
func (c *QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the worker heartbeat interval as a duration.
func (c *QueueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// GracefulShutdownTimeout returns the shutdown grace period as a duration.
func (c *QueueConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutMs) * time.Millisecond
}

// Timeout returns the oracle request timeout as a duration.
func (c *OracleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
