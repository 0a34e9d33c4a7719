package config

import "errors"

// validDryRunCategories mirrors the side-effect categories the dry-run
// manager understands.
var validDryRunCategories = map[string]bool{
	"file_write":      true,
	"file_delete":     true,
	"shell_command":   true,
	"git_operation":   true,
	"package_install": true,
	"server_start":    true,
	"server_stop":     true,
	"network":         true,
}

// Validate checks the configuration for internally consistent values.
// All violations are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxConcurrency < 1 {
		errs = append(errs, newValidationError("maxConcurrency", "must be >= 1, got %d", c.MaxConcurrency))
	}
	if c.TaskTimeoutMs <= 0 {
		errs = append(errs, newValidationError("taskTimeoutMs", "must be positive, got %d", c.TaskTimeoutMs))
	}
	if c.MaxDecompositionDepth != 5 {
		errs = append(errs, newValidationError("maxDecompositionDepth", "is fixed at 5, got %d", c.MaxDecompositionDepth))
	}

	if c.Circuit.FailureThreshold < 1 {
		errs = append(errs, newValidationError("circuit.failureThreshold", "must be >= 1, got %d", c.Circuit.FailureThreshold))
	}
	if c.Circuit.CooldownMs <= 0 {
		errs = append(errs, newValidationError("circuit.cooldownMs", "must be positive, got %d", c.Circuit.CooldownMs))
	}

	if c.Checkpoint.IntervalMs <= 0 {
		errs = append(errs, newValidationError("checkpoint.intervalMs", "must be positive, got %d", c.Checkpoint.IntervalMs))
	}
	if c.Checkpoint.ProgressThreshold <= 0 || c.Checkpoint.ProgressThreshold > 1 {
		errs = append(errs, newValidationError("checkpoint.progressThreshold", "must be in (0, 1], got %g", c.Checkpoint.ProgressThreshold))
	}
	if c.Checkpoint.TokenThreshold <= 0 {
		errs = append(errs, newValidationError("checkpoint.tokenThreshold", "must be positive, got %d", c.Checkpoint.TokenThreshold))
	}

	if c.Retention.TaskMs <= 0 {
		errs = append(errs, newValidationError("retention.taskMs", "must be positive, got %d", c.Retention.TaskMs))
	}
	if c.Retention.CheckpointMs <= 0 {
		errs = append(errs, newValidationError("retention.checkpointMs", "must be positive, got %d", c.Retention.CheckpointMs))
	}
	if c.Retention.DLQMs <= 0 {
		errs = append(errs, newValidationError("retention.dlqMs", "must be positive, got %d", c.Retention.DLQMs))
	}

	switch c.ExecutionMode {
	case ModePlan, ModeExecute, ModeStrict:
	default:
		errs = append(errs, newValidationError("executionMode", "must be plan, execute or strict, got %q", c.ExecutionMode))
	}

	for _, cat := range c.DryRun.Categories {
		if !validDryRunCategories[cat] {
			errs = append(errs, newValidationError("dryRun.categories", "unknown category %q", cat))
		}
	}

	if c.Queue.WorkerCount < 1 {
		errs = append(errs, newValidationError("queue.workerCount", "must be >= 1, got %d", c.Queue.WorkerCount))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, newValidationError("queue.maxRetries", "must be >= 0, got %d", c.Queue.MaxRetries))
	}

	if c.Agent.MaxSteps < 1 {
		errs = append(errs, newValidationError("agent.maxSteps", "must be >= 1, got %d", c.Agent.MaxSteps))
	}
	if c.Agent.MaxMessages < 2 {
		errs = append(errs, newValidationError("agent.maxMessages", "must be >= 2, got %d", c.Agent.MaxMessages))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, newValidationError("server.port", "must be in [1, 65535], got %d", c.Server.Port))
	}

	if c.Oracle.BaseURL == "" {
		errs = append(errs, newValidationError("oracle.baseUrl", "must not be empty"))
	}
	if c.Oracle.Model == "" {
		errs = append(errs, newValidationError("oracle.model", "must not be empty"))
	}

	return errors.Join(errs...)
}
