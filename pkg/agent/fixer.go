package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/tools"
)

// Fixer applies targeted fixes and verifies them. After a successful run
// that wrote files, the test runner is invoked on every modified file;
// when verification fails the result becomes a failure, and with
// rollback enabled the snapshots are restored first.
type Fixer struct {
	*BaseAgent
	tests     TestRunner
	snapshots *fileSnapshots
	rollback  bool
}

// NewFixer builds the fixing agent.
func NewFixer(deps Deps) *Fixer {
	f := &Fixer{
		tests:     deps.Tests,
		snapshots: newFileSnapshots(deps.FS),
		rollback:  deps.FixerRollback,
	}

	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	registerWriteTools(r, deps.FS, f.beforeTouch, f.beforeTouch)

	f.BaseAgent = NewBaseAgent(Config{
		Kind:        KindFixer,
		Name:        "Fixer",
		Description: "Applies targeted fixes and verifies them",
		SystemPrompt: "You fix a specific defect. Modify only what the fix " +
			"requires; the changes are verified afterwards.",
		Capabilities: []string{"read", "write", "verify"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
	}, deps.Oracle, r, deps.executor(r))
	f.BaseAgent.preRun = func(context.Context, *models.Task) error {
		f.snapshots.reset()
		return nil
	}
	f.BaseAgent.postRun = f.verify
	return f
}

func (f *Fixer) beforeTouch(ctx context.Context, path string) error {
	if err := f.snapshots.capture(ctx, path); err != nil {
		return err
	}
	f.snapshots.markWritten(path)
	return nil
}

// verify runs post-fix verification over the modified files.
func (f *Fixer) verify(ctx context.Context, task *models.Task, result *models.TaskResult, runErr error) (*models.TaskResult, error) {
	if runErr != nil || result == nil || !result.Success {
		return result, runErr
	}
	modified := f.snapshots.writtenPaths()
	if len(modified) == 0 || f.tests == nil {
		return result, nil
	}
	sort.Strings(modified)

	var failures []string
	for _, path := range modified {
		report, err := f.tests.RunTests(ctx, path)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		if report.Failed > 0 {
			failures = append(failures, fmt.Sprintf("%s: %d tests failed", path, report.Failed))
		}
	}
	if len(failures) == 0 {
		result.Artifacts = append(result.Artifacts, modified...)
		return result, nil
	}

	if f.rollback {
		if err := f.snapshots.restore(ctx); err != nil {
			slog.Error("Fixer rollback failed", "task_id", task.ID, "error", err)
		} else {
			slog.Info("Fixer rolled back after failed verification", "task_id", task.ID)
		}
	}
	taskErr := models.NewTaskError(models.ErrCodeAgentError, true,
		"post-fix verification failed: %s", strings.Join(failures, "; "))
	taskErr.Suggestion = "inspect the failing verifications and retry with a narrower fix"
	return models.FailedResult(taskErr), nil
}
