package agent

import (
	"context"
	"log/slog"
	"sort"

	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/tools"
)

// Coder writes code. It snapshots the files named in the task context
// before the first write; when the run errors, every snapshot is
// restored and files created during the run are deleted.
type Coder struct {
	*BaseAgent
	snapshots *fileSnapshots
}

// NewCoder builds the coding agent.
func NewCoder(deps Deps) *Coder {
	c := &Coder{snapshots: newFileSnapshots(deps.FS)}

	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	registerWriteTools(r, deps.FS, c.beforeTouch, c.beforeTouch)
	if deps.Analyzer != nil {
		registerAnalysisTools(r, deps.FS, deps.Analyzer.Analyze)
	}

	c.BaseAgent = NewBaseAgent(Config{
		Kind:        KindCoder,
		Name:        "Coder",
		Description: "Implements code changes with rollback on error",
		SystemPrompt: "You implement code changes. Read the relevant files, " +
			"then write the required modifications. Keep changes minimal and focused.",
		Capabilities: []string{"read", "write", "design", "inspect", "integration"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
	}, deps.Oracle, r, deps.executor(r))
	c.BaseAgent.preRun = c.snapshotContext
	c.BaseAgent.postRun = c.settle
	return c
}

func (c *Coder) beforeTouch(ctx context.Context, path string) error {
	if err := c.snapshots.capture(ctx, path); err != nil {
		return err
	}
	c.snapshots.markWritten(path)
	return nil
}

// snapshotContext captures the files the task references before any
// write can happen.
func (c *Coder) snapshotContext(ctx context.Context, task *models.Task) error {
	c.snapshots.reset()
	if task.Context == nil {
		return nil
	}
	for _, path := range task.Context.Files {
		if err := c.snapshots.capture(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// settle rolls the workspace back on error, or attaches the touched
// files as artifacts on success.
func (c *Coder) settle(ctx context.Context, task *models.Task, result *models.TaskResult, runErr error) (*models.TaskResult, error) {
	if runErr != nil {
		if restoreErr := c.snapshots.restore(ctx); restoreErr != nil {
			slog.Error("Coder rollback failed", "task_id", task.ID, "error", restoreErr)
		} else {
			slog.Info("Coder rolled back workspace", "task_id", task.ID)
		}
		return result, runErr
	}
	if result != nil && result.Success {
		artifacts := c.snapshots.writtenPaths()
		sort.Strings(artifacts)
		result.Artifacts = append(result.Artifacts, artifacts...)
	}
	return result, nil
}
