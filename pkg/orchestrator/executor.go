package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// Execution defaults. MaxConcurrency and TaskTimeout line up with the
// configuration defaults; options override them per call.
const (
	defaultMaxConcurrency = 3
	defaultTaskTimeout    = 120 * time.Second
)

// SubTaskRunner executes one sub-task and returns its result. The index is
// the sub-task's position in the decomposition.
type SubTaskRunner func(ctx context.Context, index int, def models.SubTaskDef) (*models.TaskResult, error)

// SubTaskOutcome is the per-sub-task record produced by ExecuteGraph.
type SubTaskOutcome struct {
	Index   int                `json:"index"`
	Level   int                `json:"level"`
	Def     models.SubTaskDef  `json:"def"`
	Result  *models.TaskResult `json:"result,omitempty"`
	Err     error              `json:"-"`
	Skipped bool               `json:"skipped,omitempty"`
}

// Failed reports whether the sub-task ended unsuccessfully, counting
// skips as failures for dependency propagation.
func (o SubTaskOutcome) Failed() bool {
	if o.Skipped || o.Err != nil {
		return true
	}
	return o.Result == nil || !o.Result.Success
}

// ExecOptions tunes graph execution.
type ExecOptions struct {
	// MaxConcurrency bounds sub-tasks in flight within one level.
	MaxConcurrency int
	// TaskTimeout bounds a single sub-task execution.
	TaskTimeout time.Duration
	// ContinueOnError keeps later levels running after a failure. When
	// false the first failing level aborts the rest; sub-tasks already
	// running are left to finish.
	ContinueOnError *bool

	OnProgress      func(completed, total int, outcome SubTaskOutcome)
	OnLevelStart    func(level, count int)
	OnLevelComplete func(level int, outcomes []SubTaskOutcome)
}

// ExecStats summarises one graph execution.
type ExecStats struct {
	Total              int           `json:"total"`
	Successful         int           `json:"successful"`
	Failed             int           `json:"failed"`
	Skipped            int           `json:"skipped"`
	Levels             int           `json:"levels"`
	ParallelEfficiency float64       `json:"parallel_efficiency"`
	TotalTime          time.Duration `json:"total_time"`
}

func (o ExecOptions) withDefaults() ExecOptions {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = defaultMaxConcurrency
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = defaultTaskTimeout
	}
	if o.ContinueOnError == nil {
		cont := true
		o.ContinueOnError = &cont
	}
	return o
}

// layerGraph partitions sub-tasks into dependency levels with Kahn's
// algorithm: level 0 has no dependencies, level n depends only on levels
// below n. A round that settles no task means a cycle.
func layerGraph(defs []models.SubTaskDef) ([][]int, error) {
	placed := make([]int, len(defs))
	for i := range placed {
		placed[i] = -1
	}

	var levels [][]int
	remaining := len(defs)
	for remaining > 0 {
		var level []int
		for i, def := range defs {
			if placed[i] >= 0 {
				continue
			}
			ready := true
			for _, dep := range def.Dependencies {
				if dep < 0 || dep >= len(defs) {
					return nil, fmt.Errorf("sub-task %d depends on out-of-range index %d", i, dep)
				}
				if placed[dep] < 0 {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, i)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("dependency cycle among %d remaining sub-tasks", remaining)
		}
		for _, i := range level {
			placed[i] = len(levels)
		}
		levels = append(levels, level)
		remaining -= len(level)
	}
	return levels, nil
}

// orderLevel sorts a level's indices for kick-off: higher priority first,
// input order as the tie-breaker.
func orderLevel(defs []models.SubTaskDef, level []int) {
	sort.SliceStable(level, func(a, b int) bool {
		return defs[level[a]].Priority > defs[level[b]].Priority
	})
}

// ExecuteGraph runs the decomposition level by level. Sub-tasks within a
// level run concurrently up to MaxConcurrency; a sub-task whose
// dependency failed or was skipped is marked SKIPPED without running.
func ExecuteGraph(ctx context.Context, defs []models.SubTaskDef, runner SubTaskRunner, opts ExecOptions) ([]SubTaskOutcome, ExecStats, error) {
	opts = opts.withDefaults()
	start := time.Now()

	levels, err := layerGraph(defs)
	if err != nil {
		return nil, ExecStats{}, err
	}

	outcomes := make([]SubTaskOutcome, len(defs))
	for i, def := range defs {
		outcomes[i] = SubTaskOutcome{Index: i, Def: def}
	}

	completed := 0
	aborted := false
	for levelNum, level := range levels {
		if aborted {
			break
		}
		orderLevel(defs, level)
		if opts.OnLevelStart != nil {
			opts.OnLevelStart(levelNum, len(level))
		}

		// Skips settle before anything launches: dependencies live in lower
		// levels, already final, and no goroutine of this level runs yet, so
		// the completed counter needs no lock here.
		runnable := make([]int, 0, len(level))
		for _, idx := range level {
			outcomes[idx].Level = levelNum

			if depIdx, blocked := blockedBy(defs[idx], outcomes); blocked {
				outcomes[idx].Skipped = true
				outcomes[idx].Result = models.FailedResult(models.NewTaskError(
					models.ErrCodeSkipped, false,
					"skipped: dependency %d did not succeed", depIdx))
				completed++
				notifyProgress(opts, completed, len(defs), outcomes[idx])
				continue
			}
			runnable = append(runnable, idx)
		}

		var (
			wg  sync.WaitGroup
			sem = make(chan struct{}, opts.MaxConcurrency)
			mu  sync.Mutex
		)
		for _, idx := range runnable {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int) {
				defer wg.Done()
				defer func() { <-sem }()

				subCtx, cancel := context.WithTimeout(ctx, opts.TaskTimeout)
				defer cancel()

				result, err := runner(subCtx, idx, defs[idx])
				mu.Lock()
				outcomes[idx].Result = result
				outcomes[idx].Err = err
				completed++
				done := completed
				mu.Unlock()
				notifyProgress(opts, done, len(defs), outcomes[idx])
			}(idx)
		}
		wg.Wait()

		levelOutcomes := make([]SubTaskOutcome, 0, len(level))
		levelFailed := false
		for _, idx := range level {
			levelOutcomes = append(levelOutcomes, outcomes[idx])
			if outcomes[idx].Failed() {
				levelFailed = true
			}
		}
		if opts.OnLevelComplete != nil {
			opts.OnLevelComplete(levelNum, levelOutcomes)
		}
		if levelFailed && !*opts.ContinueOnError {
			aborted = true
		}
		if ctx.Err() != nil {
			aborted = true
		}
	}

	// Anything still unvisited after an abort is skipped.
	if aborted {
		for i := range outcomes {
			if outcomes[i].Result == nil && outcomes[i].Err == nil && !outcomes[i].Skipped {
				outcomes[i].Skipped = true
				outcomes[i].Result = models.FailedResult(models.NewTaskError(
					models.ErrCodeSkipped, false, "skipped: execution aborted"))
			}
		}
	}

	stats := summariseOutcomes(outcomes, len(levels), time.Since(start))
	return outcomes, stats, nil
}

// blockedBy returns the index of the first failed or skipped dependency.
func blockedBy(def models.SubTaskDef, outcomes []SubTaskOutcome) (int, bool) {
	for _, dep := range def.Dependencies {
		if outcomes[dep].Failed() {
			return dep, true
		}
	}
	return 0, false
}

func notifyProgress(opts ExecOptions, completed, total int, outcome SubTaskOutcome) {
	if opts.OnProgress != nil {
		opts.OnProgress(completed, total, outcome)
	}
}

func summariseOutcomes(outcomes []SubTaskOutcome, levels int, elapsed time.Duration) ExecStats {
	stats := ExecStats{Total: len(outcomes), Levels: levels, TotalTime: elapsed}
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			stats.Skipped++
		case o.Failed():
			stats.Failed++
		default:
			stats.Successful++
		}
	}
	if levels > 0 {
		stats.ParallelEfficiency = float64(len(outcomes)) / float64(levels)
	}
	return stats
}
