package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/conductor-runtime/conductor/pkg/tools"
)

const (
	reviewMemoSize = 256
	reviewMemoTTL  = 10 * time.Minute
)

// ReviewerStats counts memo effectiveness.
type ReviewerStats struct {
	Hits   int `json:"hits"`
	Misses int `json:"misses"`
}

// Reviewer analyses code. Analysis results are memoised by
// (path, content hash) so re-reviewing unchanged files is free.
type Reviewer struct {
	*BaseAgent
	analyzer CodeAnalyzer
	memo     *expirable.LRU[string, string]

	mu    sync.Mutex
	stats ReviewerStats
}

// NewReviewer builds the reviewing agent.
func NewReviewer(deps Deps) *Reviewer {
	rv := &Reviewer{
		analyzer: deps.Analyzer,
		memo:     expirable.NewLRU[string, string](reviewMemoSize, nil, reviewMemoTTL),
	}

	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	registerAnalysisTools(r, deps.FS, rv.analyze)

	rv.BaseAgent = NewBaseAgent(Config{
		Kind:        KindReviewer,
		Name:        "Reviewer",
		Description: "Reviews code and reports findings",
		SystemPrompt: "You review code for correctness, clarity and risk. " +
			"Use the analysis tool on each file under review and summarise the findings.",
		Capabilities: []string{"read", "analysis"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
	}, deps.Oracle, r, deps.executor(r))
	return rv
}

func memoKey(path, content string) string {
	sum := sha256.Sum256([]byte(content))
	return path + ":" + hex.EncodeToString(sum[:])
}

// analyze consults the memo before the analyzer. A changed file hashes to
// a new key, so stale findings are never replayed.
func (rv *Reviewer) analyze(ctx context.Context, path, content string) (string, error) {
	key := memoKey(path, content)
	if finding, ok := rv.memo.Get(key); ok {
		rv.mu.Lock()
		rv.stats.Hits++
		rv.mu.Unlock()
		return finding, nil
	}

	finding, err := rv.analyzer.Analyze(ctx, path, content)
	if err != nil {
		return "", err
	}
	rv.memo.Add(key, finding)
	rv.mu.Lock()
	rv.stats.Misses++
	rv.mu.Unlock()
	return finding, nil
}

// MemoStats returns hit/miss counters.
func (rv *Reviewer) MemoStats() ReviewerStats {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return rv.stats
}
