package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/conductor-runtime/conductor/pkg/agent"
	"github.com/conductor-runtime/conductor/pkg/models"
)

const (
	routingCacheSize = 512
	routingCacheTTL  = 15 * time.Minute
)

// CacheStats counts routing cache traffic.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// RoutingCache memoises oracle routing decisions keyed by a digest of the
// normalised prompt. Entries are only written for decisions that parsed
// and validated, and the whole cache is dropped whenever the agent
// registry changes, since a cached delegation may name an agent that is
// no longer registered.
type RoutingCache struct {
	agents *agent.Registry

	mu    sync.Mutex
	lru   *expirable.LRU[string, models.Decision]
	gen   uint64
	stats CacheStats
}

// NewRoutingCache builds a cache bound to the given agent registry.
func NewRoutingCache(agents *agent.Registry) *RoutingCache {
	return &RoutingCache{
		agents: agents,
		lru:    expirable.NewLRU[string, models.Decision](routingCacheSize, nil, routingCacheTTL),
		gen:    agents.Generation(),
	}
}

// routingKey digests the prompt after lowercasing and collapsing
// whitespace, so trivially reworded prompts share an entry.
func routingKey(prompt string) string {
	normalised := strings.ToLower(strings.Join(strings.Fields(prompt), " "))
	sum := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(sum[:])
}

// Get returns a copy of the cached decision for the prompt, if any.
func (c *RoutingCache) Get(prompt string) (*models.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen := c.agents.Generation(); gen != c.gen {
		c.lru.Purge()
		c.gen = gen
	}

	d, ok := c.lru.Get(routingKey(prompt))
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	copied := d
	copied.SubTasks = append([]models.SubTaskDef(nil), d.SubTasks...)
	if len(copied.SubTasks) == 0 {
		copied.SubTasks = nil
	}
	return &copied, true
}

// Put stores a validated decision for the prompt.
func (c *RoutingCache) Put(prompt string, d *models.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen := c.agents.Generation(); gen != c.gen {
		c.lru.Purge()
		c.gen = gen
	}
	c.lru.Add(routingKey(prompt), *d)
}

// Purge drops every entry.
func (c *RoutingCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns hit and miss counters.
func (c *RoutingCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len reports the number of live entries.
func (c *RoutingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
