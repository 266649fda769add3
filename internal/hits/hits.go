package hits

import (
	"sync"

	"github.com/mkoll/filtercore/api"
	"github.com/mkoll/filtercore/internal/rules"
)

// Recorder is the rule-hit recording collaborator. Every rule flushed by the
// request tracker is reported here once.
type Recorder interface {
	RecordRuleHit(tab *api.TabInfo, rule *rules.Rule, url string)
}

// Counter is an in-memory Recorder that aggregates hit counts per rule text.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int
	total  int
}

// NewCounter creates an empty hit counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int)}
}

func (c *Counter) RecordRuleHit(_ *api.TabInfo, rule *rules.Rule, _ string) {
	if rule == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[rule.Text]++
	c.total++
}

// Count returns the hit count for a rule text.
func (c *Counter) Count(ruleText string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ruleText]
}

// Total returns the total number of recorded hits.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
