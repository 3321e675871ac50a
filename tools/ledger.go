package tools

import (
	"sort"
	"sync"
)

// Ledger records accepted tool invocations per agent: which (tool, arg-hash)
// pairs have been served and how many distinct calls each agent has spent.
// The invoker consults it for quota and duplicate checks and records entries
// only after a handler succeeds, so a failed call never burns budget.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]map[string]map[string]struct{} // agent → tool → hash set
	totals  map[string]int
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]map[string]map[string]struct{}),
		totals:  make(map[string]int),
	}
}

// Seen reports whether the (tool, hash) pair was already recorded for agent.
func (l *Ledger) Seen(agent, tool, hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	hashes, ok := l.entries[agent][tool]
	if !ok {
		return false
	}
	_, seen := hashes[hash]
	return seen
}

// Count returns the number of distinct recorded calls for agent across all
// tools.
func (l *Ledger) Count(agent string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[agent]
}

// Record adds a (tool, hash) entry for agent. Recording an existing pair is
// a no-op so the count stays equal to the number of distinct pairs.
func (l *Ledger) Record(agent, tool, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byTool, ok := l.entries[agent]
	if !ok {
		byTool = make(map[string]map[string]struct{})
		l.entries[agent] = byTool
	}
	hashes, ok := byTool[tool]
	if !ok {
		hashes = make(map[string]struct{})
		byTool[tool] = hashes
	}
	if _, dup := hashes[hash]; dup {
		return
	}
	hashes[hash] = struct{}{}
	l.totals[agent]++
}

// Snapshot returns agent's entries as tool → sorted hashes, suitable for
// merging into the run state under the monotonic-union reducer.
func (l *Ledger) Snapshot(agent string) map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	byTool, ok := l.entries[agent]
	if !ok {
		return map[string][]string{}
	}
	snap := make(map[string][]string, len(byTool))
	for tool, hashes := range byTool {
		list := make([]string, 0, len(hashes))
		for h := range hashes {
			list = append(list, h)
		}
		sort.Strings(list)
		snap[tool] = list
	}
	return snap
}
