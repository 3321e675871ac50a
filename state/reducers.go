package state

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/tradegraph/tradegraph/model"
)

// ChannelBound is the maximum number of messages retained per analyst
// channel. System messages survive trimming.
const ChannelBound = 50

// MessageKey is the dedup identity of a channel message: role and content,
// extended with tool correlation data so distinct tool exchanges with equal
// text never collapse into one another.
func MessageKey(m model.Message) string {
	var b strings.Builder
	b.WriteString(string(m.Role))
	b.WriteByte('|')
	b.WriteString(m.Content)
	b.WriteByte('|')
	b.WriteString(m.ToolCallID)
	for _, call := range m.ToolCalls {
		b.WriteByte('|')
		b.WriteString(call.ID)
		b.WriteByte(':')
		b.WriteString(call.Name)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ReduceChannel appends incoming messages to a channel, dropping duplicates,
// then trims to ChannelBound keeping the most recent messages and preserving
// any system message. Appending an empty patch returns the channel unchanged.
func ReduceChannel(current, incoming []model.Message) []model.Message {
	if len(incoming) == 0 {
		return current
	}
	seen := make(map[string]struct{}, len(current)+len(incoming))
	merged := make([]model.Message, 0, len(current)+len(incoming))
	for _, m := range current {
		key := MessageKey(m)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range incoming {
		key := MessageKey(m)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, m)
	}
	return trimChannel(merged)
}

// trimChannel bounds a channel to ChannelBound messages, keeping system
// messages plus the most recent remainder.
func trimChannel(msgs []model.Message) []model.Message {
	if len(msgs) <= ChannelBound {
		return msgs
	}
	var system []model.Message
	var rest []model.Message
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	keep := ChannelBound - len(system)
	if keep < 0 {
		keep = 0
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	return append(system, rest...)
}

// ReduceReport merges a report write: first writer wins when values match,
// and on conflict the longer value wins with the incoming write breaking
// length ties (latest write).
func ReduceReport(current, incoming string) string {
	if incoming == "" {
		return current
	}
	if current == "" || current == incoming {
		return incoming
	}
	if len(incoming) >= len(current) {
		return incoming
	}
	return current
}

// LedgerSnapshot mirrors the invoker's per-agent tool-call accounting in the
// run state: analyst → tool → argument hashes, plus a running total per
// analyst.
type LedgerSnapshot struct {
	// Calls maps analyst kind to tool name to sorted argument hashes.
	Calls map[string]map[string][]string
	// Totals maps analyst kind to its distinct recorded call count.
	Totals map[string]int
}

// NewLedgerSnapshot constructs an empty snapshot.
func NewLedgerSnapshot() LedgerSnapshot {
	return LedgerSnapshot{
		Calls:  make(map[string]map[string][]string),
		Totals: make(map[string]int),
	}
}

// ForAgent builds a snapshot carrying one agent's calls, for use in a patch.
func ForAgent(agent string, calls map[string][]string) LedgerSnapshot {
	snap := NewLedgerSnapshot()
	snap.Calls[agent] = calls
	total := 0
	for _, hashes := range calls {
		total += len(hashes)
	}
	snap.Totals[agent] = total
	return snap
}

// ReduceLedger merges two snapshots by monotonic union: every (agent, tool,
// hash) present in either side is present in the result, and totals equal the
// distinct pair counts.
func ReduceLedger(current, incoming LedgerSnapshot) LedgerSnapshot {
	out := NewLedgerSnapshot()
	for _, src := range []LedgerSnapshot{current, incoming} {
		for agent, byTool := range src.Calls {
			dst, ok := out.Calls[agent]
			if !ok {
				dst = make(map[string][]string)
				out.Calls[agent] = dst
			}
			for tool, hashes := range byTool {
				dst[tool] = unionSorted(dst[tool], hashes)
			}
		}
	}
	for agent, byTool := range out.Calls {
		total := 0
		for _, hashes := range byTool {
			total += len(hashes)
		}
		out.Totals[agent] = total
	}
	return out
}

func (l LedgerSnapshot) clone() LedgerSnapshot {
	out := NewLedgerSnapshot()
	for agent, byTool := range l.Calls {
		dst := make(map[string][]string, len(byTool))
		for tool, hashes := range byTool {
			dst[tool] = append([]string(nil), hashes...)
		}
		out.Calls[agent] = dst
	}
	for agent, total := range l.Totals {
		out.Totals[agent] = total
	}
	return out
}

// Count returns the distinct recorded call count for an agent.
func (l LedgerSnapshot) Count(agent string) int { return l.Totals[agent] }

// unionSorted merges two sorted-or-unsorted hash lists into a sorted,
// duplicate-free list.
func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, h := range a {
		set[h] = struct{}{}
	}
	for _, h := range b {
		set[h] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// appendDedup appends items to list, skipping exact duplicates already
// present. Shared by the debate history reducers.
func appendDedup(list, items []string) []string {
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		seen[s] = struct{}{}
	}
	for _, s := range items {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		list = append(list, s)
	}
	return list
}
