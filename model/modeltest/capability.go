// Package modeltest provides scripted model capabilities for tests. A
// scripted capability replays a fixed sequence of responses; programmable
// variants synthesize tool requests on the fly to exercise quota and
// deduplication paths without a live provider.
package modeltest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradegraph/tradegraph/model"
)

// Scripted replays a fixed sequence of responses, one per Invoke call. Once
// the script is exhausted it keeps returning the last response, so agents
// that re-enter after tool results still terminate.
type Scripted struct {
	mu        sync.Mutex
	responses []*model.Response
	calls     int
	// Delay is applied before each response to simulate provider latency.
	Delay time.Duration
}

// NewScripted constructs a scripted capability from the given responses.
func NewScripted(responses ...*model.Response) *Scripted {
	return &Scripted{responses: responses}
}

// Invoke implements model.Capability.
func (s *Scripted) Invoke(ctx context.Context, _ []model.Message, _ []model.ToolDefinition) (*model.Response, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return &model.Response{Text: "no script"}, nil
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

// Calls returns how many times the capability was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Final builds a final-text response.
func Final(text string) *model.Response {
	return &model.Response{Text: text}
}

var (
	requestSeq   int64
	requestSeqMu sync.Mutex
)

// Request builds a response containing one tool invocation request.
// Correlation ids are derived from the tool name and a process-wide counter
// so tests remain deterministic and ids never collide.
func Request(name string, args map[string]any) *model.Response {
	requestSeqMu.Lock()
	requestSeq++
	id := fmt.Sprintf("call-%s-%d", name, requestSeq)
	requestSeqMu.Unlock()
	return &model.Response{ToolCalls: []model.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

// Requests builds a response containing several tool invocation requests.
func Requests(calls ...model.ToolCall) *model.Response {
	return &model.Response{ToolCalls: calls}
}

// GreedyCaller keeps requesting the same tool with varying arguments until
// the channel shows a refusal, then emits a final report. It exercises quota
// exhaustion: the argument cursor increments on every invocation so each
// request is distinct.
type GreedyCaller struct {
	// Tool is the tool name to request.
	Tool string
	// ArgKey is the argument field to vary.
	ArgKey string
	// BaseArgs is merged into every request, e.g. schema-required fields.
	BaseArgs map[string]any
	// FinalText is the report emitted once the quota refusal is observed.
	FinalText string

	mu     sync.Mutex
	cursor int
}

// Invoke implements model.Capability.
func (g *GreedyCaller) Invoke(_ context.Context, messages []model.Message, _ []model.ToolDefinition) (*model.Response, error) {
	for _, m := range messages {
		if m.Role == model.RoleTool && containsQuotaRefusal(m.Content) {
			text := g.FinalText
			if text == "" {
				text = "report from partial data"
			}
			return &model.Response{Text: text}, nil
		}
	}
	g.mu.Lock()
	g.cursor++
	cursor := g.cursor
	g.mu.Unlock()
	args := map[string]any{g.ArgKey: fmt.Sprintf("v%d", cursor)}
	for k, v := range g.BaseArgs {
		args[k] = v
	}
	return Request(g.Tool, args), nil
}

func containsQuotaRefusal(content string) bool {
	return strings.Contains(content, "quota exhausted") || strings.Contains(content, "quota_exhausted")
}

// Sleeper blocks for the configured duration or until the context is
// cancelled, then returns a final text. It exercises deadline handling.
type Sleeper struct {
	Sleep time.Duration
	Text  string
}

// Invoke implements model.Capability.
func (s *Sleeper) Invoke(ctx context.Context, _ []model.Message, _ []model.ToolDefinition) (*model.Response, error) {
	select {
	case <-time.After(s.Sleep):
		return &model.Response{Text: s.Text}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Failing always returns the configured error.
type Failing struct {
	Err error
}

// Invoke implements model.Capability.
func (f *Failing) Invoke(context.Context, []model.Message, []model.ToolDefinition) (*model.Response, error) {
	return nil, f.Err
}
