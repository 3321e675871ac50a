package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegraph/tradegraph/state"
)

func testState() *state.State {
	return state.New("AAPL", time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC))
}

func reportPatch(field, text string) NodeFunc {
	return func(context.Context, *state.State) (Result, error) {
		return Result{Patch: state.Patch{field: text}}, nil
	}
}

func TestSchedulerLinearPipeline(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("a", reportPatch(state.FieldMarketReport, "market")))
	require.NoError(t, g.AddNode("b", reportPatch(state.FieldNewsReport, "news")))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetStart("a"))

	st := NewScheduler(g, SchedulerOptions{}).Execute(context.Background(), testState())
	assert.Equal(t, "market", st.Report(state.AnalystMarket))
	assert.Equal(t, "news", st.Report(state.AnalystNews))
	require.Len(t, st.Trace, 2)
	assert.Equal(t, "a", st.Trace[0].Node)
	assert.Equal(t, "b", st.Trace[1].Node)
	assert.Equal(t, state.TraceSuccess, st.Trace[0].Status)
}

func TestSchedulerParallelFanOut(t *testing.T) {
	g := New()
	var mu sync.Mutex
	var concurrent, peak int

	slowNode := func(field string) NodeFunc {
		return func(context.Context, *state.State) (Result, error) {
			mu.Lock()
			concurrent++
			if concurrent > peak {
				peak = concurrent
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			concurrent--
			mu.Unlock()
			return Result{Patch: state.Patch{field: "done"}}, nil
		}
	}

	require.NoError(t, g.AddNode("dispatch", func(context.Context, *state.State) (Result, error) {
		return Result{}, nil
	}))
	require.NoError(t, g.AddNode("m", slowNode(state.FieldMarketReport)))
	require.NoError(t, g.AddNode("n", slowNode(state.FieldNewsReport)))
	require.NoError(t, g.AddNode("s", slowNode(state.FieldSentimentReport)))
	require.NoError(t, g.AddNode("f", slowNode(state.FieldFundamentalsReport)))
	for _, to := range []string{"m", "n", "s", "f"} {
		require.NoError(t, g.AddEdge("dispatch", to))
	}
	require.NoError(t, g.SetStart("dispatch"))

	st := NewScheduler(g, SchedulerOptions{MaxParallel: 4}).Execute(context.Background(), testState())
	assert.Greater(t, peak, 1, "analyst branches should overlap")
	assert.Len(t, st.Trace, 5)
	for _, kind := range state.AnalystKinds() {
		assert.Equal(t, "done", st.Report(kind))
	}
}

func TestSchedulerConcurrencyBound(t *testing.T) {
	g := New()
	var concurrent, peak int64

	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, g.AddNode(name, func(context.Context, *state.State) (Result, error) {
			cur := atomic.AddInt64(&concurrent, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&concurrent, -1)
			return Result{}, nil
		}))
	}
	require.NoError(t, g.AddNode("root", func(context.Context, *state.State) (Result, error) {
		return Result{}, nil
	}))
	for _, to := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, g.AddEdge("root", to))
	}
	require.NoError(t, g.SetStart("root"))

	NewScheduler(g, SchedulerOptions{MaxParallel: 2}).Execute(context.Background(), testState())
	assert.LessOrEqual(t, peak, int64(2))
}

func TestSchedulerConditionalLoopTerminatesOnRecursionLimit(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("ping", func(context.Context, *state.State) (Result, error) {
		return Result{}, nil
	}))
	require.NoError(t, g.AddNode("pong", func(context.Context, *state.State) (Result, error) {
		return Result{}, nil
	}))
	require.NoError(t, g.AddEdge("ping", "pong"))
	require.NoError(t, g.AddEdge("pong", "ping"))
	require.NoError(t, g.SetStart("ping"))

	done := make(chan *state.State, 1)
	go func() {
		done <- NewScheduler(g, SchedulerOptions{RecursionLimit: 5}).Execute(context.Background(), testState())
	}()
	select {
	case st := <-done:
		// Each node ran at most the limit.
		counts := map[string]int{}
		for _, ev := range st.Trace {
			counts[ev.Node]++
		}
		assert.LessOrEqual(t, counts["ping"], 5)
		assert.LessOrEqual(t, counts["pong"], 5)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not terminate")
	}
}

func TestSchedulerDeadline(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("slow", func(ctx context.Context, _ *state.State) (Result, error) {
		select {
		case <-time.After(time.Minute):
			return Result{Patch: state.Patch{state.FieldMarketReport: "too late"}}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}))
	require.NoError(t, g.SetStart("slow"))

	started := time.Now()
	st := NewScheduler(g, SchedulerOptions{Deadline: 50 * time.Millisecond}).Execute(context.Background(), testState())
	assert.Less(t, time.Since(started), 5*time.Second)
	// The slow node's patch never committed.
	assert.Empty(t, st.Report(state.AnalystMarket))
	require.NotEmpty(t, st.Trace)
	assert.Contains(t, []state.TraceStatus{state.TraceTimeout, state.TraceCancelled}, st.Trace[0].Status)
}

func TestSchedulerNodeErrorDegrades(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("bad", func(context.Context, *state.State) (Result, error) {
		panic("agent exploded")
	}))
	require.NoError(t, g.AddNode("after", reportPatch(state.FieldNewsReport, "still ran")))
	require.NoError(t, g.AddEdge("bad", "after"))
	require.NoError(t, g.SetStart("bad"))

	st := NewScheduler(g, SchedulerOptions{}).Execute(context.Background(), testState())
	// Failed node's successors are not scheduled; trace records the failure.
	require.Len(t, st.Trace, 1)
	assert.Equal(t, state.TraceError, st.Trace[0].Status)
	assert.Empty(t, st.Report(state.AnalystNews))
}

func TestSchedulerOnceNodeNotRetriggeredByLateCompletions(t *testing.T) {
	g := New()
	traceCount := func(s *state.State, node string) int {
		n := 0
		for _, ev := range s.Trace {
			if ev.Node == node {
				n++
			}
		}
		return n
	}
	// worker loops on itself three times; its edge to the join is satisfied
	// from the very first completion, mimicking a monotonic barrier condition
	// that stays true while a branch keeps completing.
	require.NoError(t, g.AddNode("worker", func(context.Context, *state.State) (Result, error) {
		return Result{}, nil
	}))
	var joins int32
	require.NoError(t, g.AddOnceNode("join", func(context.Context, *state.State) (Result, error) {
		atomic.AddInt32(&joins, 1)
		return Result{}, nil
	}))
	require.NoError(t, g.AddConditionalEdge("worker", "worker", func(s *state.State) bool {
		return traceCount(s, "worker") < 3
	}))
	require.NoError(t, g.AddEdge("worker", "join"))
	require.NoError(t, g.SetStart("worker"))

	st := NewScheduler(g, SchedulerOptions{}).Execute(context.Background(), testState())
	assert.Equal(t, 3, traceCount(st, "worker"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&joins))
	assert.Equal(t, 1, traceCount(st, "join"))
}

func TestSchedulerJoinRunsOnceAfterAllBranches(t *testing.T) {
	g := New()
	var joins int32
	allDone := func(s *state.State) bool {
		for _, kind := range state.AnalystKinds() {
			if s.Report(kind) == "" {
				return false
			}
		}
		return true
	}
	require.NoError(t, g.AddNode("root", func(context.Context, *state.State) (Result, error) {
		return Result{}, nil
	}))
	for _, kind := range state.AnalystKinds() {
		field := state.ReportField(kind)
		require.NoError(t, g.AddNode(string(kind), reportPatch(field, "report for "+field)))
		require.NoError(t, g.AddEdge("root", string(kind)))
	}
	require.NoError(t, g.AddNode("join", func(context.Context, *state.State) (Result, error) {
		atomic.AddInt32(&joins, 1)
		return Result{}, nil
	}))
	for _, kind := range state.AnalystKinds() {
		require.NoError(t, g.AddConditionalEdge(string(kind), "join", allDone))
	}
	require.NoError(t, g.SetStart("root"))

	NewScheduler(g, SchedulerOptions{}).Execute(context.Background(), testState())
	assert.Equal(t, int32(1), atomic.LoadInt32(&joins))
}
