package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/tradegraph/tradegraph/resilience"
	"github.com/tradegraph/tradegraph/state"
	"github.com/tradegraph/tradegraph/telemetry"
)

// SchedulerOptions bounds and instruments a run.
type SchedulerOptions struct {
	// MaxParallel caps concurrently executing nodes. Zero defaults to 4,
	// the analyst fan-out width.
	MaxParallel int
	// RecursionLimit caps visits per node so controlled back-edges cannot
	// loop forever. Zero defaults to 50.
	RecursionLimit int
	// Deadline bounds the whole run. Zero defaults to 20 minutes.
	Deadline time.Duration
	// Logger, Metrics, and Tracer default to no-ops.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Scheduler executes a graph: it maintains the ready set, launches ready
// nodes concurrently up to the parallelism bound, merges completed patches
// through the state reducers, evaluates outgoing edges against the updated
// state, and enqueues newly ready successors.
//
// The scheduler alone touches the canonical state; nodes receive clones and
// their patches are committed only on normal return, on the single merge
// goroutine, so reducer application needs no locking.
type Scheduler struct {
	graph *Graph
	opts  SchedulerOptions
}

// NewScheduler constructs a scheduler over the given graph.
func NewScheduler(g *Graph, opts SchedulerOptions) *Scheduler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.RecursionLimit <= 0 {
		opts.RecursionLimit = 50
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 20 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Scheduler{graph: g, opts: opts}
}

// completion carries one finished node execution back to the merge loop.
type completion struct {
	node   string
	result Result
	err    error
	start  time.Time
	end    time.Time
}

// Execute runs the graph to quiescence or deadline, starting from the graph's
// entry node, and returns the final state. It never returns an error for
// in-graph failures; failed nodes are traced and the pipeline degrades around
// them. The returned state always reflects only fully committed patches.
func (s *Scheduler) Execute(ctx context.Context, st *state.State) *state.State {
	if s.graph.start == "" {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Deadline)
	defer cancel()

	var (
		inflight    = 0
		pending     []string
		running     = make(map[string]bool)
		visits      = make(map[string]int)
		completed   = make(map[string]bool)
		breached    = false
		completions = make(chan completion)
	)

	launch := func(name string) {
		node, ok := s.graph.Node(name)
		if !ok {
			return
		}
		running[name] = true
		visits[name]++
		inflight++
		// Snapshot synchronously: the canonical state variable is reassigned
		// by the merge loop and must not be read from node goroutines.
		snap := st.Clone()
		go func() {
			start := time.Now()
			nodeCtx, span := s.opts.Tracer.StartNode(ctx, name)
			result, err := runNode(nodeCtx, node, snap)
			span.End(err)
			completions <- completion{node: name, result: result, err: err, start: start, end: time.Now()}
		}()
	}

	enqueue := func(name string) {
		if breached || running[name] {
			return
		}
		// Fire-once stages never run again; join conditions are monotonic,
		// so a late branch completion would otherwise re-trigger them.
		if node, ok := s.graph.Node(name); ok && node.Once && completed[name] {
			return
		}
		if visits[name] >= s.opts.RecursionLimit {
			s.opts.Logger.Warn(ctx, "recursion limit reached", "node", name, "limit", s.opts.RecursionLimit)
			breached = true
			return
		}
		for _, p := range pending {
			if p == name {
				return
			}
		}
		pending = append(pending, name)
	}

	enqueue(s.graph.start)

	for {
		// Fill free slots from the pending queue.
		for len(pending) > 0 && inflight < s.opts.MaxParallel && !breached && ctx.Err() == nil {
			next := pending[0]
			pending = pending[1:]
			launch(next)
		}
		if inflight == 0 {
			break
		}

		c := <-completions
		inflight--
		delete(running, c.node)
		completed[c.node] = true
		st = s.commit(ctx, st, c)

		if ctx.Err() != nil {
			// Deadline or caller cancel: drain remaining in-flight nodes
			// without applying their patches, then stop.
			for inflight > 0 {
				d := <-completions
				inflight--
				st, _ = st.Apply(state.Patch{state.FieldTrace: state.TraceEvent{
					Node:   d.node,
					Start:  d.start,
					End:    d.end,
					Status: state.TraceCancelled,
				}})
			}
			break
		}
		if c.err == nil && !breached {
			for _, succ := range s.graph.Successors(c.node, st) {
				enqueue(succ)
			}
		}
	}
	return st
}

// commit merges a completed node's patch and trace event into the state.
// Failed or cancelled nodes contribute only a trace event.
func (s *Scheduler) commit(ctx context.Context, st *state.State, c completion) *state.State {
	ev := state.TraceEvent{
		Node:   c.node,
		Start:  c.start,
		End:    c.end,
		Status: state.TraceSuccess,
		Tokens: c.result.Tokens,
	}
	if c.err != nil {
		failure := resilience.Classify(c.err)
		ev.ErrorKind = string(failure.Kind)
		switch failure.Kind {
		case resilience.KindTimeout:
			ev.Status = state.TraceTimeout
		default:
			ev.Status = state.TraceError
		}
		if ctx.Err() != nil {
			ev.Status = state.TraceCancelled
		}
		s.opts.Logger.Warn(ctx, "node failed", "node", c.node, "kind", ev.ErrorKind)
		st, _ = st.Apply(state.Patch{state.FieldTrace: ev})
		return st
	}

	s.opts.Metrics.NodeCompleted(c.node, c.end.Sub(c.start))
	patch := c.result.Patch
	if patch == nil {
		patch = state.Patch{}
	}
	next, validationEvents := st.Apply(patch)
	for _, ve := range validationEvents {
		s.opts.Logger.Warn(ctx, "patch key rejected", "node", c.node, "field", ve.Field, "reason", ve.Reason)
		s.opts.Metrics.PatchRejected(c.node)
	}
	next, _ = next.Apply(state.Patch{state.FieldTrace: ev})
	return next
}

// runNode executes a node, converting panics into classified errors so one
// misbehaving agent cannot take down the run.
func runNode(ctx context.Context, node *Node, snap *state.State) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{}
			err = resilience.NewFailure(resilience.KindAPIError, fmt.Sprintf("node %s panicked: %v", node.Name, r))
		}
	}()
	if ctx.Err() != nil {
		return Result{}, resilience.Classify(ctx.Err())
	}
	return node.Run(ctx, snap)
}
