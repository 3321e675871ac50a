// Package graph implements the execution graph and its scheduler: a labelled
// DAG with conditional edges plus a small set of controlled back-edges for the
// analyst tool loops and the research debate. The scheduler dispatches ready
// nodes concurrently, merges their patches through the state reducers, and
// enforces the run's recursion and wall-clock budgets.
package graph

import (
	"context"
	"fmt"

	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/state"
)

type (
	// Result is what a node returns on normal completion.
	Result struct {
		// Patch is the partial state update to merge. May be empty.
		Patch state.Patch
		// Tokens reports model token usage for the trace when known.
		Tokens *model.TokenUsage
	}

	// NodeFunc executes a node against an immutable state snapshot.
	NodeFunc func(ctx context.Context, snap *state.State) (Result, error)

	// Node is a named unit of work in the graph.
	Node struct {
		// Name identifies the node in edges and the trace.
		Name string
		// Run executes the node.
		Run NodeFunc
		// Once marks a fire-once stage: after it completes the scheduler
		// never re-enqueues it, even if incoming edge conditions evaluate
		// true again. Join barriers and the sequential decision stages are
		// Once; loop nodes (analyst/tools, bull/bear) are not.
		Once bool
	}

	// Condition gates an edge on the current state. Nil means unconditional.
	Condition func(s *state.State) bool

	// Edge connects From to To, optionally gated by When.
	Edge struct {
		From string
		To   string
		When Condition
	}

	// Graph is the static pipeline shape: nodes, edges, and the entry node.
	Graph struct {
		nodes map[string]*Node
		edges map[string][]Edge
		start string
	}
)

// New constructs an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
}

// AddNode registers a node. Duplicate names and nil runners are errors.
func (g *Graph) AddNode(name string, run NodeFunc) error {
	return g.add(name, run, false)
}

// AddOnceNode registers a fire-once node. The scheduler runs it at most once
// per run regardless of how many times its incoming edges become ready;
// monotonic join conditions stay true forever, so barriers must latch here.
func (g *Graph) AddOnceNode(name string, run NodeFunc) error {
	return g.add(name, run, true)
}

func (g *Graph) add(name string, run NodeFunc, once bool) error {
	if name == "" || run == nil {
		return fmt.Errorf("node requires a name and a runner")
	}
	if _, dup := g.nodes[name]; dup {
		return fmt.Errorf("node %q already added", name)
	}
	g.nodes[name] = &Node{Name: name, Run: run, Once: once}
	return nil
}

// AddEdge adds an unconditional edge.
func (g *Graph) AddEdge(from, to string) error {
	return g.AddConditionalEdge(from, to, nil)
}

// AddConditionalEdge adds an edge gated by cond.
func (g *Graph) AddConditionalEdge(from, to string, cond Condition) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("edge source %q not added", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("edge target %q not added", to)
	}
	g.edges[from] = append(g.edges[from], Edge{From: from, To: to, When: cond})
	return nil
}

// SetStart names the entry node.
func (g *Graph) SetStart(name string) error {
	if _, ok := g.nodes[name]; !ok {
		return fmt.Errorf("start node %q not added", name)
	}
	g.start = name
	return nil
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Successors returns the targets of from whose conditions pass against s.
func (g *Graph) Successors(from string, s *state.State) []string {
	var out []string
	for _, e := range g.edges[from] {
		if e.When == nil || e.When(s) {
			out = append(out, e.To)
		}
	}
	return out
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }
