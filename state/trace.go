package state

import (
	"time"

	"github.com/tradegraph/tradegraph/model"
)

// TraceStatus is the outcome category of a node execution.
type TraceStatus string

const (
	// TraceSuccess marks a node that completed and committed its patch.
	TraceSuccess TraceStatus = "success"
	// TraceError marks a node that failed; the engine degraded around it.
	TraceError TraceStatus = "error"
	// TraceTimeout marks a node stopped by a deadline.
	TraceTimeout TraceStatus = "timeout"
	// TraceCancelled marks a node stopped by run cancellation.
	TraceCancelled TraceStatus = "cancelled"
)

// TraceEvent records one node execution in the run trace. The trace field
// reduces by ordered append.
type TraceEvent struct {
	// Node is the graph node name.
	Node string
	// Start and End bound the execution.
	Start time.Time
	End   time.Time
	// Status is the outcome category.
	Status TraceStatus
	// ErrorKind carries the failure classification for non-success statuses.
	ErrorKind string
	// Tokens carries token usage when the node invoked a model capability.
	Tokens *model.TokenUsage
}
