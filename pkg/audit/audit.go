// Package audit is the lineage sink boundary of the kernel.
//
// The pipeline emits one event per checkpoint. Emission is fail-closed:
// a sink error aborts the governed call, so an audit outage can never
// let an action execute unaudited.
package audit

import (
	"context"
	"time"

	"github.com/keel-labs/keel/pkg/contracts"
)

// Checkpoint names a fixed point in the pipeline lifecycle.
type Checkpoint string

const (
	CheckpointReceived         Checkpoint = "run.received"
	CheckpointMiddlewareBefore Checkpoint = "middleware.before"
	CheckpointMiddlewareAfter  Checkpoint = "middleware.after"
	CheckpointCompleted        Checkpoint = "execution.completed"
)

// Event is one structured audit record. ContentHash and PrevHash are
// populated by chaining sinks; other sinks may leave them empty.
type Event struct {
	EventID       string                  `json:"event_id"`
	TraceID       string                  `json:"trace_id"`
	ActionID      string                  `json:"action_id"`
	Version       int                     `json:"version,omitempty"`
	ExecutionType contracts.ExecutionType `json:"execution_type"`
	Checkpoint    Checkpoint              `json:"checkpoint"`
	RiskClass     contracts.RiskClass     `json:"risk_class,omitempty"`
	TrustClass    contracts.TrustClass    `json:"trust_class,omitempty"`
	Outcome       string                  `json:"outcome,omitempty"`
	Error         string                  `json:"error,omitempty"`
	Timestamp     time.Time               `json:"timestamp"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
	ContentHash   string                  `json:"content_hash,omitempty"`
	PrevHash      string                  `json:"prev_hash,omitempty"`
}

// Sink receives audit events. Any returned error propagates as a
// middleware execution failure of the emitting call.
type Sink interface {
	Emit(ctx context.Context, event *Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event *Event) error

func (f SinkFunc) Emit(ctx context.Context, event *Event) error { return f(ctx, event) }
