// Package pipeline is the fail-closed execution wrapper of the kernel.
//
// Run resolves the action's contract, validates input, threads the
// before/after middleware chains around the business executor, validates
// output (including middleware replacements), and emits an audit event
// at every checkpoint. Any audit emission failure aborts the call.
package pipeline

import (
	"github.com/keel-labs/keel/pkg/contracts"
)

// Request is the caller-supplied description of one governed call.
type Request struct {
	ExecutionType contracts.ExecutionType
	// TraceID is optional; Run generates one when absent. Every audit
	// event of the call carries the same trace id.
	TraceID  string
	ActionID string
	Version  int
	Input    any
}

// Call is the per-invocation middleware context. It is created at the
// start of Run and discarded at its end; middleware must not retain it.
type Call struct {
	executionType contracts.ExecutionType
	traceID       string
	contract      *contracts.ActionContract
	input         any
	output        any
	err           error
}

// ExecutionType returns the call's execution type.
func (c *Call) ExecutionType() contracts.ExecutionType { return c.executionType }

// TraceID returns the trace id shared by all audit events of this call.
func (c *Call) TraceID() string { return c.traceID }

// Contract returns the resolved action contract.
func (c *Call) Contract() *contracts.ActionContract { return c.contract }

// Input returns the current input. Before-middleware replace it wholesale
// by returning a new value; it is never patched in place.
func (c *Call) Input() any { return c.input }

// Output returns the executor's (possibly replaced) output.
func (c *Call) Output() any { return c.output }

// Err returns the latched call error, if any.
func (c *Call) Err() error { return c.err }

// SetError latches an error on the call. A latched error can be replaced
// by another error but never cleared: passing nil after a failure is a
// no-op, so no after-middleware can silently recover a failed call.
func (c *Call) SetError(err error) {
	if err == nil {
		return
	}
	c.err = err
}
