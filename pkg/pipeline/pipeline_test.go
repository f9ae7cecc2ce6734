package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-labs/keel/pkg/audit"
	"github.com/keel-labs/keel/pkg/contracts"
	"github.com/keel-labs/keel/pkg/registry"
	"github.com/keel-labs/keel/pkg/schema"
)

func testRegistry(t *testing.T) *registry.InMemoryRegistry {
	t.Helper()
	reg := registry.NewInMemoryRegistry()
	in := schema.MustCompile("email.send.v1.input",
		[]byte(`{"type":"object","properties":{"to":{"type":"string"},"body":{"type":"string"}},"required":["to"]}`))
	out := schema.MustCompile("email.send.v1.output",
		[]byte(`{"type":"object","properties":{"message_id":{"type":"string"}},"required":["message_id"]}`))
	require.NoError(t, reg.Register(&contracts.ActionContract{
		ActionID:     "email.send",
		Version:      1,
		InputSchema:  in,
		OutputSchema: out,
		RiskClass:    contracts.RiskClassHigh,
		TrustClass:   contracts.TrustClassStandard,
		TimeoutMs:    30000,
		Retry:        contracts.RetryPolicy{MaxAttempts: 3},
	}))
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T) (*Pipeline, *audit.Recorder) {
	t.Helper()
	rec := audit.NewRecorder()
	return New(testRegistry(t), rec, WithLogger(quietLogger())), rec
}

func echoExecutor(_ context.Context, _ any) (any, error) {
	return map[string]any{"message_id": "m-1"}, nil
}

func validRequest() Request {
	return Request{
		ExecutionType: contracts.ExecutionTool,
		ActionID:      "email.send",
		Version:       1,
		Input:         map[string]any{"to": "ops@example.com"},
	}
}

func TestRunHappyPath(t *testing.T) {
	pipe, rec := newTestPipeline(t)

	out, err := pipe.Run(context.Background(), validRequest(), echoExecutor)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message_id": "m-1"}, out)

	events := rec.Events()
	require.Len(t, events, 4)
	assert.Equal(t, audit.CheckpointReceived, events[0].Checkpoint)
	assert.Equal(t, audit.CheckpointMiddlewareBefore, events[1].Checkpoint)
	assert.Equal(t, audit.CheckpointMiddlewareAfter, events[2].Checkpoint)
	assert.Equal(t, audit.CheckpointCompleted, events[3].Checkpoint)

	terminal := events[3]
	assert.Equal(t, "success", terminal.Outcome)
	assert.Equal(t, contracts.RiskClassHigh, terminal.RiskClass)
	assert.Equal(t, contracts.TrustClassStandard, terminal.TrustClass)
}

func TestRunSharesOneTraceIDAcrossAllEvents(t *testing.T) {
	pipe, rec := newTestPipeline(t)

	_, err := pipe.Run(context.Background(), validRequest(), echoExecutor)
	require.NoError(t, err)

	events := rec.Events()
	require.NotEmpty(t, events)
	traceID := events[0].TraceID
	assert.NotEmpty(t, traceID)
	for _, e := range events {
		assert.Equal(t, traceID, e.TraceID)
	}
}

func TestRunHonorsCallerTraceID(t *testing.T) {
	pipe, rec := newTestPipeline(t)
	req := validRequest()
	req.TraceID = "trace-fixed"

	_, err := pipe.Run(context.Background(), req, echoExecutor)
	require.NoError(t, err)
	for _, e := range rec.Events() {
		assert.Equal(t, "trace-fixed", e.TraceID)
	}
}

func TestRunRejectsUnknownExecutionType(t *testing.T) {
	pipe, rec := newTestPipeline(t)
	req := validRequest()
	req.ExecutionType = "cron"

	_, err := pipe.Run(context.Background(), req, echoExecutor)
	require.Error(t, err)
	ke, ok := contracts.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ErrCatValidation, ke.Category)
	// Rejected before any contract lookup; nothing is audited.
	assert.Empty(t, rec.Events())
}

func TestRunUnknownContractIsRegistryError(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	req := validRequest()
	req.ActionID = "email.burn"

	_, err := pipe.Run(context.Background(), req, echoExecutor)
	require.Error(t, err)
	ke, ok := contracts.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ErrCatRegistry, ke.Category)
}

func TestRunValidatesInputBeforeMiddleware(t *testing.T) {
	pipe, rec := newTestPipeline(t)
	beforeRan := false
	pipe.Use(Middleware{Name: "probe", Before: func(_ context.Context, _ *Call) (any, error) {
		beforeRan = true
		return nil, nil
	}})

	req := validRequest()
	req.Input = map[string]any{"to": "ops@example.com", "bcc": "spy@example.com"}

	_, err := pipe.Run(context.Background(), req, echoExecutor)
	require.Error(t, err)
	ke, _ := contracts.AsKernelError(err)
	assert.Equal(t, contracts.ErrCatValidation, ke.Category)
	assert.False(t, beforeRan)

	// The request is still auditable, and the terminal event records
	// the failure.
	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.CheckpointReceived, events[0].Checkpoint)
	assert.Equal(t, audit.CheckpointCompleted, events[1].Checkpoint)
	assert.Equal(t, "failure", events[1].Outcome)
}

func TestChainOrdering(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	var order []string
	mark := func(name string) Middleware {
		return Middleware{
			Name: name,
			Before: func(_ context.Context, _ *Call) (any, error) {
				order = append(order, name+".before")
				return nil, nil
			},
			After: func(_ context.Context, _ *Call) (any, error) {
				order = append(order, name+".after")
				return nil, nil
			},
		}
	}
	pipe.Use(mark("g1"), mark("g2"))
	pipe.UseFor(contracts.ExecutionTool, mark("t1"), mark("t2"))

	_, err := pipe.Run(context.Background(), validRequest(), echoExecutor)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"g1.before", "g2.before", "t1.before", "t2.before",
		"t2.after", "t1.after", "g2.after", "g1.after",
	}, order)
}

func TestTypedChainOnlyRunsForItsType(t *testing.T) {
	reg := testRegistry(t)
	in := schema.MustCompile("tick.v1.input", []byte(`{"type":"object"}`))
	out := schema.MustCompile("tick.v1.output", []byte(`{"type":"object"}`))
	require.NoError(t, reg.Register(&contracts.ActionContract{
		ActionID: "tick", Version: 1,
		InputSchema: in, OutputSchema: out,
		RiskClass: contracts.RiskClassLow, TrustClass: contracts.TrustClassSystem,
		TimeoutMs: 1000, Retry: contracts.RetryPolicy{MaxAttempts: 1},
	}))
	rec := audit.NewRecorder()
	pipe := New(reg, rec, WithLogger(quietLogger()))

	toolRan := false
	pipe.UseFor(contracts.ExecutionTool, Middleware{Name: "tool-only",
		Before: func(_ context.Context, _ *Call) (any, error) { toolRan = true; return nil, nil }})

	_, err := pipe.Run(context.Background(), Request{
		ExecutionType: contracts.ExecutionHeartbeat,
		ActionID:      "tick",
		Version:       1,
		Input:         map[string]any{},
	}, func(_ context.Context, _ any) (any, error) { return map[string]any{}, nil })
	require.NoError(t, err)
	assert.False(t, toolRan)
}

func TestBeforeMiddlewareReplacesInputWholesale(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	pipe.Use(Middleware{Name: "redirect", Before: func(_ context.Context, call *Call) (any, error) {
		return map[string]any{"to": "audit@example.com"}, nil
	}})

	var seen any
	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, input any) (any, error) {
		seen = input
		return map[string]any{"message_id": "m-1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"to": "audit@example.com"}, seen)
}

func TestExecutorErrorIsNormalized(t *testing.T) {
	pipe, rec := newTestPipeline(t)
	cause := fmt.Errorf("smtp: connection refused")

	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, _ any) (any, error) {
		return nil, cause
	})
	require.Error(t, err)
	ke, ok := contracts.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ErrCatRuntime, ke.Category)
	assert.ErrorIs(t, err, cause)

	terminal := rec.ByCheckpoint(audit.CheckpointCompleted)
	require.Len(t, terminal, 1)
	assert.Equal(t, "failure", terminal[0].Outcome)
}

func TestTypedExecutorErrorPassesThrough(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	typed := contracts.NewPolicyError("DOWNSTREAM_DENIED", "denied by downstream", nil)

	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, _ any) (any, error) {
		return nil, typed
	})
	assert.Same(t, typed, err)
}

func TestInvalidExecutorOutputFailsCall(t *testing.T) {
	pipe, _ := newTestPipeline(t)

	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, _ any) (any, error) {
		return map[string]any{"message_id": "m-1", "smuggled": true}, nil
	})
	require.Error(t, err)
	ke, _ := contracts.AsKernelError(err)
	assert.Equal(t, contracts.ErrCatValidation, ke.Category)
}

func TestAfterMiddlewareCannotClearError(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	cleared := false
	pipe.Use(Middleware{Name: "absolver", After: func(_ context.Context, call *Call) (any, error) {
		require.Error(t, call.Err())
		call.SetError(nil) // attempted recovery is a no-op
		cleared = call.Err() == nil
		return nil, nil
	}})

	// Invalid executor output latches a validation error before the
	// after-chain runs.
	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, _ any) (any, error) {
		return map[string]any{"unexpected": true}, nil
	})
	require.Error(t, err)
	ke, _ := contracts.AsKernelError(err)
	assert.Equal(t, contracts.ErrCatValidation, ke.Category)
	assert.False(t, cleared)
}

func TestAfterChainRunsAfterExecutorFailure(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	afterSawError := false
	pipe.Use(Middleware{Name: "observer", After: func(_ context.Context, call *Call) (any, error) {
		afterSawError = call.Err() != nil
		return nil, nil
	}})

	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, _ any) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.True(t, afterSawError)
}

func TestAfterMiddlewareReplacementIsRevalidated(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	pipe.Use(Middleware{Name: "smuggler", After: func(_ context.Context, _ *Call) (any, error) {
		return map[string]any{"message_id": "m-1", "debug": "leaked"}, nil
	}})

	// The executor's own output is valid; only the after-chain
	// replacement violates the contract.
	_, err := pipe.Run(context.Background(), validRequest(), echoExecutor)
	require.Error(t, err)
	ke, _ := contracts.AsKernelError(err)
	assert.Equal(t, contracts.ErrCatValidation, ke.Category)
}

func TestAfterMiddlewareValidReplacementWins(t *testing.T) {
	pipe, _ := newTestPipeline(t)
	pipe.Use(Middleware{Name: "redactor", After: func(_ context.Context, _ *Call) (any, error) {
		return map[string]any{"message_id": "redacted"}, nil
	}})

	out, err := pipe.Run(context.Background(), validRequest(), echoExecutor)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message_id": "redacted"}, out)
}

func TestAuditFailureAtTerminalCheckpointFailsCall(t *testing.T) {
	pipe, rec := newTestPipeline(t)
	rec.FailOn(audit.CheckpointCompleted, errors.New("sink offline"))

	_, err := pipe.Run(context.Background(), validRequest(), echoExecutor)
	require.Error(t, err)
	ke, ok := contracts.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, contracts.ErrCatMiddleware, ke.Category)
	assert.Equal(t, string(audit.CheckpointCompleted), ke.Details["checkpoint"])

	// The sink was invoked for the terminal event even though it failed.
	assert.Len(t, rec.ByCheckpoint(audit.CheckpointCompleted), 1)
}

func TestAuditFailureBeforeExecutorBlocksExecution(t *testing.T) {
	pipe, rec := newTestPipeline(t)
	rec.FailOn(audit.CheckpointMiddlewareBefore, errors.New("sink offline"))

	executed := false
	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, _ any) (any, error) {
		executed = true
		return map[string]any{"message_id": "m-1"}, nil
	})
	require.Error(t, err)
	ke, _ := contracts.AsKernelError(err)
	assert.Equal(t, contracts.ErrCatMiddleware, ke.Category)
	assert.Equal(t, string(audit.CheckpointMiddlewareBefore), ke.Details["checkpoint"])
	assert.False(t, executed, "an unauditable action must never execute")
}

func TestBeforeMiddlewareErrorSkipsExecutor(t *testing.T) {
	pipe, rec := newTestPipeline(t)
	denied := contracts.NewPolicyError("RISK_BUDGET_EXCEEDED", "over budget", nil)
	pipe.Use(Middleware{Name: "budget", Before: func(_ context.Context, _ *Call) (any, error) {
		return nil, denied
	}})

	executed := false
	_, err := pipe.Run(context.Background(), validRequest(), func(_ context.Context, _ any) (any, error) {
		executed = true
		return map[string]any{"message_id": "m-1"}, nil
	})
	require.ErrorIs(t, err, denied)
	assert.False(t, executed)

	terminal := rec.ByCheckpoint(audit.CheckpointCompleted)
	require.Len(t, terminal, 1)
	assert.Equal(t, "failure", terminal[0].Outcome)
}
