package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keel-labs/keel/pkg/audit"
	"github.com/keel-labs/keel/pkg/contracts"
	"github.com/keel-labs/keel/pkg/registry"
)

// Executor runs the business logic of an action with the final,
// validated input.
type Executor func(ctx context.Context, input any) (any, error)

// BeforeFunc runs ahead of the executor. Returning a non-nil value
// replaces the call input wholesale for every later hook and the
// executor. Returning an error fails the call.
type BeforeFunc func(ctx context.Context, call *Call) (any, error)

// AfterFunc runs after the executor, in reverse declaration order, even
// when the call has already failed. Returning a non-nil value replaces
// the output; the replacement is re-validated against the contract's
// output schema.
type AfterFunc func(ctx context.Context, call *Call) (any, error)

// Middleware is one named cross-cutting hook pair. Either func may be nil.
type Middleware struct {
	Name   string
	Before BeforeFunc
	After  AfterFunc
}

// Pipeline wires a contract registry, an audit sink, and the middleware
// chains into a single Run entrypoint. Grants and risk verdicts are the
// caller's concern; the pipeline only governs shape and audit.
type Pipeline struct {
	registry registry.Registry
	sink     audit.Sink
	global   []Middleware
	typed    map[contracts.ExecutionType][]Middleware
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// New creates a pipeline over the given registry and audit sink.
func New(reg registry.Registry, sink audit.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		sink:     sink,
		typed:    make(map[contracts.ExecutionType][]Middleware),
		tracer:   otel.Tracer("keel/pipeline"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Use appends middleware to the global chain, in declaration order.
func (p *Pipeline) Use(mw ...Middleware) {
	p.global = append(p.global, mw...)
}

// UseFor appends middleware to the chain of one execution type. The
// typed before-chain runs after the global one; the typed after-chain
// runs before it.
func (p *Pipeline) UseFor(t contracts.ExecutionType, mw ...Middleware) {
	p.typed[t] = append(p.typed[t], mw...)
}

// Run executes one governed call and returns the final output. The
// lifecycle is received, input_validated, before_chain, executing,
// output_validated, after_chain, then completed or failed; the
// after-chain still runs after a mid-call failure.
func (p *Pipeline) Run(ctx context.Context, req Request, exec Executor) (any, error) {
	if !req.ExecutionType.Valid() {
		return nil, contracts.NewValidationError("EXECUTION_TYPE_INVALID", "",
			"unknown execution type "+string(req.ExecutionType), nil)
	}

	contract, err := p.registry.Get(req.ActionID, req.Version)
	if err != nil {
		return nil, err
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	ctx, span := p.tracer.Start(ctx, "keel.run",
		trace.WithAttributes(
			attribute.String("keel.action_id", contract.ActionID),
			attribute.Int("keel.version", contract.Version),
			attribute.String("keel.execution_type", string(req.ExecutionType)),
			attribute.String("keel.trace_id", traceID),
		))
	defer span.End()

	call := &Call{
		executionType: req.ExecutionType,
		traceID:       traceID,
		contract:      contract,
		input:         req.Input,
	}

	out, err := p.run(ctx, span, call, exec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("governed call failed",
			"action", contract.ActionID, "version", contract.Version,
			"trace_id", traceID, "error", err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, span trace.Span, call *Call, exec Executor) (any, error) {
	contract := call.contract

	// Pre-validation checkpoint: malformed-but-received requests still
	// leave an audit record.
	if err := p.emit(ctx, span, call, audit.CheckpointReceived, nil); err != nil {
		return nil, err
	}

	if err := contract.InputSchema.Validate(call.input); err != nil {
		call.SetError(err)
		if emitErr := p.emitTerminal(ctx, span, call); emitErr != nil {
			return nil, emitErr
		}
		return nil, err
	}

	before, after := p.chains(call.executionType)

	for _, mw := range before {
		if mw.Before == nil {
			continue
		}
		replacement, err := mw.Before(ctx, call)
		if err != nil {
			call.SetError(err)
			break
		}
		if replacement != nil {
			call.input = replacement
		}
	}
	if err := p.emit(ctx, span, call, audit.CheckpointMiddlewareBefore, map[string]any{
		"middleware_count": len(before),
	}); err != nil {
		return nil, err
	}

	if call.Err() == nil {
		output, err := exec(ctx, call.input)
		if err != nil {
			call.SetError(contracts.NewRuntimeError(contract.ActionID, err))
		} else {
			call.output = output
		}
	}

	if call.Err() == nil {
		if err := contract.OutputSchema.Validate(call.output); err != nil {
			call.SetError(err)
		}
	}

	// The after-chain runs even when the call already failed, so
	// cleanup-style middleware always observes the outcome.
	for _, mw := range after {
		if mw.After == nil {
			continue
		}
		replacement, err := mw.After(ctx, call)
		if err != nil {
			call.SetError(err)
			continue
		}
		if replacement != nil && call.Err() == nil {
			// A replaced output faces the same contract as the
			// executor's own: an unrecognized field fails the call.
			if err := contract.OutputSchema.Validate(replacement); err != nil {
				call.SetError(err)
				continue
			}
			call.output = replacement
		}
	}
	if err := p.emit(ctx, span, call, audit.CheckpointMiddlewareAfter, map[string]any{
		"middleware_count": len(after),
	}); err != nil {
		return nil, err
	}

	if err := p.emitTerminal(ctx, span, call); err != nil {
		return nil, err
	}

	if err := call.Err(); err != nil {
		return nil, err
	}
	return call.output, nil
}

// chains returns the combined before order (global then typed) and the
// after order (typed reversed, then global reversed).
func (p *Pipeline) chains(t contracts.ExecutionType) (before, after []Middleware) {
	global := p.global
	typed := p.typed[t]

	before = make([]Middleware, 0, len(global)+len(typed))
	before = append(before, global...)
	before = append(before, typed...)

	after = make([]Middleware, 0, len(global)+len(typed))
	for i := len(typed) - 1; i >= 0; i-- {
		after = append(after, typed[i])
	}
	for i := len(global) - 1; i >= 0; i-- {
		after = append(after, global[i])
	}
	return before, after
}

func (p *Pipeline) emit(ctx context.Context, span trace.Span, call *Call, cp audit.Checkpoint, metadata map[string]any) error {
	event := &audit.Event{
		TraceID:       call.traceID,
		ActionID:      call.contract.ActionID,
		Version:       call.contract.Version,
		ExecutionType: call.executionType,
		Checkpoint:    cp,
		Metadata:      metadata,
	}
	span.AddEvent(string(cp))
	if err := p.sink.Emit(ctx, event); err != nil {
		return contracts.NewMiddlewareError("AUDIT_EMIT_FAILED", string(cp),
			"audit emission failed at checkpoint "+string(cp), err)
	}
	return nil
}

func (p *Pipeline) emitTerminal(ctx context.Context, span trace.Span, call *Call) error {
	outcome := "success"
	errText := ""
	if err := call.Err(); err != nil {
		outcome = "failure"
		errText = err.Error()
	}
	event := &audit.Event{
		TraceID:       call.traceID,
		ActionID:      call.contract.ActionID,
		Version:       call.contract.Version,
		ExecutionType: call.executionType,
		Checkpoint:    audit.CheckpointCompleted,
		RiskClass:     call.contract.RiskClass,
		TrustClass:    call.contract.TrustClass,
		Outcome:       outcome,
		Error:         errText,
	}
	span.AddEvent(string(audit.CheckpointCompleted))
	if err := p.sink.Emit(ctx, event); err != nil {
		return contracts.NewMiddlewareError("AUDIT_EMIT_FAILED", string(audit.CheckpointCompleted),
			"audit emission failed at checkpoint "+string(audit.CheckpointCompleted), err)
	}
	return nil
}
