package courier

import (
	"context"
	"maps"
	"time"
)

// ExecuteActivity is the forward logic of an activity. TArgs is decoded from the slip
// variables overlaid with the itinerary entry's arguments.
type ExecuteActivity[TArgs any] interface {
	Execute(ctx context.Context, exec ExecuteContext[TArgs]) ExecutionResult
}

// CompensateActivity undoes a completed execution from the checkpoint it pushed.
type CompensateActivity[TLog any] interface {
	Compensate(ctx context.Context, comp CompensateContext[TLog]) CompensationResult
}

// CompensableActivity has both forward and undo logic.
type CompensableActivity[TArgs, TLog any] interface {
	ExecuteActivity[TArgs]
	CompensateActivity[TLog]
}

// ExecuteFunc adapts a function to an ExecuteActivity.
type ExecuteFunc[TArgs any] func(ctx context.Context, exec ExecuteContext[TArgs]) ExecutionResult

// Execute calls f.
func (f ExecuteFunc[TArgs]) Execute(ctx context.Context, exec ExecuteContext[TArgs]) ExecutionResult {
	return f(ctx, exec)
}

// CompensateFunc adapts a function to a CompensateActivity.
type CompensateFunc[TLog any] func(ctx context.Context, comp CompensateContext[TLog]) CompensationResult

// Compensate calls f.
func (f CompensateFunc[TLog]) Compensate(ctx context.Context, comp CompensateContext[TLog]) CompensationResult {
	return f(ctx, comp)
}

type funcActivity[TArgs, TLog any] struct {
	ExecuteFunc[TArgs]
	CompensateFunc[TLog]
}

// NewActivity pairs forward and undo functions into a CompensableActivity.
func NewActivity[TArgs, TLog any](
	exec func(ctx context.Context, exec ExecuteContext[TArgs]) ExecutionResult,
	comp func(ctx context.Context, comp CompensateContext[TLog]) CompensationResult,
) CompensableActivity[TArgs, TLog] {
	return funcActivity[TArgs, TLog]{ExecuteFunc: exec, CompensateFunc: comp}
}

// ExecuteContext is created fresh for every delivery of a routing slip to an execute host.
// Exactly one of Completed, Faulted or RequestCompensation should be returned.
type ExecuteContext[TArgs any] interface {
	TrackingNumber() string
	ExecutionID() string
	ActivityName() string
	Arguments() TArgs
	// Variables returns a copy of the slip variables.
	Variables() map[string]any
	Host() HostInfo
	Timestamp() time.Time

	Completed(opts ...ResultOption) ExecutionResult
	Faulted(err error) ExecutionResult
	RequestCompensation(reason error) ExecutionResult
}

// CompensateContext is created fresh for every delivery of a compensating slip.
type CompensateContext[TLog any] interface {
	TrackingNumber() string
	ExecutionID() string
	ActivityName() string
	Log() TLog
	// Variables returns a copy of the slip variables.
	Variables() map[string]any
	Host() HostInfo
	Timestamp() time.Time

	Compensated(opts ...ResultOption) CompensationResult
	Failed(err error) CompensationResult
}

// ResultKind is the terminal state reported by an activity.
type ResultKind int

const (
	resultNone ResultKind = iota
	ResultCompleted
	ResultFaulted
	ResultCompensationRequested
	ResultCompensated
	ResultCompensationFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultCompleted:
		return "completed"
	case ResultFaulted:
		return "faulted"
	case ResultCompensationRequested:
		return "compensation_requested"
	case ResultCompensated:
		return "compensated"
	case ResultCompensationFailed:
		return "compensation_failed"
	default:
		return "none"
	}
}

// ExecutionResult is returned by ExecuteActivity.Execute.
type ExecutionResult struct {
	kind      ResultKind
	variables map[string]any
	log       any
	hasLog    bool
	err       error
}

// Kind reports the outcome.
func (r ExecutionResult) Kind() ResultKind { return r.kind }

// Err is the fault, if any.
func (r ExecutionResult) Err() error { return r.err }

// CompensationResult is returned by CompensateActivity.Compensate.
type CompensationResult struct {
	kind      ResultKind
	variables map[string]any
	err       error
}

// Kind reports the outcome.
func (r CompensationResult) Kind() ResultKind { return r.kind }

// Err is the failure, if any.
func (r CompensationResult) Err() error { return r.err }

type resultOptions struct {
	variables map[string]any
	log       any
	hasLog    bool
}

// ResultOption configures a successful result.
type ResultOption func(*resultOptions)

// WithVariables adds vars to the slip variables for the rest of the saga.
func WithVariables(vars map[string]any) ResultOption {
	return func(o *resultOptions) {
		if o.variables == nil {
			o.variables = map[string]any{}
		}
		maps.Copy(o.variables, vars)
	}
}

// WithVariable adds a single variable.
func WithVariable(key string, value any) ResultOption {
	return WithVariables(map[string]any{key: value})
}

// WithCompensationLog pushes log as the undo checkpoint of this execution.
// log must encode to an object. Ignored by compensation results.
func WithCompensationLog(log any) ResultOption {
	return func(o *resultOptions) {
		o.log = log
		o.hasLog = true
	}
}

func applyResultOptions(opts []ResultOption) resultOptions {
	var o resultOptions
	for _, f := range opts {
		if f != nil {
			f(&o)
		}
	}

	return o
}
