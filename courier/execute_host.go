package courier

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/next-trace/scg-courier/codec"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/pipeline"
)

// ExecuteActivityHost runs the activity at the head of each delivered routing slip and
// forwards the resulting slip. It is the terminal pipe of an execute endpoint.
//
// Per delivery: Pending -> Executing -> Forwarded | CompensationRequested | Faulted.
// Activity failures never escape Send; they become a compensating slip or a
// RoutingSlipFaulted event. Send returns an error only for an invalid slip, a cancelled
// context, or a transport failure, all of which leave the inbound slip for redelivery.
type ExecuteActivityHost[TArgs any] struct {
	activity  ExecuteActivity[TArgs]
	transport cbus.Transport
	opts      hostOptions
}

var _ pipeline.Pipe[*pipeline.ConsumeContext[*RoutingSlip]] = (*ExecuteActivityHost[struct{}])(nil)

// NewExecuteActivityHost builds a host for activity that forwards through transport.
func NewExecuteActivityHost[TArgs any](
	transport cbus.Transport,
	activity ExecuteActivity[TArgs],
	opts ...HostOption,
) (*ExecuteActivityHost[TArgs], error) {
	if transport == nil {
		return nil, fmt.Errorf("execute host: nil transport: %w", berr.ErrConfiguration)
	}

	if activity == nil {
		return nil, fmt.Errorf("execute host: nil activity: %w", berr.ErrConfiguration)
	}

	return &ExecuteActivityHost[TArgs]{activity: activity, transport: transport, opts: newHostOptions(opts)}, nil
}

// CompensateAddress is where compensation logs pushed by this host point, or "".
func (h *ExecuteActivityHost[TArgs]) CompensateAddress() string { return h.opts.compensateAddress }

type execution struct {
	slip        *RoutingSlip
	activity    Activity
	executionID string
	start       time.Time
	elapsed     time.Duration
	log         *slog.Logger
}

// Send executes one delivery of a routing slip.
func (h *ExecuteActivityHost[TArgs]) Send(ctx context.Context, cc *pipeline.ConsumeContext[*RoutingSlip]) error {
	slip := cc.Message
	if slip == nil {
		return fmt.Errorf("execute: nil routing slip: %w", berr.ErrInvalidRoutingSlip)
	}

	current, ok := slip.CurrentActivity()
	if !ok {
		return fmt.Errorf("execute %s: empty itinerary: %w", slip.TrackingNumber, berr.ErrInvalidRoutingSlip)
	}

	x := &execution{
		slip:        slip,
		activity:    current,
		executionID: h.opts.ids.NewID(),
		start:       h.opts.now().UTC(),
	}
	x.log = h.opts.logger.With(
		"tracking_number", slip.TrackingNumber,
		"activity", current.Name,
		"execution_id", x.executionID,
	)

	result := h.run(ctx, x)
	x.elapsed = h.opts.now().Sub(x.start)

	if err := ctx.Err(); err != nil {
		x.log.WarnContext(ctx, "execution cancelled before forwarding", "err", err)
		return err
	}

	if result.kind == ResultCompleted {
		next, err := h.completedSlip(x, result)
		if err == nil {
			h.opts.observer.ActivityExecuted(current.Name, ResultCompleted, x.elapsed)
			return h.forwardCompleted(ctx, x, next, result)
		}

		result = ExecutionResult{kind: ResultFaulted, err: err}
	}

	h.opts.observer.ActivityExecuted(current.Name, result.kind, x.elapsed)

	return h.forwardFaulted(ctx, x, result)
}

func (h *ExecuteActivityHost[TArgs]) run(ctx context.Context, x *execution) (res ExecutionResult) {
	args := cloneVariables(x.slip.Variables)
	maps.Copy(args, x.activity.Arguments)

	var typed TArgs
	if err := codec.Convert(h.opts.serializer, args, &typed); err != nil {
		return ExecutionResult{kind: ResultFaulted, err: fmt.Errorf("decode arguments of %s: %w", x.activity.Name, err)}
	}

	ec := &executeContext[TArgs]{
		slip:        x.slip,
		activity:    x.activity,
		executionID: x.executionID,
		args:        typed,
		host:        h.opts.host,
		timestamp:   x.start,
	}

	defer func() {
		if r := recover(); r != nil {
			res = ExecutionResult{kind: ResultFaulted, err: fmt.Errorf("activity %s panicked: %v: %w", x.activity.Name, r, berr.ErrHandlerPanicked)}
		}
	}()

	res = h.activity.Execute(ctx, ec)
	if res.kind == resultNone {
		res = ExecutionResult{kind: ResultFaulted, err: fmt.Errorf("activity %s returned no result: %w", x.activity.Name, berr.ErrActivityFaulted)}
	}

	return res
}

func (h *ExecuteActivityHost[TArgs]) completedSlip(x *execution, result ExecutionResult) (*RoutingSlip, error) {
	next := x.slip.clone()
	next.ActivityLogs = append(next.ActivityLogs, ActivityLog{
		ExecutionID: x.executionID,
		Name:        x.activity.Name,
		Timestamp:   x.start,
		Duration:    x.elapsed,
		Host:        h.opts.host,
	})

	if result.hasLog {
		if h.opts.compensateAddress == "" {
			return nil, fmt.Errorf("activity %s returned a compensation log without a compensate address: %w",
				x.activity.Name, berr.ErrNotCompensable)
		}

		data, err := codec.ToMap(h.opts.serializer, result.log)
		if err != nil {
			return nil, fmt.Errorf("encode compensation log of %s: %w", x.activity.Name, err)
		}

		next.CompensateLogs = append(next.CompensateLogs, CompensateLog{
			ExecutionID: x.executionID,
			Address:     h.opts.compensateAddress,
			Data:        data,
		})
	}

	next.Itinerary = next.Itinerary[1:]
	maps.Copy(next.Variables, result.variables)

	return next, nil
}

func (h *ExecuteActivityHost[TArgs]) forwardCompleted(
	ctx context.Context,
	x *execution,
	next *RoutingSlip,
	result ExecutionResult,
) error {
	completed := RoutingSlipActivityCompleted{
		TrackingNumber: next.TrackingNumber,
		ExecutionID:    x.executionID,
		ActivityName:   x.activity.Name,
		Timestamp:      x.start,
		Duration:       x.elapsed,
		Variables:      cloneVariables(next.Variables),
		Compensable:    result.hasLog,
	}
	if err := publishEvent(ctx, h.transport, next.TrackingNumber, completed); err != nil {
		return err
	}

	if head, ok := next.CurrentActivity(); ok {
		x.log.DebugContext(ctx, "activity completed", "next", head.Name, "address", head.Address)
		return sendSlip(ctx, h.transport, head.Address, next)
	}

	now := h.opts.now().UTC()
	x.log.InfoContext(ctx, "routing slip completed")

	return publishEvent(ctx, h.transport, next.TrackingNumber, RoutingSlipCompleted{
		TrackingNumber: next.TrackingNumber,
		Timestamp:      now,
		Duration:       now.Sub(next.CreateTimestamp),
		Variables:      cloneVariables(next.Variables),
	})
}

func (h *ExecuteActivityHost[TArgs]) forwardFaulted(ctx context.Context, x *execution, result ExecutionResult) error {
	info := exceptionInfo(result.err)

	next := x.slip.clone()
	next.ActivityExceptions = append(next.ActivityExceptions, ActivityException{
		ExecutionID: x.executionID,
		Name:        x.activity.Name,
		Timestamp:   x.start,
		Elapsed:     x.elapsed,
		Host:        h.opts.host,
		Exception:   info,
	})

	x.log.WarnContext(ctx, "activity faulted", "outcome", result.kind.String(), "err", result.err)

	faulted := RoutingSlipActivityFaulted{
		TrackingNumber: next.TrackingNumber,
		ExecutionID:    x.executionID,
		ActivityName:   x.activity.Name,
		Timestamp:      x.start,
		Duration:       x.elapsed,
		Exception:      info,
		Variables:      cloneVariables(next.Variables),
	}
	if err := publishEvent(ctx, h.transport, next.TrackingNumber, faulted); err != nil {
		return err
	}

	if top, ok := next.LastCompensateLog(); ok {
		return sendSlip(ctx, h.transport, top.Address, next)
	}

	now := h.opts.now().UTC()

	return publishEvent(ctx, h.transport, next.TrackingNumber, RoutingSlipFaulted{
		TrackingNumber:     next.TrackingNumber,
		Timestamp:          now,
		Duration:           now.Sub(next.CreateTimestamp),
		ActivityExceptions: next.ActivityExceptions,
		Variables:          cloneVariables(next.Variables),
	})
}
