package courier

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/next-trace/scg-courier/codec"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/pipeline"
)

// CompensateActivityHost undoes the most recent compensate log of each delivered slip.
//
// Per delivery: Pending -> Compensating -> PoppedAndForwarded | Completed | CompensationFailed.
// A compensate log without exactly one matching activity log is an integrity violation:
// Send logs it and returns an error wrapping ErrIntegrity without sending anything.
type CompensateActivityHost[TLog any] struct {
	activity  CompensateActivity[TLog]
	transport cbus.Transport
	opts      hostOptions
}

var _ pipeline.Pipe[*pipeline.ConsumeContext[*RoutingSlip]] = (*CompensateActivityHost[struct{}])(nil)

// NewCompensateActivityHost builds a host for activity that forwards through transport.
func NewCompensateActivityHost[TLog any](
	transport cbus.Transport,
	activity CompensateActivity[TLog],
	opts ...HostOption,
) (*CompensateActivityHost[TLog], error) {
	if transport == nil {
		return nil, fmt.Errorf("compensate host: nil transport: %w", berr.ErrConfiguration)
	}

	if activity == nil {
		return nil, fmt.Errorf("compensate host: nil activity: %w", berr.ErrConfiguration)
	}

	return &CompensateActivityHost[TLog]{activity: activity, transport: transport, opts: newHostOptions(opts)}, nil
}

// Send compensates one delivery of a compensating routing slip.
func (h *CompensateActivityHost[TLog]) Send(ctx context.Context, cc *pipeline.ConsumeContext[*RoutingSlip]) error {
	slip := cc.Message
	if slip == nil {
		return fmt.Errorf("compensate: nil routing slip: %w", berr.ErrInvalidRoutingSlip)
	}

	log := h.opts.logger.With("tracking_number", slip.TrackingNumber)

	entry, ok := slip.LastCompensateLog()
	if !ok {
		err := fmt.Errorf("compensate %s: no compensate log: %w", slip.TrackingNumber, berr.ErrIntegrity)
		log.ErrorContext(ctx, "routing slip integrity violation", "err", err)

		return err
	}

	activityLog, n := slip.FindActivityLog(entry.ExecutionID)
	if n != 1 {
		err := fmt.Errorf("compensate %s: compensate log %s matches %d activity logs: %w",
			slip.TrackingNumber, entry.ExecutionID, n, berr.ErrIntegrity)
		log.ErrorContext(ctx, "routing slip integrity violation", "execution_id", entry.ExecutionID, "err", err)

		return err
	}

	log = log.With("activity", activityLog.Name, "execution_id", entry.ExecutionID)
	start := h.opts.now().UTC()

	result := h.run(ctx, slip, entry, activityLog, start)
	elapsed := h.opts.now().Sub(start)

	if err := ctx.Err(); err != nil {
		log.WarnContext(ctx, "compensation cancelled before forwarding", "err", err)
		return err
	}

	h.opts.observer.ActivityCompensated(activityLog.Name, result.kind, elapsed)

	if result.kind != ResultCompensated {
		log.ErrorContext(ctx, "compensation failed", "err", result.err)
		now := h.opts.now().UTC()

		return publishEvent(ctx, h.transport, slip.TrackingNumber, RoutingSlipCompensationFailed{
			TrackingNumber:          slip.TrackingNumber,
			Timestamp:               now,
			Duration:                now.Sub(slip.CreateTimestamp),
			ExecutionID:             entry.ExecutionID,
			ActivityName:            activityLog.Name,
			Exception:               exceptionInfo(result.err),
			RemainingCompensateLogs: slices.Clone(slip.CompensateLogs),
			ActivityExceptions:      slices.Clone(slip.ActivityExceptions),
			Variables:               cloneVariables(slip.Variables),
		})
	}

	next := slip.clone()
	next.CompensateLogs = next.CompensateLogs[:len(next.CompensateLogs)-1]
	maps.Copy(next.Variables, result.variables)

	compensated := RoutingSlipActivityCompensated{
		TrackingNumber: next.TrackingNumber,
		ExecutionID:    entry.ExecutionID,
		ActivityName:   activityLog.Name,
		Timestamp:      start,
		Duration:       elapsed,
		Variables:      cloneVariables(next.Variables),
	}
	if err := publishEvent(ctx, h.transport, next.TrackingNumber, compensated); err != nil {
		return err
	}

	if top, ok := next.LastCompensateLog(); ok {
		log.DebugContext(ctx, "activity compensated", "address", top.Address)
		return sendSlip(ctx, h.transport, top.Address, next)
	}

	now := h.opts.now().UTC()
	log.InfoContext(ctx, "routing slip fully compensated")

	return publishEvent(ctx, h.transport, next.TrackingNumber, RoutingSlipFaulted{
		TrackingNumber:     next.TrackingNumber,
		Timestamp:          now,
		Duration:           now.Sub(next.CreateTimestamp),
		ActivityExceptions: next.ActivityExceptions,
		Variables:          cloneVariables(next.Variables),
	})
}

func (h *CompensateActivityHost[TLog]) run(
	ctx context.Context,
	slip *RoutingSlip,
	entry CompensateLog,
	activityLog ActivityLog,
	start time.Time,
) (res CompensationResult) {
	var data TLog
	if err := codec.Convert(h.opts.serializer, entry.Data, &data); err != nil {
		return CompensationResult{kind: ResultCompensationFailed, err: fmt.Errorf("decode compensation log of %s: %w", activityLog.Name, err)}
	}

	cc := &compensateContext[TLog]{
		slip:        slip,
		activityLog: activityLog,
		log:         data,
		host:        h.opts.host,
		timestamp:   start,
	}

	defer func() {
		if r := recover(); r != nil {
			res = CompensationResult{kind: ResultCompensationFailed, err: fmt.Errorf("compensation of %s panicked: %v: %w", activityLog.Name, r, berr.ErrHandlerPanicked)}
		}
	}()

	res = h.activity.Compensate(ctx, cc)
	if res.kind != ResultCompensated && res.kind != ResultCompensationFailed {
		res = CompensationResult{kind: ResultCompensationFailed, err: fmt.Errorf("compensation of %s returned no result: %w", activityLog.Name, berr.ErrCompensationFailed)}
	}

	return res
}
