package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"time"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

// ReceiveContext is the untyped context a receive endpoint runs through its filters
// before the message reaches the ConsumePipe.
type ReceiveContext struct {
	Address    string
	Message    any
	Headers    map[string]string
	ReceivedAt time.Time
}

// MessageType returns the name of the message's dynamic type.
func (rc *ReceiveContext) MessageType() string {
	if rc.Message == nil {
		return "<nil>"
	}

	return reflect.TypeOf(rc.Message).String()
}

// RecoverFilter converts a panic further down the pipe into an error wrapping ErrHandlerPanicked.
func RecoverFilter[T any]() Filter[T] {
	return FilterFunc[T](func(ctx context.Context, v T, next Pipe[T]) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("recovered %v: %w\n%s", r, berr.ErrHandlerPanicked, debug.Stack())
			}
		}()

		return next.Send(ctx, v)
	})
}

// LogFilter logs every received message and its outcome.
func LogFilter(logger *slog.Logger) Filter[*ReceiveContext] {
	if logger == nil {
		logger = slog.Default()
	}

	return FilterFunc[*ReceiveContext](func(ctx context.Context, rc *ReceiveContext, next Pipe[*ReceiveContext]) error {
		start := time.Now()
		err := next.Send(ctx, rc)

		attrs := []any{
			"address", rc.Address,
			"message_type", rc.MessageType(),
			"elapsed", time.Since(start),
		}
		if tn := rc.Headers[cbus.HeaderTrackingNumber]; tn != "" {
			attrs = append(attrs, "tracking_number", tn)
		}

		if err != nil {
			logger.ErrorContext(ctx, "receive failed", append(attrs, "err", err)...)
			return err
		}

		logger.DebugContext(ctx, "received", attrs...)

		return nil
	})
}
