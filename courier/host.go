package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/next-trace/scg-courier/codec"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/ids"
)

// MessageType is the value of the message-type header on forwarded routing slips.
const MessageType = "courier.RoutingSlip"

// Observer receives per-hop outcomes. Implementations must be safe for concurrent use.
type Observer interface {
	ActivityExecuted(activity string, outcome ResultKind, elapsed time.Duration)
	ActivityCompensated(activity string, outcome ResultKind, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ActivityExecuted(string, ResultKind, time.Duration)    {}
func (nopObserver) ActivityCompensated(string, ResultKind, time.Duration) {}

type hostOptions struct {
	serializer        cbus.Serializer
	ids               cbus.IDGenerator
	logger            *slog.Logger
	observer          Observer
	host              HostInfo
	now               func() time.Time
	compensateAddress string
}

// HostOption configures an execute or compensate host.
type HostOption func(*hostOptions)

// WithSerializer sets the serializer used for arguments and checkpoints.
func WithSerializer(s cbus.Serializer) HostOption { return func(o *hostOptions) { o.serializer = s } }

// WithIDGenerator sets the generator for execution ids.
func WithIDGenerator(g cbus.IDGenerator) HostOption { return func(o *hostOptions) { o.ids = g } }

// WithLogger sets the host logger.
func WithLogger(l *slog.Logger) HostOption { return func(o *hostOptions) { o.logger = l } }

// WithObserver sets the outcome observer.
func WithObserver(obs Observer) HostOption { return func(o *hostOptions) { o.observer = obs } }

// WithHostInfo overrides the host identity recorded in logs.
func WithHostInfo(h HostInfo) HostOption { return func(o *hostOptions) { o.host = h } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) HostOption { return func(o *hostOptions) { o.now = now } }

// WithCompensateAddress makes an execute host compensable: compensation logs pushed by its
// activity point at this address.
func WithCompensateAddress(address string) HostOption {
	return func(o *hostOptions) { o.compensateAddress = address }
}

func newHostOptions(opts []HostOption) hostOptions {
	o := hostOptions{
		serializer: codec.NewJSON(),
		ids:        ids.Default(),
		logger:     slog.Default(),
		observer:   nopObserver{},
		host:       CurrentHost(),
		now:        time.Now,
	}

	for _, f := range opts {
		if f != nil {
			f(&o)
		}
	}

	if o.serializer == nil {
		o.serializer = codec.NewJSON()
	}

	if o.ids == nil {
		o.ids = ids.Default()
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.observer == nil {
		o.observer = nopObserver{}
	}

	if o.now == nil {
		o.now = time.Now
	}

	return o
}

func sendSlip(ctx context.Context, t cbus.Sender, address string, slip *RoutingSlip) error {
	opts := cbus.SendOptions{
		Key: slip.TrackingNumber,
		Headers: map[string]string{
			cbus.HeaderTrackingNumber: slip.TrackingNumber,
			cbus.HeaderMessageType:    MessageType,
		},
	}

	if err := t.Send(ctx, address, slip, opts); err != nil {
		return fmt.Errorf("forward routing slip %s to %s: %w", slip.TrackingNumber, address, err)
	}

	return nil
}

func publishEvent(ctx context.Context, p cbus.Publisher, trackingNumber string, evt cbus.Event) error {
	opts := cbus.PublishOptions{
		Key:     trackingNumber,
		Headers: map[string]string{cbus.HeaderTrackingNumber: trackingNumber},
	}

	if err := p.Publish(ctx, evt, opts); err != nil {
		return fmt.Errorf("publish %s for %s: %w", evt.Topic(), trackingNumber, err)
	}

	return nil
}

var knownCodes = []error{
	berr.ErrCompensationRequired,
	berr.ErrNotCompensable,
	berr.ErrHandlerPanicked,
	berr.ErrSerializationFailed,
	berr.ErrActivityFaulted,
	berr.ErrCompensationFailed,
}

// exceptionInfo keeps the first known error code as the type, or the innermost error's Go type.
func exceptionInfo(err error) ExceptionInfo {
	if err == nil {
		return ExceptionInfo{}
	}

	for _, code := range knownCodes {
		if errors.Is(err, code) {
			return ExceptionInfo{Type: code.Error(), Message: err.Error()}
		}
	}

	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}

	return ExceptionInfo{Type: fmt.Sprintf("%T", inner), Message: err.Error()}
}
