package courier

import (
	"context"
	"fmt"
	"time"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

// Execute starts slip by sending it to the address of its first activity.
// A slip with an empty itinerary completes immediately.
func Execute(ctx context.Context, t cbus.Transport, slip *RoutingSlip) error {
	if slip == nil || slip.TrackingNumber == "" {
		return fmt.Errorf("execute routing slip: missing tracking number: %w", berr.ErrInvalidRoutingSlip)
	}

	if t == nil {
		return fmt.Errorf("execute routing slip %s: %w", slip.TrackingNumber, berr.ErrAsyncNotConfigured)
	}

	if head, ok := slip.CurrentActivity(); ok {
		return sendSlip(ctx, t, head.Address, slip)
	}

	now := time.Now().UTC()

	return publishEvent(ctx, t, slip.TrackingNumber, RoutingSlipCompleted{
		TrackingNumber: slip.TrackingNumber,
		Timestamp:      now,
		Duration:       now.Sub(slip.CreateTimestamp),
		Variables:      cloneVariables(slip.Variables),
	})
}
