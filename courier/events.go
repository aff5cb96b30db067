package courier

import (
	"time"

	cbus "github.com/next-trace/scg-courier/contract/bus"
)

const topicPrefix = "courier.routing_slip."

// RoutingSlipCompleted is published when the last activity of the itinerary completes.
type RoutingSlipCompleted struct {
	TrackingNumber string         `json:"trackingNumber"`
	Timestamp      time.Time      `json:"timestamp"`
	Duration       time.Duration  `json:"duration"`
	Variables      map[string]any `json:"variables"`
}

// RoutingSlipFaulted is published once a faulted slip has nothing left to compensate.
type RoutingSlipFaulted struct {
	TrackingNumber     string              `json:"trackingNumber"`
	Timestamp          time.Time           `json:"timestamp"`
	Duration           time.Duration       `json:"duration"`
	ActivityExceptions []ActivityException `json:"activityExceptions"`
	Variables          map[string]any      `json:"variables"`
}

// RoutingSlipCompensationFailed is published when an undo step fails. Compensation stops;
// RemainingCompensateLogs still includes the entry that failed.
type RoutingSlipCompensationFailed struct {
	TrackingNumber          string              `json:"trackingNumber"`
	Timestamp               time.Time           `json:"timestamp"`
	Duration                time.Duration       `json:"duration"`
	ExecutionID             string              `json:"executionId"`
	ActivityName            string              `json:"activityName"`
	Exception               ExceptionInfo       `json:"exception"`
	RemainingCompensateLogs []CompensateLog     `json:"remainingCompensateLogs"`
	ActivityExceptions      []ActivityException `json:"activityExceptions"`
	Variables               map[string]any      `json:"variables"`
}

// RoutingSlipActivityCompleted is published after each successful activity execution.
// It is published before the slip is forwarded, so a forward that fails and is redelivered
// publishes it again under a new ExecutionID. Only the ExecutionID that reaches ActivityLogs
// belongs to the slip's history; consumers must tolerate the extra events.
type RoutingSlipActivityCompleted struct {
	TrackingNumber string         `json:"trackingNumber"`
	ExecutionID    string         `json:"executionId"`
	ActivityName   string         `json:"activityName"`
	Timestamp      time.Time      `json:"timestamp"`
	Duration       time.Duration  `json:"duration"`
	Variables      map[string]any `json:"variables"`
	Compensable    bool           `json:"compensable"`
}

// RoutingSlipActivityFaulted is published after each failed activity execution.
type RoutingSlipActivityFaulted struct {
	TrackingNumber string         `json:"trackingNumber"`
	ExecutionID    string         `json:"executionId"`
	ActivityName   string         `json:"activityName"`
	Timestamp      time.Time      `json:"timestamp"`
	Duration       time.Duration  `json:"duration"`
	Exception      ExceptionInfo  `json:"exception"`
	Variables      map[string]any `json:"variables"`
}

// RoutingSlipActivityCompensated is published after each successful undo step.
type RoutingSlipActivityCompensated struct {
	TrackingNumber string         `json:"trackingNumber"`
	ExecutionID    string         `json:"executionId"`
	ActivityName   string         `json:"activityName"`
	Timestamp      time.Time      `json:"timestamp"`
	Duration       time.Duration  `json:"duration"`
	Variables      map[string]any `json:"variables"`
}

func (RoutingSlipCompleted) Topic() string          { return topicPrefix + "completed" }
func (RoutingSlipFaulted) Topic() string            { return topicPrefix + "faulted" }
func (RoutingSlipCompensationFailed) Topic() string { return topicPrefix + "compensation_failed" }
func (RoutingSlipActivityCompleted) Topic() string  { return topicPrefix + "activity_completed" }
func (RoutingSlipActivityFaulted) Topic() string    { return topicPrefix + "activity_faulted" }
func (RoutingSlipActivityCompensated) Topic() string {
	return topicPrefix + "activity_compensated"
}

var (
	_ cbus.Event = RoutingSlipCompleted{}
	_ cbus.Event = RoutingSlipFaulted{}
	_ cbus.Event = RoutingSlipCompensationFailed{}
	_ cbus.Event = RoutingSlipActivityCompleted{}
	_ cbus.Event = RoutingSlipActivityFaulted{}
	_ cbus.Event = RoutingSlipActivityCompensated{}
)
