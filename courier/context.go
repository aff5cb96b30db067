package courier

import (
	"fmt"
	"time"

	berr "github.com/next-trace/scg-courier/contract/errors"
)

type executeContext[TArgs any] struct {
	slip        *RoutingSlip
	activity    Activity
	executionID string
	args        TArgs
	host        HostInfo
	timestamp   time.Time
}

func (c *executeContext[TArgs]) TrackingNumber() string    { return c.slip.TrackingNumber }
func (c *executeContext[TArgs]) ExecutionID() string       { return c.executionID }
func (c *executeContext[TArgs]) ActivityName() string      { return c.activity.Name }
func (c *executeContext[TArgs]) Arguments() TArgs          { return c.args }
func (c *executeContext[TArgs]) Variables() map[string]any { return cloneVariables(c.slip.Variables) }
func (c *executeContext[TArgs]) Host() HostInfo            { return c.host }
func (c *executeContext[TArgs]) Timestamp() time.Time      { return c.timestamp }

func (c *executeContext[TArgs]) Completed(opts ...ResultOption) ExecutionResult {
	o := applyResultOptions(opts)

	return ExecutionResult{kind: ResultCompleted, variables: o.variables, log: o.log, hasLog: o.hasLog}
}

func (c *executeContext[TArgs]) Faulted(err error) ExecutionResult {
	if err == nil {
		err = fmt.Errorf("activity %s faulted: %w", c.activity.Name, berr.ErrActivityFaulted)
	}

	return ExecutionResult{kind: ResultFaulted, err: err}
}

func (c *executeContext[TArgs]) RequestCompensation(reason error) ExecutionResult {
	if reason == nil {
		reason = fmt.Errorf("activity %s: %w", c.activity.Name, berr.ErrCompensationRequired)
	}

	return ExecutionResult{kind: ResultCompensationRequested, err: reason}
}

type compensateContext[TLog any] struct {
	slip        *RoutingSlip
	activityLog ActivityLog
	log         TLog
	host        HostInfo
	timestamp   time.Time
}

func (c *compensateContext[TLog]) TrackingNumber() string    { return c.slip.TrackingNumber }
func (c *compensateContext[TLog]) ExecutionID() string       { return c.activityLog.ExecutionID }
func (c *compensateContext[TLog]) ActivityName() string      { return c.activityLog.Name }
func (c *compensateContext[TLog]) Log() TLog                 { return c.log }
func (c *compensateContext[TLog]) Variables() map[string]any { return cloneVariables(c.slip.Variables) }
func (c *compensateContext[TLog]) Host() HostInfo            { return c.host }
func (c *compensateContext[TLog]) Timestamp() time.Time      { return c.timestamp }

func (c *compensateContext[TLog]) Compensated(opts ...ResultOption) CompensationResult {
	o := applyResultOptions(opts)

	return CompensationResult{kind: ResultCompensated, variables: o.variables}
}

func (c *compensateContext[TLog]) Failed(err error) CompensationResult {
	if err == nil {
		err = fmt.Errorf("compensation of %s failed: %w", c.activityLog.Name, berr.ErrCompensationFailed)
	}

	return CompensationResult{kind: ResultCompensationFailed, err: err}
}
