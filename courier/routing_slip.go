package courier

import (
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"
)

// RoutingSlip is one in-flight saga. Hosts never mutate an inbound slip; they clone it
// and forward the clone.
type RoutingSlip struct {
	TrackingNumber     string              `json:"trackingNumber"`
	CreateTimestamp    time.Time           `json:"createTimestamp"`
	Itinerary          []Activity          `json:"itinerary"`
	ActivityLogs       []ActivityLog       `json:"activityLogs"`
	CompensateLogs     []CompensateLog     `json:"compensateLogs"`
	Variables          map[string]any      `json:"variables"`
	ActivityExceptions []ActivityException `json:"activityExceptions"`
}

// Activity is one itinerary entry.
type Activity struct {
	Name      string         `json:"name"`
	Address   string         `json:"address"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ActivityLog records one successfully executed activity.
type ActivityLog struct {
	ExecutionID string        `json:"executionId"`
	Name        string        `json:"name"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
	Host        HostInfo      `json:"host"`
}

// CompensateLog is the undo checkpoint pushed by a compensable activity.
type CompensateLog struct {
	ExecutionID string         `json:"executionId"`
	Address     string         `json:"address"`
	Data        map[string]any `json:"data,omitempty"`
}

// ActivityException records a failed execution attempt.
type ActivityException struct {
	ExecutionID string        `json:"executionId"`
	Name        string        `json:"name"`
	Timestamp   time.Time     `json:"timestamp"`
	Elapsed     time.Duration `json:"elapsed"`
	Host        HostInfo      `json:"host"`
	Exception   ExceptionInfo `json:"exception"`
}

// ExceptionInfo describes an error in a form that survives serialization.
type ExceptionInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HostInfo identifies the process that ran an activity.
type HostInfo struct {
	MachineName string `json:"machineName"`
	ProcessName string `json:"processName"`
	ProcessID   int    `json:"processId"`
	Runtime     string `json:"runtime"`
	HostVersion string `json:"hostVersion,omitempty"`
}

// CurrentHost describes the running process.
func CurrentHost() HostInfo {
	machine, _ := os.Hostname()

	process := ""
	if exe, err := os.Executable(); err == nil {
		process = filepath.Base(exe)
	}

	return HostInfo{
		MachineName: machine,
		ProcessName: process,
		ProcessID:   os.Getpid(),
		Runtime:     runtime.Version(),
	}
}

// IsCompleted reports whether there is nothing left to execute.
func (s *RoutingSlip) IsCompleted() bool { return len(s.Itinerary) == 0 }

// IsCompensating reports whether an activity has faulted.
func (s *RoutingSlip) IsCompensating() bool { return len(s.ActivityExceptions) > 0 }

// CurrentActivity returns the itinerary head.
func (s *RoutingSlip) CurrentActivity() (Activity, bool) {
	if len(s.Itinerary) == 0 {
		return Activity{}, false
	}

	return s.Itinerary[0], true
}

// LastCompensateLog returns the top of the compensation stack.
func (s *RoutingSlip) LastCompensateLog() (CompensateLog, bool) {
	if len(s.CompensateLogs) == 0 {
		return CompensateLog{}, false
	}

	return s.CompensateLogs[len(s.CompensateLogs)-1], true
}

// FindActivityLog returns the activity log for executionID and how many logs share it.
func (s *RoutingSlip) FindActivityLog(executionID string) (ActivityLog, int) {
	var (
		found ActivityLog
		n     int
	)

	for _, l := range s.ActivityLogs {
		if l.ExecutionID == executionID {
			if n == 0 {
				found = l
			}
			n++
		}
	}

	return found, n
}

// clone copies every slice and the variables map so the result can be mutated freely.
// Nested argument and checkpoint maps are shared; hosts never write into them.
func (s *RoutingSlip) clone() *RoutingSlip {
	return &RoutingSlip{
		TrackingNumber:     s.TrackingNumber,
		CreateTimestamp:    s.CreateTimestamp,
		Itinerary:          slices.Clone(s.Itinerary),
		ActivityLogs:       slices.Clone(s.ActivityLogs),
		CompensateLogs:     slices.Clone(s.CompensateLogs),
		Variables:          cloneVariables(s.Variables),
		ActivityExceptions: slices.Clone(s.ActivityExceptions),
	}
}

func cloneVariables(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}

	return maps.Clone(v)
}
