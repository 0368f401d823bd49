package domain

import (
	"fmt"
	"strings"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "NOT_STARTED"
	RunStatusStarting   RunStatus = "STARTING"
	RunStatusStarted    RunStatus = "STARTED"
	RunStatusCanceling  RunStatus = "CANCELING"
	RunStatusSuccess    RunStatus = "SUCCESS"
	RunStatusFailure    RunStatus = "FAILURE"
	RunStatusCanceled   RunStatus = "CANCELED"
)

// NonTerminalStatuses lists every status a live run can hold.
var NonTerminalStatuses = []RunStatus{
	RunStatusNotStarted,
	RunStatusStarting,
	RunStatusStarted,
	RunStatusCanceling,
}

// InFlightStatuses lists statuses where a worker handle may exist on the substrate.
var InFlightStatuses = []RunStatus{
	RunStatusStarting,
	RunStatusStarted,
	RunStatusCanceling,
}

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusCanceled:
		return true
	default:
		return false
	}
}

func (s RunStatus) Known() bool {
	switch s {
	case RunStatusNotStarted, RunStatusStarting, RunStatusStarted,
		RunStatusCanceling, RunStatusSuccess, RunStatusFailure, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) (RunStatus, error) {
	s := RunStatus(strings.ToUpper(strings.TrimSpace(value)))
	if !s.Known() {
		return "", fmt.Errorf("unknown run status: %q", value)
	}
	return s, nil
}

// CanTransition reports whether a status transition is permitted.
// Terminal statuses absorb: nothing transitions out of them.
func CanTransition(current, next RunStatus) bool {
	if !current.Known() || !next.Known() || current == next {
		return false
	}
	if current.IsTerminal() {
		return false
	}
	switch current {
	case RunStatusNotStarted:
		return next == RunStatusStarting || next == RunStatusFailure
	case RunStatusStarting:
		return next == RunStatusStarted || next == RunStatusCanceling ||
			next == RunStatusSuccess || next == RunStatusFailure
	case RunStatusStarted:
		return next == RunStatusSuccess || next == RunStatusFailure ||
			next == RunStatusCanceling
	case RunStatusCanceling:
		return next == RunStatusCanceled
	default:
		return false
	}
}
