package models

import "time"

// ExecutionStatus represents the status of a privileged command execution.
type ExecutionStatus string

const (
	// StatusRunning indicates the command is currently running.
	StatusRunning ExecutionStatus = "running"
	// StatusSuccess indicates the command exited zero.
	StatusSuccess ExecutionStatus = "success"
	// StatusFailed indicates the command could not start or exited non-zero.
	StatusFailed ExecutionStatus = "failed"
	// StatusTimedOut indicates the command was killed after its deadline.
	StatusTimedOut ExecutionStatus = "timed_out"
)

// CommandResult is the outcome of one external command.
type CommandResult struct {
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	OperationID string          `json:"operation_id"`
	Command     string          `json:"command"`
	Status      ExecutionStatus `json:"status"`
	Stdout      string          `json:"stdout"`
	Stderr      string          `json:"stderr"`
	ExitCode    int             `json:"exit_code"`
}

// Event types sent on the helper event stream.
const (
	EventOutput   = "output"
	EventComplete = "complete"
)

// Event is one message on the helper event stream.
type Event struct {
	Time        time.Time       `json:"time"`
	OperationID string          `json:"operation_id"`
	Type        string          `json:"type"`
	Command     string          `json:"command,omitempty"`
	Line        string          `json:"line,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	ExitCode    int             `json:"exit_code,omitempty"`
}
