package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoPrivileges indicates elevation could not be obtained or is not held.
	ErrNoPrivileges = errors.New("no privileges")
	// ErrHelperUnreachable indicates the privileged helper could not be contacted.
	ErrHelperUnreachable = errors.New("privileged helper unreachable")
	// ErrHelperVersionMismatch indicates the installed helper is not the expected build.
	ErrHelperVersionMismatch = errors.New("privileged helper version mismatch")
	// ErrHelperBusy indicates the helper is already running a destructive operation.
	ErrHelperBusy = errors.New("privileged helper is busy")
	// ErrCancelled indicates the user declined an interactive step. It is not a failure.
	ErrCancelled = errors.New("cancelled by user")
	// ErrMigrationInProgress rejects out-of-band operations while a migration runs.
	ErrMigrationInProgress = errors.New("migration in progress")
	// ErrVendorNotFound indicates a vendor identifier is not registered.
	ErrVendorNotFound = errors.New("vendor not found")
	// ErrBackupNotFound indicates a backup record does not exist.
	ErrBackupNotFound = errors.New("backup not found")
)

// CommandError reports an external command that failed to start or exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// VerificationError reports that a post-condition still shows the old state.
type VerificationError struct {
	Vendor    string
	Remaining []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s is still present: %s", e.Vendor, strings.Join(e.Remaining, ", "))
}

// PrerequisiteError lists the unmet system requirements.
type PrerequisiteError struct {
	Unmet []string
}

func (e *PrerequisiteError) Error() string {
	return "prerequisites not met: " + strings.Join(e.Unmet, ", ")
}

// ConfigError reports a missing or invalid input.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// TimeoutError reports an operation that was terminated after its time budget.
type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.After)
}

// IsPrivilegeError reports whether err means the privileged channel cannot be used.
func IsPrivilegeError(err error) bool {
	return errors.Is(err, ErrNoPrivileges) ||
		errors.Is(err, ErrHelperUnreachable) ||
		errors.Is(err, ErrHelperVersionMismatch)
}

// Error kinds carried over the helper wire protocol.
const (
	KindCommand      = "command"
	KindTimeout      = "timeout"
	KindConfig       = "config"
	KindVerification = "verification"
	KindBusy         = "busy"
	KindNotFound     = "not_found"
	KindPrivilege    = "privilege"
	KindInternal     = "internal"
)

// ErrorResponse is the body of every non-2xx helper response.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Kind      string   `json:"kind"`
	Command   string   `json:"command,omitempty"`
	ExitCode  int      `json:"exit_code,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
	Field     string   `json:"field,omitempty"`
	Remaining []string `json:"remaining,omitempty"`
	Vendor    string   `json:"vendor,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

// NewErrorResponse classifies err for the wire.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Kind: KindInternal}

	var cmdErr *CommandError
	var timeoutErr *TimeoutError
	var cfgErr *ConfigError
	var verErr *VerificationError

	switch {
	case errors.As(err, &timeoutErr):
		resp.Kind = KindTimeout
		resp.Operation = timeoutErr.Operation
		resp.TimeoutMS = timeoutErr.After.Milliseconds()
	case errors.As(err, &cmdErr):
		resp.Kind = KindCommand
		resp.Command = cmdErr.Command
		resp.ExitCode = cmdErr.ExitCode
		resp.Stderr = cmdErr.Stderr
	case errors.As(err, &cfgErr):
		resp.Kind = KindConfig
		resp.Field = cfgErr.Field
	case errors.As(err, &verErr):
		resp.Kind = KindVerification
		resp.Vendor = verErr.Vendor
		resp.Remaining = verErr.Remaining
	case errors.Is(err, ErrHelperBusy):
		resp.Kind = KindBusy
	case errors.Is(err, ErrVendorNotFound), errors.Is(err, ErrBackupNotFound):
		resp.Kind = KindNotFound
	case errors.Is(err, ErrNoPrivileges):
		resp.Kind = KindPrivilege
	}

	return resp
}

// Err rebuilds a typed error from a wire response.
func (r ErrorResponse) Err() error {
	switch r.Kind {
	case KindTimeout:
		return &TimeoutError{Operation: r.Operation, After: time.Duration(r.TimeoutMS) * time.Millisecond}
	case KindCommand:
		return &CommandError{Command: r.Command, ExitCode: r.ExitCode, Stderr: r.Stderr, Err: errors.New(r.Error)}
	case KindConfig:
		return &ConfigError{Field: r.Field, Message: r.Error}
	case KindVerification:
		return &VerificationError{Vendor: r.Vendor, Remaining: r.Remaining}
	case KindBusy:
		return fmt.Errorf("%w: %s", ErrHelperBusy, r.Error)
	case KindPrivilege:
		return fmt.Errorf("%w: %s", ErrNoPrivileges, r.Error)
	case KindNotFound:
		if strings.Contains(r.Error, ErrBackupNotFound.Error()) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, r.Error)
		}
		return fmt.Errorf("%w: %s", ErrVendorNotFound, r.Error)
	}
	return errors.New(r.Error)
}
