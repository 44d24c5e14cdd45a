package store

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by the store. Callers match with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	// StatusUnknown marks an execution that was persisted as running but
	// whose supervising engine died; reconciliation assigns it when the
	// recorded PID no longer exists. Terminal, exit code absent.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusStopped, StatusUnknown:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusStopped, StatusUnknown:
		return true
	}
	return false
}

// Definition is a registered, named task pointing at an external executable.
// Name is immutable after creation and unique within its owner's partition.
type Definition struct {
	Name        string    `json:"name"`
	Command     string    `json:"command"`
	CronExpr    string    `json:"cron_expr,omitempty"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	OwnerUID    int       `json:"owner_uid"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Execution is one run of a definition. ExitCode is set only for
// StatusSucceeded and StatusFailed.
type Execution struct {
	ID          string    `json:"id"`
	ProcessName string    `json:"process_name"`
	Args        []string  `json:"args,omitempty"`
	Status      Status    `json:"status"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	StdoutLog   string    `json:"stdout_log"`
	StderrLog   string    `json:"stderr_log"`
	OwnerUID    int       `json:"owner_uid"`
}
