package manager

import "fmt"

// ValidationError reports bad input to a manager operation (malformed
// cron expression, non-absolute command path, bad name).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SpawnFailure wraps the cause of a failed process launch (missing binary,
// no exec permission, privilege-demotion failure). It terminates only the
// one execution it belongs to.
type SpawnFailure struct {
	Cause error
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("spawn failed: %v", e.Cause)
}

func (e *SpawnFailure) Unwrap() error { return e.Cause }
