package parley

import "fmt"

// ErrForkAccess is returned when a process below ADMIN attempts to fork.
type ErrForkAccess struct {
	Level AccessLevel
}

func (e *ErrForkAccess) Error() string {
	return fmt.Sprintf("fork requires admin access, process has %s", e.Level)
}

// ErrForkNoHistory is returned when a process with an empty transcript
// attempts to fork. A child needs conversational context to start from.
type ErrForkNoHistory struct {
	ProcessID string
}

func (e *ErrForkNoHistory) Error() string {
	return fmt.Sprintf("fork of process %s: transcript is empty", e.ProcessID)
}

// ErrSpawnLimit is returned when a spawn request exceeds the child cap.
// No children are created when this is returned.
type ErrSpawnLimit struct {
	Requested int
	Max       int
}

func (e *ErrSpawnLimit) Error() string {
	return fmt.Sprintf("spawn of %d children exceeds limit of %d", e.Requested, e.Max)
}

// ErrBlockedInput is returned by guard plugins that veto a user input.
type ErrBlockedInput struct {
	Reason string
}

func (e *ErrBlockedInput) Error() string {
	return fmt.Sprintf("input blocked: %s", e.Reason)
}

// ErrHookFailed wraps an error raised by a behavioral hook, identifying the
// plugin and event that failed. Hook failures abort the current operation.
type ErrHookFailed struct {
	Plugin string
	Event  string
	Err    error
}

func (e *ErrHookFailed) Error() string {
	return fmt.Sprintf("plugin %s failed %s hook: %v", e.Plugin, e.Event, e.Err)
}

func (e *ErrHookFailed) Unwrap() error { return e.Err }

// ErrHTTP is a non-2xx response from a provider endpoint.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
