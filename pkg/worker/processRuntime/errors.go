package processRuntime

import (
	"fmt"
	"strings"
)

type StartError struct {
	Function string
	Command  []string
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start worker for %s (%s): %v", e.Function, strings.Join(e.Command, " "), e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

type BuildError struct {
	Function string
	Output   string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build %s: %v\n%s", e.Function, e.Err, e.Output)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// EarlyExitError is returned when a worker exits before finishing the handshake.
type EarlyExitError struct {
	Function string
	Status   ExitStatus
	Stderr   string
}

func (e *EarlyExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker for %s exited before it was ready", e.Function)
	if e.Status.Signal != "" {
		fmt.Fprintf(&b, " (signal %s)", e.Status.Signal)
	} else {
		fmt.Fprintf(&b, " (code %d)", e.Status.Code)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	return b.String()
}

type ProtocolError struct {
	Function string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("worker for %s: %s", e.Function, e.Reason)
}

// RemoteError is a failure reported by a single-shot execution.
type RemoteError struct {
	Function string
	Name     string
	Message  string
	Stack    string
	Raw      []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Function, e.Name, e.Message)
}
