package stats

import (
	"fmt"
	"slices"
	"time"
)

type UpdateType int
type UpdateEvent int
type UpdateStatus int

const (
	TypeWorker UpdateType = iota
)

const (
	EventResponse UpdateEvent = iota
	EventDown
	EventTimeout
	EventStart
	EventStop
	EventCall
	EventRunning
)

const (
	StatusSuccess UpdateStatus = iota
	StatusFailed
)

func (t UpdateType) String() string {
	return [...]string{"worker"}[t]
}

func (e UpdateEvent) String() string {
	return [...]string{"response", "down", "timeout", "start", "stop", "call", "running"}[e]
}

func (s UpdateStatus) String() string {
	return [...]string{"success", "failed"}[s]
}

func (t UpdateType) MarshalText() ([]byte, error)   { return []byte(t.String()), nil }
func (e UpdateEvent) MarshalText() ([]byte, error)  { return []byte(e.String()), nil }
func (s UpdateStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (t *UpdateType) UnmarshalText(b []byte) error {
	return unmarshalName(b, []string{"worker"}, (*int)(t))
}

func (e *UpdateEvent) UnmarshalText(b []byte) error {
	return unmarshalName(b, []string{"response", "down", "timeout", "start", "stop", "call", "running"}, (*int)(e))
}

func (s *UpdateStatus) UnmarshalText(b []byte) error {
	return unmarshalName(b, []string{"success", "failed"}, (*int)(s))
}

func unmarshalName(b []byte, names []string, dst *int) error {
	i := slices.Index(names, string(b))
	if i < 0 {
		return fmt.Errorf("unknown value %q", b)
	}
	*dst = i
	return nil
}

// StatusUpdate is one lifecycle event of a worker.
type StatusUpdate struct {
	WorkerPID    int          `json:"pid,omitempty"`
	FunctionName string       `json:"function"`
	Timestamp    time.Time    `json:"timestamp"`
	Type         UpdateType   `json:"type"`
	Event        UpdateEvent  `json:"event"`
	Status       UpdateStatus `json:"status"`
	Detail       string       `json:"detail,omitempty"`
	// Elapsed is set on call outcomes.
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

func Event() *StatusUpdate {
	return &StatusUpdate{Timestamp: time.Now().UTC().Truncate(time.Nanosecond)}
}

func (su *StatusUpdate) Worker(pid int) *StatusUpdate {
	su.WorkerPID = pid
	su.Type = TypeWorker
	return su
}

func (su *StatusUpdate) Function(name string) *StatusUpdate {
	su.FunctionName = name
	return su
}

func (su *StatusUpdate) Response() *StatusUpdate {
	su.Event = EventResponse
	return su
}

func (su *StatusUpdate) Down() *StatusUpdate {
	su.Event = EventDown
	return su
}

func (su *StatusUpdate) Timeout() *StatusUpdate {
	su.Event = EventTimeout
	return su
}

func (su *StatusUpdate) Start() *StatusUpdate {
	su.Event = EventStart
	return su
}

func (su *StatusUpdate) Stop() *StatusUpdate {
	su.Event = EventStop
	return su
}

func (su *StatusUpdate) Call() *StatusUpdate {
	su.Event = EventCall
	return su
}

func (su *StatusUpdate) Running() *StatusUpdate {
	su.Event = EventRunning
	return su
}

func (su *StatusUpdate) Success() *StatusUpdate {
	su.Status = StatusSuccess
	return su
}

func (su *StatusUpdate) Failed() *StatusUpdate {
	su.Status = StatusFailed
	return su
}

func (su *StatusUpdate) WithDetail(detail string) *StatusUpdate {
	su.Detail = detail
	return su
}

func (su *StatusUpdate) Took(d time.Duration) *StatusUpdate {
	su.Elapsed = d
	return su
}
