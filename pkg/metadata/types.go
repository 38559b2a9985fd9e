package metadata

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// TriggerKind selects how the runner hands a request to the user handler.
type TriggerKind string

const (
	TriggerHTTP  TriggerKind = "HTTP"
	TriggerEvent TriggerKind = "EVENT"
)

// Status of a deployed function as recorded in the registry.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusDeploying Status = "DEPLOYING"
	StatusReady     Status = "READY"
	StatusFailed    Status = "FAILED"
	StatusDeleting  Status = "DELETING"
)

// Timeout mirrors the `{"seconds": N}` duration object stored with a function.
// Seconds is kept as raw text so that malformed values survive decoding and can
// be reported when the timeout is resolved.
type Timeout struct {
	Seconds string `json:"seconds,omitempty"`
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var raw struct {
		Seconds json.RawMessage `json:"seconds"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s := string(bytes.TrimSpace(raw.Seconds))
	if s == "null" {
		s = ""
	}
	t.Seconds = strings.Trim(s, `"`)
	return nil
}

// FunctionDescriptor is the registry record of a deployed function.
type FunctionDescriptor struct {
	Name       string      `json:"name"`
	ShortName  string      `json:"shortName"`
	SourcePath string      `json:"sourcePath"`
	EntryPoint string      `json:"entryPoint,omitempty"`
	Trigger    TriggerKind `json:"triggerKind"`
	Timeout    *Timeout    `json:"timeout,omitempty"`
	Status     Status      `json:"status,omitempty"`
	// Command overrides the launcher argv for this function. Empty means the
	// supervisor default.
	Command []string `json:"command,omitempty"`
}

// Clone returns a deep copy.
func (d *FunctionDescriptor) Clone() *FunctionDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	if d.Timeout != nil {
		t := *d.Timeout
		c.Timeout = &t
	}
	c.Command = append([]string(nil), d.Command...)
	return &c
}

// Target is the name the runner looks the handler up by.
func (d *FunctionDescriptor) Target() string {
	if d.EntryPoint != "" {
		return d.EntryPoint
	}
	return d.ShortName
}

// EventType provides the type of change observed in the metadata store.
type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypePut
	EventTypeDelete
)

// Event encapsulates metadata change notifications.
type Event struct {
	Type     EventType
	Name     string
	Function *FunctionDescriptor
}

// ListResult holds the metadata snapshot together with the revision used for future watches.
type ListResult struct {
	Functions []*FunctionDescriptor
	Revision  int64
}

// Options configures the metadata client.
type Options struct {
	// Prefix controls where function metadata is stored. Defaults to DefaultPrefix when empty.
	Prefix string
	// DialTimeout overrides the etcd dial timeout. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration
}

const (
	DefaultPrefix      = "hyperfaas-emulator/functions"
	DefaultDialTimeout = 5 * time.Second
)
