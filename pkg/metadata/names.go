package metadata

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"
)

var (
	namePattern      = regexp.MustCompile(`^projects/([A-Za-z0-9._-]+)/locations/([A-Za-z0-9._-]+)/functions/([^/]+)$`)
	shortNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,62}$`)
)

const (
	DefaultTimeout = 60 * time.Second
	MaxTimeout     = 9 * time.Minute
)

// FunctionName is a parsed fully-qualified function name.
type FunctionName struct {
	Project   string
	Location  string
	ShortName string
}

func (n FunctionName) String() string {
	return fmt.Sprintf("projects/%s/locations/%s/functions/%s", n.Project, n.Location, n.ShortName)
}

// NewFunctionName validates the parts and builds a FunctionName.
func NewFunctionName(project, location, shortName string) (FunctionName, error) {
	return ParseName(FunctionName{Project: project, Location: location, ShortName: shortName}.String())
}

// ParseName validates a `projects/P/locations/L/functions/F` name.
func ParseName(name string) (FunctionName, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return FunctionName{}, &InvalidNameError{Name: name, Reason: "must match projects/{project}/locations/{location}/functions/{function}"}
	}
	if !shortNamePattern.MatchString(m[3]) {
		return FunctionName{}, &InvalidNameError{Name: name, Reason: "function name must start with a letter, contain only letters, digits, hyphens or underscores and be at most 63 characters"}
	}
	return FunctionName{Project: m[1], Location: m[2], ShortName: m[3]}, nil
}

// Validate checks the descriptor fields the supervisor depends on.
func (d *FunctionDescriptor) Validate() error {
	n, err := ParseName(d.Name)
	if err != nil {
		return err
	}
	if d.ShortName != "" && d.ShortName != n.ShortName {
		return &InvalidNameError{Name: d.Name, Reason: fmt.Sprintf("shortName %q does not match name", d.ShortName)}
	}
	switch d.Trigger {
	case TriggerHTTP, TriggerEvent:
	default:
		return &InvalidDescriptorError{Name: d.Name, Reason: fmt.Sprintf("unknown trigger kind %q", d.Trigger)}
	}
	if d.SourcePath == "" {
		return &InvalidDescriptorError{Name: d.Name, Reason: "sourcePath is required"}
	}
	return nil
}

// ResolveTimeout derives the per-call timeout from the descriptor.
// Missing values use DefaultTimeout, values above MaxTimeout are clamped and
// malformed values fall back to the default with a warning.
func ResolveTimeout(d *FunctionDescriptor, logger *slog.Logger) time.Duration {
	if d == nil || d.Timeout == nil || d.Timeout.Seconds == "" {
		return DefaultTimeout
	}
	secs, err := strconv.ParseFloat(d.Timeout.Seconds, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return malformedTimeout(d, logger)
	}
	// Compare in seconds so huge values never reach the int64 conversion.
	if secs > MaxTimeout.Seconds() {
		return MaxTimeout
	}
	timeout := time.Duration(secs * float64(time.Second))
	if timeout <= 0 {
		return malformedTimeout(d, logger)
	}
	return timeout
}

func malformedTimeout(d *FunctionDescriptor, logger *slog.Logger) time.Duration {
	if logger != nil {
		logger.Warn("Malformed function timeout, using default", "function", d.Name, "timeout", d.Timeout.Seconds, "default", DefaultTimeout)
	}
	return DefaultTimeout
}
