package functionRuntimeInterface

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

var (
	ErrNoResult   = errors.New("handler finished without a result")
	ErrNoResolver = errors.New("context carries no module resolver")
)

type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type MissingHandlerError struct {
	Function string
	Target   string
}

func (e *MissingHandlerError) Error() string {
	return fmt.Sprintf("function %s: no handler registered for entry point %q", e.Function, e.Target)
}

type TriggerMismatchError struct {
	Function string
	Trigger  metadata.TriggerKind
	Kind     HandlerKind
}

func (e *TriggerMismatchError) Error() string {
	return fmt.Sprintf("function %s: %s handler cannot serve %s triggers", e.Function, e.Kind, e.Trigger)
}

type InvalidHandlerError struct {
	Kind HandlerKind
}

func (e *InvalidHandlerError) Error() string {
	return fmt.Sprintf("invalid %s handler", e.Kind)
}

type ModuleNotFoundError struct {
	Module string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %q is not provided", e.Module)
}

type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("handler responded with status %d: %s", e.StatusCode, e.Body)
}

// ExitError ends the runner with a specific process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// SerializedError is the wire form of an error raised by user code.
type SerializedError struct {
	Name    string
	Message string
	Stack   string
	// Fields holds the exported fields of the originating error type.
	Fields map[string]any
}

func (e SerializedError) Error() string {
	return e.Message
}

func (e SerializedError) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["name"] = e.Name
	out["message"] = e.Message
	if e.Stack != "" {
		out["stack"] = e.Stack
	}
	return json.Marshal(out)
}

func (e *SerializedError) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Name, _ = raw["name"].(string)
	e.Message, _ = raw["message"].(string)
	e.Stack, _ = raw["stack"].(string)
	delete(raw, "name")
	delete(raw, "message")
	delete(raw, "stack")
	if len(raw) > 0 {
		e.Fields = raw
	}
	return nil
}

// SerializeError flattens err into name, message, stack and the exported
// fields of the first non-wrapper error in its chain.
func SerializeError(err error) SerializedError {
	if err == nil {
		return SerializedError{}
	}

	var serialized SerializedError
	if errors.As(err, &serialized) {
		return serialized
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return SerializedError{Name: "panic", Message: err.Error(), Stack: panicErr.Stack}
	}

	origin := originOf(err)
	name := typeName(origin)
	msg := err.Error()

	var stack strings.Builder
	fmt.Fprintf(&stack, "%s: %s", name, msg)
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&stack, "\n    caused by: %s", cause.Error())
	}

	return SerializedError{
		Name:    name,
		Message: msg,
		Stack:   stack.String(),
		Fields:  exportedFields(origin),
	}
}

func isWrapper(err error) bool {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.PkgPath() {
	case "errors", "fmt":
		return true
	}
	return false
}

func originOf(err error) error {
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if !isWrapper(cur) {
			return cur
		}
	}
	return err
}

func typeName(err error) string {
	if isWrapper(err) {
		return "Error"
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "Error"
	}
	return t.Name()
}

func exportedFields(err error) map[string]any {
	v := reflect.ValueOf(err)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	raw, mErr := json.Marshal(v.Interface())
	if mErr != nil {
		return nil
	}
	var fields map[string]any
	if json.Unmarshal(raw, &fields) != nil || len(fields) == 0 {
		return nil
	}
	return fields
}
