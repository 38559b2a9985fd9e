// Package apierror defines the error taxonomy shared by the supervisor surfaces
// and its conversion to the JSON error envelope and gRPC status codes.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error for wire conversion.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindConflict
	// KindTimeout is reported as an internal error on the wire but kept apart for logging.
	KindTimeout
	KindPermissionDenied
)

func (k Kind) String() string {
	return [...]string{"INTERNAL", "INVALID_ARGUMENT", "NOT_FOUND", "CONFLICT", "TIMEOUT", "PERMISSION_DENIED"}[k]
}

// HTTPStatus maps the kind to an HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Code maps the kind to a gRPC code.
func (k Kind) Code() codes.Code {
	switch k {
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.AlreadyExists
	case KindPermissionDenied:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// wireStatus is the status string written into the envelope.
func (k Kind) wireStatus() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "ALREADY_EXISTS"
	case KindPermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return "INTERNAL"
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError recognise the error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.Code(), e.Error())
}

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidArgument(format string, args ...any) *Error {
	return newf(KindInvalidArgument, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, nil, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, nil, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return newf(KindInternal, err, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return newf(KindTimeout, nil, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return newf(KindPermissionDenied, nil, format, args...)
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Body is the JSON error envelope.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Code    int      `json:"code"`
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// Envelope builds the wire envelope for err.
func Envelope(err error) Body {
	kind := KindOf(err)
	msg := err.Error()
	return Body{Error: BodyError{
		Code:    kind.HTTPStatus(),
		Status:  kind.wireStatus(),
		Message: msg,
		Errors:  []string{msg},
	}}
}

// Write sends err as a JSON envelope with the matching HTTP status.
func Write(w http.ResponseWriter, err error) {
	body := Envelope(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(body.Error.Code)
	_ = json.NewEncoder(w).Encode(body)
}

// FromEnvelope decodes an envelope produced by Write back into an *Error.
func FromEnvelope(httpStatus int, raw []byte) error {
	var body Body
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		return &Error{Kind: kindFromHTTP(httpStatus), Message: fmt.Sprintf("unexpected status %d: %s", httpStatus, string(raw))}
	}
	return &Error{Kind: kindFromHTTP(body.Error.Code), Message: body.Error.Message}
}

func kindFromHTTP(code int) Kind {
	switch code {
	case http.StatusBadRequest:
		return KindInvalidArgument
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusForbidden:
		return KindPermissionDenied
	default:
		return KindInternal
	}
}
