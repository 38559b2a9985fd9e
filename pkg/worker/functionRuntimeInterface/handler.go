package functionRuntimeInterface

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime/debug"
	"sync"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

// HandlerKind is the calling convention of a registered handler.
type HandlerKind int

const (
	KindHTTP HandlerKind = iota
	KindSync
	KindAsync
	KindCallback
	KindHTTPEvent
)

func (k HandlerKind) String() string {
	return [...]string{"http", "sync", "async", "callback", "http-event"}[k]
}

// Trigger is the trigger kind a handler of this kind serves.
func (k HandlerKind) Trigger() metadata.TriggerKind {
	if k == KindHTTP {
		return metadata.TriggerHTTP
	}
	return metadata.TriggerEvent
}

// Result is delivered by asynchronous handlers.
type Result struct {
	Value any
	Err   error
}

// Done completes a callback handler. The first call wins.
type Done func(err error, value any)

type (
	SyncFunc     func(ctx context.Context, ev *Event) (any, error)
	AsyncFunc    func(ctx context.Context, ev *Event) <-chan Result
	CallbackFunc func(ctx context.Context, ev *Event, done Done)
)

// Handler is a user function together with its declared calling convention.
type Handler struct {
	kind     HandlerKind
	http     http.Handler
	sync     SyncFunc
	async    AsyncFunc
	callback CallbackFunc
}

// HTTP registers a handler that owns the request/response pair.
func HTTP(h http.HandlerFunc) Handler {
	return Handler{kind: KindHTTP, http: h}
}

// Sync registers an event handler returning its result directly.
func Sync(fn SyncFunc) Handler {
	return Handler{kind: KindSync, sync: fn}
}

// Async registers an event handler delivering its result on a channel.
func Async(fn AsyncFunc) Handler {
	return Handler{kind: KindAsync, async: fn}
}

// Callback registers an event handler that signals completion through Done.
func Callback(fn CallbackFunc) Handler {
	return Handler{kind: KindCallback, callback: fn}
}

// HTTPEvent registers an http.Handler that receives the event envelope as a
// JSON POST body; its response becomes the event result.
func HTTPEvent(h http.Handler) Handler {
	return Handler{kind: KindHTTPEvent, http: h}
}

func (h Handler) Kind() HandlerKind {
	return h.kind
}

func (h Handler) valid() bool {
	switch h.kind {
	case KindHTTP, KindHTTPEvent:
		return h.http != nil
	case KindSync:
		return h.sync != nil
	case KindAsync:
		return h.async != nil
	case KindCallback:
		return h.callback != nil
	}
	return false
}

// invokeEvent runs an event handler. Panics are recovered into *PanicError.
func (h Handler) invokeEvent(ctx context.Context, ev *Event) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()

	switch h.kind {
	case KindSync:
		return h.sync(ctx, ev)
	case KindAsync:
		ch := h.async(ctx, ev)
		if ch == nil {
			return nil, ErrNoResult
		}
		select {
		case res, ok := <-ch:
			if !ok {
				return nil, ErrNoResult
			}
			return res.Value, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case KindCallback:
		done := make(chan Result, 1)
		var once sync.Once
		h.callback(ctx, ev, func(err error, value any) {
			once.Do(func() { done <- Result{Value: value, Err: err} })
		})
		select {
		case res := <-done:
			return res.Value, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case KindHTTPEvent:
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		return serveRecorded(ctx, h.http, body, "application/json")
	}
	return nil, &InvalidHandlerError{Kind: h.kind}
}

// serveRecorded runs an http.Handler against an in-process request and turns
// its response into a result value.
func serveRecorded(ctx context.Context, h http.Handler, body []byte, contentType string) (any, error) {
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := rec.Body.Bytes()
	if rec.Code >= http.StatusInternalServerError {
		return nil, &HTTPStatusError{StatusCode: rec.Code, Body: string(out)}
	}
	if len(out) == 0 {
		return nil, nil
	}
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	return string(out), nil
}
