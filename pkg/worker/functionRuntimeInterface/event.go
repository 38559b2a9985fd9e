package functionRuntimeInterface

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultEventType = "hyperfaas.emulator.event"

	headerEventType     = "Ce-Type"
	headerEventResource = "Ce-Source"
)

// Event is the envelope handed to event-triggered handlers.
type Event struct {
	EventID   string          `json:"eventId"`
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"eventType"`
	Resource  string          `json:"resource"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps data in a fresh envelope.
func NewEvent(data json.RawMessage) *Event {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: defaultEventType,
		Data:      data,
	}
}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

var errMalformedJSON = errors.New("request body is not valid JSON")

// eventFromRequest builds the envelope from an inbound request body. JSON bodies
// become data as-is, forms become an object of their first values, text becomes
// a string and any other payload is carried as base64 bytes.
func eventFromRequest(r *http.Request, body []byte, resource string) (*Event, error) {
	data, err := parseBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	ev := NewEvent(data)
	ev.Resource = resource
	if t := r.Header.Get(headerEventType); t != "" {
		ev.EventType = t
	}
	if s := r.Header.Get(headerEventResource); s != "" {
		ev.Resource = s
	}
	return ev, nil
}

func parseBody(contentType string, body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "" || isJSON(mediaType):
		if !json.Valid(body) {
			if mediaType == "" {
				return json.Marshal(string(body))
			}
			return nil, errMalformedJSON
		}
		return json.RawMessage(body), nil
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		form := make(map[string]string, len(values))
		for k := range values {
			form[k] = values.Get(k)
		}
		return json.Marshal(form)
	case strings.HasPrefix(mediaType, "text/"):
		return json.Marshal(string(body))
	default:
		return json.Marshal(body)
	}
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// isParsedBody reports whether the content type is one the runner decodes.
func isParsedBody(contentType string) bool {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	return mediaType == "" || isJSON(mediaType) ||
		mediaType == "application/x-www-form-urlencoded" ||
		strings.HasPrefix(mediaType, "text/")
}
