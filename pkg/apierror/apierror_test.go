package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWriteEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantWire   string
	}{
		{name: "invalid", err: InvalidArgument("bad name %q", "x"), wantStatus: http.StatusBadRequest, wantWire: "INVALID_ARGUMENT"},
		{name: "not found", err: NotFound("no such function"), wantStatus: http.StatusNotFound, wantWire: "NOT_FOUND"},
		{name: "conflict", err: Conflict("port 9229 in use"), wantStatus: http.StatusConflict, wantWire: "ALREADY_EXISTS"},
		{name: "timeout", err: Timeout("execution attempt timed out"), wantStatus: http.StatusInternalServerError, wantWire: "INTERNAL"},
		{name: "forbidden", err: PermissionDenied("admin API is loopback only"), wantStatus: http.StatusForbidden, wantWire: "PERMISSION_DENIED"},
		{name: "plain", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantWire: "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Write(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":{"code":%d,"status":%q,"message":%q,"errors":[%q]}}`,
				tt.wantStatus, tt.wantWire, tt.err.Error(), tt.err.Error()), rec.Body.String())
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("deploy: %w", Conflict("taken"))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
}

func TestGRPCStatus(t *testing.T) {
	st, ok := status.FromError(NotFound("missing"))
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "missing", st.Message())
}

func TestFromEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, Conflict("debug port 9229 already in use"))

	err := FromEnvelope(rec.Code, rec.Body.Bytes())
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "debug port 9229 already in use", err.Error())

	err = FromEnvelope(http.StatusBadGateway, []byte("oops"))
	assert.Equal(t, KindInternal, KindOf(err))
}
