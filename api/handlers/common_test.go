package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

func TestWriteJSONSetsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccessEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid request",
			err:        types.NewError(types.ErrInvalidRequest, "query is required"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "not found",
			err:        types.NewError(types.ErrNotFound, "job missing"),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "stale request",
			err:        types.NewError(types.ErrStaleRequest, "already resolved"),
			wantStatus: http.StatusConflict,
			wantCode:   "STALE_REQUEST",
		},
		{
			name:       "overloaded",
			err:        types.NewError(types.ErrOverloaded, "queue full").WithRetryable(true),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "OVERLOADED",
		},
		{
			name:       "tool timeout",
			err:        types.NewError(types.ErrToolTimeout, "search timed out"),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "TOOL_TIMEOUT",
		},
		{
			name:       "untyped error becomes internal",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestWriteErrorCarriesRetryable(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewError(types.ErrOverloaded, "busy").WithRetryable(true), nil)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.True(t, resp.Error.Retryable)
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"query":"x","bogus":1}`))

	var dst struct {
		Query string `json:"query"`
	}
	err := DecodeJSONBody(w, r, &dst, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeJSONBodyRejectsMalformedJSON(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"query":`))

	var dst struct {
		Query string `json:"query"`
	}
	err := DecodeJSONBody(w, r, &dst, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
