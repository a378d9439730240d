// Package handlers implements the HTTP surface: job submission and
// control, permission responses, and the event stream transports.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

// Response is the unified API envelope.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorInfo is the serialized error payload.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are sent; nothing left to do.
		return
	}
}

// WriteSuccess writes a 200 envelope.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus writes a success envelope with an explicit status.
func WriteStatus(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes an error envelope from a typed error.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	terr, ok := err.(*types.Error)
	if !ok {
		terr = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
	status := terr.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(terr.Code)
	}

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(terr.Code)),
			zap.String("message", terr.Message),
			zap.Int("status", status),
			zap.Bool("retryable", terr.Retryable),
			zap.Error(terr.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(terr.Code),
			Message:   terr.Message,
			Retryable: terr.Retryable,
		},
		Timestamp: time.Now(),
	})
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrStaleRequest:
		return http.StatusConflict
	case types.ErrOverloaded:
		return http.StatusTooManyRequests
	case types.ErrCancelled:
		return http.StatusConflict
	case types.ErrWriteConflict:
		return http.StatusConflict
	case types.ErrToolTimeout:
		return http.StatusGatewayTimeout
	case types.ErrStateCorrupt, types.ErrSerialization,
		types.ErrToolFailure, types.ErrNamespaceViolation,
		types.ErrRoutingLoop, types.ErrInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSONBody strictly decodes the request body into dst, writing
// the error response itself on failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}
