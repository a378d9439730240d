package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/loomhq/loom/hitl"
	"github.com/loomhq/loom/types"
)

// PermissionsHandler serves pending permission requests and decisions.
type PermissionsHandler struct {
	gate   *hitl.Gate
	logger *zap.Logger
}

// NewPermissionsHandler creates a permissions handler.
func NewPermissionsHandler(gate *hitl.Gate, logger *zap.Logger) *PermissionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionsHandler{
		gate:   gate,
		logger: logger.With(zap.String("handler", "permissions")),
	}
}

// respondRequest is the decision payload.
type respondRequest struct {
	Decision types.Decision `json:"decision"`
}

// respondResponse reports the resolution and what happens to the turn:
// approve and deny resume it, cancel terminates it.
type respondResponse struct {
	Request *types.PermissionRequest `json:"request"`
	Status  types.PermissionStatus   `json:"status"`
	Next    string                   `json:"next"`
}

// HandleRespond applies a decision: POST /v1/permissions/{id}/respond.
// A duplicate or late decision gets 409 with a stale_request code; the
// winning decision already stands.
func (h *PermissionsHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resolved, err := h.gate.Respond(r.Context(), r.PathValue("id"), req.Decision)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	next := "resumed"
	if req.Decision == types.DecisionCancel {
		next = "terminated"
	}
	WriteSuccess(w, respondResponse{Request: resolved, Status: resolved.Status, Next: next})
}

// HandleList returns every pending request: GET /v1/permissions.
func (h *PermissionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	pending, err := h.gate.Pending(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if pending == nil {
		pending = []*types.PermissionRequest{}
	}
	WriteSuccess(w, pending)
}

// HandleGet returns one request: GET /v1/permissions/{id}.
func (h *PermissionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.gate.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, req)
}
