package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
	"github.com/ekaya-inc/ekaya-analyst/pkg/router"
	"github.com/ekaya-inc/ekaya-analyst/pkg/services"
)

// QueryRequest is the body of the query and plan endpoints.
type QueryRequest struct {
	DatasourceID string `json:"datasource_id"`
	Query        string `json:"query"`
}

// SubmitTurnRequest is the body of POST /turns. An empty datasource_id restores
// the conversation's active data source.
type SubmitTurnRequest struct {
	Text         string `json:"text"`
	DatasourceID string `json:"datasource_id,omitempty"`
}

// ActiveDatasourceResponse reports the restored data source, or null.
type ActiveDatasourceResponse struct {
	DatasourceID *uuid.UUID `json:"datasource_id"`
}

// ConversationsHandler serves the session state manager.
type ConversationsHandler struct {
	sessions services.SessionService
	planner  router.Router
	logger   *zap.Logger
}

// NewConversationsHandler creates a new conversations handler.
func NewConversationsHandler(sessions services.SessionService, planner router.Router, logger *zap.Logger) *ConversationsHandler {
	return &ConversationsHandler{
		sessions: sessions,
		planner:  planner,
		logger:   logger.Named("conversations-handler"),
	}
}

// RegisterRoutes registers the conversation routes on the given mux.
func (h *ConversationsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/conversations/{cid}/query", authMiddleware.RequireIdentity(tenantMiddleware(h.Query)))
	mux.HandleFunc("POST /api/conversations/{cid}/plan", authMiddleware.RequireIdentity(tenantMiddleware(h.Plan)))
	mux.HandleFunc("POST /api/conversations/{cid}/turns", authMiddleware.RequireIdentity(tenantMiddleware(h.SubmitTurn)))
	mux.HandleFunc("POST /api/conversations/{cid}/turns/{seq}/retry", authMiddleware.RequireIdentity(tenantMiddleware(h.RetryTurn)))
	mux.HandleFunc("GET /api/conversations/{cid}/messages", authMiddleware.RequireIdentity(tenantMiddleware(h.ListMessages)))
	mux.HandleFunc("GET /api/conversations/{cid}/active-datasource", authMiddleware.RequireIdentity(tenantMiddleware(h.ActiveDatasource)))
	mux.HandleFunc("DELETE /api/conversations/{cid}", authMiddleware.RequireIdentity(tenantMiddleware(h.Delete)))
}

// Query handles POST /api/conversations/{cid}/query
// Runs a query directly; nothing is recorded in the conversation.
func (h *ConversationsHandler) Query(w http.ResponseWriter, r *http.Request) {
	convID, req, dsID, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	result, err := h.sessions.ExecuteQuery(r.Context(), convID, dsID, req.Query)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to execute query")
		return
	}
	writeData(w, h.logger, http.StatusOK, result)
}

// Plan handles POST /api/conversations/{cid}/plan
// Returns the engine and resolved tables a query would use without running it.
func (h *ConversationsHandler) Plan(w http.ResponseWriter, r *http.Request) {
	convID, req, dsID, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	plan, err := h.planner.Plan(r.Context(), router.Request{Query: req.Query, DataSourceID: dsID, ConversationID: convID})
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to plan query")
		return
	}
	writeData(w, h.logger, http.StatusOK, plan)
}

// SubmitTurn handles POST /api/conversations/{cid}/turns
// A turn that fails after the question is saved still returns 200 with the
// failure and retry availability in the body.
func (h *ConversationsHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}
	var req SubmitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Invalid request body")
		return
	}
	if req.Text == "" {
		writeBadRequest(w, h.logger, "missing_text", "Question text is required")
		return
	}
	dsID, err := optionalUUID(req.DatasourceID)
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_datasource_id", "Invalid datasource ID format")
		return
	}

	result, err := h.sessions.SubmitTurn(r.Context(), convID, req.Text, dsID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to submit turn")
		return
	}
	writeData(w, h.logger, http.StatusOK, result)
}

// RetryTurn handles POST /api/conversations/{cid}/turns/{seq}/retry
func (h *ConversationsHandler) RetryTurn(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}
	seq, ok := ParseTurnSeq(w, r, h.logger)
	if !ok {
		return
	}

	result, err := h.sessions.RetryTurn(r.Context(), convID, seq)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to retry turn")
		return
	}
	writeData(w, h.logger, http.StatusOK, result)
}

// ListMessages handles GET /api/conversations/{cid}/messages
func (h *ConversationsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}
	msgs, err := h.sessions.ListMessages(r.Context(), convID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list messages")
		return
	}
	writeData(w, h.logger, http.StatusOK, map[string]any{"messages": msgs})
}

// ActiveDatasource handles GET /api/conversations/{cid}/active-datasource
// The optional last_known query parameter carries the client's last-known-good source.
func (h *ConversationsHandler) ActiveDatasource(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}
	lastKnown, err := optionalUUID(r.URL.Query().Get("last_known"))
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_datasource_id", "Invalid last_known datasource ID format")
		return
	}

	id, err := h.sessions.RestoreActiveDataSource(r.Context(), convID, lastKnown)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to restore active datasource")
		return
	}
	writeData(w, h.logger, http.StatusOK, ActiveDatasourceResponse{DatasourceID: id})
}

// Delete handles DELETE /api/conversations/{cid}
// Deleting an already deleted conversation is 404.
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}
	deleted, err := h.sessions.DeleteConversation(r.Context(), convID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to delete conversation")
		return
	}
	writeData(w, h.logger, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h *ConversationsHandler) parseQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, QueryRequest, uuid.UUID, bool) {
	var req QueryRequest
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return uuid.Nil, req, uuid.Nil, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Invalid request body")
		return uuid.Nil, req, uuid.Nil, false
	}
	if req.Query == "" {
		writeBadRequest(w, h.logger, "missing_query", "Query is required")
		return uuid.Nil, req, uuid.Nil, false
	}
	dsID, err := uuid.Parse(req.DatasourceID)
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_datasource_id", "Invalid datasource ID format")
		return uuid.Nil, req, uuid.Nil, false
	}
	return convID, req, dsID, true
}
