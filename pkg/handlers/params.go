package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseDatasourceID extracts and validates the data source ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: id
func ParseDatasourceID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "id", "invalid_datasource_id", "Invalid datasource ID format", logger)
}

// ParseConversationID extracts and validates the conversation ID from the request path.
// Expects path parameter: cid
func ParseConversationID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "cid", "invalid_conversation_id", "Invalid conversation ID format", logger)
}

// ParseTurnSeq extracts the turn sequence number from the request path.
// Expects path parameter: seq
func ParseTurnSeq(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil || seq < 1 {
		writeBadRequest(w, logger, "invalid_turn_seq", "Turn sequence must be a positive integer")
		return 0, false
	}
	return seq, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil {
		writeBadRequest(w, logger, errorCode, errorMessage)
		return uuid.Nil, false
	}
	return id, true
}

// optionalUUID parses an optional UUID, returning nil for an empty string.
func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
