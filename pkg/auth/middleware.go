package auth

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Headers set by the gateway after it has verified the caller.
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
)

// Middleware places the gateway-verified identity into the request context.
type Middleware struct {
	logger *zap.Logger
}

// NewMiddleware creates the identity middleware.
func NewMiddleware(logger *zap.Logger) *Middleware {
	return &Middleware{logger: logger.Named("auth")}
}

// RequireIdentity rejects requests without a well-formed identity.
func (m *Middleware) RequireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get(HeaderUserID))
		if err != nil {
			m.unauthorized(w, "Missing or invalid user identity")
			return
		}
		orgID, err := uuid.Parse(r.Header.Get(HeaderOrganizationID))
		if err != nil {
			m.unauthorized(w, "Missing or invalid organization identity")
			return
		}

		ctx := WithIdentity(r.Context(), Identity{UserID: userID, OrganizationID: orgID})
		next(w, r.WithContext(ctx))
	}
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	m.logger.Debug("Rejected unauthenticated request", zap.String("reason", message))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
