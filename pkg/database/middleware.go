package database

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
)

// WithTenantContext borrows a connection scoped to the caller's organization for
// the lifetime of the request. It must run inside the identity middleware.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	logger = logger.Named("tenant")
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			identity, err := auth.RequireIdentity(r.Context())
			if err != nil {
				logger.Error("Tenant middleware used without identity middleware", zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal_error", "Missing organization context")
				return
			}

			scope, err := db.WithTenant(r.Context(), identity.OrganizationID)
			if err != nil {
				if r.Context().Err() != nil {
					return // client went away while waiting for a connection
				}
				logger.Error("Failed to acquire tenant connection",
					zap.String("organization_id", identity.OrganizationID.String()),
					zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "database_unavailable", "Metadata store is unavailable")
				return
			}
			defer scope.Close()

			next(w, r.WithContext(SetTenantScope(r.Context(), scope)))
		}
	}
}

func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
