package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMiddleware_RequireIdentity(t *testing.T) {
	m := NewMiddleware(zap.NewNop())
	userID, orgID := uuid.New(), uuid.New()

	var got Identity
	handler := m.RequireIdentity(func(w http.ResponseWriter, r *http.Request) {
		var err error
		got, err = RequireIdentity(r.Context())
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/datasources", nil)
	req.Header.Set(HeaderUserID, userID.String())
	req.Header.Set(HeaderOrganizationID, orgID.String())
	rec := httptest.NewRecorder()

	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, orgID, got.OrganizationID)
}

func TestMiddleware_RejectsMissingHeaders(t *testing.T) {
	m := NewMiddleware(zap.NewNop())
	called := false
	handler := m.RequireIdentity(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/api/datasources", nil)
	req.Header.Set(HeaderUserID, uuid.NewString())
	rec := httptest.NewRecorder()

	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestRequireIdentity_Empty(t *testing.T) {
	_, err := RequireIdentity(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uuid.Nil, GetOrganizationIDFromContext(context.Background()))
}
