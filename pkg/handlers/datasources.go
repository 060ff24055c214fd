package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
	"github.com/ekaya-inc/ekaya-analyst/pkg/logging"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
	"github.com/ekaya-inc/ekaya-analyst/pkg/services"
)

// TenantMiddleware wraps a handler with a tenant-scoped database connection.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// DatasourceResponse is a data source with its descriptor secrets masked.
type DatasourceResponse struct {
	DatasourceID string               `json:"datasource_id"`
	Name         string               `json:"name"`
	Kind         string               `json:"kind"`
	Descriptor   map[string]any       `json:"descriptor"`
	Schema       *models.SourceSchema `json:"schema,omitempty"`
	IsActive     bool                 `json:"is_active"`
	CreatedAt    string               `json:"created_at"`
	UpdatedAt    string               `json:"updated_at"`
}

// ListDatasourcesResponse wraps the list payload.
type ListDatasourcesResponse struct {
	Datasources []DatasourceResponse `json:"datasources"`
}

// CreateDatasourceRequest for POST body.
type CreateDatasourceRequest struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	Descriptor map[string]any `json:"descriptor"`
}

// DatasourcesHandler serves the data source registry.
type DatasourcesHandler struct {
	datasourceService services.DataSourceService
	logger            *zap.Logger
}

// NewDatasourcesHandler creates a new datasources handler.
func NewDatasourcesHandler(datasourceService services.DataSourceService, logger *zap.Logger) *DatasourcesHandler {
	return &DatasourcesHandler{
		datasourceService: datasourceService,
		logger:            logger.Named("datasources-handler"),
	}
}

// RegisterRoutes registers the datasources handler's routes on the given mux.
func (h *DatasourcesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/datasources", authMiddleware.RequireIdentity(tenantMiddleware(h.List)))
	mux.HandleFunc("POST /api/datasources", authMiddleware.RequireIdentity(tenantMiddleware(h.Create)))
	mux.HandleFunc("GET /api/datasources/{id}", authMiddleware.RequireIdentity(tenantMiddleware(h.Get)))
	mux.HandleFunc("DELETE /api/datasources/{id}", authMiddleware.RequireIdentity(tenantMiddleware(h.Delete)))
	mux.HandleFunc("POST /api/datasources/{id}/refresh", authMiddleware.RequireIdentity(tenantMiddleware(h.RefreshSchema)))
}

// List handles GET /api/datasources
func (h *DatasourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.datasourceService.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list datasources")
		return
	}

	data := ListDatasourcesResponse{Datasources: make([]DatasourceResponse, len(sources))}
	for i, ds := range sources {
		data.Datasources[i] = toDatasourceResponse(ds)
	}
	writeData(w, h.logger, http.StatusOK, data)
}

// Create handles POST /api/datasources
func (h *DatasourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Invalid request body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, h.logger, "missing_name", "Datasource name is required")
		return
	}
	kind, err := models.ParseDataSourceKind(req.Kind)
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_kind", err.Error())
		return
	}

	ds, err := h.datasourceService.Register(r.Context(), kind, req.Name, req.Descriptor)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to create datasource")
		return
	}
	writeData(w, h.logger, http.StatusCreated, toDatasourceResponse(ds))
}

// Get handles GET /api/datasources/{id}
func (h *DatasourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	ds, err := h.datasourceService.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to get datasource")
		return
	}
	writeData(w, h.logger, http.StatusOK, toDatasourceResponse(ds))
}

// Delete handles DELETE /api/datasources/{id}
// The data source is deactivated; file sources stop resolving at once.
func (h *DatasourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.datasourceService.Deactivate(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err, "Failed to delete datasource")
		return
	}
	writeData(w, h.logger, http.StatusOK, map[string]string{"datasource_id": id.String()})
}

// RefreshSchema handles POST /api/datasources/{id}/refresh
func (h *DatasourcesHandler) RefreshSchema(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}
	schema, err := h.datasourceService.RefreshSchema(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to refresh datasource schema")
		return
	}
	writeData(w, h.logger, http.StatusOK, schema)
}

func toDatasourceResponse(ds *models.DataSource) DatasourceResponse {
	return DatasourceResponse{
		DatasourceID: ds.ID.String(),
		Name:         ds.Name,
		Kind:         string(ds.Kind),
		Descriptor:   logging.SanitizeDescriptor(ds.Descriptor),
		Schema:       ds.Schema,
		IsActive:     ds.IsActive,
		CreatedAt:    ds.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    ds.UpdatedAt.Format(time.RFC3339),
	}
}
