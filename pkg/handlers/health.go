package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// Pinger checks a dependency, such as the metadata database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionStatsProvider reports data source pool usage.
type ConnectionStatsProvider interface {
	GetStats() datasource.ConnectionStats
}

// TableSnapshotter lists the registered virtual tables.
type TableSnapshotter interface {
	Snapshot() []models.VirtualTable
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string                      `json:"status"`
	Database      string                      `json:"database,omitempty"`
	Connections   *datasource.ConnectionStats `json:"connections,omitempty"`
	VirtualTables *VirtualTableStats          `json:"virtual_tables,omitempty"`
}

// VirtualTableStats counts registered and materialized file tables.
type VirtualTableStats struct {
	Registered   int `json:"registered"`
	Materialized int `json:"materialized"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthHandler handles health check, ping and metrics endpoints.
type HealthHandler struct {
	cfg         *config.Config
	db          Pinger
	connections ConnectionStatsProvider
	tables      TableSnapshotter
	logger      *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db, connections and tables may be nil.
func NewHealthHandler(cfg *config.Config, db Pinger, connections ConnectionStatsProvider, tables TableSnapshotter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, db: db, connections: connections, tables: tables, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Health handles GET /health requests.
// Returns 503 when the metadata database does not answer.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("Health check: database unreachable", zap.Error(err))
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	if h.connections != nil {
		stats := h.connections.GetStats()
		resp.Connections = &stats
	}
	if h.tables != nil {
		vt := &VirtualTableStats{}
		for _, t := range h.tables.Snapshot() {
			vt.Registered++
			if t.Materialized {
				vt.Materialized++
			}
		}
		resp.VirtualTables = vt
	}

	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-analyst",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
