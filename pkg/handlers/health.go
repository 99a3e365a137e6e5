package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-vault/pkg/adapters/tenantclient"
	"github.com/ekaya-inc/ekaya-vault/pkg/config"
	"github.com/ekaya-inc/ekaya-vault/pkg/logging"
)

const registryPingTimeout = 2 * time.Second

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse reports registry reachability and client cache state.
type HealthResponse struct {
	Status   string                   `json:"status"`
	Registry string                   `json:"registry,omitempty"`
	Clients  *tenantclient.CacheStats `json:"clients,omitempty"`
}

// Pinger checks the registry database. *database.DB satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsProvider reports client cache statistics. *tenantclient.ClientFactory satisfies it.
type StatsProvider interface {
	Stats() tenantclient.CacheStats
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg      *config.Config
	registry Pinger
	clients  StatsProvider
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. registry and clients may be nil.
func NewHealthHandler(cfg *config.Config, registry Pinger, clients StatsProvider, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, registry: registry, clients: clients, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health requests.
// Returns 503 when the registry is unreachable; cached clients keep serving
// in that state but no new tenant can be resolved.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.registry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), registryPingTimeout)
		defer cancel()
		if err := h.registry.Ping(ctx); err != nil {
			h.logger.Warn("Registry health check failed", zap.String("error", logging.SanitizeError(err)))
			response.Status = "degraded"
			response.Registry = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			response.Registry = "ok"
		}
	}

	if h.clients != nil {
		stats := h.clients.Stats()
		response.Clients = &stats
	}

	if err := WriteJSON(w, status, response); err != nil {
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
		Service:     "ekaya-vault",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
