package handlers

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionTester is the subset of the client factory the operator
// endpoints need.
type ConnectionTester interface {
	TestConnection(ctx context.Context, orgID uuid.UUID) bool
	Invalidate(orgID uuid.UUID)
	InvalidateAll()
}

// ConnectionTestResponse is returned by POST /connections/{org_id}/test.
type ConnectionTestResponse struct {
	OrganizationID string `json:"organization_id"`
	Success        bool   `json:"success"`
}

// ConnectionsHandler exposes connection tests and cache invalidation on the
// ops listener.
//
// The routes carry no authentication. They are served only to loopback
// peers, so widening BIND_ADDR (default 127.0.0.1) for health checks or
// metrics scraping does not expose them; remote operators reach them through
// a port-forward or a shell on the host.
type ConnectionsHandler struct {
	clients ConnectionTester
	logger  *zap.Logger
}

func NewConnectionsHandler(clients ConnectionTester, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{clients: clients, logger: logger.Named("connections-handler")}
}

func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /connections/{org_id}/test", h.localOnly(h.Test))
	mux.HandleFunc("POST /connections/{org_id}/invalidate", h.localOnly(h.Invalidate))
	mux.HandleFunc("POST /connections/invalidate", h.localOnly(h.InvalidateAll))
}

// localOnly rejects requests whose TCP peer is not a loopback address.
// Forwarding headers are ignored; they are set by the client.
func (h *ConnectionsHandler) localOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackPeer(r.RemoteAddr) {
			h.logger.Warn("Rejected connection operation from non-local peer",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			if err := ErrorResponse(w, http.StatusForbidden, "forbidden", "Connection operations are only served to local clients"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		next(w, r)
	}
}

func isLoopbackPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Test handles POST /connections/{org_id}/test.
func (h *ConnectionsHandler) Test(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}

	response := ConnectionTestResponse{
		OrganizationID: orgID.String(),
		Success:        h.clients.TestConnection(r.Context(), orgID),
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode connection test response", zap.Error(err))
	}
}

// Invalidate handles POST /connections/{org_id}/invalidate.
func (h *ConnectionsHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}
	h.clients.Invalidate(orgID)
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateAll handles POST /connections/invalidate.
func (h *ConnectionsHandler) InvalidateAll(w http.ResponseWriter, r *http.Request) {
	h.clients.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}
