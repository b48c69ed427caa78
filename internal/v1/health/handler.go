// Package health exposes the Kubernetes-style liveness and readiness probes
// on the ops HTTP surface.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whispernet/whisper/internal/v1/logging"
)

// OverlayChecker is the slice of the overlay node readiness cares about.
type OverlayChecker interface {
	Peers() []string
}

// Handler manages the health check endpoints.
type Handler struct {
	overlay OverlayChecker
	// requirePeers marks a node that was configured with bootstrap peers:
	// such a node is not ready while fully disconnected.
	requirePeers bool
}

// NewHandler creates a health handler. overlay may be nil for the in-memory
// mode; requirePeers should be true when bootstrap nodes are configured.
func NewHandler(overlay OverlayChecker, requirePeers bool) *Handler {
	return &Handler{overlay: overlay, requirePeers: requirePeers}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only while the overlay is
// in a serving state, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"overlay": h.checkOverlay(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkOverlay(ctx context.Context) string {
	if h.overlay == nil {
		// In-memory mode has no links to lose.
		return "healthy"
	}
	peers := h.overlay.Peers()
	if h.requirePeers && len(peers) == 0 {
		logging.Warn(ctx, "Overlay has no connected peers", zap.Bool("require_peers", true))
		return "unhealthy"
	}
	return "healthy"
}
