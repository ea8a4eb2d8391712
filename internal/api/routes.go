// Package api is the optional HTTP observability surface: reputation
// lookups, core statistics, alert history, and a websocket alert
// stream. It reads the core through the server's stale-query path, so
// an HTTP request never advances the windows.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charmander/iptooled/internal/alerts"
	"github.com/charmander/iptooled/internal/db"
	"github.com/charmander/iptooled/internal/persist"
	"github.com/charmander/iptooled/internal/reputation"
	"github.com/charmander/iptooled/internal/server"
)

type handler struct {
	core        *server.Server
	alerts      *alerts.Manager
	store       *db.Store // may be nil
	opLog       *persist.Log
	persistPath string
}

func SetupRouter(core *server.Server, hub *Hub, am *alerts.Manager, store *db.Store, opLog *persist.Log, persistPath string) *gin.Engine {
	r := gin.Default()

	h := &handler{
		core:        core,
		alerts:      am,
		store:       store,
		opLog:       opLog,
		persistPath: persistPath,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", h.handleHealth)
		pub.GET("/stream", hub.Subscribe)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	auth.Use(NewRateLimiter(60, 10).Middleware())
	{
		auth.GET("/query/:address", h.handleQuery)
		auth.GET("/stats", h.handleStats)
		auth.GET("/alerts", h.handleAlerts)
	}

	return r
}

// handleHealth returns daemon status for service discovery.
func (h *handler) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":      "operational",
		"persistPath": h.persistPath,
		"records":     h.opLog.RecordCount(),
		"dbConnected": h.store != nil,
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if mirrored, err := h.store.CountObservations(ctx); err == nil {
			resp["mirroredObservations"] = mirrored
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleQuery looks up the reputation of one address. The address may
// be an IP literal or 32 hex digits.
func (h *handler) handleQuery(c *gin.Context) {
	address, err := reputation.ParseAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.core.Lookup(address)

	c.JSON(http.StatusOK, gin.H{
		"address": address.String(),
		"result":  result,
	})
}

// handleStats summarizes the core's live state.
func (h *handler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tree":    h.core.StatsSnapshot(),
		"records": h.opLog.RecordCount(),
	})
}

// handleAlerts returns recent alert history, newest last.
func (h *handler) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alerts": h.alerts.Recent(100),
	})
}
