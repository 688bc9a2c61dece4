// Package api is the thin HTTP façade. Handlers marshal requests into the
// distributed core and map error kinds to status codes; nothing here holds
// state of its own.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"distributed-search/internal/coordinator"
	"distributed-search/internal/fault"
	"distributed-search/internal/metrics"
)

// Core is what the façade needs from the node.
type Core interface {
	Write(ctx context.Context, docID, content string, metadata map[string]string) (string, error)
	Search(ctx context.Context, query string, maxResults int) (coordinator.SearchResponse, error)
	Status() StatusReport
}

// Verifier performs the opaque per-request credential check. The node
// delegates to an external service; nil disables the check.
type Verifier interface {
	Verify(ctx context.Context, credential string) error
}

// PeerStatus is one row of the peer view in /status.
type PeerStatus struct {
	NodeID        string  `json:"node_id"`
	Status        string  `json:"status"`
	LastHeartbeat string  `json:"last_heartbeat_age,omitempty"`
	DocCount      int     `json:"doc_count"`
	TermCount     int     `json:"term_count"`
	LoadScore     float64 `json:"load_score"`
}

// StatusReport is the GET /status payload.
type StatusReport struct {
	NodeID     string                     `json:"node_id"`
	Role       string                     `json:"role"`
	Term       uint64                     `json:"term"`
	LeaderID   string                     `json:"leader_id"`
	Peers      []PeerStatus               `json:"peers"`
	Placements *coordinator.LocationStats `json:"placements,omitempty"`
}

// Handler wires the routes.
type Handler struct {
	core     Core
	verifier Verifier
	metrics  *metrics.Metrics
}

// NewHandler creates the façade. verifier may be nil.
func NewHandler(core Core, verifier Verifier, m *metrics.Metrics) *Handler {
	return &Handler{core: core, verifier: verifier, metrics: m}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/doc", h.auth, h.PostDoc)
	r.GET("/search", h.auth, h.GetSearch)
	r.GET("/status", h.GetStatus)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}

// auth performs the delegated credential check when a verifier is set.
func (h *Handler) auth(c *gin.Context) {
	if h.verifier == nil {
		return
	}
	if err := h.verifier.Verify(c.Request.Context(), c.GetHeader("Authorization")); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": err.Error()})
	}
}

// PostDoc handles POST /doc.
// Body: {"doc_id": "optional", "content": "...", "metadata": {...}}
func (h *Handler) PostDoc(c *gin.Context) {
	var body struct {
		DocID    string            `json:"doc_id"`
		Content  string            `json:"content" binding:"required"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": err.Error()})
		return
	}

	start := time.Now()
	docID, err := h.core.Write(c.Request.Context(), body.DocID, body.Content, body.Metadata)
	h.metrics.WriteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.Writes.WithLabelValues(writeOutcome(err)).Inc()
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, fault.ErrConflict):
			status = http.StatusConflict
		case errors.Is(err, fault.ErrWriteQuorumFailed):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": fault.Token(err), "message": err.Error()})
		return
	}
	h.metrics.Writes.WithLabelValues("committed").Inc()
	c.JSON(http.StatusOK, gin.H{"doc_id": docID})
}

// GetSearch handles GET /search?q=...&max=...
func (h *Handler) GetSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": "q is required"})
		return
	}
	var maxResults int
	if raw := c.Query("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": "max must be a positive integer"})
			return
		}
		maxResults = n
	}

	h.metrics.Queries.Inc()
	start := time.Now()
	resp, err := h.core.Search(c.Request.Context(), query, maxResults)
	h.metrics.QueryLatency.WithLabelValues("total").Observe(time.Since(start).Seconds())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fault.Token(err), "message": err.Error()})
		return
	}
	h.metrics.FreshnessTag.WithLabelValues(string(resp.Freshness)).Inc()
	// Degraded freshness is still a 200; the tag is the contract.
	c.JSON(http.StatusOK, resp)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.core.Status())
}

func writeOutcome(err error) string {
	switch {
	case errors.Is(err, fault.ErrWriteQuorumFailed):
		return "quorum_failed"
	case errors.Is(err, fault.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
