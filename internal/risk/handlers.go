package risk

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/pagination"
)

// Handler provides HTTP endpoints for assessment lookups.
type Handler struct {
	store Store
	agg   *Aggregator
}

// NewHandler creates a new assessment handler.
func NewHandler(store Store, agg *Aggregator) *Handler {
	return &Handler{store: store, agg: agg}
}

// RegisterRoutes sets up read-only assessment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:address/assessments", h.ListByWallet)
	r.GET("/tiers", h.GetTiers)
}

// ListByWallet handles GET /v1/wallets/:address/assessments
func (h *Handler) ListByWallet(c *gin.Context) {
	address := compliance.NormalizeAddress(c.Param("address"))
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	entries, err := h.store.ListByWallet(c.Request.Context(), address, after, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	entries, next, more := pagination.ComputePage(entries, limit, (*Indexed).Key)
	if entries == nil {
		entries = []*Indexed{}
	}

	resp := gin.H{
		"wallet":      address,
		"assessments": entries,
		"count":       len(entries),
		"hasMore":     more,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetTiers handles GET /v1/tiers
func (h *Handler) GetTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"boundaries": h.agg.Boundaries()})
}
