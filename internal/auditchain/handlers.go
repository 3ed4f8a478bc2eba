package auditchain

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// maxPageSize bounds GET /chains/:chain/entries responses.
const maxPageSize = 1000

// Handler provides read-only HTTP endpoints for chains.
type Handler struct {
	service *Service
}

// NewHandler creates a new chain handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up chain read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/chains", h.ListChains)
	r.GET("/chains/:chain/entries", h.GetEntries)
}

// ListChains handles GET /v1/chains
func (h *Handler) ListChains(c *gin.Context) {
	ids, err := h.service.Chains(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"chains": ids, "count": len(ids)})
}

// GetEntries handles GET /v1/chains/:chain/entries?from=&to=
func (h *Handler) GetEntries(c *gin.Context) {
	chainID := c.Param("chain")
	if !ValidChainID(chainID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chain", "message": "chain id must be 1-128 characters of [A-Za-z0-9._-]"})
		return
	}
	from, err := queryUint(c, "from", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": err.Error()})
		return
	}
	to, err := queryUint(c, "to", from+maxPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": err.Error()})
		return
	}
	if to > from && to-from > maxPageSize {
		to = from + maxPageSize
	}

	entries, err := h.service.Get(c.Request.Context(), chainID, from, to)
	if err != nil {
		if errors.Is(err, ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chainId": chainID,
		"entries": entries,
		"count":   len(entries),
	})
}

// queryUint parses an optional non-negative integer query parameter.
func queryUint(c *gin.Context, key string, def uint64) (uint64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v > math.MaxInt64 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return v, nil
}

// QueryRange parses the optional from/to query parameters shared by chain
// endpoints. A missing to means "through the current head".
func QueryRange(c *gin.Context) (from, to uint64, err error) {
	from, err = queryUint(c, "from", 0)
	if err != nil {
		return 0, 0, err
	}
	to, err = queryUint(c, "to", math.MaxInt64)
	if err != nil {
		return 0, 0, err
	}
	if from > to {
		return 0, 0, errors.New("from must not exceed to")
	}
	return from, to, nil
}
