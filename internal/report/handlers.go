package report

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/verifier"
)

// Handler provides report, verification and attestation endpoints.
type Handler struct {
	exporter *Exporter
	signer   Signer // nil = unsigned attestations
	logger   *slog.Logger
}

// NewHandler creates a new report handler.
func NewHandler(exporter *Exporter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{exporter: exporter, logger: logger}
}

// WithSigner signs attestations returned by GET /chains/:chain/head.
func (h *Handler) WithSigner(s Signer) *Handler {
	h.signer = s
	return h
}

// RegisterRoutes sets up report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/chains/:chain/head", h.GetHead)
	r.GET("/chains/:chain/verify", h.VerifyChain)
	r.GET("/chains/:chain/export.csv", h.ExportCSV)
	r.GET("/chains/:chain/export.jsonl", h.ExportDocument)
	r.POST("/verify", h.VerifyDocument)
}

func chainParam(c *gin.Context) (string, bool) {
	chainID := c.Param("chain")
	if !auditchain.ValidChainID(chainID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chain", "message": "chain id must be 1-128 characters of [A-Za-z0-9._-]"})
		return "", false
	}
	return chainID, true
}

// GetHead handles GET /v1/chains/:chain/head
func (h *Handler) GetHead(c *gin.Context) {
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	a, err := h.exporter.Attest(c.Request.Context(), chainID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if h.signer != nil {
		if err := h.signer.Sign(a); err != nil {
			h.logger.Error("attestation signing failed", "chain", chainID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "signing_failed", "message": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, a)
}

// VerifyChain handles GET /v1/chains/:chain/verify
func (h *Handler) VerifyChain(c *gin.Context) {
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	res, err := h.exporter.Verify(c.Request.Context(), chainID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if !res.Valid {
		h.logger.Warn("chain failed verification",
			"chain", chainID, "first_invalid", *res.FirstInvalidIndex, "reason", res.Reason)
	}
	c.JSON(http.StatusOK, gin.H{"chainId": chainID, "result": res})
}

// ExportCSV handles GET /v1/chains/:chain/export.csv?from=&to=
func (h *Handler) ExportCSV(c *gin.Context) {
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	from, to, err := auditchain.QueryRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": err.Error()})
		return
	}

	var buf bytes.Buffer
	summary, err := h.exporter.ExportCSV(c.Request.Context(), &buf, chainID, from, to)
	if err != nil {
		h.writeExportError(c, err)
		return
	}
	c.Header("X-Report-Digest", summary.Digest)
	c.Header("X-Report-Rows", strconv.Itoa(summary.Rows))
	c.Header("Content-Disposition", `attachment; filename="`+chainID+`.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// ExportDocument handles GET /v1/chains/:chain/export.jsonl
func (h *Handler) ExportDocument(c *gin.Context) {
	chainID, ok := chainParam(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := h.exporter.WriteDocument(c.Request.Context(), &buf, chainID); err != nil {
		h.writeExportError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+chainID+`.jsonl"`)
	c.Data(http.StatusOK, "application/x-ndjson", buf.Bytes())
}

// VerifyDocument handles POST /v1/verify with a JSONL chain document body.
func (h *Handler) VerifyDocument(c *gin.Context) {
	res, err := verifier.VerifyDocument(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// writeExportError maps exporter failures onto HTTP statuses.
func (h *Handler) writeExportError(c *gin.Context, err error) {
	var ie *IntegrityError
	switch {
	case errors.As(err, &ie):
		c.JSON(http.StatusConflict, gin.H{
			"error":             "integrity_violation",
			"message":           ie.Error(),
			"firstInvalidIndex": ie.Index,
		})
	case errors.Is(err, auditchain.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": err.Error()})
	case errors.Is(err, ErrUnreadablePayload):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unreadable_payload", "message": err.Error()})
	default:
		h.logger.Error("export failed", "chain", c.Param("chain"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
