package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/logging"
	"github.com/mbd888/finaiguard/internal/validation"
)

// Handler provides HTTP endpoints for submitting records.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a new pipeline handler.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// BatchRequest is the body of POST /v1/chains/:chain/records/batch.
type BatchRequest struct {
	Records []compliance.TransactionRecord `json:"records"`
}

// RetractRequest is the body of POST /v1/chains/:chain/entries/:seq/retract.
type RetractRequest struct {
	Reason string `json:"reason"`
}

// RegisterRoutes sets up record submission routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chains/:chain/records", h.SubmitRecord)
	r.POST("/chains/:chain/records/batch", h.SubmitBatch)
	r.POST("/chains/:chain/entries/:seq/retract", h.Retract)
}

// SubmitRecord handles POST /v1/chains/:chain/records
func (h *Handler) SubmitRecord(c *gin.Context) {
	var rec compliance.TransactionRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validateRecord(rec); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	res, err := h.pipeline.Process(c.Request.Context(), c.Param("chain"), rec)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("record assessed",
		"chain", res.Entry.ChainID, "sequence", res.Entry.Sequence,
		"record", res.Assessment.RecordID, "tier", res.Assessment.Tier)
	c.JSON(http.StatusCreated, res)
}

// SubmitBatch handles POST /v1/chains/:chain/records/batch
func (h *Handler) SubmitBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "records: is required",
		})
		return
	}
	var errs validation.ValidationErrors
	for i, rec := range req.Records {
		errs = append(errs, validateRecord(rec).Prefixed(fmt.Sprintf("records[%d].", i))...)
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	results, err := h.pipeline.ProcessBatch(c.Request.Context(), c.Param("chain"), req.Records)
	if err != nil {
		if len(results) > 0 {
			// Part of the batch is committed and cannot be undone.
			status, code := errorStatus(err)
			c.JSON(status, gin.H{
				"error":     code,
				"message":   err.Error(),
				"committed": results,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"results": results, "count": len(results)})
}

// Retract handles POST /v1/chains/:chain/entries/:seq/retract
func (h *Handler) Retract(c *gin.Context) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "seq must be a non-negative integer",
		})
		return
	}
	var req RetractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "reason: is required",
		})
		return
	}

	res, err := h.pipeline.Retract(c.Request.Context(), c.Param("chain"), seq, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func validateRecord(rec compliance.TransactionRecord) validation.ValidationErrors {
	return validation.Validate(
		validation.Required("id", rec.ID),
		validation.MaxLength("id", rec.ID, validation.MaxIdentifierLength),
		validation.Required("wallet", rec.Wallet),
		validation.ValidAddress("wallet", rec.Wallet),
		validation.ValidAddress("counterparty", rec.Counterparty),
		validation.Required("asset", rec.Asset),
		validation.MaxLength("asset", rec.Asset, 32),
		validation.NonNegative("amount", rec.Amount),
	)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, compliance.ErrInvalidRecord), errors.Is(err, auditchain.ErrInvalidChainID):
		return http.StatusBadRequest, "invalid_record"
	case errors.Is(err, ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge, "batch_too_large"
	case errors.Is(err, ErrOutOfOrder):
		return http.StatusConflict, "out_of_order"
	case errors.Is(err, auditchain.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, auditchain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidRetraction):
		return http.StatusConflict, "invalid_retraction"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("record processing failed", "error", err)
		msg = "Failed to process request"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
