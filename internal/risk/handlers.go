package risk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/pagination"
	"github.com/mbd888/riskengine/internal/validation"
)

// maxDeviceIDLength bounds the client-supplied device ID before hashing.
const maxDeviceIDLength = 255

// Handler provides HTTP endpoints for transactions and evaluations.
type Handler struct {
	service *Service
}

// NewHandler creates a new risk handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up the authenticated routes. Every route acts
// on the caller's own data.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.SubmitTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/stats", h.GetStats)
	r.GET("/reports/weekly", h.WeeklyReport)

	byID := r.Group("/transactions/:id", validation.UUIDParamMiddleware("id"))
	byID.GET("/evaluation", h.GetEvaluation)
	byID.POST("/feedback", h.SubmitFeedback)
	byID.GET("/audit", h.GetAuditTrail)
}

// SubmitTransaction handles POST /v1/transactions
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Amount = strings.TrimSpace(req.Amount)
	req.DeviceID = validation.SanitizeString(req.DeviceID, maxDeviceIDLength)

	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.OneOf("paymentMethod", req.PaymentMethod, paymentMethodNames()...),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	origin := Origin{UserAgent: c.Request.UserAgent(), IP: c.ClientIP()}
	result, err := h.service.Submit(c.Request.Context(), callerID(c), req, origin)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	message := "Transaction processed successfully"
	switch result.Disposition {
	case DispositionFlag:
		message = "Transaction flagged for review"
	case DispositionBlock:
		status = http.StatusForbidden
		message = "Transaction blocked due to high risk"
	}
	c.JSON(status, gin.H{
		"transaction": result.Transaction,
		"disposition": result.Disposition,
		"riskScore":   result.Evaluation.RiskScore,
		"message":     message,
	})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer",
			})
			return
		}
		limit = parsed
	}

	history, err := h.service.History(c.Request.Context(), callerID(c), c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": history.Transactions,
		"count":        len(history.Transactions),
		"nextCursor":   history.NextCursor,
		"hasMore":      history.NextCursor != "",
		"stats":        history.Stats,
	})
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetEvaluation handles GET /v1/transactions/:id/evaluation
func (h *Handler) GetEvaluation(c *gin.Context) {
	eval, err := h.service.Evaluation(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": eval})
}

// SubmitFeedback handles POST /v1/transactions/:id/feedback
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var fb Feedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if fb.IsAccurate == nil && fb.UserFeedback == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "isAccurate or userFeedback is required",
		})
		return
	}

	eval, err := h.service.SubmitFeedback(c.Request.Context(), callerID(c), c.Param("id"), fb)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluation": eval})
}

// GetAuditTrail handles GET /v1/transactions/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	records, err := h.service.AuditTrail(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": records, "count": len(records)})
}

// WeeklyReport handles GET /v1/reports/weekly
func (h *Handler) WeeklyReport(c *gin.Context) {
	summary, err := h.service.WeeklySummary(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": summary})
}

// callerID is set by the auth middleware.
func callerID(c *gin.Context) string {
	return c.GetString("authUserID")
}

func paymentMethodNames() []string {
	out := make([]string, len(PaymentMethods))
	for i, m := range PaymentMethods {
		out[i] = string(m)
	}
	return out
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidPaymentMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, pagination.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, ErrEvaluationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Evaluation not found"})
	case errors.Is(err, ErrFeedbackTooLong):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "feedback_too_long", "message": err.Error()})
	case errors.Is(err, ErrAlreadyEvaluated):
		c.JSON(http.StatusConflict, gin.H{"error": "already_evaluated", "message": err.Error()})
	case errors.Is(err, ErrDependency), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Risk evaluation temporarily unavailable, retry later",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
