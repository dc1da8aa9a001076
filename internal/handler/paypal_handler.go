package handler

import (
	"errors"
	"net/http"

	"comuna/internal/middleware"
	"comuna/internal/repository"
	"comuna/internal/service"
	"comuna/pkg/payment"

	"github.com/gin-gonic/gin"
)

type PayPalHandler struct {
	captureSvc  *service.CaptureService
	paymentRepo *repository.PaymentRepository
}

func NewPayPalHandler(captureSvc *service.CaptureService, paymentRepo *repository.PaymentRepository) *PayPalHandler {
	return &PayPalHandler{captureSvc: captureSvc, paymentRepo: paymentRepo}
}

// Capture captures an order the payer approved client-side and, on success,
// upgrades the caller's membership.
func (h *PayPalHandler) Capture(c *gin.Context) {
	userID := middleware.GetUserID(c)
	var req struct {
		OrderID string `json:"order_id" binding:"required"`
		Plan    string `json:"plan" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id and plan required"})
		return
	}
	outcome, err := h.captureSvc.Capture(c.Request.Context(), userID, req.OrderID, req.Plan)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown plan"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "capture failed"})
		return
	}
	if outcome.Err != nil {
		c.JSON(failureStatus(outcome.Err), gin.H{
			"success":  false,
			"attempts": outcome.Attempts,
			"code":     outcome.Err.Code,
			"error":    outcome.Err.UserMessage(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"attempts": outcome.Attempts,
		"payment":  outcome.Payment,
	})
}

// ListPayments returns the caller's own ledger entries, newest first.
func (h *PayPalHandler) ListPayments(c *gin.Context) {
	userID := middleware.GetUserID(c)
	payments, err := h.paymentRepo.ListByUser(userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// failureStatus maps the error taxonomy onto HTTP statuses: terminal business
// declines are the payer's problem (402), exhausted provider-side failures are
// upstream problems (502).
func failureStatus(perr *payment.PaymentError) int {
	if perr.Retryable() {
		return http.StatusBadGateway
	}
	switch perr.Code {
	case payment.CodeInvalidRequest:
		return http.StatusBadRequest
	case payment.CodeUnknownError:
		return http.StatusBadGateway
	default:
		return http.StatusPaymentRequired
	}
}
