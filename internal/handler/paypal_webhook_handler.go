package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"comuna/internal/domain"
	"comuna/internal/models"
	"comuna/internal/repository"
	"comuna/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// PayPalWebhookEvent is the provider push for a capture. Delivery is
// at-least-once and can arrive before, after, or instead of the synchronous
// capture response.
type PayPalWebhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID       string `json:"id"` // capture id for PAYMENT.CAPTURE.* events
		Status   string `json:"status"`
		CustomID string `json:"custom_id"` // "<userID>:<plan>", set at order creation
		Amount   struct {
			Value        string `json:"value"`
			CurrencyCode string `json:"currency_code"`
		} `json:"amount"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

type PayPalWebhookHandler struct {
	paymentRepo   *repository.PaymentRepository
	membershipSvc *service.MembershipService
}

func NewPayPalWebhookHandler(paymentRepo *repository.PaymentRepository, membershipSvc *service.MembershipService) *PayPalWebhookHandler {
	return &PayPalWebhookHandler{paymentRepo: paymentRepo, membershipSvc: membershipSvc}
}

// Handle reconciles a webhook delivery against the ledger. It ALWAYS
// acknowledges with 200: PayPal's only recourse to a non-2xx is re-delivery,
// and internal bugs must not trigger a redelivery storm. Malformed payloads
// are logged and acked.
func (h *PayPalWebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	log.Printf("[Webhook] raw body: %s", string(body))
	var ev PayPalWebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("[Webhook] json unmarshal error: %v", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if ev.ID == "" {
		log.Printf("[Webhook] event without id, acknowledging")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if _, err := h.paymentRepo.GetByEventID(ev.ID); err == nil {
		log.Printf("[Webhook] duplicate delivery event_id=%s, acknowledging", ev.ID)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[Webhook] event_id=%s ledger read failed: %v", ev.ID, err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	rec, err := h.reconcile(&ev, string(body))
	if err != nil {
		log.Printf("[Webhook] event_id=%s reconcile failed: %v", ev.ID, err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if rec == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if ev.EventType == domain.EventCaptureCompleted && rec.Status == domain.PaymentCompleted && rec.CaptureID != nil {
		if err := h.membershipSvc.Upgrade(rec.UserID, *rec.CaptureID, rec.Plan); err != nil {
			log.Printf("[Webhook] event_id=%s membership upgrade failed: %v", ev.ID, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// reconcile merges the event onto the PaymentRecord for the same real-world
// payment, creating one when no prior record exists. The returned record has
// the event id attached; nil means the event cannot be attributed and was
// dropped (logged, still acked).
func (h *PayPalWebhookHandler) reconcile(ev *PayPalWebhookEvent, raw string) (*models.Payment, error) {
	eventID := ev.ID
	captureID := ev.Resource.ID
	orderID := ev.Resource.SupplementaryData.RelatedIDs.OrderID

	// A prior synchronous capture may already own this payment; close the
	// race onto one record instead of creating a second.
	var prior *models.Payment
	if captureID != "" {
		if p, err := h.paymentRepo.GetByCaptureID(captureID); err == nil {
			prior = p
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if prior == nil && orderID != "" {
		if p, err := h.paymentRepo.GetByOrderID(orderID); err == nil {
			prior = p
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if prior != nil {
		if prior.EventID != nil && *prior.EventID != eventID {
			// The record was already reconciled under another event id. A
			// second distinct event for the same payment (a DENIED chasing a
			// COMPLETED, say) must not displace it: redeliveries of the first
			// event would stop deduplicating, and status never moves backward
			// anyway.
			log.Printf("[Webhook] event_id=%s: record %d already carries event_id=%s, dropping", eventID, prior.ID, *prior.EventID)
			return nil, nil
		}
		prior.EventID = &eventID
		if prior.CaptureID == nil && captureID != "" {
			prior.CaptureID = &captureID
		}
		if ev.EventType == domain.EventCaptureCompleted && prior.Status == domain.PaymentPending {
			prior.Status = domain.PaymentCompleted
		}
		if ev.EventType == domain.EventCaptureDenied && prior.Status == domain.PaymentPending {
			prior.Status = domain.PaymentFailed
			prior.LastError = "capture denied by provider webhook"
		}
		stored, err := h.paymentRepo.UpsertByEventID(prior)
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			return stored, nil
		}
		return stored, err
	}

	// No prior record: the webhook won the race outright (or the synchronous
	// path crashed before its ledger write). Build the record from the event.
	userID, plan, ok := parseCustomID(ev.Resource.CustomID)
	if !ok {
		log.Printf("[Webhook] event_id=%s has no prior record and no custom_id, cannot attribute", eventID)
		return nil, nil
	}
	rec := &models.Payment{
		UserID:   userID,
		OrderID:  orderID,
		EventID:  &eventID,
		Status:   domain.PaymentPending,
		Plan:     plan,
		Value:    ev.Resource.Amount.Value,
		Currency: ev.Resource.Amount.CurrencyCode,
		Raw:      raw,
	}
	if captureID != "" {
		rec.CaptureID = &captureID
	}
	switch ev.EventType {
	case domain.EventCaptureCompleted:
		rec.Status = domain.PaymentCompleted
	case domain.EventCaptureDenied:
		rec.Status = domain.PaymentFailed
		rec.LastError = "capture denied by provider webhook"
	}
	stored, err := h.paymentRepo.UpsertByEventID(rec)
	if errors.Is(err, repository.ErrAlreadyProcessed) {
		return stored, nil
	}
	return stored, err
}

// parseCustomID splits the "<userID>:<plan>" value the storefront sets on the
// PayPal order.
func parseCustomID(customID string) (uint, string, bool) {
	parts := strings.SplitN(customID, ":", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil || id == 0 {
		return 0, "", false
	}
	return uint(id), parts[1], true
}
