package service

import (
	"context"
	"errors"
	"log"
	"time"

	"comuna/config"
	"comuna/internal/domain"
	"comuna/internal/models"
	"comuna/internal/repository"
	"comuna/pkg/payment"

	"gorm.io/gorm"
)

// CaptureOutcome is what the capture endpoint returns to the caller.
type CaptureOutcome struct {
	Payment  *models.Payment
	Attempts int
	Err      *payment.PaymentError // nil on success
}

// CaptureService drives the synchronous capture flow: pending ledger record,
// retried provider call, COMPLETED/FAILED outcome persisted before returning,
// membership upgrade after the COMPLETED write.
type CaptureService struct {
	cfg           *config.Config
	paymentRepo   *repository.PaymentRepository
	membershipSvc *MembershipService
	provider      payment.Provider
}

func NewCaptureService(cfg *config.Config, paymentRepo *repository.PaymentRepository, membershipSvc *MembershipService, provider payment.Provider) *CaptureService {
	return &CaptureService{cfg: cfg, paymentRepo: paymentRepo, membershipSvc: membershipSvc, provider: provider}
}

// Capture captures orderID for userID under planID. The outcome, including
// the full retry history, is persisted whether or not the capture succeeded:
// failures must never be silently lost.
func (s *CaptureService) Capture(ctx context.Context, userID uint, orderID, planID string) (*CaptureOutcome, error) {
	if _, ok := s.cfg.Membership.Plan(planID); !ok {
		return nil, ErrUnknownPlan
	}

	var rec *models.Payment
	existing, err := s.paymentRepo.GetByOrderID(orderID)
	switch {
	case err == nil && existing.UserID == userID && existing.Status == domain.PaymentCompleted && existing.CaptureID != nil:
		// The ledger already holds a capture for this order (an earlier call
		// or the webhook path got here first). Don't touch the provider; just
		// make sure the upgrade happened. This is also the recovery path for
		// a crash between the COMPLETED write and the upgrade.
		if uerr := s.membershipSvc.Upgrade(existing.UserID, *existing.CaptureID, planFor(existing, planID)); uerr != nil {
			log.Printf("[Capture] order_id=%s recovery upgrade failed: %v", orderID, uerr)
		}
		return &CaptureOutcome{Payment: existing, Attempts: existing.AttemptNumber}, nil
	case err == nil && existing.UserID == userID && existing.Status == domain.PaymentPending:
		rec = existing
		if rec.Plan == "" {
			rec.Plan = planID
		}
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	default:
		rec = &models.Payment{
			UserID:  userID,
			OrderID: orderID,
			Plan:    planID,
			Status:  domain.PaymentPending,
		}
		if cerr := s.paymentRepo.Create(rec); cerr != nil {
			return nil, cerr
		}
	}

	res := payment.Execute(ctx, func(ctx context.Context) (*payment.CaptureResult, error) {
		return s.provider.CaptureOrder(ctx, orderID)
	}, payment.RetryOptions{
		MaxRetries:        s.cfg.Retry.MaxRetries,
		BaseDelay:         s.cfg.Retry.BaseDelay,
		MaxDelay:          s.cfg.Retry.MaxDelay,
		PerAttemptTimeout: s.cfg.Retry.PerAttemptTimeout,
		OnRetry: func(att payment.RetryAttempt, delay time.Duration) {
			log.Printf("[Capture] order_id=%s attempt=%d failed (%s), retrying in %s", orderID, att.AttemptNumber, att.ErrorCode, delay)
		},
	})

	history := toRetryEntries(res.History)

	if !res.Success {
		rec.Status = domain.PaymentFailed
		rec.AttemptNumber = res.Attempts
		rec.LastError = res.Err.Error()
		rec.RetryHistory = append(rec.RetryHistory, history...)
		if uerr := s.paymentRepo.Update(rec); uerr != nil {
			log.Printf("[Capture] order_id=%s failed AND outcome write failed: %v", orderID, uerr)
			return nil, uerr
		}
		log.Printf("[Capture] order_id=%s failed after %d attempt(s): %s", orderID, res.Attempts, res.Err.Code)
		return &CaptureOutcome{Payment: rec, Attempts: res.Attempts, Err: res.Err}, nil
	}

	data := res.Data
	captureID := data.CaptureID
	rec.CaptureID = &captureID
	rec.Status = domain.PaymentCompleted
	rec.PayerID = data.PayerID
	rec.Email = data.Email
	rec.Value = data.Value
	rec.Currency = data.Currency
	rec.Raw = data.Raw
	rec.AttemptNumber = res.Attempts
	rec.LastError = ""
	rec.RetryHistory = append(rec.RetryHistory, history...)

	// The COMPLETED ledger write must land before the upgrade is attempted: a
	// crash between the two leaves a recoverable COMPLETED-but-not-upgraded
	// record that the webhook path will finish.
	stored, err := s.paymentRepo.UpsertByCaptureID(rec)
	if errors.Is(err, repository.ErrAlreadyProcessed) {
		log.Printf("[Capture] order_id=%s capture_id=%s already recorded by webhook path", orderID, captureID)
	} else if err != nil {
		return nil, err
	}

	if uerr := s.membershipSvc.Upgrade(stored.UserID, captureID, planFor(stored, planID)); uerr != nil {
		// Capture money is taken and recorded; surface the upgrade failure
		// but keep the successful outcome so support can reconcile.
		log.Printf("[Capture] order_id=%s capture_id=%s membership upgrade failed: %v", orderID, captureID, uerr)
	}

	return &CaptureOutcome{Payment: stored, Attempts: res.Attempts}, nil
}

// planFor prefers the plan already recorded on the ledger row (set by
// whichever path created it) over the request's plan.
func planFor(rec *models.Payment, fallback string) string {
	if rec.Plan != "" {
		return rec.Plan
	}
	return fallback
}

func toRetryEntries(in []payment.RetryAttempt) []models.RetryEntry {
	out := make([]models.RetryEntry, 0, len(in))
	for _, a := range in {
		out = append(out, models.RetryEntry{
			Timestamp:     a.Timestamp,
			AttemptNumber: a.AttemptNumber,
			ErrorCode:     string(a.ErrorCode),
			ErrorMessage:  a.ErrorMessage,
			StatusCode:    a.StatusCode,
		})
	}
	return out
}
