package service

import (
	"errors"
	"log"
	"time"

	"comuna/config"
	"comuna/internal/models"
	"comuna/internal/repository"
)

var ErrUnknownPlan = errors.New("unknown membership plan")

// MembershipService owns the two membership state changes: the idempotent
// upgrade after a successful capture, and the lazy downgrade on access.
type MembershipService struct {
	cfg         *config.Config
	userRepo    *repository.UserRepository
	paymentRepo *repository.PaymentRepository
}

func NewMembershipService(cfg *config.Config, userRepo *repository.UserRepository, paymentRepo *repository.PaymentRepository) *MembershipService {
	return &MembershipService{cfg: cfg, userRepo: userRepo, paymentRepo: paymentRepo}
}

// Upgrade grants premium to userID for the plan paid by captureID. Idempotent
// per captureID: both the synchronous capture path and the webhook path call
// this, and the ledger's grant claim lets exactly one of them through.
// A repeat purchase extends from the current unexpired expiry, never from an
// earlier date, so paid time is never truncated.
func (s *MembershipService) Upgrade(userID uint, captureID, planID string) error {
	plan, ok := s.cfg.Membership.Plan(planID)
	if !ok {
		return ErrUnknownPlan
	}
	claimed, err := s.paymentRepo.ClaimMembershipGrant(captureID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("[Membership] capture_id=%s already granted, skipping upgrade", captureID)
		return nil
	}
	u, err := s.userRepo.GetByID(userID)
	if err != nil {
		return err
	}
	base := time.Now()
	if u.IsPremium() && u.FechaVencimientoPremium != nil && u.FechaVencimientoPremium.After(base) {
		base = *u.FechaVencimientoPremium
	}
	expiry := base.Add(plan.Duration)
	if err := s.userRepo.SetPremium(userID, expiry); err != nil {
		return err
	}
	log.Printf("[Membership] user_id=%d upgraded to premium until %s (capture_id=%s plan=%s)",
		userID, expiry.Format(time.RFC3339), captureID, planID)
	return nil
}

// EnforceExpiry is the guard invoked on every authenticated access. It reads
// the user fresh from the store (token claims may be stale relative to
// membership changes) and, if the premium rank has lapsed, demotes before the
// request's authorization decision is made. There is no background sweep; this
// call is the sole expiry mechanism, so every new access path must go through
// it.
func (s *MembershipService) EnforceExpiry(userID uint) (*models.User, error) {
	u, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !u.PremiumExpired(now) {
		return u, nil
	}
	demoted, err := s.userRepo.DemoteIfExpired(userID, now)
	if err != nil {
		return nil, err
	}
	if demoted {
		log.Printf("[Membership] user_id=%d premium expired, demoted to basico", userID)
	}
	return s.userRepo.GetByID(userID)
}
