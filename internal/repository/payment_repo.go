package repository

import (
	"errors"
	"time"

	"comuna/internal/domain"
	"comuna/internal/models"

	"gorm.io/gorm"
)

// ErrAlreadyProcessed signals that a record with the same eventId or captureId
// already exists: the real-world event behind this write was handled before.
var ErrAlreadyProcessed = errors.New("payment already processed")

// PaymentRepository is the durable payment ledger. The sparse unique indexes
// on event_id and capture_id are the serialization point for concurrent
// writers; the loser of a race observes a duplicate-key error and degrades to
// a read-and-merge instead of failing the caller.
type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(p *models.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) Update(p *models.Payment) error {
	return r.db.Save(p).Error
}

func (r *PaymentRepository) GetByID(id uint) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByEventID(eventID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("event_id = ?", eventID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByCaptureID(captureID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("capture_id = ?", captureID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByOrderID returns the most recent record correlated to orderID. Order ids
// are not unique: a failed attempt and its retry share one.
func (r *PaymentRepository) GetByOrderID(orderID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("order_id = ?", orderID).Order("id DESC").First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) ListByUser(userID uint, limit int) ([]models.Payment, error) {
	var out []models.Payment
	err := r.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// UpsertByCaptureID writes p keyed by its capture id. If another record
// already owns that capture id, non-conflicting fields from p are merged onto
// it and (existing, ErrAlreadyProcessed) is returned so the caller skips the
// membership upgrade. Safe under concurrent upserts: the unique index decides
// the winner.
func (r *PaymentRepository) UpsertByCaptureID(p *models.Payment) (*models.Payment, error) {
	if p.CaptureID == nil || *p.CaptureID == "" {
		return nil, errors.New("upsert by capture id: capture id not set")
	}
	existing, err := r.GetByCaptureID(*p.CaptureID)
	if err == nil && existing.ID != p.ID {
		return r.merge(existing, p)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := r.save(p); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race: someone inserted this capture id between our
			// read and write. Merge onto the winner.
			winner, ferr := r.GetByCaptureID(*p.CaptureID)
			if ferr != nil {
				return nil, ferr
			}
			return r.merge(winner, p)
		}
		return nil, err
	}
	return p, nil
}

// UpsertByEventID writes p keyed by its webhook event id, with the same
// conflict semantics as UpsertByCaptureID.
func (r *PaymentRepository) UpsertByEventID(p *models.Payment) (*models.Payment, error) {
	if p.EventID == nil || *p.EventID == "" {
		return nil, errors.New("upsert by event id: event id not set")
	}
	existing, err := r.GetByEventID(*p.EventID)
	if err == nil && existing.ID != p.ID {
		return r.merge(existing, p)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := r.save(p); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			winner, ferr := r.GetByEventID(*p.EventID)
			if ferr != nil {
				return nil, ferr
			}
			return r.merge(winner, p)
		}
		return nil, err
	}
	return p, nil
}

func (r *PaymentRepository) save(p *models.Payment) error {
	if p.ID == 0 {
		return r.db.Create(p).Error
	}
	return r.db.Save(p).Error
}

// merge copies absent identity/outcome fields from src onto dst, persists
// dst, and collapses src's own row into it when both were already stored.
// Status only ever moves forward (PENDING -> COMPLETED); an existing
// COMPLETED record is never downgraded by a late or partial notification.
func (r *PaymentRepository) merge(dst, src *models.Payment) (*models.Payment, error) {
	if dst.EventID == nil && src.EventID != nil {
		dst.EventID = src.EventID
	}
	if dst.CaptureID == nil && src.CaptureID != nil {
		dst.CaptureID = src.CaptureID
	}
	if dst.OrderID == "" {
		dst.OrderID = src.OrderID
	}
	if dst.PayerID == "" {
		dst.PayerID = src.PayerID
	}
	if dst.Email == "" {
		dst.Email = src.Email
	}
	if dst.Value == "" {
		dst.Value = src.Value
	}
	if dst.Currency == "" {
		dst.Currency = src.Currency
	}
	if dst.Plan == "" {
		dst.Plan = src.Plan
	}
	if dst.Raw == "" {
		dst.Raw = src.Raw
	}
	if len(dst.RetryHistory) == 0 && len(src.RetryHistory) > 0 {
		dst.RetryHistory = src.RetryHistory
	}
	if dst.AttemptNumber < src.AttemptNumber {
		dst.AttemptNumber = src.AttemptNumber
	}
	if dst.LastError == "" {
		dst.LastError = src.LastError
	}
	if dst.Status == domain.PaymentPending && src.Status == domain.PaymentCompleted {
		dst.Status = domain.PaymentCompleted
	}
	if err := r.db.Save(dst).Error; err != nil {
		return nil, err
	}
	// Both rows describe the same real-world payment and everything from the
	// loser now lives on the winner; the duplicate must not linger as a
	// forever-PENDING orphan.
	if src.ID != 0 && src.ID != dst.ID {
		if err := r.db.Delete(&models.Payment{}, src.ID).Error; err != nil {
			return nil, err
		}
	}
	return dst, ErrAlreadyProcessed
}

// AppendRetryHistory persists the attempts accumulated by the retry executor.
func (r *PaymentRepository) AppendRetryHistory(id uint, entries []models.RetryEntry, attemptNumber int, lastError string) error {
	var p models.Payment
	if err := r.db.First(&p, id).Error; err != nil {
		return err
	}
	p.RetryHistory = append(p.RetryHistory, entries...)
	p.AttemptNumber = attemptNumber
	p.LastError = lastError
	return r.db.Save(&p).Error
}

// ClaimMembershipGrant marks captureID's record as having produced a
// membership upgrade. It is a compare-and-swap: exactly one caller across the
// synchronous and webhook paths gets true; everyone else no-ops.
func (r *PaymentRepository) ClaimMembershipGrant(captureID string) (bool, error) {
	now := time.Now()
	res := r.db.Model(&models.Payment{}).
		Where("capture_id = ? AND membership_granted_at IS NULL", captureID).
		Update("membership_granted_at", &now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
