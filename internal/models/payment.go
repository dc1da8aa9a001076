package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RetryEntry is one failed attempt that was followed by a retry.
type RetryEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	AttemptNumber int       `json:"attemptNumber"`
	ErrorCode     string    `json:"errorCode"`
	ErrorMessage  string    `json:"errorMessage"`
	StatusCode    int       `json:"statusCode,omitempty"`
}

// RetryHistory is stored as a JSON text column.
type RetryHistory []RetryEntry

func (h RetryHistory) Value() (driver.Value, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *RetryHistory) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*h = nil
			return nil
		}
		return json.Unmarshal(v, h)
	case string:
		if v == "" {
			*h = nil
			return nil
		}
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("retry history: unsupported source type %T", src)
	}
}

// Payment is one logical payment attempt/outcome. Outcome rows are kept
// forever as the audit trail; the only removal is a placeholder row collapsed
// into the winner of an upsert race. EventID and CaptureID carry sparse unique
// indexes: they are the idempotency keys that serialize the synchronous capture
// path against the asynchronous webhook path.
type Payment struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	UserID    uint    `gorm:"not null;index" json:"user_id"`
	OrderID   string  `gorm:"size:64;index" json:"order_id"`
	CaptureID *string `gorm:"size:64;uniqueIndex" json:"capture_id"`
	EventID   *string `gorm:"size:128;uniqueIndex" json:"event_id"`
	Status    string  `gorm:"size:20;not null;index" json:"status"` // PENDING, COMPLETED, FAILED
	Plan      string  `gorm:"size:32" json:"plan"`
	Value     string  `gorm:"size:32" json:"value"`
	Currency  string  `gorm:"size:8" json:"currency"`
	PayerID   string  `gorm:"size:64" json:"payer_id"`
	Email     string  `gorm:"size:255" json:"email"`
	Raw       string  `gorm:"type:text" json:"-"` // verbatim provider payload for audit/replay

	AttemptNumber int          `json:"attempt_number"`
	LastError     string       `gorm:"size:512" json:"last_error"`
	RetryHistory  RetryHistory `gorm:"type:text" json:"retry_history"`

	// Set exactly once per capture; the claim is the membership-upgrade
	// idempotency flag shared by both notification paths.
	MembershipGrantedAt *time.Time `json:"membership_granted_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
