package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"comuna/config"
	"comuna/internal/domain"
	"comuna/internal/models"
	"comuna/internal/repository"
	"comuna/internal/testutil"
	"comuna/pkg/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testConfig() *config.Config {
	return &config.Config{
		Retry: config.RetryConfig{
			MaxRetries:        3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			PerAttemptTimeout: time.Second,
		},
		Membership: config.MembershipConfig{
			Plans: map[string]config.Plan{
				"mensual": {Duration: 30 * 24 * time.Hour, Value: "9.99", Currency: "USD"},
				"anual":   {Duration: 365 * 24 * time.Hour, Value: "89.99", Currency: "USD"},
			},
		},
	}
}

// fakeProvider fails with its queued errors in order, then returns result.
type fakeProvider struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	result payment.CaptureResult
}

func (f *fakeProvider) CaptureOrder(ctx context.Context, orderID string) (*payment.CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	res := f.result
	res.OrderID = orderID
	return &res, nil
}

type captureFixture struct {
	db          *gorm.DB
	userRepo    *repository.UserRepository
	paymentRepo *repository.PaymentRepository
	membership  *MembershipService
	svc         *CaptureService
	user        *models.User
}

func newCaptureFixture(t *testing.T, provider payment.Provider) *captureFixture {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := testConfig()
	userRepo := repository.NewUserRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	membership := NewMembershipService(cfg, userRepo, paymentRepo)
	svc := NewCaptureService(cfg, paymentRepo, membership, provider)

	u := &models.User{
		Username:            "ana",
		Email:               "ana@example.com",
		TipoUsuario:         domain.TipoBasico,
		LimitePublicaciones: domain.DefaultLimitePublicaciones,
	}
	require.NoError(t, userRepo.Create(u))
	return &captureFixture{db: db, userRepo: userRepo, paymentRepo: paymentRepo, membership: membership, svc: svc, user: u}
}

func TestCaptureSuccessUpgradesMembership(t *testing.T) {
	provider := &fakeProvider{result: payment.CaptureResult{
		CaptureID: "CAP-100", Status: "COMPLETED", PayerID: "PAYER1",
		Email: "ana@example.com", Value: "9.99", Currency: "USD", Raw: `{"ok":true}`,
	}}
	fx := newCaptureFixture(t, provider)

	outcome, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-100", "mensual")
	require.NoError(t, err)
	require.Nil(t, outcome.Err)
	assert.Equal(t, 1, outcome.Attempts)

	rec, err := fx.paymentRepo.GetByCaptureID("CAP-100")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, rec.Status)
	assert.Equal(t, "ORD-100", rec.OrderID)
	assert.Equal(t, `{"ok":true}`, rec.Raw)
	assert.NotNil(t, rec.MembershipGrantedAt)

	u, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TipoPremium, u.TipoUsuario)
	require.NotNil(t, u.FechaVencimientoPremium)
	wantExpiry := time.Now().Add(30 * 24 * time.Hour)
	assert.WithinDuration(t, wantExpiry, *u.FechaVencimientoPremium, time.Minute)
}

func TestCaptureIsIdempotentPerOrder(t *testing.T) {
	provider := &fakeProvider{result: payment.CaptureResult{
		CaptureID: "CAP-200", Status: "COMPLETED", Value: "9.99", Currency: "USD",
	}}
	fx := newCaptureFixture(t, provider)

	_, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-200", "mensual")
	require.NoError(t, err)
	u1, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)

	// Second capture of the same order answers from the ledger: no second
	// provider call, no second record, no second upgrade.
	outcome, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-200", "mensual")
	require.NoError(t, err)
	require.Nil(t, outcome.Err)

	assert.Equal(t, 1, provider.calls)
	var count int64
	require.NoError(t, fx.db.Model(&models.Payment{}).Where("capture_id = ?", "CAP-200").Count(&count).Error)
	assert.EqualValues(t, 1, count)

	u2, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, u1.FechaVencimientoPremium.Unix(), u2.FechaVencimientoPremium.Unix(),
		"expiry must not move on a duplicate capture")
}

func TestCaptureTerminalFailureRecordsAndStops(t *testing.T) {
	provider := &fakeProvider{errs: []error{&payment.APIError{StatusCode: 422, Issue: "CARD_EXPIRED"}}}
	fx := newCaptureFixture(t, provider)

	outcome, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-300", "mensual")
	require.NoError(t, err)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, payment.CodeInvalidCard, outcome.Err.Code)
	assert.False(t, outcome.Err.Retryable())
	assert.Equal(t, 1, provider.calls)

	rec, err := fx.paymentRepo.GetByOrderID("ORD-300")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, rec.Status)
	assert.Equal(t, 1, rec.AttemptNumber)
	assert.NotEmpty(t, rec.LastError)
	assert.Empty(t, rec.RetryHistory)

	u, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TipoBasico, u.TipoUsuario, "no membership change on failure")
}

func TestCaptureRetriesServerErrorsThenSucceeds(t *testing.T) {
	serverErr := &payment.APIError{StatusCode: 500, Body: "boom"}
	provider := &fakeProvider{
		errs:   []error{serverErr, serverErr, serverErr},
		result: payment.CaptureResult{CaptureID: "CAP-400", Status: "COMPLETED", Value: "9.99", Currency: "USD"},
	}
	fx := newCaptureFixture(t, provider)

	outcome, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-400", "mensual")
	require.NoError(t, err)
	require.Nil(t, outcome.Err)
	assert.Equal(t, 4, outcome.Attempts)
	assert.Equal(t, 4, provider.calls)

	// The superseded attempts survive on the record for audit.
	rec, err := fx.paymentRepo.GetByCaptureID("CAP-400")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, rec.Status)
	require.Len(t, rec.RetryHistory, 3)
	assert.Equal(t, "PAYPAL_SERVER_ERROR", rec.RetryHistory[0].ErrorCode)
	assert.Equal(t, 4, rec.AttemptNumber)
}

func TestCaptureExhaustedRetriesFails(t *testing.T) {
	serverErr := &payment.APIError{StatusCode: 503}
	provider := &fakeProvider{errs: []error{serverErr, serverErr, serverErr, serverErr, serverErr}}
	fx := newCaptureFixture(t, provider)

	outcome, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-500", "mensual")
	require.NoError(t, err)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, 4, outcome.Attempts) // maxRetries+1
	assert.Equal(t, payment.CodePayPalServerError, outcome.Err.Code)

	rec, err := fx.paymentRepo.GetByOrderID("ORD-500")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, rec.Status)
	require.Len(t, rec.RetryHistory, 3)
}

func TestCaptureAfterWebhookConverges(t *testing.T) {
	// The webhook path already recorded and granted this payment; the late
	// synchronous call must converge on that record without a second upgrade.
	provider := &fakeProvider{result: payment.CaptureResult{CaptureID: "CAP-600", Status: "COMPLETED"}}
	fx := newCaptureFixture(t, provider)

	eventID := "WH-600"
	captureID := "CAP-600"
	rec := &models.Payment{
		UserID:    fx.user.ID,
		OrderID:   "ORD-600",
		EventID:   &eventID,
		CaptureID: &captureID,
		Status:    domain.PaymentCompleted,
		Plan:      "mensual",
	}
	_, err := fx.paymentRepo.UpsertByEventID(rec)
	require.NoError(t, err)
	require.NoError(t, fx.membership.Upgrade(fx.user.ID, captureID, "mensual"))
	uBefore, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)

	outcome, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-600", "mensual")
	require.NoError(t, err)
	require.Nil(t, outcome.Err)
	assert.Equal(t, 0, provider.calls, "ledger answers, provider never called")

	var count int64
	require.NoError(t, fx.db.Model(&models.Payment{}).Where("capture_id = ?", captureID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	uAfter, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, uBefore.FechaVencimientoPremium.Unix(), uAfter.FechaVencimientoPremium.Unix())
}

func TestCaptureKeepsHistoryWhenWebhookRecordWinsRace(t *testing.T) {
	serverErr := &payment.APIError{StatusCode: 500}
	provider := &fakeProvider{
		errs:   []error{serverErr, serverErr},
		result: payment.CaptureResult{CaptureID: "CAP-900", Status: "COMPLETED", Value: "9.99", Currency: "USD"},
	}
	fx := newCaptureFixture(t, provider)

	// A webhook with no order correlation landed during the backoff window
	// and created the ledger record first.
	eventID := "WH-900"
	captureID := "CAP-900"
	_, err := fx.paymentRepo.UpsertByEventID(&models.Payment{
		UserID:    fx.user.ID,
		EventID:   &eventID,
		CaptureID: &captureID,
		Status:    domain.PaymentCompleted,
		Plan:      "mensual",
	})
	require.NoError(t, err)

	outcome, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-900", "mensual")
	require.NoError(t, err)
	require.Nil(t, outcome.Err)
	assert.Equal(t, 3, outcome.Attempts)

	// The webhook row won the capture_id race; the retry history and the
	// order correlation must survive on it, and the sync path's placeholder
	// must not linger as a second row.
	rec, err := fx.paymentRepo.GetByCaptureID(captureID)
	require.NoError(t, err)
	assert.Equal(t, "ORD-900", rec.OrderID)
	assert.Equal(t, domain.PaymentCompleted, rec.Status)
	require.Len(t, rec.RetryHistory, 2)
	assert.Equal(t, 3, rec.AttemptNumber)

	var count int64
	require.NoError(t, fx.db.Model(&models.Payment{}).Where("user_id = ?", fx.user.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	u, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TipoPremium, u.TipoUsuario)
}

func TestCaptureUnknownPlan(t *testing.T) {
	fx := newCaptureFixture(t, &fakeProvider{})
	_, err := fx.svc.Capture(context.Background(), fx.user.ID, "ORD-700", "vitalicio")
	require.ErrorIs(t, err, ErrUnknownPlan)
}
