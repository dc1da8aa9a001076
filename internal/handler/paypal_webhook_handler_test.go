package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"comuna/config"
	"comuna/internal/domain"
	"comuna/internal/models"
	"comuna/internal/repository"
	"comuna/internal/service"
	"comuna/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type webhookFixture struct {
	db          *gorm.DB
	userRepo    *repository.UserRepository
	paymentRepo *repository.PaymentRepository
	router      *gin.Engine
	user        *models.User
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	cfg := &config.Config{
		Membership: config.MembershipConfig{
			Plans: map[string]config.Plan{
				"mensual": {Duration: 30 * 24 * time.Hour, Value: "9.99", Currency: "USD"},
			},
		},
	}
	userRepo := repository.NewUserRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	membershipSvc := service.NewMembershipService(cfg, userRepo, paymentRepo)
	h := NewPayPalWebhookHandler(paymentRepo, membershipSvc)

	r := gin.New()
	r.POST("/api/v1/webhooks/paypal", h.Handle)

	u := &models.User{
		Username:            "carla",
		Email:               "carla@example.com",
		TipoUsuario:         domain.TipoBasico,
		LimitePublicaciones: domain.DefaultLimitePublicaciones,
	}
	require.NoError(t, userRepo.Create(u))
	return &webhookFixture{db: db, userRepo: userRepo, paymentRepo: paymentRepo, router: r, user: u}
}

func (fx *webhookFixture) deliver(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func completedEvent(eventID, captureID, orderID, customID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"event_type": %q,
		"resource": {
			"id": %q,
			"status": "COMPLETED",
			"custom_id": %q,
			"amount": {"value": "9.99", "currency_code": "USD"},
			"supplementary_data": {"related_ids": {"order_id": %q}}
		}
	}`, eventID, domain.EventCaptureCompleted, captureID, customID, orderID)
}

func TestWebhookBeforeCaptureCreatesRecordAndUpgrades(t *testing.T) {
	fx := newWebhookFixture(t)
	customID := fmt.Sprintf("%d:mensual", fx.user.ID)

	w := fx.deliver(t, completedEvent("WH-1", "CAP-1", "ORD-1", customID))
	assert.Equal(t, http.StatusOK, w.Code)

	rec, err := fx.paymentRepo.GetByEventID("WH-1")
	require.NoError(t, err)
	assert.Equal(t, fx.user.ID, rec.UserID)
	assert.Equal(t, domain.PaymentCompleted, rec.Status)
	require.NotNil(t, rec.CaptureID)
	assert.Equal(t, "CAP-1", *rec.CaptureID)
	assert.Equal(t, "ORD-1", rec.OrderID)
	assert.Equal(t, "mensual", rec.Plan)

	u, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TipoPremium, u.TipoUsuario)
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	fx := newWebhookFixture(t)
	customID := fmt.Sprintf("%d:mensual", fx.user.ID)
	body := completedEvent("WH-2", "CAP-2", "ORD-2", customID)

	fx.deliver(t, body)
	u1, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)

	w := fx.deliver(t, body)
	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	require.NoError(t, fx.db.Model(&models.Payment{}).Where("event_id = ?", "WH-2").Count(&count).Error)
	assert.EqualValues(t, 1, count)

	u2, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, u1.FechaVencimientoPremium.Unix(), u2.FechaVencimientoPremium.Unix())
}

func TestWebhookAfterCaptureMergesOntoExistingRecord(t *testing.T) {
	fx := newWebhookFixture(t)
	// The synchronous capture already wrote COMPLETED and granted the upgrade.
	captureID := "CAP-3"
	granted := time.Now()
	_, err := fx.paymentRepo.UpsertByCaptureID(&models.Payment{
		UserID:              fx.user.ID,
		OrderID:             "ORD-3",
		CaptureID:           &captureID,
		Status:              domain.PaymentCompleted,
		Plan:                "mensual",
		MembershipGrantedAt: &granted,
	})
	require.NoError(t, err)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, fx.userRepo.SetPremium(fx.user.ID, expiry))

	customID := fmt.Sprintf("%d:mensual", fx.user.ID)
	w := fx.deliver(t, completedEvent("WH-3", captureID, "ORD-3", customID))
	assert.Equal(t, http.StatusOK, w.Code)

	// One record carrying both identities, and no second upgrade.
	var count int64
	require.NoError(t, fx.db.Model(&models.Payment{}).Where("capture_id = ?", captureID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	rec, err := fx.paymentRepo.GetByCaptureID(captureID)
	require.NoError(t, err)
	require.NotNil(t, rec.EventID)
	assert.Equal(t, "WH-3", *rec.EventID)

	u, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, expiry.Unix(), u.FechaVencimientoPremium.Unix(),
		"webhook must not stack a second grant onto the same capture")
}

func TestWebhookDeniedMarksPendingRecordFailed(t *testing.T) {
	fx := newWebhookFixture(t)
	err := fx.paymentRepo.Create(&models.Payment{
		UserID:  fx.user.ID,
		OrderID: "ORD-4",
		Status:  domain.PaymentPending,
		Plan:    "mensual",
	})
	require.NoError(t, err)

	body := fmt.Sprintf(`{
		"id": "WH-4",
		"event_type": %q,
		"resource": {
			"id": "CAP-4",
			"status": "DECLINED",
			"supplementary_data": {"related_ids": {"order_id": "ORD-4"}}
		}
	}`, domain.EventCaptureDenied)
	w := fx.deliver(t, body)
	assert.Equal(t, http.StatusOK, w.Code)

	rec, err := fx.paymentRepo.GetByOrderID("ORD-4")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, rec.Status)
	assert.NotEmpty(t, rec.LastError)

	u, err := fx.userRepo.GetByID(fx.user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TipoBasico, u.TipoUsuario)
}

func TestWebhookSecondDistinctEventDoesNotDisplaceFirst(t *testing.T) {
	fx := newWebhookFixture(t)
	customID := fmt.Sprintf("%d:mensual", fx.user.ID)

	fx.deliver(t, completedEvent("WH-6", "CAP-6", "ORD-6", customID))

	// A later DENIED event for the same capture must not steal the event id
	// slot: redeliveries of the original would stop deduplicating, and the
	// COMPLETED outcome never moves backward.
	denied := fmt.Sprintf(`{
		"id": "WH-7",
		"event_type": %q,
		"resource": {
			"id": "CAP-6",
			"status": "DECLINED",
			"supplementary_data": {"related_ids": {"order_id": "ORD-6"}}
		}
	}`, domain.EventCaptureDenied)
	w := fx.deliver(t, denied)
	assert.Equal(t, http.StatusOK, w.Code)

	rec, err := fx.paymentRepo.GetByCaptureID("CAP-6")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, rec.Status)
	require.NotNil(t, rec.EventID)
	assert.Equal(t, "WH-6", *rec.EventID)

	// Redelivery of the original still dedupes on the stored event id.
	fx.deliver(t, completedEvent("WH-6", "CAP-6", "ORD-6", customID))
	var count int64
	require.NoError(t, fx.db.Model(&models.Payment{}).Where("capture_id = ?", "CAP-6").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestWebhookMalformedPayloadIsAcked(t *testing.T) {
	fx := newWebhookFixture(t)

	for _, body := range []string{"not json at all", `{"event_type": "PAYMENT.CAPTURE.COMPLETED"}`, `{}`} {
		w := fx.deliver(t, body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"received":true`)
	}

	var count int64
	require.NoError(t, fx.db.Model(&models.Payment{}).Count(&count).Error)
	assert.EqualValues(t, 0, count, "nothing attributable, nothing written")
}

func TestWebhookUnattributableEventIsDropped(t *testing.T) {
	fx := newWebhookFixture(t)

	// No prior record and no custom_id: nothing to attach the payment to.
	w := fx.deliver(t, completedEvent("WH-5", "CAP-5", "ORD-5", ""))
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := fx.paymentRepo.GetByEventID("WH-5")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
