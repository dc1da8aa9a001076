package domain

// User ranks. Premium is the only rank with an expiry; everything else is permanent.
const (
	TipoSuperAdmin = "SUPER_ADMIN"
	TipoAdmin      = "ADMIN"
	TipoBasico     = "BASICO"
	TipoPremium    = "PREMIUM"
)

const (
	PaymentPending   = "PENDING"
	PaymentCompleted = "COMPLETED"
	PaymentFailed    = "FAILED"
)

// Publication allowance for a fresh BASICO account. Premium and admin ranks
// are not limited.
const DefaultLimitePublicaciones = 10

// PayPal webhook event types we act on; everything else is acknowledged and ignored.
const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
)
