package payment

import (
	"context"
	"fmt"
)

// CaptureResult is the provider's confirmation that funds were collected for an order.
type CaptureResult struct {
	CaptureID string
	OrderID   string
	Status    string
	PayerID   string
	Email     string
	Value     string
	Currency  string
	Raw       string // verbatim response body, persisted for audit
}

type Provider interface {
	CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error)
}

// APIError is a non-2xx response from the provider's REST API.
type APIError struct {
	StatusCode int
	Issue      string // provider issue code, e.g. INSTRUMENT_DECLINED
	Body       string
}

func (e *APIError) Error() string {
	if e.Issue != "" {
		return fmt.Sprintf("paypal api: %d %s", e.StatusCode, e.Issue)
	}
	return fmt.Sprintf("paypal api: %d %s", e.StatusCode, e.Body)
}
