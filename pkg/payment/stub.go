package payment

import (
	"context"

	"github.com/google/uuid"
)

// StubProvider is a no-op provider for development; every capture succeeds
// with a generated capture id.
type StubProvider struct{}

func (s *StubProvider) CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error) {
	return &CaptureResult{
		CaptureID: "STUB-" + uuid.NewString(),
		OrderID:   orderID,
		Status:    "COMPLETED",
		PayerID:   "STUBPAYER",
		Email:     "stub@example.com",
		Value:     "0.00",
		Currency:  "USD",
		Raw:       `{"stub":true}`,
	}, nil
}
