package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// PayPalProvider captures approved orders via the PayPal REST API (orders v2).
// API auth is OAuth2 client credentials; the token source refreshes as needed.
type PayPalProvider struct {
	BaseURL string
	client  *http.Client
}

func NewPayPalProvider(baseURL, clientID, clientSecret string) *PayPalProvider {
	if baseURL == "" {
		baseURL = "https://api-m.paypal.com"
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
	}
	base := &http.Client{Timeout: 30 * time.Second}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return &PayPalProvider{
		BaseURL: baseURL,
		client:  cc.Client(ctx),
	}
}

type paypalCaptureResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  struct {
		PayerID      string `json:"payer_id"`
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Amount struct {
					Value        string `json:"value"`
					CurrencyCode string `json:"currency_code"`
				} `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type paypalErrorResp struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// CaptureOrder captures an order the payer already approved. A non-2xx
// response comes back as *APIError so the classifier can assign a code.
func (p *PayPalProvider) CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error) {
	url := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", p.BaseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		var pe paypalErrorResp
		if json.Unmarshal(respBody, &pe) == nil && len(pe.Details) > 0 {
			apiErr.Issue = pe.Details[0].Issue
		}
		log.Printf("[PayPal] capture failed order_id=%s status=%d issue=%s", orderID, resp.StatusCode, apiErr.Issue)
		return nil, apiErr
	}
	var out paypalCaptureResp
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("paypal capture: decode response: %w", err)
	}
	result := &CaptureResult{
		OrderID: out.ID,
		Status:  out.Status,
		PayerID: out.Payer.PayerID,
		Email:   out.Payer.EmailAddress,
		Raw:     string(respBody),
	}
	if len(out.PurchaseUnits) > 0 && len(out.PurchaseUnits[0].Payments.Captures) > 0 {
		c := out.PurchaseUnits[0].Payments.Captures[0]
		result.CaptureID = c.ID
		result.Value = c.Amount.Value
		result.Currency = c.Amount.CurrencyCode
		if c.Status != "" {
			result.Status = c.Status
		}
	}
	if result.CaptureID == "" {
		return nil, fmt.Errorf("paypal capture: response for order %s has no capture id", orderID)
	}
	log.Printf("[PayPal] captured order_id=%s capture_id=%s status=%s", orderID, result.CaptureID, result.Status)
	return result, nil
}
