package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorCode is the closed failure taxonomy. Retryability is a fixed policy
// (see retryable below), never inferred per call site.
type ErrorCode string

const (
	CodeConnectionError    ErrorCode = "CONNECTION_ERROR"
	CodeTimeoutError       ErrorCode = "TIMEOUT_ERROR"
	CodePayPalServerError  ErrorCode = "PAYPAL_SERVER_ERROR"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	CodeInvalidCard        ErrorCode = "INVALID_CARD"
	CodeInvalidAccount     ErrorCode = "INVALID_ACCOUNT"
	CodePaymentDeclined    ErrorCode = "PAYMENT_DECLINED"
	CodeAuthorizationError ErrorCode = "AUTHORIZATION_FAILED"
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

// UNKNOWN_ERROR is deliberately non-retryable so an unanticipated failure mode
// can never produce an infinite retry loop.
var retryable = map[ErrorCode]bool{
	CodeConnectionError:   true,
	CodeTimeoutError:      true,
	CodePayPalServerError: true,
	CodeNetworkError:      true,
}

var userMessages = map[ErrorCode]string{
	CodeInsufficientFunds:  "El pago fue rechazado por fondos insuficientes.",
	CodeInvalidCard:        "La tarjeta no es válida o ha expirado.",
	CodeInvalidAccount:     "La cuenta de pago no está habilitada para esta operación.",
	CodePaymentDeclined:    "El pago fue rechazado por el proveedor.",
	CodeAuthorizationError: "No se pudo autorizar el pago.",
	CodeInvalidRequest:     "La solicitud de pago no es válida.",
}

const genericRetryMessage = "No pudimos completar el pago. Por favor inténtalo de nuevo en unos minutos."

// PaymentError is the classified form of a raw provider failure.
type PaymentError struct {
	Code          ErrorCode
	StatusCode    int
	Message       string
	AttemptNumber int
	Err           error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error { return e.Err }

func (e *PaymentError) Retryable() bool { return retryable[e.Code] }

// UserMessage is a safe, user-facing explanation of the failure.
func (e *PaymentError) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return genericRetryMessage
}

// PayPal issue codes that map onto terminal business errors. Anything else
// non-2xx falls through to the status-code buckets.
var issueCodes = map[string]ErrorCode{
	"INSUFFICIENT_FUNDS":             CodeInsufficientFunds,
	"INSTRUMENT_DECLINED":            CodePaymentDeclined,
	"PAYER_CANNOT_PAY":               CodePaymentDeclined,
	"TRANSACTION_REFUSED":            CodePaymentDeclined,
	"CARD_EXPIRED":                   CodeInvalidCard,
	"CARD_TYPE_NOT_SUPPORTED":        CodeInvalidCard,
	"INVALID_SECURITY_CODE":          CodeInvalidCard,
	"PAYER_ACCOUNT_RESTRICTED":       CodeInvalidAccount,
	"PAYER_ACCOUNT_LOCKED_OR_CLOSED": CodeInvalidAccount,
	"PAYEE_ACCOUNT_RESTRICTED":       CodeInvalidAccount,
	"PERMISSION_DENIED":              CodeAuthorizationError,
	"ORDER_NOT_APPROVED":             CodeAuthorizationError,
}

// Classify maps a raw failure from an attempted provider call into a
// PaymentError with a stable code. Pure mapping, no side effects.
// Unrecognized failures become UNKNOWN_ERROR.
func Classify(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PaymentError{Code: CodeTimeoutError, Message: "provider call timed out", Err: err}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPI(apiErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &PaymentError{Code: CodeTimeoutError, Message: "network timeout", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &PaymentError{Code: CodeConnectionError, Message: "connection failed", Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &PaymentError{Code: CodeNetworkError, Message: "request failed", Err: err}
	}
	return &PaymentError{Code: CodeUnknownError, Message: err.Error(), Err: err}
}

func classifyAPI(e *APIError) *PaymentError {
	if code, ok := issueCodes[e.Issue]; ok {
		return &PaymentError{Code: code, StatusCode: e.StatusCode, Message: e.Issue, Err: e}
	}
	switch {
	case e.StatusCode >= 500:
		return &PaymentError{Code: CodePayPalServerError, StatusCode: e.StatusCode, Message: "provider server error", Err: e}
	case e.StatusCode == 401 || e.StatusCode == 403:
		return &PaymentError{Code: CodeAuthorizationError, StatusCode: e.StatusCode, Message: "authorization failed", Err: e}
	case e.StatusCode == 400 || e.StatusCode == 422:
		return &PaymentError{Code: CodeInvalidRequest, StatusCode: e.StatusCode, Message: "invalid request", Err: e}
	default:
		return &PaymentError{Code: CodeUnknownError, StatusCode: e.StatusCode, Message: e.Body, Err: e}
	}
}
