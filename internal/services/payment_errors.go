package services

import (
	"errors"
)

// ErrorKind is the closed set of payment failure classes. Every resolver
// and initiation failure maps to exactly one kind so clients can branch
// on it without string matching.
type ErrorKind string

const (
	ErrKindInvoiceNotFound        ErrorKind = "invoice-not-found"
	ErrKindInvoiceAlreadyPaid     ErrorKind = "invoice-already-paid"
	ErrKindLeaseNotFound          ErrorKind = "lease-not-found"
	ErrKindUnitNotFound           ErrorKind = "unit-not-found"
	ErrKindPropertyNotFound       ErrorKind = "property-not-found"
	ErrKindOwnerNotFound          ErrorKind = "owner-not-found"
	ErrKindNotConfigured          ErrorKind = "not-configured"
	ErrKindConfigInactive         ErrorKind = "config-inactive"
	ErrKindCredentialsNotVerified ErrorKind = "credentials-not-verified"
	ErrKindInvalidPhone           ErrorKind = "invalid-phone"
	ErrKindInvalidAmount          ErrorKind = "invalid-amount"
	ErrKindProviderRejected       ErrorKind = "provider-rejected"
	ErrKindProviderUnavailable    ErrorKind = "provider-unavailable"
	ErrKindVerifyUnsupported      ErrorKind = "verify-unsupported"
	ErrKindTransactionNotFound    ErrorKind = "transaction-not-found"
)

// Action hints tell the client which remedial screen to show.
const (
	ActionConfigureProcessor = "configure-processor"
	ActionVerifyCredentials  = "verify-credentials"
	ActionContactManager     = "contact-manager"
)

// PaymentError is a structured domain failure.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Action  string
}

func (e *PaymentError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func NewPaymentError(kind ErrorKind, message string) *PaymentError {
	return &PaymentError{Kind: kind, Message: message}
}

func NewPaymentErrorWithAction(kind ErrorKind, message, action string) *PaymentError {
	return &PaymentError{Kind: kind, Message: message, Action: action}
}

// AsPaymentError unwraps err to a *PaymentError if one is in the chain.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
