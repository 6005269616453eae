package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Stable codes carried by every error leaving the SDK surface.
const (
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeValidation    = "VALIDATION_ERROR"
	CodePayment       = "PAYMENT_ERROR"
	CodeProvider      = "PROVIDER_ERROR"
	CodeNetwork       = "NETWORK_ERROR"
	CodeSession       = "SESSION_ERROR"
	CodeTransaction   = "TRANSACTION_ERROR"
	CodeUnknown       = "UNKNOWN_ERROR"
)

var (
	// Session errors
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionInactive       = errors.New("session is no longer active")
	ErrPhoneNotSet           = errors.New("customer phone not set")
	ErrTransactionExists     = errors.New("session already owns a transaction")
	ErrConflictingResolution = errors.New("conflicting resolution of terminal session")

	// Transaction errors
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// Provider errors
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrNotImplemented      = errors.New("operation not implemented")

	// Configuration errors
	ErrPublicKeyRequired = errors.New("public key required")
)

// Coded is implemented by every taxonomy member.
type Coded interface {
	error
	Code() string
}

// CodeOf returns the code of the first coded error in err's chain.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeUnknown
}

// ConfigurationError reports missing or invalid setup. MissingKeys lists every
// absent key, not just the first.
type ConfigurationError struct {
	Message     string
	MissingKeys []string
	Err         error
}

func NewConfigurationError(message string, missingKeys ...string) *ConfigurationError {
	return &ConfigurationError{Message: message, MissingKeys: missingKeys}
}

func (e *ConfigurationError) Error() string { return e.Message }
func (e *ConfigurationError) Code() string  { return CodeConfiguration }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// FieldError is one failed field check inside a ValidationError.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError represents bad caller input.
type ValidationError struct {
	Field   string
	Value   any
	Message string
	Fields  []FieldError
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewFieldsError builds a ValidationError from several failed checks. Field
// is set to the first failure.
func NewFieldsError(fields []FieldError) *ValidationError {
	if len(fields) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, f.Message)
	}
	return &ValidationError{
		Field:   fields[0].Field,
		Message: strings.Join(msgs, ", "),
		Fields:  fields,
	}
}

// WithValue records the offending value.
func (e *ValidationError) WithValue(v any) *ValidationError {
	e.Value = v
	return e
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return CodeValidation }

// PaymentError is an upstream payment rejection.
type PaymentError struct {
	Message       string
	ProviderCode  string
	TransactionID string
	Err           error
}

func NewPaymentError(message, providerCode, transactionID string) *PaymentError {
	return &PaymentError{Message: message, ProviderCode: providerCode, TransactionID: transactionID}
}

func (e *PaymentError) Error() string { return e.Message }
func (e *PaymentError) Code() string  { return CodePayment }
func (e *PaymentError) Unwrap() error { return e.Err }

// ProviderError is an adapter-level failure wrapping its cause.
type ProviderError struct {
	Message  string
	Provider string
	Err      error
}

func NewProviderError(message, provider string, err error) *ProviderError {
	return &ProviderError{Message: message, Provider: provider, Err: err}
}

func (e *ProviderError) Error() string { return e.Message }
func (e *ProviderError) Code() string  { return CodeProvider }
func (e *ProviderError) Unwrap() error { return e.Err }

// NetworkError is a transport-level failure. StatusCode is zero when no
// response was received.
type NetworkError struct {
	Message    string
	StatusCode int
	Body       string
	Err        error
}

func NewNetworkError(message string, statusCode int, err error) *NetworkError {
	return &NetworkError{Message: message, StatusCode: statusCode, Err: err}
}

func (e *NetworkError) Error() string { return e.Message }
func (e *NetworkError) Code() string  { return CodeNetwork }
func (e *NetworkError) Unwrap() error { return e.Err }

// SessionError reports misuse of a session.
type SessionError struct {
	Message   string
	SessionID string
	Err       error
}

func NewSessionError(sessionID string, err error) *SessionError {
	return &SessionError{Message: err.Error(), SessionID: sessionID, Err: err}
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.SessionID)
}

func (e *SessionError) Code() string  { return CodeSession }
func (e *SessionError) Unwrap() error { return e.Err }

// TransactionError reports an unknown or misused transaction id.
type TransactionError struct {
	Message       string
	TransactionID string
	Err           error
}

func NewTransactionError(transactionID string, err error) *TransactionError {
	return &TransactionError{Message: err.Error(), TransactionID: transactionID, Err: err}
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.TransactionID)
}

func (e *TransactionError) Code() string  { return CodeTransaction }
func (e *TransactionError) Unwrap() error { return e.Err }
