package shipper

import (
	"errors"
	"fmt"
)

// Error codes attached to ShipperError.
const (
	CodeShipmentFailed    = "SHIPMENT_FAILED"
	CodeNoMatchingRate    = "NO_MATCHING_RATE"
	CodeTokenGeneration   = "TOKEN_GENERATION"
	CodeLabelMetadata     = "LABEL_METADATA"
	CodeLabelBinary       = "LABEL_BINARY"
	CodeTransactionFailed = "TRANSACTION_FAILED"
	CodeUnsupported       = "UNSUPPORTED"
	CodeAPIError          = "API_ERROR"
)

// ShipperError represents an error from a shipping carrier.
type ShipperError struct {
	Carrier    string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface.
func (e *ShipperError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error (%s): %s: %v", e.Carrier, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Carrier, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ShipperError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for ShipperError.
func (e *ShipperError) Is(target error) bool {
	t, ok := target.(*ShipperError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewShipperError creates a new ShipperError.
func NewShipperError(carrier, code, message string) *ShipperError {
	return &ShipperError{
		Carrier: carrier,
		Code:    code,
		Message: message,
	}
}

// WithCause adds a cause to the error.
func (e *ShipperError) WithCause(err error) *ShipperError {
	e.Cause = err
	return e
}

// WithStatusCode adds an HTTP status code to the error.
func (e *ShipperError) WithStatusCode(code int) *ShipperError {
	e.StatusCode = code
	return e
}

// WithRetryable marks the error as retryable.
func (e *ShipperError) WithRetryable(retryable bool) *ShipperError {
	e.Retryable = retryable
	return e
}

// Sentinel errors matched by code through ShipperError.Is.
var (
	// ErrShipmentFailed indicates the carrier did not accept the shipment.
	ErrShipmentFailed = &ShipperError{Code: CodeShipmentFailed}

	// ErrNoMatchingRate indicates no rate matched the configured account and service level.
	ErrNoMatchingRate = &ShipperError{Code: CodeNoMatchingRate}

	// ErrTokenGeneration indicates a carrier credential could not be obtained.
	ErrTokenGeneration = &ShipperError{Code: CodeTokenGeneration}

	// ErrLabelMetadata indicates the label metadata section could not be parsed.
	ErrLabelMetadata = &ShipperError{Code: CodeLabelMetadata}

	// ErrLabelBinary indicates the label image section could not be decoded.
	ErrLabelBinary = &ShipperError{Code: CodeLabelBinary}

	// ErrTransactionFailed indicates the carrier rejected a label purchase.
	ErrTransactionFailed = &ShipperError{Code: CodeTransactionFailed}

	// ErrUnsupported indicates the carrier does not offer the requested operation.
	ErrUnsupported = &ShipperError{Code: CodeUnsupported}
)

// Sentinel errors for common shipping scenarios.
var (
	// ErrServiceUnavailable indicates the carrier service is temporarily unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrRateLimitExceeded indicates the carrier rate limit was exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCarrierNotFound indicates the requested carrier is not registered.
	ErrCarrierNotFound = errors.New("carrier not found")

	// ErrRatePageLoop indicates a rate listing returned a cursor it had already returned.
	ErrRatePageLoop = errors.New("rate pagination loop")
)

// IsRetryable returns true if the error is retryable.
func IsRetryable(err error) bool {
	var shipperErr *ShipperError
	if errors.As(err, &shipperErr) {
		return shipperErr.Retryable
	}
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrRateLimitExceeded)
}

// Code extracts the ShipperError code from err, or "" when err is not a carrier error.
func Code(err error) string {
	var shipperErr *ShipperError
	if errors.As(err, &shipperErr) {
		return shipperErr.Code
	}
	return ""
}
