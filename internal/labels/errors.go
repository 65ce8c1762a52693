package labels

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tournevent/labelflow/pkg/shipper"
)

// Kind classifies a label workflow failure.
type Kind int

const (
	KindAlreadyGenerated Kind = iota + 1
	KindConfig
	KindCarrier
	KindMerge
	KindStorage
	KindNotFound
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyGenerated:
		return "already_generated"
	case KindConfig:
		return "config"
	case KindCarrier:
		return "carrier"
	case KindMerge:
		return "merge"
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not_found"
	case KindPrecondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// Error is a label workflow failure. Code and Message are shown to staff.
type Error struct {
	Kind    Kind
	OrderID int64
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order %d: %s: %s: %v", e.OrderID, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("order %d: %s: %s", e.OrderID, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to the status code returned to interactive callers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAlreadyGenerated, KindPrecondition:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindCarrier:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of err, or 0 when err is not a label Error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

func newError(kind Kind, orderID int64, code, message string, err error) *Error {
	return &Error{Kind: kind, OrderID: orderID, Code: code, Message: message, Err: err}
}

// carrierError wraps an adapter failure, keeping the carrier's user-facing message.
func carrierError(orderID int64, err error) *Error {
	var se *shipper.ShipperError
	if errors.As(err, &se) {
		return newError(KindCarrier, orderID, se.Code, se.Message, err)
	}
	return newError(KindCarrier, orderID, shipper.CodeAPIError, "Unable to create the shipping label", err)
}
