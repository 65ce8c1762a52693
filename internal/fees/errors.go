package fees

import (
	"errors"
	"fmt"
	"net/http"
)

// Scheduled-refund errors.
var (
	ErrInvalidOrder    = errors.New("invalid order object provided")
	ErrNoRaisedRefunds = errors.New("no raised refunds found")
)

// ActionKind classifies a fee workflow failure.
type ActionKind int

const (
	KindActionNotFound ActionKind = iota + 1
	KindActionAlreadyFired
	KindRescheduleFailed
	KindUnscheduleFailed
	KindConfig
	KindPrecondition
	KindPayment
	KindLabelRefund
	KindNotFound
	KindStorage
)

func (k ActionKind) String() string {
	switch k {
	case KindActionNotFound:
		return "action_not_found"
	case KindActionAlreadyFired:
		return "action_already_fired"
	case KindRescheduleFailed:
		return "reschedule_failed"
	case KindUnscheduleFailed:
		return "unschedule_failed"
	case KindConfig:
		return "config"
	case KindPrecondition:
		return "precondition"
	case KindPayment:
		return "payment"
	case KindLabelRefund:
		return "label_refund"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Scheduled actions an ActionError can refer to.
const (
	TargetCharge = "charge"
	TargetMail   = "mail"
)

// ActionError is a fee workflow failure. Message is shown to staff.
type ActionError struct {
	Kind    ActionKind
	OrderID int64
	// Target names the scheduled action involved, if any.
	Target  string
	Message string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order %d: %s: %s: %v", e.OrderID, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("order %d: %s: %s", e.OrderID, e.Kind, e.Message)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// NonCritical reports whether the workflow may continue past the error.
// Only failures on the reminder mail action qualify.
func (e *ActionError) NonCritical() bool {
	return e.Target == TargetMail
}

// HTTPStatus maps the kind to the status code returned to interactive callers.
func (e *ActionError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindPrecondition, KindActionNotFound, KindActionAlreadyFired:
		return http.StatusConflict
	case KindPayment, KindLabelRefund:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of err, or 0 when err is not an ActionError.
func KindOf(err error) ActionKind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// IsNonCritical reports whether err is a non-critical ActionError.
func IsNonCritical(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae) && ae.NonCritical()
}

func actionError(kind ActionKind, orderID int64, target, message string, err error) *ActionError {
	return &ActionError{Kind: kind, OrderID: orderID, Target: target, Message: message, Err: err}
}
