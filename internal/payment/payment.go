// Package payment charges and refunds customers through the payment processor.
package payment

import (
	"context"
	"errors"
)

// ErrNoPaymentMethod is returned when the customer has no saved payment method.
var ErrNoPaymentMethod = errors.New("no default payment method")

// Mode selects live or test processor keys.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// ModeFor returns the key mode for a test flag.
func ModeFor(test bool) Mode {
	if test {
		return ModeTest
	}
	return ModeLive
}

// ChargeRequest is an off-session charge against a saved payment method.
type ChargeRequest struct {
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	// IdempotencyKey makes a replayed charge return the first result.
	IdempotencyKey string
}

// Charge is a completed payment.
type Charge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// RefundRequest refunds a payment. A zero Amount refunds it in full.
type RefundRequest struct {
	PaymentIntentID string
	Amount          int64
	Reason          string
}

// Refund is a processed refund.
type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// Processor is a payment processor account.
type Processor interface {
	SyncDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// Accounts holds the live and test processor accounts.
type Accounts struct {
	Live Processor
	Test Processor
}

// For returns the processor for mode.
func (a Accounts) For(mode Mode) Processor {
	if mode == ModeTest {
		return a.Test
	}
	return a.Live
}
