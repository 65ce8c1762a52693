package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockProcessor is a Processor for tests. Unset hooks succeed.
type MockProcessor struct {
	OnSync   func(ctx context.Context, customerID, paymentMethodID string) error
	OnCharge func(ctx context.Context, req ChargeRequest) (*Charge, error)
	OnRefund func(ctx context.Context, req RefundRequest) (*Refund, error)

	mu      sync.Mutex
	charges []ChargeRequest
	refunds []RefundRequest
	syncs   []string
}

// NewMockProcessor creates a MockProcessor.
func NewMockProcessor() *MockProcessor {
	return &MockProcessor{}
}

// SyncDefaultPaymentMethod implements Processor.
func (m *MockProcessor) SyncDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	m.mu.Lock()
	m.syncs = append(m.syncs, customerID)
	m.mu.Unlock()
	if m.OnSync != nil {
		return m.OnSync(ctx, customerID, paymentMethodID)
	}
	if paymentMethodID == "" {
		return ErrNoPaymentMethod
	}
	return nil
}

// Charge implements Processor.
func (m *MockProcessor) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	m.mu.Lock()
	m.charges = append(m.charges, req)
	m.mu.Unlock()
	if m.OnCharge != nil {
		return m.OnCharge(ctx, req)
	}
	return &Charge{ID: "pi_" + uuid.NewString()[:8], Status: "succeeded", Amount: req.Amount}, nil
}

// Refund implements Processor.
func (m *MockProcessor) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	m.mu.Lock()
	m.refunds = append(m.refunds, req)
	m.mu.Unlock()
	if m.OnRefund != nil {
		return m.OnRefund(ctx, req)
	}
	return &Refund{ID: "re_" + uuid.NewString()[:8], Status: "succeeded", Amount: req.Amount}, nil
}

// Charges returns the recorded charge requests.
func (m *MockProcessor) Charges() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRequest(nil), m.charges...)
}

// Refunds returns the recorded refund requests.
func (m *MockProcessor) Refunds() []RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RefundRequest(nil), m.refunds...)
}

// Syncs returns the customer ids whose payment method was synced.
func (m *MockProcessor) Syncs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.syncs...)
}

var _ Processor = (*MockProcessor)(nil)
