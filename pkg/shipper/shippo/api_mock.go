package shippo

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnCreateShipment    func(ctx context.Context, req *ShipmentRequest) (*Shipment, error)
	OnListRates         func(ctx context.Context, shipmentID string) (*RateList, error)
	OnNextRates         func(ctx context.Context, nextURL string) (*RateList, error)
	OnCreateTransaction func(ctx context.Context, req *TransactionRequest) (*Transaction, error)
	OnGetTrack          func(ctx context.Context, carrier, trackingNumber string) (*Track, error)
	OnRegisterTrack     func(ctx context.Context, req *TrackRequest) (*Track, error)
	OnCreateRefund      func(ctx context.Context, req *RefundRequest) (*Refund, error)
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{}
}

func (m *MockAPIClient) simulate() error {
	if m.SimulateLatency > 0 {
		time.Sleep(m.SimulateLatency)
	}
	if m.SimulateErrors {
		return &APIError{Code: "MOCK_ERROR", Message: "Simulated API error"}
	}
	return nil
}

// CreateShipment returns a shipment with a generated id.
func (m *MockAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*Shipment, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, req)
	}
	return &Shipment{ObjectID: "shp_" + uuid.New().String()[:8], Status: "SUCCESS"}, nil
}

// ListRates returns a single page with one USPS rate.
func (m *MockAPIClient) ListRates(ctx context.Context, shipmentID string) (*RateList, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnListRates != nil {
		return m.OnListRates(ctx, shipmentID)
	}
	return &RateList{
		Results: []Rate{{
			ObjectID:       "rate_" + uuid.New().String()[:8],
			CarrierAccount: "mock_account",
			Provider:       "USPS",
			Amount:         "5.20",
			ServiceLevel:   ServiceLevel{Token: "usps_ground_advantage", Name: "Ground Advantage"},
		}},
	}, nil
}

// NextRates returns an empty last page.
func (m *MockAPIClient) NextRates(ctx context.Context, nextURL string) (*RateList, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnNextRates != nil {
		return m.OnNextRates(ctx, nextURL)
	}
	return &RateList{}, nil
}

// CreateTransaction returns a successful purchase.
func (m *MockAPIClient) CreateTransaction(ctx context.Context, req *TransactionRequest) (*Transaction, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateTransaction != nil {
		return m.OnCreateTransaction(ctx, req)
	}
	id := uuid.New().String()
	return &Transaction{
		ObjectID:            "txn_" + id[:8],
		Status:              "SUCCESS",
		TrackingNumber:      "9400" + id[:8],
		TrackingStatus:      "UNKNOWN",
		TrackingURLProvider: "https://tools.usps.com/go/TrackConfirmAction?tLabels=9400" + id[:8],
		LabelURL:            "https://shippo-delivery.example.com/" + id + ".pdf",
	}, nil
}

// GetTrack returns an in-transit status.
func (m *MockAPIClient) GetTrack(ctx context.Context, carrier, trackingNumber string) (*Track, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGetTrack != nil {
		return m.OnGetTrack(ctx, carrier, trackingNumber)
	}
	return &Track{
		Carrier:        carrier,
		TrackingNumber: trackingNumber,
		TrackingStatus: &TrackingStatus{Status: "TRANSIT"},
	}, nil
}

// RegisterTrack returns a track bound to a generated transaction.
func (m *MockAPIClient) RegisterTrack(ctx context.Context, req *TrackRequest) (*Track, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnRegisterTrack != nil {
		return m.OnRegisterTrack(ctx, req)
	}
	return &Track{
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		Transaction:    "txn_" + uuid.New().String()[:8],
	}, nil
}

// CreateRefund returns a queued refund.
func (m *MockAPIClient) CreateRefund(ctx context.Context, req *RefundRequest) (*Refund, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateRefund != nil {
		return m.OnCreateRefund(ctx, req)
	}
	return &Refund{ObjectID: "ref_" + uuid.New().String()[:8], Status: "QUEUED", Transaction: req.Transaction}, nil
}

var _ APIClient = (*MockAPIClient)(nil)
