package easypost

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnCreateShipment func(ctx context.Context, req *ShipmentRequest) (*Shipment, error)
	OnBuyShipment    func(ctx context.Context, shipmentID, rateID string) (*Shipment, error)
	OnGetTracker     func(ctx context.Context, trackerID string) (*Tracker, error)
	OnRefundShipment func(ctx context.Context, shipmentID string) (*Shipment, error)
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

// CreateShipment returns a shipment with one USPS rate.
func (m *MockAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*Shipment, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, req)
	}
	return &Shipment{
		ID: "shp_" + uuid.New().String()[:8],
		Rates: []Rate{{
			ID:               "rate_" + uuid.New().String()[:8],
			Carrier:          "USPS",
			CarrierAccountID: "ca_mock",
			Service:          "GroundAdvantage",
			Rate:             "6.10",
		}},
	}, nil
}

// BuyShipment returns a purchased shipment with a tracker.
func (m *MockAPIClient) BuyShipment(ctx context.Context, shipmentID, rateID string) (*Shipment, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnBuyShipment != nil {
		return m.OnBuyShipment(ctx, shipmentID, rateID)
	}
	id := uuid.New().String()
	return &Shipment{
		ID:           shipmentID,
		SelectedRate: &Rate{ID: rateID, Carrier: "USPS"},
		TrackingCode: "EZ" + id[:8],
		Tracker: &Tracker{
			ID:           "trk_" + id[:8],
			Status:       "pre_transit",
			TrackingCode: "EZ" + id[:8],
			PublicURL:    "https://track.easypost.com/" + id[:8],
		},
		PostageLabel: &PostageLabel{LabelURL: "https://easypost-files.example.com/" + id + ".pdf"},
	}, nil
}

// GetTracker returns an in-transit tracker.
func (m *MockAPIClient) GetTracker(ctx context.Context, trackerID string) (*Tracker, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGetTracker != nil {
		return m.OnGetTracker(ctx, trackerID)
	}
	return &Tracker{ID: trackerID, Status: "in_transit"}, nil
}

// RefundShipment returns a submitted refund.
func (m *MockAPIClient) RefundShipment(ctx context.Context, shipmentID string) (*Shipment, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnRefundShipment != nil {
		return m.OnRefundShipment(ctx, shipmentID)
	}
	return &Shipment{ID: shipmentID, RefundStatus: "submitted"}, nil
}

var _ APIClient = (*MockAPIClient)(nil)
