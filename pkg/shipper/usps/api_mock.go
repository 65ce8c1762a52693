package usps

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnToken                func(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error)
	OnPaymentAuthorization func(ctx context.Context, accessToken string, req *PaymentAuthorizationRequest) (*PaymentAuthorizationResponse, error)
	OnReturnLabel          func(ctx context.Context, accessToken, paymentToken string, req *LabelRequest) ([]byte, error)
	OnLabel                func(ctx context.Context, accessToken, paymentToken string, req *LabelRequest) ([]byte, error)
	OnTracking             func(ctx context.Context, accessToken, trackingNumber string) (*TrackingResponse, error)
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

// Token returns an eight hour token.
func (m *MockAPIClient) Token(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnToken != nil {
		return m.OnToken(ctx, clientID, clientSecret)
	}
	return &TokenResponse{AccessToken: "mock-access-" + uuid.New().String()[:8], ExpiresIn: 28800}, nil
}

// PaymentAuthorization returns a payment token.
func (m *MockAPIClient) PaymentAuthorization(ctx context.Context, accessToken string, req *PaymentAuthorizationRequest) (*PaymentAuthorizationResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnPaymentAuthorization != nil {
		return m.OnPaymentAuthorization(ctx, accessToken, req)
	}
	return &PaymentAuthorizationResponse{PaymentAuthorizationToken: "mock-payment-" + uuid.New().String()[:8]}, nil
}

// ReturnLabel returns a well-formed multipart label body.
func (m *MockAPIClient) ReturnLabel(ctx context.Context, accessToken, paymentToken string, req *LabelRequest) ([]byte, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnReturnLabel != nil {
		return m.OnReturnLabel(ctx, accessToken, paymentToken, req)
	}
	return mockLabelBody(), nil
}

// Label returns a well-formed multipart label body.
func (m *MockAPIClient) Label(ctx context.Context, accessToken, paymentToken string, req *LabelRequest) ([]byte, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnLabel != nil {
		return m.OnLabel(ctx, accessToken, paymentToken, req)
	}
	return mockLabelBody(), nil
}

// Tracking returns a single in-transit event.
func (m *MockAPIClient) Tracking(ctx context.Context, accessToken, trackingNumber string) (*TrackingResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnTracking != nil {
		return m.OnTracking(ctx, accessToken, trackingNumber)
	}
	return &TrackingResponse{
		TrackingNumber: trackingNumber,
		TrackingEvents: []TrackingEvent{{EventCode: "03", EventType: "ACCEPTED"}},
	}, nil
}

func mockLabelBody() []byte {
	id := uuid.New().String()
	return EncodeLabelResponse(LabelMetadata{
		TrackingNumber:     "9202" + id[:8],
		RoutingInformation: "420787019202",
		Links:              []Link{{Href: "https://tools.usps.com/go/TrackConfirmAction?tLabels=9202" + id[:8]}},
	}, []byte("%PDF-1.7 mock label"))
}

// EncodeLabelResponse builds a multipart label body in the shape the USPS
// label endpoints return.
func EncodeLabelResponse(meta LabelMetadata, label []byte) []byte {
	const boundary = "--usps-label-boundary"
	metaJSON, _ := json.Marshal(meta)

	var b bytes.Buffer
	b.WriteString(boundary + "\r\n")
	b.WriteString("Content-Type: application/json\r\n")
	b.WriteString("Content-Disposition: form-data; name=\"labelMetadata\"\r\n\r\n")
	b.Write(metaJSON)
	b.WriteString("\r\n" + boundary + "\r\n")
	b.WriteString("Content-Type: application/pdf\r\n")
	b.WriteString("Content-Disposition: form-data; name=\"labelImage\"\r\n\r\n")
	b.WriteString(base64.StdEncoding.EncodeToString(label))
	b.WriteString("\r\n" + boundary + "--\r\n")
	return b.Bytes()
}

var _ APIClient = (*MockAPIClient)(nil)
