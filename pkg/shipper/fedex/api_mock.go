package fedex

import (
	"context"
	"time"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnToken func(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error)
	OnTrack func(ctx context.Context, accessToken string, req *TrackRequest) (*TrackResponse, error)
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

// Token returns a one hour token.
func (m *MockAPIClient) Token(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnToken != nil {
		return m.OnToken(ctx, clientID, clientSecret)
	}
	return &TokenResponse{AccessToken: "mock-fedex-token", TokenType: "bearer", ExpiresIn: 3600}, nil
}

// Track reports every package as in transit.
func (m *MockAPIClient) Track(ctx context.Context, accessToken string, req *TrackRequest) (*TrackResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnTrack != nil {
		return m.OnTrack(ctx, accessToken, req)
	}
	return NewTrackResponse("In transit"), nil
}

// NewTrackResponse builds a single-result response with the given locale status.
func NewTrackResponse(status string) *TrackResponse {
	resp := &TrackResponse{TransactionID: "mock"}
	resp.Output.CompleteTrackResults = []CompleteTrackResult{{
		TrackResults: []TrackResult{{LatestStatusDetail: StatusDetail{StatusByLocale: status}}},
	}}
	return resp
}

var _ APIClient = (*MockAPIClient)(nil)
