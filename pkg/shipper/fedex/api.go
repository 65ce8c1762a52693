package fedex

import (
	"context"
)

// APIClient defines the FedEx API operations used for tracking.
type APIClient interface {
	// Token requests an OAuth client-credentials token. POST /oauth/token
	Token(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error)

	// Track returns tracking results for one or more numbers. POST /track/v1/trackingnumbers
	Track(ctx context.Context, accessToken string, req *TrackRequest) (*TrackResponse, error)
}

// TokenResponse is the OAuth token payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// TrackRequest is the body of the tracking endpoint.
type TrackRequest struct {
	IncludeDetailedScans bool           `json:"includeDetailedScans"`
	TrackingInfo         []TrackingInfo `json:"trackingInfo"`
}

// TrackingInfo wraps a single tracking number.
type TrackingInfo struct {
	TrackingNumberInfo TrackingNumberInfo `json:"trackingNumberInfo"`
}

// TrackingNumberInfo identifies a package.
type TrackingNumberInfo struct {
	TrackingNumber string `json:"trackingNumber"`
}

// TrackResponse is the tracking payload.
type TrackResponse struct {
	TransactionID string `json:"transactionId"`
	Output        struct {
		CompleteTrackResults []CompleteTrackResult `json:"completeTrackResults"`
	} `json:"output"`
}

// CompleteTrackResult groups the results for one tracking number.
type CompleteTrackResult struct {
	TrackingNumber string        `json:"trackingNumber"`
	TrackResults   []TrackResult `json:"trackResults"`
}

// TrackResult is the tracking state of a package.
type TrackResult struct {
	LatestStatusDetail StatusDetail `json:"latestStatusDetail"`
	Error              *APIError    `json:"error,omitempty"`
}

// StatusDetail is the latest status of a package.
type StatusDetail struct {
	Code           string `json:"code"`
	DerivedCode    string `json:"derivedCode"`
	StatusByLocale string `json:"statusByLocale"`
	Description    string `json:"description"`
}

// LatestStatus returns the locale status of the first result, or "".
func (r *TrackResponse) LatestStatus() string {
	if r == nil || len(r.Output.CompleteTrackResults) == 0 {
		return ""
	}
	results := r.Output.CompleteTrackResults[0].TrackResults
	if len(results) == 0 {
		return ""
	}
	return results[0].LatestStatusDetail.StatusByLocale
}

// APIError represents an error from the FedEx API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
