package usps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Base URLs for the USPS APIs.
const (
	ProductionBaseURL = "https://api.usps.com/"
	TestingBaseURL    = "https://apis-tem.usps.com/"
)

// HTTPAPIClient is the production implementation of APIClient using HTTP.
type HTTPAPIClient struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPAPIClient creates a new HTTP-based API client for production use.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ProductionBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &HTTPAPIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Token requests a client-credentials token.
func (c *HTTPAPIClient) Token(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"oauth2/v3/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var result TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &result, nil
}

// PaymentAuthorization requests a payment authorization token.
func (c *HTTPAPIClient) PaymentAuthorization(ctx context.Context, accessToken string, body *PaymentAuthorizationRequest) (*PaymentAuthorizationResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "payments/v3/payment-authorization", accessToken, nil, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var result PaymentAuthorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode payment authorization response: %w", err)
	}
	return &result, nil
}

// ReturnLabel buys a return label.
func (c *HTTPAPIClient) ReturnLabel(ctx context.Context, accessToken, paymentToken string, body *LabelRequest) ([]byte, error) {
	return c.label(ctx, "labels/v3/return-label", accessToken, paymentToken, body)
}

// Label buys an outbound label.
func (c *HTTPAPIClient) Label(ctx context.Context, accessToken, paymentToken string, body *LabelRequest) ([]byte, error) {
	return c.label(ctx, "labels/v3/label", accessToken, paymentToken, body)
}

func (c *HTTPAPIClient) label(ctx context.Context, path, accessToken, paymentToken string, body *LabelRequest) ([]byte, error) {
	headers := map[string]string{"X-Payment-Authorization-Token": paymentToken}
	resp, err := c.doRequest(ctx, http.MethodPost, path, accessToken, headers, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Tracking fetches detailed tracking events.
func (c *HTTPAPIClient) Tracking(ctx context.Context, accessToken, trackingNumber string) (*TrackingResponse, error) {
	path := "tracking/v3/tracking/" + url.PathEscape(trackingNumber) + "?expand=DETAIL"
	resp, err := c.doRequest(ctx, http.MethodGet, path, accessToken, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var result TrackingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode tracking response: %w", err)
	}
	return &result, nil
}

// doRequest performs a bearer-authenticated JSON request.
func (c *HTTPAPIClient) doRequest(ctx context.Context, method, path, accessToken string, headers map[string]string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// parseError extracts error information from an HTTP response.
// USPS wraps errors as {"error": {"code": ..., "message": ...}}.
func (c *HTTPAPIClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var wrapped struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.Message != "" {
		if wrapped.Error.Code == "" {
			wrapped.Error.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return &wrapped.Error
	}

	return &APIError{
		Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message: string(body),
	}
}

var _ APIClient = (*HTTPAPIClient)(nil)
