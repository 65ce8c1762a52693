package easypost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the production EasyPost endpoint.
const DefaultBaseURL = "https://api.easypost.com/v2/"

// HTTPAPIClient is the production implementation of APIClient using HTTP.
type HTTPAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPAPIClient creates a new HTTP-based API client for production use.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &HTTPAPIClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateShipment creates a shipment. EasyPost answers 201 with the rates inline.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*Shipment, error) {
	var result Shipment
	if err := c.call(ctx, http.MethodPost, "shipments", req, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BuyShipment purchases the given rate.
func (c *HTTPAPIClient) BuyShipment(ctx context.Context, shipmentID, rateID string) (*Shipment, error) {
	body := map[string]interface{}{"rate": map[string]string{"id": rateID}}
	var result Shipment
	if err := c.call(ctx, http.MethodPost, "shipments/"+url.PathEscape(shipmentID)+"/buy", body, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTracker fetches a tracker.
func (c *HTTPAPIClient) GetTracker(ctx context.Context, trackerID string) (*Tracker, error) {
	var result Tracker
	if err := c.call(ctx, http.MethodGet, "trackers/"+url.PathEscape(trackerID), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RefundShipment requests a refund of the shipment's label.
func (c *HTTPAPIClient) RefundShipment(ctx context.Context, shipmentID string) (*Shipment, error) {
	var result Shipment
	if err := c.call(ctx, http.MethodPost, "shipments/"+url.PathEscape(shipmentID)+"/refund", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPAPIClient) call(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request with basic authentication.
func (c *HTTPAPIClient) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey+":")))

	return c.httpClient.Do(req)
}

// parseError extracts error information from an HTTP response.
// EasyPost wraps errors as {"error": {"code": ..., "message": ...}}.
func (c *HTTPAPIClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var wrapped struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.Code != "" {
		return &wrapped.Error
	}

	return &APIError{
		Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message: string(body),
	}
}

var _ APIClient = (*HTTPAPIClient)(nil)
