package shippo

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

// DefaultBaseURL is the production Shippo endpoint.
const DefaultBaseURL = "https://api.goshippo.com/"

// HTTPAPIClient is the production implementation of APIClient using HTTP.
type HTTPAPIClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// NewHTTPAPIClient creates a new HTTP-based API client for production use.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &HTTPAPIClient{
		baseURL:  baseURL,
		apiToken: cfg.APIToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateShipment creates a shipment resource. Shippo answers 201 on success.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*Shipment, error) {
	var result Shipment
	if err := c.call(ctx, http.MethodPost, c.baseURL+"shipments", req, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRates returns the first page of rates for a shipment.
func (c *HTTPAPIClient) ListRates(ctx context.Context, shipmentID string) (*RateList, error) {
	return c.rates(ctx, c.baseURL+"shipments/"+url.PathEscape(shipmentID)+"/rates")
}

// NextRates follows an absolute "next" link.
func (c *HTTPAPIClient) NextRates(ctx context.Context, nextURL string) (*RateList, error) {
	return c.rates(ctx, nextURL)
}

func (c *HTTPAPIClient) rates(ctx context.Context, u string) (*RateList, error) {
	var result RateList
	if err := c.call(ctx, http.MethodGet, u, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateTransaction buys a label synchronously.
func (c *HTTPAPIClient) CreateTransaction(ctx context.Context, req *TransactionRequest) (*Transaction, error) {
	var result Transaction
	if err := c.call(ctx, http.MethodPost, c.baseURL+"transactions", req, 0, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTrack returns the tracking status for a carrier tracking number.
func (c *HTTPAPIClient) GetTrack(ctx context.Context, carrier, trackingNumber string) (*Track, error) {
	u := fmt.Sprintf("%stracks/%s/%s", c.baseURL, url.PathEscape(carrier), url.PathEscape(trackingNumber))
	var result Track
	if err := c.call(ctx, http.MethodGet, u, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterTrack registers a tracking number with Shippo.
func (c *HTTPAPIClient) RegisterTrack(ctx context.Context, req *TrackRequest) (*Track, error) {
	var result Track
	if err := c.call(ctx, http.MethodPost, c.baseURL+"tracks/", req, 0, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateRefund requests a refund for a transaction.
func (c *HTTPAPIClient) CreateRefund(ctx context.Context, req *RefundRequest) (*Refund, error) {
	var result Refund
	if err := c.call(ctx, http.MethodPost, c.baseURL+"refunds/", req, 0, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call performs the request and decodes the response into out. A zero want
// accepts any 2xx status.
func (c *HTTPAPIClient) call(ctx context.Context, method, u string, body interface{}, want int, out interface{}) error {
	resp, err := c.doRequest(ctx, method, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == want
	if want == 0 {
		ok = resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	if !ok {
		return c.parseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request with proper headers and authentication.
func (c *HTTPAPIClient) doRequest(ctx context.Context, method, u string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "ShippoToken "+c.apiToken)

	return c.httpClient.Do(req)
}

// parseError extracts error information from an HTTP response.
func (c *HTTPAPIClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return &apiErr
	}

	return &APIError{
		Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message: string(body),
	}
}

var _ APIClient = (*HTTPAPIClient)(nil)
