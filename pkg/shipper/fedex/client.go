// Package fedex polls FedEx tracking for return labels bought through the
// multi-carrier aggregator on a FedEx account.
package fedex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/pkg/shipper"
)

const carrierName = shipper.CarrierFedEx

// TokenKey is the token store key for the FedEx OAuth token.
const TokenKey = "fedex_auth_token"

// tokenMargin is how long before expiry a cached token stops being reused.
const tokenMargin = 500 * time.Second

// Config holds FedEx configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TestMode     bool
	UseMock      bool
}

// Client is the FedEx tracking client.
type Client struct {
	config    Config
	apiClient APIClient
	store     shipper.TokenStore
	logger    *otelzap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a new FedEx client. Tokens are cached in store.
func New(cfg Config, store shipper.TokenStore, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.TestMode {
			baseURL = SandboxBaseURL
		}
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{BaseURL: baseURL})
	}

	return NewWithAPIClient(cfg, apiClient, store, logger, tracer)
}

// NewWithAPIClient creates a new FedEx client with a custom API client.
func NewWithAPIClient(cfg Config, apiClient APIClient, store shipper.TokenStore, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if store == nil {
		store = shipper.NewMemoryTokenStore()
	}
	return &Client{
		config:    cfg,
		apiClient: apiClient,
		store:     store,
		logger:    logger,
		tracer:    tracer,
		now:       time.Now,
	}
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return carrierName
}

// PollTracking returns the locale status of the latest scan.
func (c *Client) PollTracking(ctx context.Context, ref shipper.TrackingRef) (status *shipper.RawStatus, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, "fedex.poll_tracking",
		attribute.String("tracking_number", ref.Number),
	)
	defer func() { shipper.EndSpan(span, err) }()

	token, err := c.token(ctx)
	if err != nil {
		c.logger.Warn("FedEx token generation failed", zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTokenGeneration, "Failed to generate required tokens.").WithCause(err)
	}

	resp, err := c.apiClient.Track(ctx, token, &TrackRequest{
		IncludeDetailedScans: true,
		TrackingInfo:         []TrackingInfo{{TrackingNumberInfo: TrackingNumberInfo{TrackingNumber: ref.Number}}},
	})
	if err != nil {
		c.logger.Warn("FedEx tracking poll failed", zap.String("tracking_number", ref.Number), zap.Error(err))
		return nil, err
	}

	s := resp.LatestStatus()
	if s == "" {
		return nil, fmt.Errorf("fedex: no tracking status for %s", ref.Number)
	}
	return &shipper.RawStatus{Carrier: carrierName, Status: s}, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if tok, err := c.store.GetToken(ctx, TokenKey); err == nil && tok.ValidAt(c.now(), tokenMargin) {
		return tok.Value, nil
	}
	if c.config.ClientID == "" || c.config.ClientSecret == "" {
		return "", errors.New("client id and client secret are required")
	}

	resp, err := c.apiClient.Token(ctx, c.config.ClientID, c.config.ClientSecret)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.New("empty access token")
	}

	expires := c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if err := c.store.SetToken(ctx, TokenKey, shipper.CachedToken{Value: resp.AccessToken, ExpiresAt: expires}); err != nil {
		return "", fmt.Errorf("caching token: %w", err)
	}
	return resp.AccessToken, nil
}

var _ shipper.Tracker = (*Client)(nil)
