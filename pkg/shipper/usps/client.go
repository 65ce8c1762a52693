// Package usps provides integration with the USPS label and tracking APIs.
package usps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/pkg/shipper"
)

const carrierName = shipper.CarrierUSPS

// Mail classes used for labels.
const (
	MailClassReturn   = "USPS_GROUND_ADVANTAGE_RETURN_SERVICE"
	MailClassOutbound = "USPS_GROUND_ADVANTAGE"
)

// Config holds USPS configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TestMode     bool

	CRID          string
	MID           string
	ManifestMID   string
	AccountType   string
	AccountNumber string

	UseMock bool
}

// Client is the USPS carrier client.
type Client struct {
	config    Config
	apiClient APIClient
	tokens    *tokenSource
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new USPS client. Tokens are cached in store.
func New(cfg Config, store shipper.TokenStore, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.TestMode {
			baseURL = TestingBaseURL
		}
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL: baseURL,
			Timeout: 60 * time.Second,
		})
	}

	return NewWithAPIClient(cfg, apiClient, store, logger, tracer)
}

// NewWithAPIClient creates a new USPS client with a custom API client.
func NewWithAPIClient(cfg Config, apiClient APIClient, store shipper.TokenStore, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if store == nil {
		store = shipper.NewMemoryTokenStore()
	}
	return &Client{
		config:    cfg,
		apiClient: apiClient,
		tokens:    &tokenSource{cfg: cfg, api: apiClient, store: store, now: time.Now},
		logger:    logger,
		tracer:    tracer,
	}
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return carrierName
}

// CreateOutboundLabel buys a Ground Advantage label from the store to the customer.
func (c *Client) CreateOutboundLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	return c.purchase(ctx, req, shipper.LegOutbound)
}

// CreateReturnLabel buys a return service label from the customer to the store.
func (c *Client) CreateReturnLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	return c.purchase(ctx, req, shipper.LegInbound)
}

func (c *Client) purchase(ctx context.Context, req *shipper.ShipmentRequest, leg shipper.Leg) (art *shipper.LabelArtifact, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, "usps.purchase",
		attribute.Int64("order_id", req.OrderID),
		attribute.String("leg", string(leg)),
	)
	defer func() { shipper.EndSpan(span, err) }()

	accessToken, paymentToken, err := c.tokens.both(ctx)
	if err != nil {
		c.logger.Error("USPS token generation failed", zap.Int64("order_id", req.OrderID), zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTokenGeneration, "Failed to generate required tokens.").WithCause(err)
	}

	c.logger.Info("Creating USPS label",
		zap.Int64("order_id", req.OrderID),
		zap.String("leg", string(leg)),
	)

	body := c.labelRequest(req, leg)
	var raw []byte
	if leg == shipper.LegInbound {
		raw, err = c.apiClient.ReturnLabel(ctx, accessToken, paymentToken, body)
	} else {
		raw, err = c.apiClient.Label(ctx, accessToken, paymentToken, body)
	}
	if err != nil {
		c.logger.Error("USPS API error", zap.Int64("order_id", req.OrderID), zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTransactionFailed, "Failed to generate return label from USPS.").WithCause(err)
	}

	meta, label, err := ParseLabelResponse(raw)
	if err != nil {
		c.logger.Error("USPS label response unreadable", zap.Int64("order_id", req.OrderID), zap.Error(err))
		return nil, err
	}

	art = &shipper.LabelArtifact{
		Leg:            leg,
		Carrier:        carrierName,
		TrackingNumber: meta.TrackingNumber,
		RoutingNumber:  meta.RoutingInformation,
		CarrierToken:   carrierName,
		LabelData:      label,
	}
	if len(meta.Links) > 0 {
		art.TrackingURL = meta.Links[0].Href
	}
	return art, nil
}

func (c *Client) labelRequest(req *shipper.ShipmentRequest, leg shipper.Leg) *LabelRequest {
	mailClass := MailClassOutbound
	if leg == shipper.LegInbound {
		mailClass = MailClassReturn
	}
	refs := []CustomerReference{
		{ReferenceNumber: "Order:" + orderRef(req), PrintReferenceNumber: true},
	}
	if req.ProductNumber != "" {
		refs = append(refs, CustomerReference{ReferenceNumber: "Product:" + req.ProductNumber, PrintReferenceNumber: true})
	}

	// The customer side of the label skips address validation.
	customerIsFrom := leg == shipper.LegInbound
	return &LabelRequest{
		ImageInfo:   ImageInfo{ImageType: "PDF", LabelType: "4X6LABEL"},
		ToAddress:   addressToAPI(req.To, !customerIsFrom),
		FromAddress: addressToAPI(req.From, customerIsFrom),
		PackageDescription: PackageDescription{
			Weight:             req.Parcel.Weight / 16,
			Length:             req.Parcel.Length,
			Width:              req.Parcel.Width,
			Height:             req.Parcel.Height,
			MailClass:          mailClass,
			ProcessingCategory: "MACHINABLE",
			RateIndicator:      "CP",
			CustomerReference:  refs,
			ExtraServices:      []int{857, 828},
		},
	}
}

// PollTracking returns the latest event code for a tracking number.
func (c *Client) PollTracking(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error) {
	accessToken, err := c.tokens.access(ctx)
	if err != nil {
		c.logger.Warn("USPS token generation failed", zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTokenGeneration, "Failed to generate required tokens.").WithCause(err)
	}

	resp, err := c.apiClient.Tracking(ctx, accessToken, ref.Number)
	if err != nil {
		c.logger.Warn("USPS tracking poll failed", zap.String("tracking_number", ref.Number), zap.Error(err))
		return nil, err
	}
	if resp.TrackingNumber == "" || len(resp.TrackingEvents) == 0 || resp.TrackingEvents[0].EventCode == "" {
		return nil, fmt.Errorf("usps: no tracking events for %s", ref.Number)
	}
	return &shipper.RawStatus{Carrier: carrierName, Status: resp.TrackingEvents[0].EventCode}, nil
}

func orderRef(req *shipper.ShipmentRequest) string {
	if req.OrderNumber != "" {
		return req.OrderNumber
	}
	return fmt.Sprintf("%d", req.OrderID)
}

func addressToAPI(a shipper.Address, ignoreBad bool) LabelAddress {
	zip := strings.TrimSpace(a.PostalCode)
	if len(zip) > 5 {
		zip = zip[:5]
	}
	first, last := a.FirstName, a.LastName
	if first == "" && last == "" {
		first = a.Name
	}
	return LabelAddress{
		StreetAddress:    a.Street1,
		SecondaryAddress: a.Street2,
		City:             a.City,
		State:            a.State,
		ZIPCode:          zip,
		FirstName:        first,
		LastName:         last,
		Firm:             a.Company,
		Email:            a.Email,
		Phone:            a.Phone,
		IgnoreBadAddress: ignoreBad,
	}
}

var _ shipper.CarrierAdapter = (*Client)(nil)
