// Package shippo provides integration with the Shippo multi-carrier label API.
package shippo

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/pkg/shipper"
)

const carrierName = shipper.CarrierShippo

// Config holds Shippo configuration.
type Config struct {
	APIToken string
	BaseURL  string
	TestMode bool

	OutboundCarrierAccount string
	OutboundCarrierToken   string
	OutboundServiceLevel   string
	InboundCarrierAccount  string
	InboundServiceLevel    string

	// RatesDelay is how long to wait after creating a shipment before listing its rates.
	RatesDelay time.Duration
	UseMock    bool // When true, uses mock API client
}

// Client is the Shippo carrier client.
// It implements shipper.CarrierAdapter and shipper.Refunder and delegates
// API calls to the underlying APIClient (mock or HTTP).
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new Shippo client.
func New(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL:  cfg.BaseURL,
			APIToken: cfg.APIToken,
			Timeout:  15 * time.Minute,
		})
	}

	return NewWithAPIClient(cfg, apiClient, logger, tracer)
}

// NewWithAPIClient creates a new Shippo client with a custom API client.
func NewWithAPIClient(cfg Config, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	return &Client{
		config:    cfg,
		apiClient: apiClient,
		logger:    logger,
		tracer:    tracer,
	}
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return carrierName
}

// CreateOutboundLabel buys the outbound label with the outbound account and service level.
func (c *Client) CreateOutboundLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	matcher := shipper.RateMatcher{
		CarrierAccount: c.config.OutboundCarrierAccount,
		ServiceLevel:   c.config.OutboundServiceLevel,
	}
	art, err := c.purchase(ctx, req, matcher, false)
	if err != nil {
		return nil, err
	}
	art.CarrierToken = c.config.OutboundCarrierToken
	return art, nil
}

// CreateReturnLabel buys the return label with the inbound account and service level.
func (c *Client) CreateReturnLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	matcher := shipper.RateMatcher{
		CarrierAccount: c.config.InboundCarrierAccount,
		ServiceLevel:   c.config.InboundServiceLevel,
	}
	return c.purchase(ctx, req, matcher, true)
}

func (c *Client) purchase(ctx context.Context, req *shipper.ShipmentRequest, matcher shipper.RateMatcher, isReturn bool) (art *shipper.LabelArtifact, err error) {
	leg := shipper.LegOutbound
	if isReturn {
		leg = shipper.LegInbound
	}
	ctx, span := shipper.StartSpan(ctx, c.tracer, "shippo.purchase",
		attribute.Int64("order_id", req.OrderID),
		attribute.String("leg", string(leg)),
	)
	defer func() { shipper.EndSpan(span, err) }()

	c.logger.Info("Creating Shippo label",
		zap.Int64("order_id", req.OrderID),
		zap.String("leg", string(leg)),
		zap.String("carrier_account", matcher.CarrierAccount),
		zap.String("service_level", matcher.ServiceLevel),
	)

	shipment, err := c.apiClient.CreateShipment(ctx, &ShipmentRequest{
		ShipmentDate: time.Now().Add(5 * time.Hour).UTC().Format("2006-01-02T15:04:05.000000Z"),
		Extra:        extraFor(req, isReturn),
		AddressFrom:  addressToAPI(req.From),
		AddressTo:    addressToAPI(req.To),
		Parcels: Parcel{
			DistanceUnit: "in",
			MassUnit:     "oz",
			Height:       req.Parcel.Height,
			Width:        req.Parcel.Width,
			Length:       req.Parcel.Length,
			Weight:       req.Parcel.Weight,
		},
		Async: false,
	})
	if err != nil || shipment.ObjectID == "" {
		c.logger.Error("Shippo shipment creation failed", zap.Int64("order_id", req.OrderID), zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeShipmentFailed, "Unable to create shipment").WithCause(err)
	}

	if c.config.RatesDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.RatesDelay):
		}
	}

	rateID, err := c.selectRate(ctx, shipment.ObjectID, matcher)
	if err != nil {
		c.logger.Error("Shippo rate selection failed", zap.String("shipment_id", shipment.ObjectID), zap.Error(err))
		return nil, err
	}

	txn, err := c.apiClient.CreateTransaction(ctx, &TransactionRequest{Rate: rateID, Async: false})
	if err != nil {
		c.logger.Error("Shippo API error", zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTransactionFailed, "Unable to create the shipping label").WithCause(err)
	}
	if txn.Status != "SUCCESS" || txn.LabelURL == "" {
		c.logger.Error("Shippo transaction rejected",
			zap.String("status", txn.Status),
			zap.Any("messages", txn.Messages),
		)
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTransactionFailed, "Unable to create the shipping label")
	}

	return &shipper.LabelArtifact{
		Leg:            leg,
		Carrier:        carrierName,
		TrackingNumber: txn.TrackingNumber,
		TrackingURL:    txn.TrackingURLProvider,
		TrackingStatus: txn.TrackingStatus,
		TransactionID:  txn.ObjectID,
		ShipmentID:     shipment.ObjectID,
		LabelURL:       txn.LabelURL,
	}, nil
}

func (c *Client) selectRate(ctx context.Context, shipmentID string, matcher shipper.RateMatcher) (string, error) {
	first, err := c.apiClient.ListRates(ctx, shipmentID)
	if err != nil {
		return "", shipper.NewShipperError(carrierName, shipper.CodeAPIError, "Unable to list rates").WithCause(err)
	}

	rate, ok, err := shipper.SelectRate(ctx, ratePage(first),
		func(ctx context.Context, next string) (shipper.RatePage[Rate], error) {
			page, err := c.apiClient.NextRates(ctx, next)
			if err != nil {
				return shipper.RatePage[Rate]{}, err
			}
			return ratePage(page), nil
		},
		func(r Rate) bool { return matcher.Matches(r.CarrierAccount, r.ServiceLevel.Token) },
	)
	if err != nil {
		return "", shipper.NewShipperError(carrierName, shipper.CodeAPIError, "Unable to list rates").WithCause(err)
	}
	if !ok {
		return "", shipper.NewShipperError(carrierName, shipper.CodeNoMatchingRate,
			fmt.Sprintf("Unable to get the desired rate for carrier account %q and service level %q", matcher.CarrierAccount, matcher.ServiceLevel))
	}
	return rate.ObjectID, nil
}

// PollTracking fetches the latest aggregator status. ref.Carrier is the
// underlying carrier token.
func (c *Client) PollTracking(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error) {
	track, err := c.apiClient.GetTrack(ctx, ref.Carrier, ref.Number)
	if err != nil {
		c.logger.Warn("Shippo tracking poll failed", zap.String("tracking_number", ref.Number), zap.Error(err))
		return nil, err
	}
	status := "UNKNOWN"
	if track.TrackingStatus != nil && track.TrackingStatus.Status != "" {
		status = track.TrackingStatus.Status
	}
	return &shipper.RawStatus{Carrier: carrierName, Status: status}, nil
}

// RefundLabel voids a purchased label. When the transaction id is unknown it
// is resolved from the tracking number first.
func (c *Client) RefundLabel(ctx context.Context, req *shipper.RefundRequest) (*shipper.RefundResult, error) {
	txnID := req.TransactionID
	if txnID == "" {
		trackReq := &TrackRequest{Carrier: req.CarrierToken, TrackingNumber: req.TrackingNumber}
		if c.config.TestMode {
			trackReq = &TrackRequest{Carrier: "shippo", TrackingNumber: "SHIPPO_DELIVERED"}
		}
		track, err := c.apiClient.RegisterTrack(ctx, trackReq)
		if err != nil {
			c.logger.Error("Shippo track lookup failed", zap.String("tracking_number", req.TrackingNumber), zap.Error(err))
			return nil, shipper.NewShipperError(carrierName, shipper.CodeAPIError, "Unable to resolve the label transaction").WithCause(err)
		}
		if track.Transaction == "" {
			return nil, shipper.NewShipperError(carrierName, shipper.CodeAPIError, "Unable to resolve the label transaction")
		}
		txnID = track.Transaction
	}

	refund, err := c.apiClient.CreateRefund(ctx, &RefundRequest{Transaction: txnID, Async: false})
	if err != nil {
		c.logger.Error("Shippo refund failed", zap.String("transaction_id", txnID), zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeAPIError, "Unable to refund the label").WithCause(err)
	}

	c.logger.Info("Shippo refund requested",
		zap.String("transaction_id", txnID),
		zap.String("refund_id", refund.ObjectID),
		zap.String("status", refund.Status),
	)
	return &shipper.RefundResult{RefundID: refund.ObjectID, TransactionID: txnID, Status: refund.Status}, nil
}

// ============================================================================
// Conversion helpers
// ============================================================================

func ratePage(l *RateList) shipper.RatePage[Rate] {
	page := shipper.RatePage[Rate]{Rates: l.Results}
	if l.Next != nil {
		page.Next = *l.Next
	}
	return page
}

func extraFor(req *shipper.ShipmentRequest, isReturn bool) *Extra {
	extra := &Extra{IsReturn: isReturn}
	if req.ProductNumber != "" {
		extra.Reference1 = fmt.Sprintf("Order Number: %d", req.OrderID)
		extra.Reference2 = "Product Number: " + req.ProductNumber
	}
	if !extra.IsReturn && extra.Reference1 == "" {
		return nil
	}
	return extra
}

func addressToAPI(a shipper.Address) Address {
	return Address{
		Name:    a.Name,
		Company: a.Company,
		Street1: a.Street1,
		Street2: a.Street2,
		City:    a.City,
		State:   a.State,
		Zip:     a.PostalCode,
		Country: a.Country,
		Phone:   a.Phone,
		Email:   a.Email,
	}
}

var (
	_ shipper.CarrierAdapter = (*Client)(nil)
	_ shipper.Refunder       = (*Client)(nil)
)
