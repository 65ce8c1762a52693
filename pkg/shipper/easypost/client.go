// Package easypost provides integration with the EasyPost API, including the
// FedEx account override used for FedEx return labels.
package easypost

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

const carrierName = shipper.CarrierEasyPost

// Config holds EasyPost configuration.
type Config struct {
	APIKey   string
	BaseURL  string
	TestMode bool

	OutboundCarrierAccount string
	OutboundServiceLevel   string
	InboundCarrierAccount  string
	InboundServiceLevel    string
	// FedEx overrides apply when the order's return partner is fedex.
	FedExCarrierAccount string
	FedExServiceLevel   string

	LabelSize string
	UseMock   bool
}

// Client is the EasyPost carrier client.
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new EasyPost client.
func New(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: 45 * time.Second,
		})
	}

	return NewWithAPIClient(cfg, apiClient, logger, tracer)
}

// NewWithAPIClient creates a new EasyPost client with a custom API client.
func NewWithAPIClient(cfg Config, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if cfg.LabelSize == "" {
		cfg.LabelSize = "4X6"
	}
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

// CreateOutboundLabel buys an outbound label with the outbound account.
func (c *Client) CreateOutboundLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	return c.purchase(ctx, req, shipper.RateMatcher{
		CarrierAccount: c.config.OutboundCarrierAccount,
		ServiceLevel:   c.config.OutboundServiceLevel,
	}, false)
}

// CreateReturnLabel buys a return label. FedEx returns use the FedEx account.
func (c *Client) CreateReturnLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	matcher := shipper.RateMatcher{
		CarrierAccount: c.config.InboundCarrierAccount,
		ServiceLevel:   c.config.InboundServiceLevel,
	}
	if req.ReturnPartner == shipper.CarrierFedEx {
		matcher = shipper.RateMatcher{
			CarrierAccount: c.config.FedExCarrierAccount,
			ServiceLevel:   c.config.FedExServiceLevel,
		}
	}
	return c.purchase(ctx, req, matcher, true)
}

func (c *Client) purchase(ctx context.Context, req *shipper.ShipmentRequest, matcher shipper.RateMatcher, isReturn bool) (art *shipper.LabelArtifact, err error) {
	leg := shipper.LegOutbound
	if isReturn {
		leg = shipper.LegInbound
	}
	ctx, span := shipper.StartSpan(ctx, c.tracer, "easypost.purchase",
		attribute.Int64("order_id", req.OrderID),
		attribute.String("leg", string(leg)),
	)
	defer func() { shipper.EndSpan(span, err) }()

	c.logger.Info("Creating EasyPost label",
		zap.Int64("order_id", req.OrderID),
		zap.String("leg", string(leg)),
		zap.String("carrier_account", matcher.CarrierAccount),
		zap.String("service_level", matcher.ServiceLevel),
	)

	opts := Options{
		LabelSize:    c.config.LabelSize,
		LabelFormat:  "PDF",
		PrintCustom1: fmt.Sprintf("Order Number: %d", req.OrderID),
	}
	if req.ProductNumber != "" {
		opts.PrintCustom2 = "Product Number: " + req.ProductNumber
	}

	shipment, err := c.apiClient.CreateShipment(ctx, &ShipmentRequest{Shipment: ShipmentInput{
		FromAddress: addressToAPI(req.From),
		ToAddress:   addressToAPI(req.To),
		Parcel: Parcel{
			Length: req.Parcel.Length,
			Width:  req.Parcel.Width,
			Height: req.Parcel.Height,
			Weight: req.Parcel.Weight,
		},
		IsReturn: isReturn,
		Options:  opts,
	}})
	if err != nil || shipment.ID == "" {
		c.logger.Error("EasyPost shipment creation failed", zap.Int64("order_id", req.OrderID), zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeShipmentFailed, "Unable to create shipment using easypost").WithCause(err)
	}

	// EasyPost returns every rate inline, so the listing is a single page.
	rate, ok, err := shipper.SelectRate(ctx, shipper.RatePage[Rate]{Rates: shipment.Rates}, nil,
		func(r Rate) bool { return matcher.Matches(r.CarrierAccountID, r.Service) },
	)
	if err != nil {
		return nil, shipper.NewShipperError(carrierName, shipper.CodeAPIError, "Unable to list rates").WithCause(err)
	}
	if !ok {
		c.logger.Error("EasyPost rate not found",
			zap.String("shipment_id", shipment.ID),
			zap.Int("rate_count", len(shipment.Rates)),
		)
		return nil, shipper.NewShipperError(carrierName, shipper.CodeNoMatchingRate,
			fmt.Sprintf("Unable to get the desired rate for carrier account %q and service level %q", matcher.CarrierAccount, matcher.ServiceLevel))
	}

	bought, err := c.apiClient.BuyShipment(ctx, shipment.ID, rate.ID)
	if err != nil {
		c.logger.Error("EasyPost API error", zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTransactionFailed, "Unable to buy the shipping label").WithCause(err)
	}
	if bought.PostageLabel == nil || bought.PostageLabel.LabelURL == "" {
		return nil, shipper.NewShipperError(carrierName, shipper.CodeTransactionFailed, "EasyPost returned no postage label")
	}

	art = &shipper.LabelArtifact{
		Leg:            leg,
		Carrier:        carrierName,
		TrackingNumber: bought.TrackingCode,
		ShipmentID:     shipment.ID,
		LabelURL:       bought.PostageLabel.LabelURL,
	}
	if bought.Tracker != nil {
		art.TrackerID = bought.Tracker.ID
		art.TrackingURL = bought.Tracker.PublicURL
		art.TrackingStatus = bought.Tracker.Status
		if art.TrackingNumber == "" {
			art.TrackingNumber = bought.Tracker.TrackingCode
		}
	}
	if bought.SelectedRate != nil {
		art.CarrierToken = bought.SelectedRate.Carrier
	}
	return art, nil
}

// PollTracking fetches a tracker by id.
func (c *Client) PollTracking(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error) {
	id := ref.ID
	if id == "" {
		return nil, shipper.NewShipperError(carrierName, shipper.CodeAPIError, "tracker id is required")
	}
	tracker, err := c.apiClient.GetTracker(ctx, id)
	if err != nil {
		c.logger.Warn("EasyPost tracking poll failed", zap.String("tracker_id", id), zap.Error(err))
		return nil, err
	}
	return &shipper.RawStatus{Carrier: carrierName, Status: tracker.Status}, nil
}

// RefundLabel requests a refund of an unused label. Test mode reports success
// without calling the API.
func (c *Client) RefundLabel(ctx context.Context, req *shipper.RefundRequest) (*shipper.RefundResult, error) {
	if c.config.TestMode {
		c.logger.Info("EasyPost test mode, skipping refund", zap.String("shipment_id", req.ShipmentID))
		return &shipper.RefundResult{Status: "submitted"}, nil
	}
	if req.ShipmentID == "" {
		return nil, shipper.NewShipperError(carrierName, shipper.CodeAPIError, "shipment id is required")
	}

	shipment, err := c.apiClient.RefundShipment(ctx, req.ShipmentID)
	if err != nil {
		c.logger.Error("EasyPost refund failed", zap.String("shipment_id", req.ShipmentID), zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.CodeAPIError, "Unable to refund the label").WithCause(err)
	}
	return &shipper.RefundResult{RefundID: shipment.ID, Status: shipment.RefundStatus}, nil
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
