// Package mock provides a mock carrier implementation for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tournevent/labelflow/pkg/shipper"
)

// Client is a mock carrier for testing. The On* hooks override the default
// responses, and every call is recorded.
type Client struct {
	name string

	OnCreateOutboundLabel func(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error)
	OnCreateReturnLabel   func(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error)
	OnPollTracking        func(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error)
	OnRefundLabel         func(ctx context.Context, req *shipper.RefundRequest) (*shipper.RefundResult, error)

	mu       sync.Mutex
	outbound []*shipper.ShipmentRequest
	returns  []*shipper.ShipmentRequest
	polls    []shipper.TrackingRef
	refunds  []*shipper.RefundRequest
}

// New creates a new mock carrier.
func New(name string) *Client {
	return &Client{name: name}
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return c.name
}

// CreateOutboundLabel returns a label with a generated tracking number.
func (c *Client) CreateOutboundLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	c.mu.Lock()
	c.outbound = append(c.outbound, req)
	c.mu.Unlock()
	if c.OnCreateOutboundLabel != nil {
		return c.OnCreateOutboundLabel(ctx, req)
	}
	return c.artifact(shipper.LegOutbound, req), nil
}

// CreateReturnLabel returns a label with a generated tracking number.
func (c *Client) CreateReturnLabel(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.LabelArtifact, error) {
	c.mu.Lock()
	c.returns = append(c.returns, req)
	c.mu.Unlock()
	if c.OnCreateReturnLabel != nil {
		return c.OnCreateReturnLabel(ctx, req)
	}
	return c.artifact(shipper.LegInbound, req), nil
}

// PollTracking returns UNKNOWN unless a hook is set.
func (c *Client) PollTracking(ctx context.Context, ref shipper.TrackingRef) (*shipper.RawStatus, error) {
	c.mu.Lock()
	c.polls = append(c.polls, ref)
	c.mu.Unlock()
	if c.OnPollTracking != nil {
		return c.OnPollTracking(ctx, ref)
	}
	return &shipper.RawStatus{Carrier: c.name, Status: "UNKNOWN"}, nil
}

// RefundLabel reports a successful refund unless a hook is set.
func (c *Client) RefundLabel(ctx context.Context, req *shipper.RefundRequest) (*shipper.RefundResult, error) {
	c.mu.Lock()
	c.refunds = append(c.refunds, req)
	c.mu.Unlock()
	if c.OnRefundLabel != nil {
		return c.OnRefundLabel(ctx, req)
	}
	return &shipper.RefundResult{
		RefundID:      uuid.New().String(),
		TransactionID: req.TransactionID,
		Status:        "QUEUED",
	}, nil
}

// OutboundCalls returns the number of outbound label purchases.
func (c *Client) OutboundCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// ReturnCalls returns the number of return label purchases.
func (c *Client) ReturnCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.returns)
}

// PollCalls returns the tracking references polled so far.
func (c *Client) PollCalls() []shipper.TrackingRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]shipper.TrackingRef(nil), c.polls...)
}

// RefundCalls returns the refund requests received so far.
func (c *Client) RefundCalls() []*shipper.RefundRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*shipper.RefundRequest(nil), c.refunds...)
}

func (c *Client) artifact(leg shipper.Leg, req *shipper.ShipmentRequest) *shipper.LabelArtifact {
	id := uuid.New().String()
	return &shipper.LabelArtifact{
		Leg:            leg,
		Carrier:        c.name,
		TrackingNumber: fmt.Sprintf("%s-%s-%d", c.name, leg, req.OrderID),
		TrackingURL:    fmt.Sprintf("https://track.example.com/%s/%s", c.name, id),
		TrackingStatus: "UNKNOWN",
		TransactionID:  "txn-" + id,
		ShipmentID:     "shp-" + id,
		TrackerID:      "trk-" + id,
		CarrierToken:   "usps",
		LabelURL:       fmt.Sprintf("https://labels.example.com/%s/%s.pdf", c.name, id),
	}
}

var (
	_ shipper.CarrierAdapter = (*Client)(nil)
	_ shipper.Refunder       = (*Client)(nil)
)
