// Package shipper provides an abstraction layer for label-issuing carriers.
package shipper

import (
	"context"
)

// Tracker is implemented by anything that can report the current tracking
// status of a shipment.
type Tracker interface {
	// Name returns the carrier identifier (e.g., "shippo", "easypost", "usps").
	Name() string

	// PollTracking fetches the latest raw tracking status for a shipment.
	PollTracking(ctx context.Context, ref TrackingRef) (*RawStatus, error)
}

// CarrierAdapter defines the interface that all label carriers must implement.
type CarrierAdapter interface {
	Tracker

	// CreateOutboundLabel purchases the label that ships the order to the customer.
	CreateOutboundLabel(ctx context.Context, req *ShipmentRequest) (*LabelArtifact, error)

	// CreateReturnLabel purchases the label the customer uses to ship items back.
	CreateReturnLabel(ctx context.Context, req *ShipmentRequest) (*LabelArtifact, error)
}

// Refunder is implemented by carriers that can void an unused label.
type Refunder interface {
	RefundLabel(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}
