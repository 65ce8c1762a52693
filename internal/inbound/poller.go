// Package inbound resolves which carrier tracks an order's return and polls it.
package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/tracking"
)

// ErrNoReturnLabel is returned when the order has no inbound shipment to track.
var ErrNoReturnLabel = errors.New("order has no inbound shipment")

// Owner is the carrier that tracks an order's return and the reference it polls with.
type Owner struct {
	Carrier string
	Ref     shipper.TrackingRef
}

// OwnerOf returns the inbound tracking owner. A multi-carrier tracker wins
// over a postal tracking number, which wins over an aggregator return label.
func OwnerOf(o *order.Order) (Owner, bool) {
	if id := o.GetMeta(order.MetaEasyPostTrackingID); id != "" {
		return Owner{
			Carrier: shipper.CarrierEasyPost,
			Ref: shipper.TrackingRef{
				ID:      id,
				Number:  o.GetMeta(order.MetaEasyPostTrackingNumber),
				Carrier: o.GetMeta(order.MetaEasyPostCarrier),
			},
		}, true
	}
	if number := o.GetMeta(order.MetaUSPSTrackingID); number != "" {
		return Owner{Carrier: shipper.CarrierUSPS, Ref: shipper.TrackingRef{Number: number}}, true
	}
	if number := o.GetMeta(order.MetaInboundTrackingNumber); number != "" {
		token := o.GetMeta(order.MetaInboundCarrierToken)
		if token == "" {
			token = shipper.CarrierUSPS
		}
		return Owner{Carrier: shipper.CarrierShippo, Ref: shipper.TrackingRef{Number: number, Carrier: token}}, true
	}
	return Owner{}, false
}

// Poller re-reads an order's inbound tracking state from its owning carrier.
type Poller struct {
	carriers *shipper.Registry
	logger   *otelzap.Logger
}

// NewPoller creates a Poller over the registered trackers.
func NewPoller(carriers *shipper.Registry, logger *otelzap.Logger) *Poller {
	return &Poller{carriers: carriers, logger: logger}
}

// Poll returns the owning carrier and the normalized inbound state.
func (p *Poller) Poll(ctx context.Context, o *order.Order) (string, tracking.State, error) {
	owner, ok := OwnerOf(o)
	if !ok {
		return "", tracking.Unknown, ErrNoReturnLabel
	}
	tracker, err := p.carriers.Tracker(owner.Carrier)
	if err != nil {
		return owner.Carrier, tracking.Unknown, err
	}
	raw, err := tracker.PollTracking(ctx, owner.Ref)
	if err != nil {
		p.logger.Ctx(ctx).Warn("Inbound tracking poll failed",
			zap.Int64("order_id", o.ID),
			zap.String("carrier", owner.Carrier),
			zap.Error(err),
		)
		return owner.Carrier, tracking.Unknown, fmt.Errorf("polling %s: %w", owner.Carrier, err)
	}
	return owner.Carrier, tracking.Normalize(raw.Carrier, raw.Status), nil
}

// Fresh returns the inbound state to act on: the polled state when the poll
// succeeds, otherwise the stored one.
func (p *Poller) Fresh(ctx context.Context, o *order.Order) tracking.State {
	_, state, err := p.Poll(ctx, o)
	if err != nil {
		return tracking.Parse(o.TrackingState(shipper.LegInbound))
	}
	return state
}
