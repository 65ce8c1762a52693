// Package lifecycle moves orders through their shipping states as tracking
// updates arrive from carriers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/inbound"
	"github.com/tournevent/labelflow/internal/mailer"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/scheduler"
	"github.com/tournevent/labelflow/internal/telemetry"
	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/tracking"
)

// Delays of the follow-up actions.
const (
	AsyncUpdateDelay    = 10 * time.Second
	ConfirmInboundDelay = 15 * 24 * time.Hour
	FedExRecheckDelay   = 5 * 24 * time.Hour
)

// Outcomes of a tracking update.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// FeeCoordinator arms fee charges and executes raised refunds.
type FeeCoordinator interface {
	ScheduleCharges(ctx context.Context, o *order.Order) error
	ProcessScheduledRefunds(ctx context.Context, o *order.Order) error
}

// Machine applies tracking updates to orders.
type Machine struct {
	orders   order.Store
	sched    scheduler.Scheduler
	carriers *shipper.Registry
	poller   *inbound.Poller
	fees     FeeCoordinator
	mail     mailer.Sender
	opts     options.Store
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// New creates a Machine.
func New(
	orders order.Store,
	sched scheduler.Scheduler,
	carriers *shipper.Registry,
	poller *inbound.Poller,
	fees FeeCoordinator,
	mail mailer.Sender,
	opts options.Store,
	logger *otelzap.Logger,
	metrics *telemetry.Metrics,
) *Machine {
	return &Machine{
		orders:   orders,
		sched:    sched,
		carriers: carriers,
		poller:   poller,
		fees:     fees,
		mail:     mail,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// HandleAggregatorWebhook defers a track_updated event to an
// async_tracking_update action. It reports whether the event was accepted.
func (m *Machine) HandleAggregatorWebhook(ctx context.Context, ev AggregatorEvent) (bool, error) {
	number := ev.Data.TrackingNumber
	status := ev.Data.TrackingStatus.Status
	if ev.Event != EventTrackUpdated || number == "" || status == "" {
		return false, nil
	}
	args := scheduler.Args{
		scheduler.ArgTrackingNumber: number,
		scheduler.ArgStatus:         status,
	}
	if _, err := m.sched.ScheduleAt(ctx, m.now().Add(AsyncUpdateDelay), scheduler.ActionAsyncTrackingUpdate, args); err != nil {
		return false, fmt.Errorf("scheduling tracking update: %w", err)
	}
	return true, nil
}

// ProcessAggregatorUpdate applies a deferred aggregator update. The tracking
// number may belong to either leg; the inbound leg wins when both match.
func (m *Machine) ProcessAggregatorUpdate(ctx context.Context, args scheduler.Args) error {
	number := args[scheduler.ArgTrackingNumber]
	carrier := args[scheduler.ArgCarrier]
	if carrier == "" {
		carrier = shipper.CarrierShippo
	}
	o, err := m.findOne(ctx, number, order.MetaOutboundTrackingNumber, order.MetaInboundTrackingNumber)
	if err != nil || o == nil {
		return err
	}
	leg := shipper.LegOutbound
	if o.GetMeta(order.MetaInboundTrackingNumber) == number {
		leg = shipper.LegInbound
	}
	_, err = m.ProcessTrackingUpdate(ctx, o, leg, carrier, tracking.Normalize(carrier, args[scheduler.ArgStatus]))
	return err
}

// HandleMultiCarrierEvent applies a multi-carrier tracker or refund event.
func (m *Machine) HandleMultiCarrierEvent(ctx context.Context, ev MultiCarrierEvent) error {
	switch ev.Description {
	case EventTrackerUpdated:
		o, err := m.findOne(ctx, ev.Result.ID, order.MetaEasyPostTrackingID)
		if err != nil || o == nil {
			return err
		}
		_, err = m.ProcessTrackingUpdate(ctx, o, shipper.LegInbound, shipper.CarrierEasyPost, tracking.FromMultiCarrier(ev.Result.Status))
		return err
	case EventRefundSuccessful:
		o, err := m.findOne(ctx, ev.Result.ShipmentID, order.MetaEasyPostShipmentID)
		if err != nil || o == nil {
			return err
		}
		return m.orders.SetMeta(ctx, o.ID, order.MetaRefundStatusInbound, ev.Result.Status)
	default:
		return nil
	}
}

// HandlePostalEvent applies a postal tracking event.
func (m *Machine) HandlePostalEvent(ctx context.Context, ev PostalEvent) error {
	info, err := ev.Decode()
	if err != nil {
		return err
	}
	code := info.TrackInfo.TrackSummary.EventCode
	if info.TrackInfo.ID == "" || code == "" {
		m.logger.Ctx(ctx).Info("Postal event without tracking id or event code ignored")
		return nil
	}
	o, err := m.findOne(ctx, info.TrackInfo.ID, order.MetaUSPSTrackingID)
	if err != nil || o == nil {
		return err
	}
	state := tracking.FromPostal(code)
	_, err = m.ProcessTrackingUpdate(ctx, o, shipper.LegInbound, shipper.CarrierUSPS, state)
	return err
}

// findOne returns the single order whose keys hold value. No match or
// several matches yield nil.
func (m *Machine) findOne(ctx context.Context, value string, keys ...string) (*order.Order, error) {
	if value == "" {
		return nil, nil
	}
	found, err := m.orders.FindByMeta(ctx, value, keys...)
	if err != nil {
		return nil, fmt.Errorf("finding order by %s: %w", strings.Join(keys, ","), err)
	}
	if len(found) != 1 {
		m.logger.Ctx(ctx).Info("Tracking update ignored",
			zap.String("value", value),
			zap.Strings("keys", keys),
			zap.Int("matches", len(found)),
		)
		return nil, nil
	}
	return found[0], nil
}

// ProcessTrackingUpdate stores the new state of a leg and applies its side
// effects. An unchanged state is a no-op, and so is any event after the leg
// was delivered. It reports whether the state changed.
func (m *Machine) ProcessTrackingUpdate(ctx context.Context, o *order.Order, leg shipper.Leg, carrier string, state tracking.State) (bool, error) {
	if leg == shipper.LegInbound && o.Converted() {
		m.metrics.RecordTracking(carrier, string(leg), string(state), OutcomeIgnored)
		return false, nil
	}
	key := order.TrackingStatusKey(leg)
	current := o.GetMeta(key)
	if current == string(state) || tracking.Parse(current) == tracking.Delivered {
		m.metrics.RecordTracking(carrier, string(leg), string(state), OutcomeDuplicate)
		return false, nil
	}
	if err := m.orders.SetMeta(ctx, o.ID, key, string(state)); err != nil {
		return false, fmt.Errorf("storing %s tracking state: %w", leg, err)
	}

	m.logger.Ctx(ctx).Info("Tracking state changed",
		zap.Int64("order_id", o.ID),
		zap.String("leg", string(leg)),
		zap.String("carrier", carrier),
		zap.String("from", current),
		zap.String("to", string(state)),
	)
	m.metrics.RecordTracking(carrier, string(leg), string(state), OutcomeApplied)

	var err error
	if leg == shipper.LegInbound {
		err = m.applyInbound(ctx, o, state)
	} else {
		err = m.applyOutbound(ctx, o, state)
	}
	return true, err
}

func (m *Machine) applyOutbound(ctx context.Context, o *order.Order, state tracking.State) error {
	switch state {
	case tracking.PreTransit:
		_, err := m.orders.AddMetaIfAbsent(ctx, o.ID, order.MetaPreTransitTime, strconv.FormatInt(m.now().Unix(), 10))
		return err
	case tracking.Delivered:
		switch {
		case o.Converted() || !o.LabelGenerated(shipper.LegInbound):
			return m.complete(ctx, o.ID)
		default:
			if err := m.fees.ScheduleCharges(ctx, o); err != nil {
				return fmt.Errorf("scheduling charges: %w", err)
			}
			if err := m.orders.UpdateStatus(ctx, o.ID, order.StatusAwaitingReturns, order.StatusOptions{}); err != nil {
				return err
			}
			if _, err := m.sched.ScheduleAt(ctx, m.now().Add(ConfirmInboundDelay), scheduler.ActionConfirmInbound, scheduler.OrderArgs(o.ID)); err != nil {
				m.logger.Ctx(ctx).Warn("Unable to schedule inbound check", zap.Int64("order_id", o.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (m *Machine) applyInbound(ctx context.Context, o *order.Order, state tracking.State) error {
	switch state {
	case tracking.Delivered:
		return m.complete(ctx, o.ID)
	case tracking.Transit:
		if err := m.orders.UpdateStatus(ctx, o.ID, order.StatusReturnedInTransit, order.StatusOptions{}); err != nil {
			return err
		}
		if len(o.PendingRefunds()) == 0 {
			return nil
		}
		if err := m.fees.ProcessScheduledRefunds(ctx, o); err != nil {
			m.logger.Ctx(ctx).Warn("Scheduled refunds failed", zap.Int64("order_id", o.ID), zap.Error(err))
			if noteErr := m.orders.AddNote(ctx, o.ID, order.Note{Text: err.Error(), CreatedAt: m.now()}); noteErr != nil {
				return noteErr
			}
		}
	}
	return nil
}

func (m *Machine) complete(ctx context.Context, orderID int64) error {
	return m.orders.UpdateStatus(ctx, orderID, order.StatusCompleted, order.StatusOptions{SuppressEmail: true})
}

// ConfirmInboundStatus re-polls the carrier owning the return and applies
// the result.
func (m *Machine) ConfirmInboundStatus(ctx context.Context, orderID int64) error {
	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	carrier, state, err := m.poller.Poll(ctx, o)
	if errors.Is(err, inbound.ErrNoReturnLabel) {
		m.logger.Ctx(ctx).Info("No return label to confirm", zap.Int64("order_id", orderID))
		return nil
	}
	if err != nil {
		return err
	}
	_, err = m.ProcessTrackingUpdate(ctx, o, shipper.LegInbound, carrier, state)
	return err
}

// CheckTrackingUpdates polls FedEx for an outbound FedEx shipment and
// applies the result. It checks again every five days until delivery.
func (m *Machine) CheckTrackingUpdates(ctx context.Context, orderID int64) error {
	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	number := o.GetMeta(order.MetaOutboundTrackingNumber)
	if number == "" || !strings.EqualFold(o.GetMeta(order.MetaOutboundCarrierToken), shipper.CarrierFedEx) {
		return nil
	}
	tracker, err := m.carriers.Tracker(shipper.CarrierFedEx)
	if err != nil {
		return err
	}
	raw, err := tracker.PollTracking(ctx, shipper.TrackingRef{Number: number, Carrier: shipper.CarrierFedEx})
	if err != nil {
		m.logger.Ctx(ctx).Warn("FedEx tracking poll failed", zap.Int64("order_id", orderID), zap.Error(err))
		return m.recheckTracking(ctx, orderID)
	}
	state := tracking.FromFedEx(raw.Status)
	if _, err := m.ProcessTrackingUpdate(ctx, o, shipper.LegOutbound, shipper.CarrierFedEx, state); err != nil {
		return err
	}
	if state != tracking.Delivered {
		return m.recheckTracking(ctx, orderID)
	}
	return nil
}

func (m *Machine) recheckTracking(ctx context.Context, orderID int64) error {
	if _, err := m.sched.ScheduleAt(ctx, m.now().Add(FedExRecheckDelay), scheduler.ActionCheckTrackingUpdates, scheduler.OrderArgs(orderID)); err != nil {
		return fmt.Errorf("rescheduling tracking check: %w", err)
	}
	return nil
}

// DeliveryFailedNotification tells the team when an outbound shipment has not
// been delivered fifteen days after purchase.
func (m *Machine) DeliveryFailedNotification(ctx context.Context, orderID int64) error {
	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	switch o.Status {
	case order.StatusCompleted, order.StatusAwaitingReturns, order.StatusReturnedInTransit:
		return nil
	}
	settings, err := options.LoadSettings(ctx, m.opts)
	if err != nil {
		return err
	}
	to := settings.MergedLabelEmail
	if to == "" {
		to = settings.OpsEmail
	}
	return m.mail.Send(ctx, mailer.Message{
		To:      []string{to},
		Subject: "Delivery Failed",
		HTML: fmt.Sprintf("Hi Team, <br><br>There is a outbound delivery failure for the order number %d "+
			"kindly look into it and take the necessary action. <br><br>Thanks.", orderID),
	})
}
