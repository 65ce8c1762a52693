// Package labels buys, stores and merges the outbound and return labels of an order.
package labels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/documents"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/reqctx"
	"github.com/tournevent/labelflow/internal/scheduler"
	"github.com/tournevent/labelflow/internal/telemetry"
	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/tracking"
)

// Follow-up delays scheduled after an outbound purchase.
const (
	TrackingCheckDelay = 7 * 24 * time.Hour
	DeliveryCheckDelay = 15 * 24 * time.Hour
)

const markerGenerating = "generating"

// OutboundFile is the stored outbound label of an order.
func OutboundFile(orderID int64) string { return fmt.Sprintf("%d outbound.pdf", orderID) }

// InboundFile is the stored return label of an order.
func InboundFile(orderID int64) string { return fmt.Sprintf("%d inbound.pdf", orderID) }

// MergedFile is the merged two-page label of an order.
func MergedFile(orderID int64) string { return fmt.Sprintf("%d.pdf", orderID) }

// PrintFile is the label printed for an order: the merged file when it
// exists, otherwise the outbound label.
func PrintFile(o *order.Order) string {
	if o.Flag(order.MetaMergedLabelGenerated) == order.FlagSet {
		return MergedFile(o.ID)
	}
	return OutboundFile(o.ID)
}

// Result describes the labels an order holds after generation.
type Result struct {
	OrderID          int64  `json:"order_id"`
	OutboundCarrier  string `json:"outbound_carrier,omitempty"`
	OutboundTracking string `json:"outbound_tracking,omitempty"`
	InboundCarrier   string `json:"inbound_carrier,omitempty"`
	InboundTracking  string `json:"inbound_tracking,omitempty"`
	Merged           bool   `json:"merged"`
	Status           string `json:"status"`
}

// Orchestrator runs label generation for orders.
type Orchestrator struct {
	orders   order.Store
	carriers *shipper.Registry
	docs     documents.Store
	sched    scheduler.Scheduler
	opts     options.Store
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// New creates an Orchestrator.
func New(
	orders order.Store,
	carriers *shipper.Registry,
	docs documents.Store,
	sched scheduler.Scheduler,
	opts options.Store,
	logger *otelzap.Logger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	return &Orchestrator{
		orders:   orders,
		carriers: carriers,
		docs:     docs,
		sched:    sched,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// GenerateLabels buys the outbound label of a processing order and, when items
// must come back, its return label. Orders with both labels are marked shipped
// and their labels merged. A second call is rejected with KindAlreadyGenerated.
func (s *Orchestrator) GenerateLabels(ctx context.Context, orderID int64) (*Result, error) {
	o, settings, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.LabelGenerated(shipper.LegOutbound) {
		return nil, newError(KindAlreadyGenerated, orderID, "ALREADY_GENERATED", "Outbound Shipping label already generated", nil)
	}

	s.logger.Ctx(ctx).Info("Generating labels",
		zap.Int64("order_id", orderID),
		zap.String("request_id", reqctx.From(ctx).RequestID),
	)

	if err := s.generateOutbound(ctx, o, settings); err != nil {
		return nil, err
	}
	return s.completeReturn(ctx, orderID, settings)
}

// ResumeReturnLabel retries the return label of an order whose outbound label
// was bought but whose return label is missing.
func (s *Orchestrator) ResumeReturnLabel(ctx context.Context, orderID int64) (*Result, error) {
	o, settings, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.LabelGenerated(shipper.LegOutbound) {
		return nil, newError(KindPrecondition, orderID, "NO_OUTBOUND_LABEL", "Outbound Shipping label not generated", nil)
	}
	if o.LabelGenerated(shipper.LegInbound) {
		return nil, newError(KindAlreadyGenerated, orderID, "ALREADY_GENERATED", "Return Shipping label already generated", nil)
	}
	if o.ReturnableItemCount(settings.EligibleClasses) == 0 {
		return nil, newError(KindPrecondition, orderID, "NOTHING_TO_RETURN", "The order has no returnable items", nil)
	}
	if err := s.orders.DeleteMeta(ctx, orderID, order.MetaGeneratingReturnLabel); err != nil {
		return nil, newError(KindStorage, orderID, "STORAGE", "Unable to update the order", err)
	}
	return s.completeReturn(ctx, orderID, settings)
}

// completeReturn buys the missing return label, then ships and merges.
func (s *Orchestrator) completeReturn(ctx context.Context, orderID int64, settings *options.Settings) (*Result, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, newError(KindStorage, orderID, "STORAGE", "Unable to load the order", err)
	}
	returnable := o.ReturnableItemCount(settings.EligibleClasses)

	if !o.LabelGenerated(shipper.LegInbound) && returnable > 0 {
		if err := s.generateReturn(ctx, o, settings); err != nil {
			return nil, err
		}
		if o, err = s.orders.Get(ctx, orderID); err != nil {
			return nil, newError(KindStorage, orderID, "STORAGE", "Unable to load the order", err)
		}
	}

	outbound := o.LabelGenerated(shipper.LegOutbound)
	inbound := o.LabelGenerated(shipper.LegInbound)
	switch {
	case outbound && returnable == 0:
		if err := s.orders.UpdateStatus(ctx, orderID, order.StatusShipped, order.StatusOptions{}); err != nil {
			return nil, newError(KindStorage, orderID, "STORAGE", "Unable to update the order status", err)
		}
	case outbound && inbound:
		if err := s.orders.UpdateStatus(ctx, orderID, order.StatusShipped, order.StatusOptions{}); err != nil {
			return nil, newError(KindStorage, orderID, "STORAGE", "Unable to update the order status", err)
		}
		if err := s.MergeLabels(ctx, orderID); err != nil {
			return nil, err
		}
	}

	return s.result(ctx, orderID)
}

// returnCarrier picks the carrier for the return label. The aggregator is
// chosen when it is the default or requested partner and the request does not
// name fedex or usps.
func returnCarrier(o *order.Order, settings *options.Settings) string {
	rp := o.ReturnPartner()
	dp := settings.DefaultPartner
	switch {
	case (dp == shipper.CarrierShippo || rp == shipper.CarrierShippo) && rp != shipper.CarrierFedEx && rp != shipper.CarrierUSPS:
		return shipper.CarrierShippo
	case (dp == shipper.CarrierEasyPost || rp == shipper.CarrierFedEx) && rp != shipper.CarrierUSPS:
		return shipper.CarrierEasyPost
	case dp == shipper.CarrierUSPS || rp == shipper.CarrierUSPS || rp == "":
		return shipper.CarrierUSPS
	default:
		return ""
	}
}

func (s *Orchestrator) generateOutbound(ctx context.Context, o *order.Order, settings *options.Settings) error {
	carrier, err := s.carriers.Get(settings.OutboundPartner)
	if err != nil {
		return newError(KindConfig, o.ID, "CARRIER_NOT_CONFIGURED", "The outbound shipping partner is not configured", err)
	}

	art, err := carrier.CreateOutboundLabel(ctx, s.request(o, settings, shipper.LegOutbound))
	if err != nil {
		s.recordFailure(shipper.LegOutbound, carrier.Name(), err)
		return carrierError(o.ID, err)
	}
	s.metrics.RecordLabel(string(shipper.LegOutbound), carrier.Name(), "success")

	meta := map[string]string{
		order.MetaOutboundTrackingNumber: art.TrackingNumber,
		order.MetaOutboundTrackingURL:    art.TrackingURL,
		order.MetaOutboundTransactionID:  art.TransactionID,
		order.MetaOutboundLabelURL:       art.LabelURL,
		order.MetaOutboundCarrierToken:   art.CarrierToken,
	}
	if art.TrackingStatus != "" {
		meta[order.MetaOutboundTrackingStatus] = string(tracking.Normalize(art.Carrier, art.TrackingStatus))
	}
	if err := s.setMeta(ctx, o.ID, meta); err != nil {
		return err
	}
	if _, err := s.orders.AddMetaIfAbsent(ctx, o.ID, order.MetaPreTransitTime, strconv.FormatInt(s.now().Unix(), 10)); err != nil {
		return newError(KindStorage, o.ID, "STORAGE", "Unable to update the order", err)
	}

	args := scheduler.OrderArgs(o.ID)
	if _, err := s.sched.ScheduleAt(ctx, s.now().Add(TrackingCheckDelay), scheduler.ActionCheckTrackingUpdates, args); err != nil {
		s.logger.Ctx(ctx).Warn("Unable to schedule tracking check", zap.Int64("order_id", o.ID), zap.Error(err))
	}
	if _, err := s.sched.ScheduleAt(ctx, s.now().Add(DeliveryCheckDelay), scheduler.ActionDeliveryFailed, args); err != nil {
		s.logger.Ctx(ctx).Warn("Unable to schedule delivery check", zap.Int64("order_id", o.ID), zap.Error(err))
	}

	return s.storeLabel(ctx, o.ID, shipper.LegOutbound, art, settings)
}

func (s *Orchestrator) generateReturn(ctx context.Context, o *order.Order, settings *options.Settings) error {
	name := returnCarrier(o, settings)
	if name == "" {
		return newError(KindConfig, o.ID, "CARRIER_NOT_CONFIGURED", "No return shipping partner matches the order", nil)
	}
	if name == shipper.CarrierShippo {
		claimed, err := s.orders.AddMetaIfAbsent(ctx, o.ID, order.MetaGeneratingReturnLabel, markerGenerating)
		if err != nil {
			return newError(KindStorage, o.ID, "STORAGE", "Unable to update the order", err)
		}
		if !claimed {
			s.logger.Ctx(ctx).Info("Return label already in flight", zap.Int64("order_id", o.ID))
			return nil
		}
	}

	carrier, err := s.carriers.Get(name)
	if err != nil {
		return newError(KindConfig, o.ID, "CARRIER_NOT_CONFIGURED", "The return shipping partner is not configured", err)
	}

	art, err := carrier.CreateReturnLabel(ctx, s.request(o, settings, shipper.LegInbound))
	if err != nil {
		s.recordFailure(shipper.LegInbound, name, err)
		return carrierError(o.ID, err)
	}
	s.metrics.RecordLabel(string(shipper.LegInbound), name, "success")

	meta := map[string]string{
		order.MetaCarrierPartner:     name,
		order.MetaInboundTrackingURL: art.TrackingURL,
	}
	switch name {
	case shipper.CarrierShippo:
		meta[order.MetaInboundTrackingNumber] = art.TrackingNumber
		meta[order.MetaInboundTransactionID] = art.TransactionID
		meta[order.MetaInboundLabelURL] = art.LabelURL
		meta[order.MetaInboundCarrierToken] = art.CarrierToken
	case shipper.CarrierEasyPost:
		meta[order.MetaEasyPostTrackingID] = art.TrackerID
		meta[order.MetaEasyPostTrackingNumber] = art.TrackingNumber
		meta[order.MetaEasyPostShipmentID] = art.ShipmentID
		meta[order.MetaEasyPostCarrier] = art.CarrierToken
	case shipper.CarrierUSPS:
		meta[order.MetaUSPSTrackingID] = art.TrackingNumber
		meta[order.MetaUSPSRouting] = art.RoutingNumber
	}
	if art.TrackingStatus != "" {
		meta[order.MetaInboundTrackingStatus] = string(tracking.Normalize(name, art.TrackingStatus))
	}
	if err := s.setMeta(ctx, o.ID, meta); err != nil {
		return err
	}

	return s.storeLabel(ctx, o.ID, shipper.LegInbound, art, settings)
}

// storeLabel saves the label file, schedules its deletion and sets the leg flag.
func (s *Orchestrator) storeLabel(ctx context.Context, orderID int64, leg shipper.Leg, art *shipper.LabelArtifact, settings *options.Settings) error {
	file := OutboundFile(orderID)
	if leg == shipper.LegInbound {
		file = InboundFile(orderID)
	}

	var err error
	if len(art.LabelData) > 0 {
		err = s.docs.Put(ctx, file, art.LabelData)
	} else {
		err = s.docs.PutFromURL(ctx, file, art.LabelURL)
	}
	if err != nil {
		return newError(KindStorage, orderID, "LABEL_STORAGE", "Unable to store the shipping label", err)
	}

	if err := s.scheduleRemoval(ctx, orderID, file, settings); err != nil {
		s.logger.Ctx(ctx).Warn("Unable to schedule label deletion", zap.Int64("order_id", orderID), zap.String("file", file), zap.Error(err))
	}
	if err := s.orders.SetMeta(ctx, orderID, order.LabelFlagKey(leg), order.FlagYes); err != nil {
		return newError(KindStorage, orderID, "STORAGE", "Unable to update the order", err)
	}
	return nil
}

// MergeLabels merges both legs into one file. The merged flag is set once.
func (s *Orchestrator) MergeLabels(ctx context.Context, orderID int64) error {
	o, settings, err := s.load(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.LabelGenerated(shipper.LegOutbound) || !o.LabelGenerated(shipper.LegInbound) {
		return newError(KindPrecondition, orderID, "LABELS_MISSING", "Both labels are required to merge", nil)
	}
	if o.Flag(order.MetaMergedLabelGenerated) == order.FlagSet {
		return newError(KindAlreadyGenerated, orderID, "ALREADY_MERGED", "Merged label already generated", nil)
	}

	file := MergedFile(orderID)
	if err := s.docs.Merge(ctx, file, []string{OutboundFile(orderID), InboundFile(orderID)}); err != nil {
		s.logger.Ctx(ctx).Error("Label merge failed", zap.Int64("order_id", orderID), zap.Error(err))
		return newError(KindMerge, orderID, "Unable to create the merged label", "Error merging pdf", err)
	}

	claimed, err := s.orders.AddMetaIfAbsent(ctx, orderID, order.MetaMergedLabelGenerated, order.FlagYes)
	if err != nil {
		return newError(KindStorage, orderID, "STORAGE", "Unable to update the order", err)
	}
	if !claimed {
		return newError(KindAlreadyGenerated, orderID, "ALREADY_MERGED", "Merged label already generated", nil)
	}
	if err := s.scheduleRemoval(ctx, orderID, file, settings); err != nil {
		s.logger.Ctx(ctx).Warn("Unable to schedule label deletion", zap.Int64("order_id", orderID), zap.String("file", file), zap.Error(err))
	}
	return nil
}

// ResetLabels voids the outbound aggregator label and returns the order to
// processing with no label state, so labels can be bought again.
func (s *Orchestrator) ResetLabels(ctx context.Context, orderID int64) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return loadError(orderID, err)
	}

	if number := o.GetMeta(order.MetaOutboundTrackingNumber); number != "" {
		if refunder, ok := s.carriers.Refunder(shipper.CarrierShippo); ok {
			res, err := refunder.RefundLabel(ctx, &shipper.RefundRequest{
				TrackingNumber: number,
				CarrierToken:   o.GetMeta(order.MetaOutboundCarrierToken),
				TransactionID:  o.GetMeta(order.MetaOutboundTransactionID),
			})
			if err != nil {
				return carrierError(orderID, err)
			}
			s.logger.Ctx(ctx).Info("Outbound label refunded",
				zap.Int64("order_id", orderID),
				zap.String("refund_id", res.RefundID),
				zap.String("status", res.Status),
			)
		}
	}

	subset := scheduler.OrderArgs(orderID)
	for _, name := range []string{
		scheduler.ActionChargeFee,
		scheduler.ActionReminderMail,
		scheduler.ActionConfirmInbound,
		scheduler.ActionCheckTrackingUpdates,
		scheduler.ActionDeliveryFailed,
		scheduler.ActionRemoveLabel,
	} {
		if _, err := s.sched.CancelAll(ctx, name, subset); err != nil {
			s.logger.Ctx(ctx).Warn("Unable to cancel scheduled action", zap.Int64("order_id", orderID), zap.String("action", name), zap.Error(err))
		}
	}

	if err := s.orders.DeleteMeta(ctx, orderID, order.LabelMetaKeys...); err != nil {
		return newError(KindStorage, orderID, "STORAGE", "Unable to update the order", err)
	}
	if err := s.docs.Delete(ctx, OutboundFile(orderID), InboundFile(orderID), MergedFile(orderID)); err != nil {
		s.logger.Ctx(ctx).Warn("Unable to delete label files", zap.Int64("order_id", orderID), zap.Error(err))
	}
	if err := s.orders.UpdateStatus(ctx, orderID, order.StatusProcessing, order.StatusOptions{SuppressEmail: true}); err != nil {
		return newError(KindStorage, orderID, "STORAGE", "Unable to update the order status", err)
	}
	return nil
}

// RemoveLabel deletes a stored label file once its retention has passed.
func (s *Orchestrator) RemoveLabel(ctx context.Context, orderID int64, file string) error {
	if err := s.docs.Delete(ctx, file); err != nil {
		return fmt.Errorf("deleting %s: %w", file, err)
	}
	if err := s.orders.SetMeta(ctx, orderID, order.MetaLabelsDeleted, order.FlagYes); err != nil && !errors.Is(err, order.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Orchestrator) scheduleRemoval(ctx context.Context, orderID int64, file string, settings *options.Settings) error {
	_, err := s.sched.ScheduleAt(ctx, s.now().Add(options.Days(settings.LabelRetentionDays)),
		scheduler.ActionRemoveLabel, scheduler.OrderArgs(orderID).With(scheduler.ArgFile, file))
	return err
}

func (s *Orchestrator) load(ctx context.Context, orderID int64) (*order.Order, *options.Settings, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, loadError(orderID, err)
	}
	settings, err := options.LoadSettings(ctx, s.opts)
	if err != nil {
		return nil, nil, newError(KindConfig, orderID, "SETTINGS", "Unable to read the label settings", err)
	}
	return o, settings, nil
}

func loadError(orderID int64, err error) error {
	if errors.Is(err, order.ErrNotFound) {
		return newError(KindNotFound, orderID, "ORDER_NOT_FOUND", "Order not found", err)
	}
	return newError(KindStorage, orderID, "STORAGE", "Unable to load the order", err)
}

func (s *Orchestrator) setMeta(ctx context.Context, orderID int64, meta map[string]string) error {
	for k, v := range meta {
		if v == "" {
			continue
		}
		if err := s.orders.SetMeta(ctx, orderID, k, v); err != nil {
			return newError(KindStorage, orderID, "STORAGE", "Unable to update the order", err)
		}
	}
	return nil
}

func (s *Orchestrator) recordFailure(leg shipper.Leg, carrier string, err error) {
	s.metrics.RecordLabel(string(leg), carrier, "error")
	if code := shipper.Code(err); code != "" {
		s.metrics.RecordError(carrier, code)
	}
}

func (s *Orchestrator) result(ctx context.Context, orderID int64) (*Result, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, newError(KindStorage, orderID, "STORAGE", "Unable to load the order", err)
	}
	res := &Result{
		OrderID:          orderID,
		OutboundTracking: o.GetMeta(order.MetaOutboundTrackingNumber),
		InboundCarrier:   o.GetMeta(order.MetaCarrierPartner),
		Merged:           o.Flag(order.MetaMergedLabelGenerated) == order.FlagSet,
		Status:           string(o.Status),
	}
	if res.OutboundTracking != "" {
		res.OutboundCarrier = o.GetMeta(order.MetaOutboundCarrierToken)
	}
	switch res.InboundCarrier {
	case shipper.CarrierShippo:
		res.InboundTracking = o.GetMeta(order.MetaInboundTrackingNumber)
	case shipper.CarrierEasyPost:
		res.InboundTracking = o.GetMeta(order.MetaEasyPostTrackingNumber)
	case shipper.CarrierUSPS:
		res.InboundTracking = o.GetMeta(order.MetaUSPSTrackingID)
	}
	return res, nil
}

// request builds the carrier request for one leg. Outbound labels ship from
// the store to the customer; return labels ship the other way.
func (s *Orchestrator) request(o *order.Order, settings *options.Settings, leg shipper.Leg) *shipper.ShipmentRequest {
	store := settings.StoreAddress.Shipper()
	customer := o.Shipping
	if customer.Name == "" {
		customer.Name = joinName(customer.FirstName, customer.LastName)
	}
	if customer.Email == "" {
		customer.Email = o.Billing.Email
	}

	req := &shipper.ShipmentRequest{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Leg:           leg,
		Parcel:        settings.Parcel.For(leg),
		ReturnPartner: o.ReturnPartner(),
		From:          store,
		To:            customer,
	}
	if leg == shipper.LegInbound {
		req.From, req.To = customer, store
	}
	if len(o.Items) > 0 {
		req.ProductNumber = strconv.FormatInt(o.Items[0].ProductID, 10)
	}
	return req
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
