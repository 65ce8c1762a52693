// Package fees schedules and charges non-return fees, extends return
// windows and executes refunds raised against an order.
package fees

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/inbound"
	"github.com/tournevent/labelflow/internal/mailer"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/payment"
	"github.com/tournevent/labelflow/internal/reqctx"
	"github.com/tournevent/labelflow/internal/scheduler"
	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/tracking"
)

// RescheduleThreshold is how far a pending action may drift from its
// recomputed time before it is moved.
const RescheduleThreshold = 24 * time.Hour

// Offsets from the fee charge time.
const (
	confirmBeforeCharge = 48 * time.Hour
	centralTimeOffset   = 6 * time.Hour
)

const (
	reasonChargeWindow = "charge_window"
	chargedFlag        = "charged"
	chargeSucceeded    = "succeeded"
)

// Staff-facing messages.
const (
	MsgExtended          = "Extended"
	MsgCharged           = "Charged"
	WarnMailNotExtended  = "The return period has been extended, but the mail action cannot be extended."
	WarnMailNotCancelled = "The order was converted but unable to unschedule the previous email."
)

// Sub selects the fee charged by ChargePartialFee.
type Sub string

const (
	SubCharge  Sub = "charge"
	SubConvert Sub = "convert"
)

// ExtendResult is the outcome of ExtendReturnPeriod.
type ExtendResult struct {
	Message    string    `json:"message"`
	Warning    string    `json:"warning,omitempty"`
	ReturnBy   time.Time `json:"return_by"`
	Extensions int64     `json:"extensions"`
}

// ChargeResult is the outcome of ChargePartialFee.
type ChargeResult struct {
	Message  string `json:"message"`
	Warning  string `json:"warning,omitempty"`
	ChargeID string `json:"charge_id"`
}

// Coordinator runs the fee and refund workflows.
type Coordinator struct {
	orders    order.Store
	sched     scheduler.Scheduler
	payments  payment.Accounts
	carriers  *shipper.Registry
	poller    *inbound.Poller
	mail      mailer.Sender
	opts      options.Store
	logger    *otelzap.Logger
	refundLog *otelzap.Logger
	now       func() time.Time
}

// New creates a Coordinator. Scheduled refund failures go to refundLog, or
// to logger when refundLog is nil.
func New(
	orders order.Store,
	sched scheduler.Scheduler,
	payments payment.Accounts,
	carriers *shipper.Registry,
	poller *inbound.Poller,
	mail mailer.Sender,
	opts options.Store,
	logger *otelzap.Logger,
	refundLog *otelzap.Logger,
) *Coordinator {
	if refundLog == nil {
		refundLog = logger
	}
	return &Coordinator{
		orders:    orders,
		sched:     sched,
		payments:  payments,
		carriers:  carriers,
		poller:    poller,
		mail:      mail,
		opts:      opts,
		logger:    logger,
		refundLog: refundLog,
		now:       time.Now,
	}
}

// ChargeArgs are the arguments of an order's fee charge action.
func ChargeArgs(o *order.Order) scheduler.Args {
	return scheduler.OrderArgs(o.ID).With(scheduler.ArgKeyMode, string(modeOf(o)))
}

// ReminderArgs are the arguments of an order's reminder mail action.
func ReminderArgs(o *order.Order) scheduler.Args {
	return scheduler.OrderArgs(o.ID)
}

// ChargeWindowArgs are the arguments of the inbound check run shortly before the charge.
func ChargeWindowArgs(o *order.Order) scheduler.Args {
	return scheduler.OrderArgs(o.ID).With(scheduler.ArgReason, reasonChargeWindow)
}

func modeOf(o *order.Order) payment.Mode {
	return payment.ModeFor(o.GetMeta(order.MetaPaymentTestMode) == order.FlagYes)
}

// RecordOrderFee freezes the returnable quantity, the non-return fee and the
// payment mode when the order is paid.
func (c *Coordinator) RecordOrderFee(ctx context.Context, orderID int64, testMode bool) error {
	o, settings, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}
	qty := o.ReturnableItemCount(settings.EligibleClasses)
	mode := order.FlagNo
	if testMode {
		mode = order.FlagYes
	}
	meta := map[string]string{
		order.MetaReturnableQty:   strconv.Itoa(qty),
		order.MetaNonReturnFee:    strconv.FormatInt(settings.ReturnFeeCents*int64(qty), 10),
		order.MetaPaymentTestMode: mode,
	}
	for k, v := range meta {
		if err := c.orders.SetMeta(ctx, orderID, k, v); err != nil {
			return actionError(KindStorage, orderID, "", "Unable to update the order", err)
		}
	}
	return nil
}

// ScheduleCharges arms the reminder mail and the fee charge of an order whose
// outbound shipment was delivered. Pending actions within RescheduleThreshold
// of the recomputed time are kept. A newly scheduled charge also schedules an
// inbound check two days earlier and stores the return-by dates.
func (c *Coordinator) ScheduleCharges(ctx context.Context, o *order.Order) error {
	settings, err := options.LoadSettings(ctx, c.opts)
	if err != nil {
		return actionError(KindConfig, o.ID, "", "Unable to read the fee settings", err)
	}
	now := c.now()

	if _, err := c.ensureScheduled(ctx, scheduler.ActionReminderMail, ReminderArgs(o), now.Add(options.Days(settings.ReminderEmailDays))); err != nil {
		return fmt.Errorf("scheduling reminder for order %d: %w", o.ID, err)
	}

	chargeAt := now.Add(options.Days(settings.ChargeFeeDays))
	created, err := c.ensureScheduled(ctx, scheduler.ActionChargeFee, ChargeArgs(o), chargeAt)
	if err != nil {
		return fmt.Errorf("scheduling fee charge for order %d: %w", o.ID, err)
	}
	if !created {
		return nil
	}

	if _, err := c.sched.ScheduleAt(ctx, chargeAt.Add(-confirmBeforeCharge), scheduler.ActionConfirmInbound, ChargeWindowArgs(o)); err != nil {
		c.logger.Ctx(ctx).Warn("Unable to schedule inbound check", zap.Int64("order_id", o.ID), zap.Error(err))
	}
	if err := c.setReturnBy(ctx, o.ID, chargeAt); err != nil {
		return err
	}

	c.logger.Ctx(ctx).Info("Fee charge scheduled",
		zap.Int64("order_id", o.ID),
		zap.Time("charge_at", chargeAt),
	)
	return nil
}

// ensureScheduled schedules name at the given time unless a pending action
// already fires within RescheduleThreshold of it. It reports whether it scheduled.
func (c *Coordinator) ensureScheduled(ctx context.Context, name string, args scheduler.Args, at time.Time) (bool, error) {
	prev, ok, err := c.sched.NextScheduled(ctx, name, args)
	if err != nil {
		return false, err
	}
	if ok && absDuration(at.Sub(prev)) <= RescheduleThreshold {
		return false, nil
	}
	if _, err := c.sched.ScheduleAt(ctx, at, name, args); err != nil {
		return false, err
	}
	return true, nil
}

// ExtendReturnPeriod moves the fee charge and the reminder forward by the
// configured extension. A reminder that cannot be moved yields a warning.
func (c *Coordinator) ExtendReturnPeriod(ctx context.Context, orderID int64) (*ExtendResult, error) {
	o, settings, err := c.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	res := &ExtendResult{Message: MsgExtended}
	if err := c.removeScheduled(ctx, o, settings, true); err != nil {
		if !IsNonCritical(err) {
			return nil, err
		}
		c.logger.Ctx(ctx).Warn("Reminder not extended", zap.Int64("order_id", orderID), zap.Error(err))
		res.Warning = WarnMailNotExtended
	}

	res.Extensions = o.MetaInt(order.MetaExtensionCount) + 1
	if err := c.orders.SetMeta(ctx, orderID, order.MetaExtensionCount, strconv.FormatInt(res.Extensions, 10)); err != nil {
		return nil, actionError(KindStorage, orderID, "", "Unable to update the order", err)
	}
	if o, err = c.orders.Get(ctx, orderID); err == nil {
		res.ReturnBy, _ = o.MetaTime(order.MetaReturnBy)
	}
	c.note(ctx, orderID, fmt.Sprintf("Return period extended by %d days.", settings.ExtendReturnDays))
	return res, nil
}

// removeScheduled cancels the fee charge and the reminder of an order, or
// moves both forward by the extension when reschedule is set. The charge is
// handled first; its failure stops the mail step.
func (c *Coordinator) removeScheduled(ctx context.Context, o *order.Order, settings *options.Settings, reschedule bool) error {
	extend := options.Days(settings.ExtendReturnDays)

	chargeArgs := ChargeArgs(o)
	if reschedule {
		next, ok, err := c.sched.NextScheduled(ctx, scheduler.ActionChargeFee, chargeArgs)
		if err != nil {
			return actionError(KindRescheduleFailed, o.ID, TargetCharge, "Unable to extend return period", err)
		}
		if !ok {
			return c.missing(ctx, o.ID, TargetCharge, scheduler.ActionChargeFee, chargeArgs,
				"The charge action not found or it is already in process")
		}
		at := next.Add(extend)
		if _, err := c.sched.ScheduleAt(ctx, at, scheduler.ActionChargeFee, chargeArgs); err != nil {
			return actionError(KindRescheduleFailed, o.ID, TargetCharge, "Unable to extend return period", err)
		}
		if err := c.setReturnBy(ctx, o.ID, at); err != nil {
			return err
		}
		vars := mailer.OrderVars(o).With(at.Add(-centralTimeOffset), settings.ExtendReturnDays)
		c.sendTemplate(ctx, o, settings, options.TemplateReturnPeriodExtended, vars)
	} else if _, err := c.sched.Cancel(ctx, scheduler.ActionChargeFee, chargeArgs); err != nil {
		return actionError(KindUnscheduleFailed, o.ID, TargetCharge, "Unable to unschedule the previous non-return fee.", err)
	}

	mailArgs := ReminderArgs(o)
	if reschedule {
		next, ok, err := c.sched.NextScheduled(ctx, scheduler.ActionReminderMail, mailArgs)
		if err != nil {
			return actionError(KindRescheduleFailed, o.ID, TargetMail, "Unable to extend the time for scheduled mail", err)
		}
		if !ok {
			return c.missing(ctx, o.ID, TargetMail, scheduler.ActionReminderMail, mailArgs,
				"The mail action not found or it is already in process")
		}
		if _, err := c.sched.ScheduleAt(ctx, next.Add(extend), scheduler.ActionReminderMail, mailArgs); err != nil {
			return actionError(KindRescheduleFailed, o.ID, TargetMail, "Unable to extend the time for scheduled mail", err)
		}
	} else if _, err := c.sched.Cancel(ctx, scheduler.ActionReminderMail, mailArgs); err != nil {
		return actionError(KindUnscheduleFailed, o.ID, TargetMail, "Unable to unschedule the previous non-return mail.", err)
	}
	return nil
}

// missing tells a never-scheduled action apart from one that already ran.
func (c *Coordinator) missing(ctx context.Context, orderID int64, target, name string, args scheduler.Args, message string) error {
	kind := KindActionNotFound
	if last, err := c.sched.Last(ctx, name, args); err == nil {
		switch last.State {
		case scheduler.StateRunning, scheduler.StateComplete, scheduler.StateFailed:
			kind = KindActionAlreadyFired
		}
	}
	return actionError(kind, orderID, target, message, scheduler.ErrNotScheduled)
}

func (c *Coordinator) setReturnBy(ctx context.Context, orderID int64, chargeAt time.Time) error {
	if err := c.orders.SetMeta(ctx, orderID, order.MetaReturnBy, strconv.FormatInt(chargeAt.Unix(), 10)); err != nil {
		return actionError(KindStorage, orderID, "", "Unable to update the order", err)
	}
	if err := c.orders.SetMeta(ctx, orderID, order.MetaReturnByCT, strconv.FormatInt(chargeAt.Add(-centralTimeOffset).Unix(), 10)); err != nil {
		return actionError(KindStorage, orderID, "", "Unable to update the order", err)
	}
	return nil
}

// SendReminder mails the return reminder while the customer has not yet
// handed the return to the carrier.
func (c *Coordinator) SendReminder(ctx context.Context, orderID int64) error {
	o, settings, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}
	if !c.awaitingReturn(ctx, o) {
		return nil
	}
	c.sendTemplate(ctx, o, settings, options.TemplateReminder, mailer.OrderVars(o))
	return nil
}

// awaitingReturn re-polls inbound tracking and reports whether a completed
// order is still missing its return.
func (c *Coordinator) awaitingReturn(ctx context.Context, o *order.Order) bool {
	if o.Status == order.StatusCompleted {
		c.logger.Ctx(ctx).Info("Order already completed", zap.Int64("order_id", o.ID))
		return false
	}
	state := c.poller.Fresh(ctx, o)
	if !tracking.AwaitingReturn(string(state)) {
		c.logger.Ctx(ctx).Info("Return already on its way",
			zap.Int64("order_id", o.ID),
			zap.String("inbound_state", string(state)),
		)
		return false
	}
	return true
}

// ChargeNonReturnFee charges the frozen non-return fee when the return never
// shipped. Failures are recorded as order notes.
func (c *Coordinator) ChargeNonReturnFee(ctx context.Context, args scheduler.Args) error {
	orderID, err := args.OrderID()
	if err != nil {
		return actionError(KindPrecondition, 0, TargetCharge, "Invalid charge arguments", err)
	}
	o, settings, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}
	if !c.awaitingReturn(ctx, o) {
		return nil
	}

	amount := o.MetaInt(order.MetaNonReturnFee)
	if amount <= 0 {
		c.note(ctx, orderID, "No non-return fee recorded for the order.")
		return nil
	}
	if o.IsGuest() {
		c.note(ctx, orderID, "Guest Orders cannot be charged with non return-fee")
		return nil
	}

	mode := payment.Mode(args[scheduler.ArgKeyMode])
	if mode == "" {
		mode = modeOf(o)
	}
	proc := c.payments.For(mode)
	if proc == nil {
		return actionError(KindConfig, orderID, TargetCharge, "No payment account configured for "+string(mode), nil)
	}

	customerID := o.GetMeta(order.MetaStripeCustomerID)
	methodID := o.GetMeta(order.MetaPaymentMethodID)
	if methodID == "" {
		c.note(ctx, orderID, "No default payment method present for the customer at WooCommerce end.")
		return nil
	}
	if err := proc.SyncDefaultPaymentMethod(ctx, customerID, methodID); err != nil {
		c.logger.Ctx(ctx).Warn("Payment method sync failed", zap.Int64("order_id", orderID), zap.Error(err))
		c.note(ctx, orderID, "Unable to sync the payment method with stripe.")
		return nil
	}

	charge, err := proc.Charge(ctx, payment.ChargeRequest{
		Amount:          amount,
		Currency:        o.Currency,
		CustomerID:      customerID,
		PaymentMethodID: methodID,
		Description:     fmt.Sprintf("non-return fee for order %d", orderID),
		IdempotencyKey:  fmt.Sprintf("non_return_fee:%d", orderID),
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("Non-return fee charge failed", zap.Int64("order_id", orderID), zap.Error(err))
		c.note(ctx, orderID, "Failed to fetch the non-return fee"+describePaymentError(err))
		return nil
	}
	if charge.Status != chargeSucceeded {
		c.note(ctx, orderID, "Failed to charge the Non return fee with payment intent "+charge.ID)
		return nil
	}

	c.note(ctx, orderID, "Non return fee was charged on the clients default payment method with payment intent "+charge.ID)
	if err := c.orders.SetMeta(ctx, orderID, order.MetaFeeChargeID, charge.ID); err != nil {
		return actionError(KindStorage, orderID, TargetCharge, "Unable to update the order", err)
	}
	if err := c.orders.AddFee(ctx, orderID, order.Fee{Name: "Non return fee", Amount: amount, ChargeID: charge.ID, AddedAt: c.now()}); err != nil {
		return actionError(KindStorage, orderID, TargetCharge, "Unable to add the fee line", err)
	}
	if err := c.orders.UpdateStatus(ctx, orderID, order.StatusCompleted, order.StatusOptions{}); err != nil {
		return actionError(KindStorage, orderID, TargetCharge, "Unable to update the order status", err)
	}
	c.sendTemplate(ctx, o, settings, options.TemplateReturnFeeCharged, mailer.OrderVars(o))

	c.logger.Ctx(ctx).Info("Non-return fee charged",
		zap.Int64("order_id", orderID),
		zap.String("charge_id", charge.ID),
		zap.Int64("amount", amount),
	)
	return nil
}

// ChargePartialFee charges the partial non-return fee, or converts the
// exchange into a no-exchange order and charges the conversion fee.
func (c *Coordinator) ChargePartialFee(ctx context.Context, orderID int64, sub Sub) (*ChargeResult, error) {
	o, settings, err := c.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var amount int64
	var label, description string
	switch sub {
	case SubCharge:
		if o.GetMeta(order.MetaPartialFeeCharged) == chargedFlag {
			return nil, actionError(KindPrecondition, orderID, "", "The partial non-return fee was already charged", nil)
		}
		amount = settings.PartialReturnFeeCents
		label = "Partial Non return fee"
		description = fmt.Sprintf("Partial non-return fee for order %d", orderID)
	case SubConvert:
		if o.Converted() {
			return nil, actionError(KindPrecondition, orderID, "", "The order was already converted", nil)
		}
		amount = settings.ConversionFeeCents
		label = "Conversion fee"
		description = fmt.Sprintf("Conversion fee for order %d", orderID)
	default:
		return nil, actionError(KindPrecondition, orderID, "", "Unknown fee type "+string(sub), nil)
	}
	if amount <= 0 {
		return nil, actionError(KindConfig, orderID, "", "Please set the fee value in settings", nil)
	}
	if o.IsGuest() {
		return nil, actionError(KindPrecondition, orderID, "", "Guest Orders cannot be charged with non return-fee", nil)
	}

	proc := c.payments.For(modeOf(o))
	if proc == nil {
		return nil, actionError(KindConfig, orderID, "", "No payment account configured", nil)
	}
	customerID := o.GetMeta(order.MetaStripeCustomerID)
	if customerID == "" {
		return nil, actionError(KindPayment, orderID, "", "Unable to obtain customer id from stripe", nil)
	}
	methodID := o.GetMeta(order.MetaPaymentMethodID)
	if methodID == "" {
		return nil, actionError(KindPayment, orderID, "", "No default payment method present for the customer at WooCommerce end.", nil)
	}
	if err := proc.SyncDefaultPaymentMethod(ctx, customerID, methodID); err != nil {
		return nil, actionError(KindPayment, orderID, "", "Unable to sync the payment method with stripe.", err)
	}

	res := &ChargeResult{Message: MsgCharged}
	if sub == SubConvert {
		if err := c.refundInboundLabel(ctx, o); err != nil {
			return nil, actionError(KindLabelRefund, orderID, "", "Unable to request the refund for the easypost label", err)
		}
		if err := c.removeScheduled(ctx, o, settings, false); err != nil {
			var ae *ActionError
			errors.As(err, &ae)
			switch {
			case ae != nil && ae.NonCritical(),
				ae != nil && ae.Target == TargetCharge && o.Status == order.StatusShipped:
				res.Warning = WarnMailNotCancelled
			default:
				return nil, err
			}
			c.logger.Ctx(ctx).Warn("Scheduled actions not cancelled", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	charge, err := proc.Charge(ctx, payment.ChargeRequest{
		Amount:          amount,
		Currency:        o.Currency,
		CustomerID:      customerID,
		PaymentMethodID: methodID,
		Description:     description,
		IdempotencyKey:  fmt.Sprintf("%s_fee:%d", sub, orderID),
	})
	if err != nil {
		c.note(ctx, orderID, "Failed to fetch the non-return fee"+describePaymentError(err))
		return nil, actionError(KindPayment, orderID, "", "Failed to fetch the non-return fee", err)
	}
	if charge.Status != chargeSucceeded {
		msg := fmt.Sprintf("Failed to charge the %s with payment intent %s", label, charge.ID)
		c.note(ctx, orderID, msg)
		return nil, actionError(KindPayment, orderID, "", msg, nil)
	}
	res.ChargeID = charge.ID

	c.note(ctx, orderID, label+" was charged on the clients default payment method with payment intent "+charge.ID)
	if err := c.orders.AddFee(ctx, orderID, order.Fee{Name: label, Amount: amount, ChargeID: charge.ID, AddedAt: c.now()}); err != nil {
		return nil, actionError(KindStorage, orderID, "", "Unable to add the fee line", err)
	}

	switch sub {
	case SubCharge:
		if err := c.setAll(ctx, orderID, map[string]string{
			order.MetaPartialFeeCharged:  chargedFlag,
			order.MetaPartialFeeChargeID: charge.ID,
		}); err != nil {
			return nil, err
		}
		c.sendTemplate(ctx, o, settings, options.TemplatePartialFeeCharged, mailer.OrderVars(o))
	case SubConvert:
		if err := c.setAll(ctx, orderID, map[string]string{
			order.MetaConverted:            order.FlagYes,
			order.MetaConversionFeeCharged: chargedFlag,
		}); err != nil {
			return nil, err
		}
		if tracking.Parse(o.TrackingState(shipper.LegOutbound)) == tracking.Delivered ||
			tracking.Parse(o.TrackingState(shipper.LegInbound)) == tracking.Delivered {
			if err := c.orders.UpdateStatus(ctx, orderID, order.StatusCompleted, order.StatusOptions{}); err != nil {
				return nil, actionError(KindStorage, orderID, "", "Unable to update the order status", err)
			}
		}
		c.sendTemplate(ctx, o, settings, options.TemplateOrderConverted, mailer.OrderVars(o))
	}

	c.logger.Ctx(ctx).Info("Fee charged",
		zap.Int64("order_id", orderID),
		zap.String("fee", string(sub)),
		zap.String("charge_id", charge.ID),
	)
	return res, nil
}

// refundInboundLabel voids the unused return label with its owning carrier.
// Carriers without a refund operation are skipped.
func (c *Coordinator) refundInboundLabel(ctx context.Context, o *order.Order) error {
	owner, ok := inbound.OwnerOf(o)
	if !ok {
		return nil
	}
	refunder, ok := c.carriers.Refunder(owner.Carrier)
	if !ok {
		c.logger.Ctx(ctx).Info("Return label carrier has no refund", zap.Int64("order_id", o.ID), zap.String("carrier", owner.Carrier))
		return nil
	}

	req := &shipper.RefundRequest{TrackingNumber: owner.Ref.Number}
	switch owner.Carrier {
	case shipper.CarrierEasyPost:
		req.ShipmentID = o.GetMeta(order.MetaEasyPostShipmentID)
	case shipper.CarrierShippo:
		req.CarrierToken = owner.Ref.Carrier
		req.TransactionID = o.GetMeta(order.MetaInboundTransactionID)
	}
	res, err := refunder.RefundLabel(ctx, req)
	if err != nil {
		return err
	}
	if res.Status != "" {
		if err := c.orders.SetMeta(ctx, o.ID, order.MetaRefundStatusInbound, res.Status); err != nil {
			return err
		}
	}
	c.logger.Ctx(ctx).Info("Return label refund requested",
		zap.Int64("order_id", o.ID),
		zap.String("carrier", owner.Carrier),
		zap.String("status", res.Status),
	)
	return nil
}

// ScheduleRefund records a refund to execute once the return is in transit.
// Orders whose return is already in transit are refunded immediately.
func (c *Coordinator) ScheduleRefund(ctx context.Context, orderID int64, r order.ScheduledRefund) (*order.ScheduledRefund, error) {
	o, _, err := c.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if r.Amount <= 0 {
		return nil, actionError(KindPrecondition, orderID, "", "Refund amount must be positive", nil)
	}
	if r.Amount > o.Remaining() {
		return nil, actionError(KindPrecondition, orderID, "", "Refund amount exceeds the remaining order total", nil)
	}
	if r.RefundID == "" {
		r.RefundID = uuid.NewString()
	}
	r.Processed = false
	r.PaymentID = ""
	r.CreatedAt = c.now()

	if err := c.orders.AppendScheduledRefund(ctx, orderID, r); err != nil {
		return nil, actionError(KindStorage, orderID, "", "Unable to schedule the refund", err)
	}
	c.note(ctx, orderID, fmt.Sprintf("Refund of %s scheduled.", formatAmount(r.Amount, o.Currency)))

	if o.Status == order.StatusReturnedInTransit || o.Status == order.StatusCompleted {
		if o, err = c.orders.Get(ctx, orderID); err != nil {
			return nil, actionError(KindStorage, orderID, "", "Unable to load the order", err)
		}
		if err := c.ProcessScheduledRefunds(ctx, o); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// ProcessScheduledRefunds executes the pending refunds of o in order. A
// failing refund is logged and left pending; the rest still run.
func (c *Coordinator) ProcessScheduledRefunds(ctx context.Context, o *order.Order) error {
	if o == nil || o.ID == 0 {
		return ErrInvalidOrder
	}
	pending := o.PendingRefunds()
	if len(pending) == 0 {
		return ErrNoRaisedRefunds
	}
	settings, err := options.LoadSettings(ctx, c.opts)
	if err != nil {
		return actionError(KindConfig, o.ID, "", "Unable to read the fee settings", err)
	}

	proc := c.payments.For(modeOf(o))
	remaining := o.Remaining()
	processed := 0
	for _, r := range pending {
		log := c.refundLog.Ctx(ctx)
		fields := []zap.Field{zap.Int64("order_id", o.ID), zap.String("refund_id", r.RefundID), zap.Int64("amount", r.Amount)}

		var paymentRefundID string
		if r.RefundPayment {
			if proc == nil {
				log.Error("No payment account configured", fields...)
				continue
			}
			res, err := proc.Refund(ctx, payment.RefundRequest{
				PaymentIntentID: o.PaymentIntentID,
				Amount:          r.Amount,
				Reason:          r.Reason,
			})
			if err != nil {
				log.Error("Scheduled refund failed", append(fields, zap.Error(err))...)
				c.note(ctx, o.ID, fmt.Sprintf("The scheduled refund of %s failed: %v", formatAmount(r.Amount, o.Currency), err))
				continue
			}
			paymentRefundID = res.ID
		}
		if r.RestockItems {
			if err := c.orders.RestockRefundedItems(ctx, o.ID, r.RefundID); err != nil {
				log.Error("Restock failed", append(fields, zap.Error(err))...)
			}
		}
		if err := c.orders.MarkRefundProcessed(ctx, o.ID, r.RefundID, paymentRefundID); err != nil {
			log.Error("Unable to mark refund processed", append(fields, zap.Error(err))...)
			continue
		}
		processed++
		remaining -= r.Amount
		log.Info("Scheduled refund processed", append(fields, zap.String("payment_refund_id", paymentRefundID))...)
	}
	if processed == 0 {
		return nil
	}

	if remaining <= 0 {
		if err := c.orders.UpdateStatus(ctx, o.ID, order.StatusRefunded, order.StatusOptions{}); err != nil {
			c.refundLog.Ctx(ctx).Error("Unable to mark order refunded", zap.Int64("order_id", o.ID), zap.Error(err))
		}
	}
	if err := c.removeScheduled(ctx, o, settings, false); err != nil {
		var ae *ActionError
		msg := err.Error()
		if errors.As(err, &ae) {
			msg = ae.Message
		}
		c.note(ctx, o.ID, "The scheduled refund was successfully processed but "+msg)
	}
	return nil
}

// ReverseFeeOnRefund refunds the non-return fee charge when the request asks
// for it and the order was charged.
func (c *Coordinator) ReverseFeeOnRefund(ctx context.Context, orderID int64) error {
	if !reqctx.From(ctx).ReverseFee {
		return nil
	}
	o, _, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}
	chargeID := o.GetMeta(order.MetaFeeChargeID)
	if chargeID == "" || o.HasMeta(order.MetaFeeRefundID) {
		return nil
	}
	proc := c.payments.For(modeOf(o))
	if proc == nil {
		return actionError(KindConfig, orderID, "", "No payment account configured", nil)
	}

	res, err := proc.Refund(ctx, payment.RefundRequest{PaymentIntentID: chargeID, Reason: "requested_by_customer"})
	if err != nil {
		return actionError(KindPayment, orderID, "", "Unable to refund the non-return fee", err)
	}
	if err := c.orders.SetMeta(ctx, orderID, order.MetaFeeRefundID, res.ID); err != nil {
		return actionError(KindStorage, orderID, "", "Unable to update the order", err)
	}
	c.note(ctx, orderID, "Non return fee was refunded with refund "+res.ID)
	return nil
}

func (c *Coordinator) load(ctx context.Context, orderID int64) (*order.Order, *options.Settings, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, nil, actionError(KindNotFound, orderID, "", "Order not found", err)
		}
		return nil, nil, actionError(KindStorage, orderID, "", "Unable to load the order", err)
	}
	settings, err := options.LoadSettings(ctx, c.opts)
	if err != nil {
		return nil, nil, actionError(KindConfig, orderID, "", "Unable to read the fee settings", err)
	}
	return o, settings, nil
}

func (c *Coordinator) setAll(ctx context.Context, orderID int64, meta map[string]string) error {
	for k, v := range meta {
		if err := c.orders.SetMeta(ctx, orderID, k, v); err != nil {
			return actionError(KindStorage, orderID, "", "Unable to update the order", err)
		}
	}
	return nil
}

func (c *Coordinator) note(ctx context.Context, orderID int64, text string) {
	if err := c.orders.AddNote(ctx, orderID, order.Note{Text: text, CreatedAt: c.now()}); err != nil {
		c.logger.Ctx(ctx).Warn("Unable to add order note", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

// sendTemplate mails a customer template. Unconfigured templates and
// delivery failures are logged.
func (c *Coordinator) sendTemplate(ctx context.Context, o *order.Order, settings *options.Settings, name string, vars mailer.Vars) {
	tpl := settings.Template(name)
	if tpl.Subject == "" && tpl.Body == "" {
		c.logger.Ctx(ctx).Warn("Mail template not configured", zap.Int64("order_id", o.ID), zap.String("template", name))
		return
	}
	err := c.mail.Send(ctx, mailer.Message{
		To:      []string{o.Billing.Email},
		Subject: mailer.Render(tpl.Subject, vars),
		HTML:    mailer.Render(tpl.Body, vars),
	})
	if err != nil {
		c.logger.Ctx(ctx).Warn("Unable to send mail", zap.Int64("order_id", o.ID), zap.String("template", name), zap.Error(err))
	}
}

func describePaymentError(err error) string {
	var se *payment.StripeError
	if errors.As(err, &se) {
		return fmt.Sprintf(" %s %s", se.Code, se.Message)
	}
	return " " + err.Error()
}

func formatAmount(cents int64, currency string) string {
	s := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if currency != "" {
		s += " " + currency
	}
	return s
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
