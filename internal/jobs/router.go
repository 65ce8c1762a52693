// Package jobs runs scheduled actions, either in-process or handed off
// through Kafka to a consumer fleet.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/tournevent/labelflow/internal/scheduler"
)

// ErrUnknownAction is returned for an action no handler is registered for.
var ErrUnknownAction = errors.New("unknown action")

// Handler runs one scheduled action.
type Handler func(ctx context.Context, args scheduler.Args) error

// Executor runs or forwards a claimed action.
type Executor interface {
	Execute(ctx context.Context, action scheduler.Action) error
}

// TrackingHandlers are the tracking actions of the order lifecycle.
type TrackingHandlers interface {
	ProcessAggregatorUpdate(ctx context.Context, args scheduler.Args) error
	ConfirmInboundStatus(ctx context.Context, orderID int64) error
	CheckTrackingUpdates(ctx context.Context, orderID int64) error
	DeliveryFailedNotification(ctx context.Context, orderID int64) error
}

// FeeHandlers are the reminder and charge actions.
type FeeHandlers interface {
	SendReminder(ctx context.Context, orderID int64) error
	ChargeNonReturnFee(ctx context.Context, args scheduler.Args) error
}

// LabelHandlers are the label retention actions.
type LabelHandlers interface {
	RemoveLabel(ctx context.Context, orderID int64, file string) error
}

// Router maps action names to handlers.
type Router struct {
	handlers map[string]Handler
}

// NewRouter registers the handler of every known action.
func NewRouter(tracking TrackingHandlers, fees FeeHandlers, labels LabelHandlers) *Router {
	r := &Router{handlers: make(map[string]Handler)}
	r.Handle(scheduler.ActionAsyncTrackingUpdate, tracking.ProcessAggregatorUpdate)
	r.Handle(scheduler.ActionConfirmInbound, byOrder(tracking.ConfirmInboundStatus))
	r.Handle(scheduler.ActionCheckTrackingUpdates, byOrder(tracking.CheckTrackingUpdates))
	r.Handle(scheduler.ActionDeliveryFailed, byOrder(tracking.DeliveryFailedNotification))
	r.Handle(scheduler.ActionReminderMail, byOrder(fees.SendReminder))
	r.Handle(scheduler.ActionChargeFee, fees.ChargeNonReturnFee)
	r.Handle(scheduler.ActionRemoveLabel, func(ctx context.Context, args scheduler.Args) error {
		id, err := args.OrderID()
		if err != nil {
			return err
		}
		file := args[scheduler.ArgFile]
		if file == "" {
			return fmt.Errorf("missing %s argument", scheduler.ArgFile)
		}
		return labels.RemoveLabel(ctx, id, file)
	})
	return r
}

// Handle registers h for name, replacing any previous handler.
func (r *Router) Handle(name string, h Handler) {
	r.handlers[name] = h
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, action scheduler.Action) error {
	h, ok := r.handlers[action.Name]
	if !ok {
		return fmt.Errorf("%s: %w", action.Name, ErrUnknownAction)
	}
	return h(ctx, action.Args)
}

func byOrder(fn func(context.Context, int64) error) Handler {
	return func(ctx context.Context, args scheduler.Args) error {
		id, err := args.OrderID()
		if err != nil {
			return err
		}
		return fn(ctx, id)
	}
}
