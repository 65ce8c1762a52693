package order

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no order has the requested id.
var ErrNotFound = errors.New("order not found")

// ErrRefundNotFound is returned when a scheduled refund id is unknown.
var ErrRefundNotFound = errors.New("scheduled refund not found")

// StatusOptions controls a status update.
type StatusOptions struct {
	// SuppressEmail skips the customer notification for the transition.
	SuppressEmail bool
}

// LabelQuery selects orders awaiting labels.
type LabelQuery struct {
	CreatedBefore time.Time
	Exclude       []int64
	Limit         int
}

// Store persists orders.
type Store interface {
	Get(ctx context.Context, id int64) (*Order, error)
	Save(ctx context.Context, o *Order) error
	UpdateStatus(ctx context.Context, id int64, status Status, opts StatusOptions) error

	SetMeta(ctx context.Context, id int64, key, value string) error
	// AddMetaIfAbsent sets key only when it is not present and reports whether it did.
	AddMetaIfAbsent(ctx context.Context, id int64, key, value string) (bool, error)
	DeleteMeta(ctx context.Context, id int64, keys ...string) error
	// FindByMeta returns orders where any of keys equals value.
	FindByMeta(ctx context.Context, value string, keys ...string) ([]*Order, error)
	// FindForLabels returns processing orders, oldest first.
	FindForLabels(ctx context.Context, q LabelQuery) ([]*Order, error)

	AddNote(ctx context.Context, id int64, note Note) error
	AddFee(ctx context.Context, id int64, fee Fee) error

	AppendScheduledRefund(ctx context.Context, id int64, r ScheduledRefund) error
	// MarkRefundProcessed flags a scheduled refund as done and adds its amount to the refunded total.
	MarkRefundProcessed(ctx context.Context, id int64, refundID, paymentRefundID string) error
	RestockRefundedItems(ctx context.Context, id int64, refundID string) error
}
