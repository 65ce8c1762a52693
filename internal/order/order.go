// Package order holds the order model shared by the label, lifecycle and fee
// workflows, and the stores that persist it.
package order

import (
	"strconv"
	"strings"
	"time"

	"github.com/tournevent/labelflow/pkg/shipper"
)

// Status is an order status.
type Status string

const (
	StatusProcessing        Status = "processing"
	StatusShipped           Status = "shipped"
	StatusAwaitingReturns   Status = "awaiting-returns"
	StatusReturnedInTransit Status = "returned-in-trans"
	StatusCompleted         Status = "completed"
	StatusRefunded          Status = "refunded"
	StatusCancelled         Status = "cancelled"
)

// Item is an order line.
type Item struct {
	ProductID     int64  `bson:"product_id" json:"product_id"`
	SKU           string `bson:"sku" json:"sku"`
	Name          string `bson:"name" json:"name"`
	Quantity      int    `bson:"quantity" json:"quantity"`
	ShippingClass string `bson:"shipping_class" json:"shipping_class"`
	Total         int64  `bson:"total" json:"total"`
	Restocked     int    `bson:"restocked" json:"restocked"`
}

// Note is an order note.
type Note struct {
	Text            string    `bson:"text" json:"text"`
	CustomerVisible bool      `bson:"customer_visible" json:"customer_visible"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
}

// Fee is a fee line added after checkout.
type Fee struct {
	Name     string    `bson:"name" json:"name"`
	Amount   int64     `bson:"amount" json:"amount"`
	ChargeID string    `bson:"charge_id" json:"charge_id"`
	AddedAt  time.Time `bson:"added_at" json:"added_at"`
}

// RefundItem is a quantity of one product returned by a refund.
type RefundItem struct {
	ProductID int64 `bson:"product_id" json:"product_id"`
	Quantity  int   `bson:"quantity" json:"quantity"`
}

// ScheduledRefund is a refund raised against the order and executed once the
// return is in transit.
type ScheduledRefund struct {
	RefundID string       `bson:"refund_id" json:"refund_id"`
	Amount   int64        `bson:"amount" json:"amount"`
	Reason   string       `bson:"reason" json:"reason"`
	Items    []RefundItem `bson:"items" json:"items"`
	// RefundPayment returns the money through the payment processor.
	RefundPayment bool      `bson:"refund_payment" json:"refund_payment"`
	RestockItems  bool      `bson:"restock_items" json:"restock_items"`
	Processed     bool      `bson:"processed" json:"processed"`
	PaymentID     string    `bson:"payment_refund_id,omitempty" json:"payment_refund_id,omitempty"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

// StatusChange is an entry in the order's status history.
type StatusChange struct {
	From          Status    `bson:"from" json:"from"`
	To            Status    `bson:"to" json:"to"`
	SuppressEmail bool      `bson:"suppress_email" json:"suppress_email"`
	At            time.Time `bson:"at" json:"at"`
}

// Order is a shop order as seen by the label and fee workflows.
type Order struct {
	ID       int64  `bson:"_id" json:"id"`
	Number   string `bson:"number" json:"number"`
	Status   Status `bson:"status" json:"status"`
	Currency string `bson:"currency" json:"currency"`

	// CustomerID is zero for guest orders.
	CustomerID      int64  `bson:"customer_id" json:"customer_id"`
	PaymentIntentID string `bson:"payment_intent_id" json:"payment_intent_id"`

	Billing  shipper.Address `bson:"billing" json:"billing"`
	Shipping shipper.Address `bson:"shipping" json:"shipping"`
	Items    []Item          `bson:"items" json:"items"`

	Total         int64 `bson:"total" json:"total"`
	RefundedTotal int64 `bson:"refunded_total" json:"refunded_total"`

	Meta             map[string]string `bson:"meta" json:"meta"`
	Notes            []Note            `bson:"notes" json:"notes"`
	Fees             []Fee             `bson:"fees" json:"fees"`
	ScheduledRefunds []ScheduledRefund `bson:"scheduled_refunds" json:"scheduled_refunds"`
	History          []StatusChange    `bson:"history" json:"history"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// GetMeta returns the meta value for key, or "".
func (o *Order) GetMeta(key string) string {
	if o.Meta == nil {
		return ""
	}
	return o.Meta[key]
}

// HasMeta reports whether key is set to a non-empty value.
func (o *Order) HasMeta(key string) bool {
	return o.GetMeta(key) != ""
}

// MetaInt returns the integer meta value for key, or 0.
func (o *Order) MetaInt(key string) int64 {
	n, _ := strconv.ParseInt(o.GetMeta(key), 10, 64)
	return n
}

// MetaTime returns the unix timestamp meta value for key.
func (o *Order) MetaTime(key string) (time.Time, bool) {
	n := o.MetaInt(key)
	if n <= 0 {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

func (o *Order) setMeta(key, value string) {
	if o.Meta == nil {
		o.Meta = make(map[string]string)
	}
	o.Meta[key] = value
}

// Flag reads a tri-state generation flag.
func (o *Order) Flag(key string) FlagState {
	switch o.GetMeta(key) {
	case FlagYes:
		return FlagSet
	case FlagNo:
		return FlagCleared
	default:
		return FlagUnset
	}
}

// Converted reports whether the exchange was converted to a no-exchange order.
func (o *Order) Converted() bool {
	return o.GetMeta(MetaConverted) == FlagYes
}

// IsExchange reports whether the order ships a replacement that expects a return.
func (o *Order) IsExchange() bool {
	return o.GetMeta(MetaExchange) == FlagYes
}

// IsGuest reports whether the order has no customer account.
func (o *Order) IsGuest() bool {
	return o.CustomerID == 0
}

// ReturnPartner is the carrier the customer's return should go through.
func (o *Order) ReturnPartner() string {
	return strings.ToLower(o.GetMeta(MetaReturnPartner))
}

// ReturnableItemCount counts the items that must come back. Items whose
// shipping class is in eligible count; an empty list counts every item.
// Converted orders expect nothing back.
func (o *Order) ReturnableItemCount(eligible []string) int {
	if o.Converted() {
		return 0
	}
	if qty := o.MetaInt(MetaReturnableQty); qty > 0 {
		return int(qty)
	}
	n := 0
	for _, it := range o.Items {
		if len(eligible) == 0 || containsFold(eligible, it.ShippingClass) {
			n += it.Quantity
		}
	}
	return n
}

// Remaining is the amount still captured on the order after refunds.
func (o *Order) Remaining() int64 {
	return o.Total - o.RefundedTotal
}

// PendingRefunds returns the scheduled refunds not yet processed, in order.
func (o *Order) PendingRefunds() []ScheduledRefund {
	var out []ScheduledRefund
	for _, r := range o.ScheduledRefunds {
		if !r.Processed {
			out = append(out, r)
		}
	}
	return out
}

// TrackingState returns the stored tracking state of a leg.
func (o *Order) TrackingState(leg shipper.Leg) string {
	return o.GetMeta(TrackingStatusKey(leg))
}

// LabelGenerated reports whether the label for leg was generated.
func (o *Order) LabelGenerated(leg shipper.Leg) bool {
	return o.Flag(LabelFlagKey(leg)) == FlagSet
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.Notes = append([]Note(nil), o.Notes...)
	c.Fees = append([]Fee(nil), o.Fees...)
	c.History = append([]StatusChange(nil), o.History...)
	c.ScheduledRefunds = make([]ScheduledRefund, len(o.ScheduledRefunds))
	for i, r := range o.ScheduledRefunds {
		r.Items = append([]RefundItem(nil), r.Items...)
		c.ScheduledRefunds[i] = r
	}
	c.Meta = make(map[string]string, len(o.Meta))
	for k, v := range o.Meta {
		c.Meta[k] = v
	}
	return &c
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
