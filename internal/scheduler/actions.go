package scheduler

import (
	"fmt"
	"strconv"
)

// Action names.
const (
	ActionCheckTrackingUpdates = "check_tracking_updates"
	ActionDeliveryFailed       = "delivery_failed_notification"
	ActionRemoveLabel          = "delete_shipping_labels"
	ActionConfirmInbound       = "confirm_inbound_status"
	ActionReminderMail         = "send_reminder_mail"
	ActionChargeFee            = "charge_non_return_fee"
	ActionAsyncTrackingUpdate  = "async_tracking_update"
)

// Argument keys.
const (
	ArgOrderID        = "order_id"
	ArgFile           = "file"
	ArgKeyMode        = "key_mode"
	ArgTrackingNumber = "tracking_number"
	ArgStatus         = "status"
	ArgCarrier        = "carrier"
	ArgReason         = "reason"
)

// OrderArgs returns args naming a single order.
func OrderArgs(orderID int64) Args {
	return Args{ArgOrderID: strconv.FormatInt(orderID, 10)}
}

// With returns a copy of a with key set to value.
func (a Args) With(key, value string) Args {
	out := make(Args, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	out[key] = value
	return out
}

// OrderID parses the order id argument.
func (a Args) OrderID() (int64, error) {
	raw, ok := a[ArgOrderID]
	if !ok {
		return 0, fmt.Errorf("missing %s argument", ArgOrderID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s argument %q: %w", ArgOrderID, raw, err)
	}
	return id, nil
}
