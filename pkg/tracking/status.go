// Package tracking normalizes carrier tracking vocabularies into one canonical state set.
package tracking

import "strings"

// State is a canonical, carrier-agnostic tracking state.
type State string

const (
	PreTransit State = "PRE_TRANSIT"
	Transit    State = "TRANSIT"
	Delivered  State = "DELIVERED"
	Failure    State = "FAILURE"
	Unknown    State = "UNKNOWN"
)

// Parse converts a stored or aggregator-reported status into a State.
// Aggregator statuses are already canonical apart from RETURNED, which is a failure.
func Parse(s string) State {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case PreTransit:
		return PreTransit
	case Transit:
		return Transit
	case Delivered:
		return Delivered
	case Failure, "RETURNED":
		return Failure
	default:
		return Unknown
	}
}

// FromAggregator maps an aggregator status.
func FromAggregator(status string) State {
	return Parse(status)
}

// FromMultiCarrier maps a multi-carrier tracker status such as "in_transit".
func FromMultiCarrier(status string) State {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pre_transit":
		return PreTransit
	case "in_transit", "out_for_delivery", "available_for_pickup":
		return Transit
	case "delivered":
		return Delivered
	case "failure", "return_to_sender", "cancelled", "error":
		return Failure
	default:
		return Unknown
	}
}

// FromFedEx maps FedEx's latest status description.
func FromFedEx(status string) State {
	switch status {
	case "Initiated":
		return PreTransit
	case "In transit", "Picked up":
		return Transit
	case "Delivered":
		return Delivered
	case "Delivery exception", "Clearance Delay", "Ready for pickup", "Cancelled":
		return Failure
	default:
		return Unknown
	}
}

// FromPostal maps a postal event code to a State.
func FromPostal(eventCode string) State {
	return FromMultiCarrier(PostalEventStatus(eventCode))
}

// Normalize maps a raw status reported by the named carrier.
func Normalize(carrier, raw string) State {
	switch strings.ToLower(carrier) {
	case "fedex":
		return FromFedEx(raw)
	case "easypost":
		return FromMultiCarrier(raw)
	case "usps":
		return FromPostal(raw)
	default:
		return FromAggregator(raw)
	}
}

// AwaitingReturn reports whether an inbound status shows the customer has not
// yet handed the return to the carrier. Statuses are compared case-insensitively
// since stored values mix canonical and multi-carrier vocabularies.
func AwaitingReturn(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "unknown", "pre_transit":
		return true
	default:
		return false
	}
}
