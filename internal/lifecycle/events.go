package lifecycle

import (
	"encoding/json"
	"fmt"
)

// Webhook event names acted upon.
const (
	EventTrackUpdated     = "track_updated"
	EventTrackerUpdated   = "tracker.updated"
	EventRefundSuccessful = "refund.successful"
)

// AggregatorEvent is the aggregator tracking webhook body.
type AggregatorEvent struct {
	Event string `json:"event"`
	Data  struct {
		TrackingNumber string `json:"tracking_number"`
		TrackingStatus struct {
			Status string `json:"status"`
		} `json:"tracking_status"`
	} `json:"data"`
}

// MultiCarrierEvent is the multi-carrier webhook body.
type MultiCarrierEvent struct {
	Description string `json:"description"`
	Result      struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		TrackingCode string `json:"tracking_code"`
		ShipmentID   string `json:"shipment_id"`
	} `json:"result"`
}

// PostalEvent is the postal webhook body. Payload holds JSON-encoded tracking info.
type PostalEvent struct {
	Payload string `json:"payload"`
}

// PostalTrackInfo is the decoded postal payload.
type PostalTrackInfo struct {
	TrackInfo struct {
		ID           string `json:"ID"`
		TrackSummary struct {
			EventCode string `json:"EventCode"`
		} `json:"TrackSummary"`
	} `json:"TrackInfo"`
}

// Decode parses the payload.
func (e PostalEvent) Decode() (*PostalTrackInfo, error) {
	var info PostalTrackInfo
	if err := json.Unmarshal([]byte(e.Payload), &info); err != nil {
		return nil, fmt.Errorf("decoding postal payload: %w", err)
	}
	return &info, nil
}
