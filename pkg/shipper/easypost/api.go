package easypost

import (
	"context"
)

// APIClient defines the EasyPost API operations used for return labels,
// tracker polling and label refunds.
type APIClient interface {
	// CreateShipment creates a shipment and returns it with its rates. POST /shipments
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*Shipment, error)

	// BuyShipment purchases a rate for a shipment. POST /shipments/{id}/buy
	BuyShipment(ctx context.Context, shipmentID, rateID string) (*Shipment, error)

	// GetTracker returns a tracker by id. GET /trackers/{id}
	GetTracker(ctx context.Context, trackerID string) (*Tracker, error)

	// RefundShipment requests a refund for an unused label. POST /shipments/{id}/refund
	RefundShipment(ctx context.Context, shipmentID string) (*Shipment, error)
}

// ShipmentRequest is the body of POST /shipments.
type ShipmentRequest struct {
	Shipment ShipmentInput `json:"shipment"`
}

// ShipmentInput describes the shipment to rate.
type ShipmentInput struct {
	FromAddress Address `json:"from_address"`
	ToAddress   Address `json:"to_address"`
	Parcel      Parcel  `json:"parcel"`
	IsReturn    bool    `json:"is_return"`
	Options     Options `json:"options"`
}

// Address is an EasyPost address object.
type Address struct {
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Parcel dimensions are inches, weight ounces.
type Parcel struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Weight float64 `json:"weight"`
}

// Options controls the label format and printed references.
type Options struct {
	LabelSize    string `json:"label_size,omitempty"`
	LabelFormat  string `json:"label_format,omitempty"`
	PrintCustom1 string `json:"print_custom_1,omitempty"`
	PrintCustom2 string `json:"print_custom_2,omitempty"`
}

// Shipment is an EasyPost shipment.
type Shipment struct {
	ID           string        `json:"id"`
	Rates        []Rate        `json:"rates"`
	SelectedRate *Rate         `json:"selected_rate,omitempty"`
	Tracker      *Tracker      `json:"tracker,omitempty"`
	TrackingCode string        `json:"tracking_code,omitempty"`
	PostageLabel *PostageLabel `json:"postage_label,omitempty"`
	RefundStatus string        `json:"refund_status,omitempty"`
}

// Rate is a purchasable rate.
type Rate struct {
	ID               string `json:"id"`
	Carrier          string `json:"carrier"`
	CarrierAccountID string `json:"carrier_account_id"`
	Service          string `json:"service"`
	Rate             string `json:"rate"`
}

// Tracker tracks a purchased shipment.
type Tracker struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	TrackingCode string `json:"tracking_code"`
	PublicURL    string `json:"public_url,omitempty"`
	Carrier      string `json:"carrier,omitempty"`
}

// PostageLabel holds the purchased label.
type PostageLabel struct {
	LabelURL string `json:"label_url"`
}

// APIError represents an error from the EasyPost API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
