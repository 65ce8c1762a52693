package shippo

import (
	"context"
)

// APIClient defines the Shippo API operations used for label purchase,
// tracking and refunds. The mock and HTTP implementations both satisfy it.
type APIClient interface {
	// CreateShipment creates a shipment resource. POST /shipments
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*Shipment, error)

	// ListRates returns the first page of rates for a shipment. GET /shipments/{id}/rates
	ListRates(ctx context.Context, shipmentID string) (*RateList, error)

	// NextRates follows the absolute "next" URL of a rate listing.
	NextRates(ctx context.Context, nextURL string) (*RateList, error)

	// CreateTransaction buys a label for a rate. POST /transactions
	CreateTransaction(ctx context.Context, req *TransactionRequest) (*Transaction, error)

	// GetTrack returns the tracking status of a shipment. GET /tracks/{carrier}/{number}
	GetTrack(ctx context.Context, carrier, trackingNumber string) (*Track, error)

	// RegisterTrack registers a tracking number and resolves its transaction. POST /tracks/
	RegisterTrack(ctx context.Context, req *TrackRequest) (*Track, error)

	// CreateRefund requests a refund for an unused label. POST /refunds/
	CreateRefund(ctx context.Context, req *RefundRequest) (*Refund, error)
}

// ShipmentRequest is the body of POST /shipments.
type ShipmentRequest struct {
	ShipmentDate string  `json:"shipment_date"`
	Extra        *Extra  `json:"extra,omitempty"`
	AddressFrom  Address `json:"address_from"`
	AddressTo    Address `json:"address_to"`
	Parcels      Parcel  `json:"parcels"`
	Async        bool    `json:"async"`
}

// Extra carries label references and the return flag.
type Extra struct {
	IsReturn   bool   `json:"is_return,omitempty"`
	Reference1 string `json:"reference_1,omitempty"`
	Reference2 string `json:"reference_2,omitempty"`
}

// Address is a Shippo address object.
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

// Parcel is a Shippo parcel object. Units are inches and ounces.
type Parcel struct {
	DistanceUnit string  `json:"distance_unit"`
	MassUnit     string  `json:"mass_unit"`
	Height       float64 `json:"height"`
	Width        float64 `json:"width"`
	Length       float64 `json:"length"`
	Weight       float64 `json:"weight"`
}

// Shipment is the response of POST /shipments.
type Shipment struct {
	ObjectID string `json:"object_id"`
	Status   string `json:"status"`
}

// RateList is one page of rates.
type RateList struct {
	Next    *string `json:"next"`
	Results []Rate  `json:"results"`
}

// Rate is a purchasable rate.
type Rate struct {
	ObjectID       string       `json:"object_id"`
	CarrierAccount string       `json:"carrier_account"`
	Provider       string       `json:"provider"`
	Amount         string       `json:"amount"`
	ServiceLevel   ServiceLevel `json:"servicelevel"`
}

// ServiceLevel identifies the carrier service of a rate.
type ServiceLevel struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// TransactionRequest is the body of POST /transactions.
type TransactionRequest struct {
	Rate  string `json:"rate"`
	Async bool   `json:"async"`
}

// Transaction is a purchased label.
type Transaction struct {
	ObjectID            string    `json:"object_id"`
	Status              string    `json:"status"`
	TrackingNumber      string    `json:"tracking_number"`
	TrackingStatus      string    `json:"tracking_status"`
	TrackingURLProvider string    `json:"tracking_url_provider"`
	LabelURL            string    `json:"label_url"`
	Messages            []Message `json:"messages,omitempty"`
}

// Message is a diagnostic attached to a transaction.
type Message struct {
	Source string `json:"source"`
	Code   string `json:"code"`
	Text   string `json:"text"`
}

// TrackRequest is the body of POST /tracks/.
type TrackRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// Track is a tracking record.
type Track struct {
	Carrier        string          `json:"carrier"`
	TrackingNumber string          `json:"tracking_number"`
	Transaction    string          `json:"transaction"`
	TrackingStatus *TrackingStatus `json:"tracking_status"`
}

// TrackingStatus is the latest tracking event.
type TrackingStatus struct {
	Status        string `json:"status"`
	StatusDetails string `json:"status_details"`
}

// RefundRequest is the body of POST /refunds/.
type RefundRequest struct {
	Transaction string `json:"transaction"`
	Async       bool   `json:"async"`
}

// Refund is the response of POST /refunds/.
type Refund struct {
	ObjectID    string `json:"object_id"`
	Status      string `json:"status"`
	Transaction string `json:"transaction"`
}

// APIError represents an error from the Shippo API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"detail"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
