package shipper

// Leg identifies which direction a label covers.
type Leg string

const (
	LegOutbound Leg = "outbound"
	LegInbound  Leg = "inbound"
)

// Carrier names used as registry keys and persisted partner identifiers.
const (
	CarrierShippo   = "shippo"
	CarrierEasyPost = "easypost"
	CarrierUSPS     = "usps"
	CarrierFedEx    = "fedex"
)

// Address represents a shipping address.
type Address struct {
	Name       string `json:"name"`
	Company    string `json:"company,omitempty"`
	Street1    string `json:"street1"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"zip"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	FirstName  string `json:"-"`
	LastName   string `json:"-"`
}

// Parcel describes the box a label is bought for.
// Dimensions are in inches, weight in ounces.
type Parcel struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Weight float64 `json:"weight"`
}

// ShipmentRequest contains everything an adapter needs to buy one label.
type ShipmentRequest struct {
	OrderID       int64
	OrderNumber   string
	ProductNumber string
	Leg           Leg
	From          Address
	To            Address
	Parcel        Parcel
	// ReturnPartner is the order-level return carrier override ("fedex", "usps", "shippo" or empty).
	ReturnPartner string
}

// LabelArtifact is the result of a successful label purchase.
// Exactly one of LabelURL and LabelData is set.
type LabelArtifact struct {
	Leg            Leg
	Carrier        string
	TrackingNumber string
	TrackingURL    string
	TrackingStatus string
	TransactionID  string
	ShipmentID     string
	TrackerID      string
	CarrierToken   string
	RoutingNumber  string
	LabelURL       string
	LabelData      []byte
}

// TrackingRef identifies a shipment for a tracking poll.
type TrackingRef struct {
	Number string
	// ID is the carrier-side tracker id when the carrier tracks by id.
	ID string
	// Carrier is the underlying carrier token (e.g. "usps", "FedEx").
	Carrier string
}

// RawStatus is a carrier-specific tracking status before normalization.
type RawStatus struct {
	Carrier string
	Status  string
}

// RefundRequest identifies a purchased label to void.
type RefundRequest struct {
	TrackingNumber string
	CarrierToken   string
	TransactionID  string
	ShipmentID     string
}

// RefundResult reports the carrier's answer to a refund request.
type RefundResult struct {
	RefundID      string
	TransactionID string
	Status        string
}
