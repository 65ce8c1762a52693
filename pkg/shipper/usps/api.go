package usps

import (
	"context"
)

// APIClient defines the USPS API operations used for labels and tracking.
type APIClient interface {
	// Token requests an OAuth client-credentials token. POST /oauth2/v3/token
	Token(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error)

	// PaymentAuthorization requests a payment authorization token. POST /payments/v3/payment-authorization
	PaymentAuthorization(ctx context.Context, accessToken string, req *PaymentAuthorizationRequest) (*PaymentAuthorizationResponse, error)

	// ReturnLabel buys a return label and returns the raw multipart body. POST /labels/v3/return-label
	ReturnLabel(ctx context.Context, accessToken, paymentToken string, req *LabelRequest) ([]byte, error)

	// Label buys an outbound label and returns the raw multipart body. POST /labels/v3/label
	Label(ctx context.Context, accessToken, paymentToken string, req *LabelRequest) ([]byte, error)

	// Tracking returns the tracking events for a tracking number. GET /tracking/v3/tracking/{number}
	Tracking(ctx context.Context, accessToken, trackingNumber string) (*TrackingResponse, error)
}

// TokenResponse is the OAuth token payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// PaymentAuthorizationRequest lists the payer and label owner roles.
type PaymentAuthorizationRequest struct {
	Roles []Role `json:"roles"`
}

// Role is a payment authorization role.
type Role struct {
	RoleName      string `json:"roleName"`
	CRID          string `json:"CRID"`
	MID           string `json:"MID"`
	ManifestMID   string `json:"manifestMID"`
	AccountType   string `json:"accountType,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
}

// PaymentAuthorizationResponse carries the payment token.
type PaymentAuthorizationResponse struct {
	PaymentAuthorizationToken string `json:"paymentAuthorizationToken"`
}

// LabelRequest is the body of the label endpoints.
type LabelRequest struct {
	ImageInfo          ImageInfo          `json:"imageInfo"`
	ToAddress          LabelAddress       `json:"toAddress"`
	FromAddress        LabelAddress       `json:"fromAddress"`
	PackageDescription PackageDescription `json:"packageDescription"`
}

// ImageInfo selects the label image format.
type ImageInfo struct {
	ImageType string `json:"imageType"`
	LabelType string `json:"labelType"`
}

// LabelAddress is a USPS address.
type LabelAddress struct {
	StreetAddress    string `json:"streetAddress"`
	SecondaryAddress string `json:"secondaryAddress,omitempty"`
	City             string `json:"city"`
	State            string `json:"state"`
	ZIPCode          string `json:"ZIPCode"`
	FirstName        string `json:"firstName,omitempty"`
	LastName         string `json:"lastName,omitempty"`
	Firm             string `json:"firm,omitempty"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	IgnoreBadAddress bool   `json:"ignoreBadAddress"`
}

// PackageDescription describes the parcel. Weight is in pounds.
type PackageDescription struct {
	Weight             float64             `json:"weight"`
	Length             float64             `json:"length"`
	Width              float64             `json:"width"`
	Height             float64             `json:"height"`
	MailClass          string              `json:"mailClass"`
	ProcessingCategory string              `json:"processingCategory"`
	RateIndicator      string              `json:"rateIndicator"`
	CustomerReference  []CustomerReference `json:"customerReference,omitempty"`
	ExtraServices      []int               `json:"extraServices,omitempty"`
}

// CustomerReference is a reference printed on the label.
type CustomerReference struct {
	ReferenceNumber      string `json:"referenceNumber"`
	PrintReferenceNumber bool   `json:"printReferenceNumber"`
}

// LabelMetadata is the JSON section of a label response.
type LabelMetadata struct {
	TrackingNumber     string `json:"trackingNumber"`
	RoutingInformation string `json:"routingInformation"`
	Links              []Link `json:"links"`
}

// Link is a hypermedia link in label metadata.
type Link struct {
	Rel  []string `json:"rel,omitempty"`
	Href string   `json:"href"`
}

// TrackingResponse is the tracking payload.
type TrackingResponse struct {
	TrackingNumber string          `json:"trackingNumber"`
	TrackingEvents []TrackingEvent `json:"trackingEvents"`
}

// TrackingEvent is a single scan event, latest first.
type TrackingEvent struct {
	EventCode string `json:"eventCode"`
	EventType string `json:"eventType"`
}

// APIError represents an error from the USPS API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
