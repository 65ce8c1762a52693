package usps_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/shipper/usps"
)

func testConfig() usps.Config {
	return usps.Config{ClientID: "cid", ClientSecret: "secret", CRID: "1", MID: "2", ManifestMID: "3"}
}

func newTestClient(mockClient *usps.MockAPIClient, store shipper.TokenStore) *usps.Client {
	logger := otelzap.New(zap.NewNop())
	return usps.NewWithAPIClient(testConfig(), mockClient, store, logger, nil)
}

func returnRequest() *shipper.ShipmentRequest {
	return &shipper.ShipmentRequest{
		OrderID:       88,
		OrderNumber:   "88",
		ProductNumber: "501",
		Leg:           shipper.LegInbound,
		From:          shipper.Address{FirstName: "Jane", LastName: "Doe", Street1: "9 Elm", City: "Denver", State: "CO", PostalCode: "80202-1234"},
		To:            shipper.Address{Name: "Acme Returns", Company: "Acme", Street1: "1 Dock", City: "Austin", State: "TX", PostalCode: "78701"},
		Parcel:        shipper.Parcel{Length: 12, Width: 9, Height: 3, Weight: 32},
	}
}

func TestParseLabelResponse(t *testing.T) {
	body := usps.EncodeLabelResponse(usps.LabelMetadata{
		TrackingNumber:     "9202000",
		RoutingInformation: "4207870",
		Links:              []usps.Link{{Href: "https://track/9202000"}},
	}, []byte("%PDF-1.7 label"))

	meta, label, err := usps.ParseLabelResponse(body)

	require.NoError(t, err)
	assert.Equal(t, "9202000", meta.TrackingNumber)
	assert.Equal(t, "4207870", meta.RoutingInformation)
	assert.Equal(t, "https://track/9202000", meta.Links[0].Href)
	assert.Equal(t, []byte("%PDF-1.7 label"), label)
}

func TestParseLabelResponse_BadMetadata(t *testing.T) {
	body := []byte("--b\r\nContent-Disposition: form-data; name=\"labelMetadata\"\r\n\r\n{not json\r\n--b\r\nContent-Disposition: form-data; name=\"labelImage\"\r\n\r\nAAAA\r\n--b--\r\n")

	_, _, err := usps.ParseLabelResponse(body)

	assert.ErrorIs(t, err, shipper.ErrLabelMetadata)
	assert.False(t, errors.Is(err, shipper.ErrLabelBinary))
}

func TestParseLabelResponse_BadBinary(t *testing.T) {
	body := []byte("--b\r\nContent-Disposition: form-data; name=\"labelMetadata\"\r\n\r\n{\"trackingNumber\":\"1\"}\r\n--b\r\nContent-Disposition: form-data; name=\"labelImage\"\r\n\r\n***not base64***\r\n--b--\r\n")

	_, _, err := usps.ParseLabelResponse(body)

	assert.ErrorIs(t, err, shipper.ErrLabelBinary)
}

func TestParseLabelResponse_MissingImage(t *testing.T) {
	body := []byte("--b\r\nContent-Disposition: form-data; name=\"labelMetadata\"\r\n\r\n{\"trackingNumber\":\"1\"}\r\n")

	_, _, err := usps.ParseLabelResponse(body)

	assert.ErrorIs(t, err, shipper.ErrLabelBinary)
}

func TestClient_CreateReturnLabel_Success(t *testing.T) {
	mockAPI := usps.NewMockAPIClient()
	var sent *usps.LabelRequest
	var sentPayment string
	mockAPI.OnPaymentAuthorization = func(ctx context.Context, accessToken string, req *usps.PaymentAuthorizationRequest) (*usps.PaymentAuthorizationResponse, error) {
		require.Len(t, req.Roles, 2)
		assert.Equal(t, "PAYER", req.Roles[0].RoleName)
		assert.Equal(t, "LABEL_OWNER", req.Roles[1].RoleName)
		return &usps.PaymentAuthorizationResponse{PaymentAuthorizationToken: "pay-1"}, nil
	}
	mockAPI.OnReturnLabel = func(ctx context.Context, accessToken, paymentToken string, req *usps.LabelRequest) ([]byte, error) {
		sent = req
		sentPayment = paymentToken
		return usps.EncodeLabelResponse(usps.LabelMetadata{
			TrackingNumber: "9202111",
			Links:          []usps.Link{{Href: "https://track/9202111"}},
		}, []byte("PDFDATA")), nil
	}

	client := newTestClient(mockAPI, nil)
	art, err := client.CreateReturnLabel(context.Background(), returnRequest())

	require.NoError(t, err)
	assert.Equal(t, "pay-1", sentPayment)
	assert.Equal(t, usps.MailClassReturn, sent.PackageDescription.MailClass)
	assert.Equal(t, 2.0, sent.PackageDescription.Weight)
	assert.Equal(t, []int{857, 828}, sent.PackageDescription.ExtraServices)
	assert.Equal(t, "Order:88", sent.PackageDescription.CustomerReference[0].ReferenceNumber)
	assert.Equal(t, "Product:501", sent.PackageDescription.CustomerReference[1].ReferenceNumber)
	assert.Equal(t, "80202", sent.FromAddress.ZIPCode)
	assert.True(t, sent.FromAddress.IgnoreBadAddress)
	assert.False(t, sent.ToAddress.IgnoreBadAddress)

	assert.Equal(t, "9202111", art.TrackingNumber)
	assert.Equal(t, "https://track/9202111", art.TrackingURL)
	assert.Equal(t, []byte("PDFDATA"), art.LabelData)
	assert.Empty(t, art.LabelURL)
}

func TestClient_CreateReturnLabel_TokenFailure(t *testing.T) {
	mockAPI := usps.NewMockAPIClient()
	mockAPI.OnToken = func(ctx context.Context, id, secret string) (*usps.TokenResponse, error) {
		return &usps.TokenResponse{}, nil
	}
	labelCalled := false
	mockAPI.OnReturnLabel = func(ctx context.Context, a, p string, req *usps.LabelRequest) ([]byte, error) {
		labelCalled = true
		return nil, nil
	}

	client := newTestClient(mockAPI, nil)
	_, err := client.CreateReturnLabel(context.Background(), returnRequest())

	assert.ErrorIs(t, err, shipper.ErrTokenGeneration)
	assert.False(t, labelCalled)
}

func TestClient_TokensAreCached(t *testing.T) {
	mockAPI := usps.NewMockAPIClient()
	tokenCalls, paymentCalls := 0, 0
	mockAPI.OnToken = func(ctx context.Context, id, secret string) (*usps.TokenResponse, error) {
		tokenCalls++
		return &usps.TokenResponse{AccessToken: "acc", ExpiresIn: 3600}, nil
	}
	mockAPI.OnPaymentAuthorization = func(ctx context.Context, accessToken string, req *usps.PaymentAuthorizationRequest) (*usps.PaymentAuthorizationResponse, error) {
		paymentCalls++
		return &usps.PaymentAuthorizationResponse{PaymentAuthorizationToken: "pay"}, nil
	}

	store := shipper.NewMemoryTokenStore()
	client := newTestClient(mockAPI, store)

	_, err := client.CreateReturnLabel(context.Background(), returnRequest())
	require.NoError(t, err)
	_, err = client.CreateReturnLabel(context.Background(), returnRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, tokenCalls)
	assert.Equal(t, 1, paymentCalls)

	tok, err := store.GetToken(context.Background(), usps.AuthTokenKey)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(3600*time.Second-120*time.Second), tok.ExpiresAt, 5*time.Second)
}

func TestClient_ExpiredTokenIsRefreshed(t *testing.T) {
	mockAPI := usps.NewMockAPIClient()
	store := shipper.NewMemoryTokenStore()
	require.NoError(t, store.SetToken(context.Background(), usps.AuthTokenKey, shipper.CachedToken{Value: "old", ExpiresAt: time.Now().Add(-time.Minute)}))

	var usedToken string
	mockAPI.OnToken = func(ctx context.Context, id, secret string) (*usps.TokenResponse, error) {
		return &usps.TokenResponse{AccessToken: "fresh", ExpiresIn: 3600}, nil
	}
	mockAPI.OnTracking = func(ctx context.Context, accessToken, number string) (*usps.TrackingResponse, error) {
		usedToken = accessToken
		return &usps.TrackingResponse{TrackingNumber: number, TrackingEvents: []usps.TrackingEvent{{EventCode: "01"}}}, nil
	}

	client := newTestClient(mockAPI, store)
	status, err := client.PollTracking(context.Background(), shipper.TrackingRef{Number: "9202"})

	require.NoError(t, err)
	assert.Equal(t, "fresh", usedToken)
	assert.Equal(t, "01", status.Status)
}

func TestClient_PollTracking_NoEvents(t *testing.T) {
	mockAPI := usps.NewMockAPIClient()
	mockAPI.OnTracking = func(ctx context.Context, accessToken, number string) (*usps.TrackingResponse, error) {
		return &usps.TrackingResponse{TrackingNumber: number}, nil
	}

	client := newTestClient(mockAPI, nil)
	_, err := client.PollTracking(context.Background(), shipper.TrackingRef{Number: "9202"})

	assert.Error(t, err)
}

func TestClient_CreateOutboundLabel_UsesLabelEndpoint(t *testing.T) {
	mockAPI := usps.NewMockAPIClient()
	var mailClass string
	mockAPI.OnLabel = func(ctx context.Context, a, p string, req *usps.LabelRequest) ([]byte, error) {
		mailClass = req.PackageDescription.MailClass
		return usps.EncodeLabelResponse(usps.LabelMetadata{TrackingNumber: "1"}, []byte("x")), nil
	}

	client := newTestClient(mockAPI, nil)
	art, err := client.CreateOutboundLabel(context.Background(), returnRequest())

	require.NoError(t, err)
	assert.Equal(t, usps.MailClassOutbound, mailClass)
	assert.Equal(t, shipper.LegOutbound, art.Leg)
}
