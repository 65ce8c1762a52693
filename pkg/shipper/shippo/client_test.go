package shippo_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/shipper/shippo"
)

func testConfig() shippo.Config {
	return shippo.Config{
		OutboundCarrierAccount: "acct_out",
		OutboundCarrierToken:   "usps",
		OutboundServiceLevel:   "usps_ground_advantage",
		InboundCarrierAccount:  "acct_in",
		InboundServiceLevel:    "usps_ground_advantage",
	}
}

func newTestClient(cfg shippo.Config, mockClient *shippo.MockAPIClient) *shippo.Client {
	logger := otelzap.New(zap.NewNop())
	return shippo.NewWithAPIClient(cfg, mockClient, logger, nil)
}

func testRequest() *shipper.ShipmentRequest {
	return &shipper.ShipmentRequest{
		OrderID:       1042,
		ProductNumber: "77",
		From:          shipper.Address{Name: "Warehouse", Street1: "1 Dock Rd", City: "Austin", State: "TX", PostalCode: "78701", Country: "US"},
		To:            shipper.Address{Name: "Jane Doe", Street1: "9 Elm St", City: "Denver", State: "CO", PostalCode: "80202", Country: "US"},
		Parcel:        shipper.Parcel{Length: 10, Width: 8, Height: 4, Weight: 16},
	}
}

func strPtr(s string) *string { return &s }

func TestClient_CreateOutboundLabel_PaginatedRates(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	mockAPI.OnListRates = func(ctx context.Context, shipmentID string) (*shippo.RateList, error) {
		return &shippo.RateList{
			Next: strPtr("https://api.goshippo.com/shipments/x/rates?page=2"),
			Results: []shippo.Rate{
				{ObjectID: "r1", CarrierAccount: "acct_other", ServiceLevel: shippo.ServiceLevel{Token: "usps_ground_advantage"}},
			},
		}, nil
	}
	mockAPI.OnNextRates = func(ctx context.Context, nextURL string) (*shippo.RateList, error) {
		return &shippo.RateList{Results: []shippo.Rate{
			{ObjectID: "r2", CarrierAccount: "acct_out", ServiceLevel: shippo.ServiceLevel{Token: "usps_priority"}},
			{ObjectID: "r3", CarrierAccount: "acct_out", ServiceLevel: shippo.ServiceLevel{Token: "usps_ground_advantage"}},
		}}, nil
	}
	var boughtRate string
	mockAPI.OnCreateTransaction = func(ctx context.Context, req *shippo.TransactionRequest) (*shippo.Transaction, error) {
		boughtRate = req.Rate
		return &shippo.Transaction{
			ObjectID:            "txn_1",
			Status:              "SUCCESS",
			TrackingNumber:      "9400111",
			TrackingStatus:      "UNKNOWN",
			TrackingURLProvider: "https://track/9400111",
			LabelURL:            "https://labels/1.pdf",
		}, nil
	}

	client := newTestClient(testConfig(), mockAPI)
	art, err := client.CreateOutboundLabel(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, "r3", boughtRate)
	assert.Equal(t, shipper.LegOutbound, art.Leg)
	assert.Equal(t, "9400111", art.TrackingNumber)
	assert.Equal(t, "txn_1", art.TransactionID)
	assert.Equal(t, "usps", art.CarrierToken)
	assert.Equal(t, "https://labels/1.pdf", art.LabelURL)
}

func TestClient_CreateReturnLabel_SetsReturnFlag(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	var sent *shippo.ShipmentRequest
	mockAPI.OnCreateShipment = func(ctx context.Context, req *shippo.ShipmentRequest) (*shippo.Shipment, error) {
		sent = req
		return &shippo.Shipment{ObjectID: "shp_1"}, nil
	}
	mockAPI.OnListRates = func(ctx context.Context, shipmentID string) (*shippo.RateList, error) {
		return &shippo.RateList{Results: []shippo.Rate{
			{ObjectID: "r_in", CarrierAccount: "acct_in", ServiceLevel: shippo.ServiceLevel{Token: "usps_ground_advantage"}},
		}}, nil
	}

	client := newTestClient(testConfig(), mockAPI)
	art, err := client.CreateReturnLabel(context.Background(), testRequest())

	require.NoError(t, err)
	require.NotNil(t, sent.Extra)
	assert.True(t, sent.Extra.IsReturn)
	assert.Equal(t, "Order Number: 1042", sent.Extra.Reference1)
	assert.Equal(t, "Product Number: 77", sent.Extra.Reference2)
	assert.Equal(t, shipper.LegInbound, art.Leg)
	assert.Empty(t, art.CarrierToken)
}

func TestClient_CreateOutboundLabel_NoMatchingRate(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	client := newTestClient(testConfig(), mockAPI)

	_, err := client.CreateOutboundLabel(context.Background(), testRequest())

	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrNoMatchingRate))
}

func TestClient_CreateOutboundLabel_TransactionRejected(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	mockAPI.OnListRates = func(ctx context.Context, shipmentID string) (*shippo.RateList, error) {
		return &shippo.RateList{Results: []shippo.Rate{
			{ObjectID: "r", CarrierAccount: "acct_out", ServiceLevel: shippo.ServiceLevel{Token: "usps_ground_advantage"}},
		}}, nil
	}
	mockAPI.OnCreateTransaction = func(ctx context.Context, req *shippo.TransactionRequest) (*shippo.Transaction, error) {
		return &shippo.Transaction{Status: "ERROR", Messages: []shippo.Message{{Text: "address invalid"}}}, nil
	}

	client := newTestClient(testConfig(), mockAPI)
	_, err := client.CreateOutboundLabel(context.Background(), testRequest())

	assert.ErrorIs(t, err, shipper.ErrTransactionFailed)
}

func TestClient_CreateOutboundLabel_ShipmentError(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	mockAPI.SimulateErrors = true

	client := newTestClient(testConfig(), mockAPI)
	_, err := client.CreateOutboundLabel(context.Background(), testRequest())

	assert.ErrorIs(t, err, shipper.ErrShipmentFailed)
}

func TestClient_PollTracking(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	mockAPI.OnGetTrack = func(ctx context.Context, carrier, number string) (*shippo.Track, error) {
		assert.Equal(t, "usps", carrier)
		assert.Equal(t, "9400", number)
		return &shippo.Track{TrackingStatus: &shippo.TrackingStatus{Status: "DELIVERED"}}, nil
	}

	client := newTestClient(testConfig(), mockAPI)
	status, err := client.PollTracking(context.Background(), shipper.TrackingRef{Number: "9400", Carrier: "usps"})

	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", status.Status)
}

func TestClient_RefundLabel_ResolvesTransaction(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	mockAPI.OnRegisterTrack = func(ctx context.Context, req *shippo.TrackRequest) (*shippo.Track, error) {
		assert.Equal(t, "usps", req.Carrier)
		assert.Equal(t, "9400", req.TrackingNumber)
		return &shippo.Track{Transaction: "txn_resolved"}, nil
	}
	var refunded string
	mockAPI.OnCreateRefund = func(ctx context.Context, req *shippo.RefundRequest) (*shippo.Refund, error) {
		refunded = req.Transaction
		assert.False(t, req.Async)
		return &shippo.Refund{ObjectID: "ref_1", Status: "QUEUED"}, nil
	}

	client := newTestClient(testConfig(), mockAPI)
	res, err := client.RefundLabel(context.Background(), &shipper.RefundRequest{TrackingNumber: "9400", CarrierToken: "usps"})

	require.NoError(t, err)
	assert.Equal(t, "txn_resolved", refunded)
	assert.Equal(t, "ref_1", res.RefundID)
}

func TestClient_RefundLabel_TestModeTrackingNumber(t *testing.T) {
	mockAPI := shippo.NewMockAPIClient()
	mockAPI.OnRegisterTrack = func(ctx context.Context, req *shippo.TrackRequest) (*shippo.Track, error) {
		assert.Equal(t, "shippo", req.Carrier)
		assert.Equal(t, "SHIPPO_DELIVERED", req.TrackingNumber)
		return &shippo.Track{Transaction: "txn_test"}, nil
	}

	cfg := testConfig()
	cfg.TestMode = true
	client := newTestClient(cfg, mockAPI)
	res, err := client.RefundLabel(context.Background(), &shipper.RefundRequest{TrackingNumber: "9400", CarrierToken: "usps"})

	require.NoError(t, err)
	assert.Equal(t, "txn_test", res.TransactionID)
}

func TestHTTPAPIClient_FollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ShippoToken tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/shipments":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"object_id": "shp_9"})
		case r.URL.Path == "/shipments/shp_9/rates" && r.URL.Query().Get("page") == "":
			next := srv.URL + "/shipments/shp_9/rates?page=2"
			_ = json.NewEncoder(w).Encode(shippo.RateList{Next: &next})
		case r.URL.Path == "/shipments/shp_9/rates":
			_ = json.NewEncoder(w).Encode(shippo.RateList{Results: []shippo.Rate{
				{ObjectID: "r_http", CarrierAccount: "acct_out", ServiceLevel: shippo.ServiceLevel{Token: "usps_ground_advantage"}},
			}})
		case r.URL.Path == "/transactions":
			_ = json.NewEncoder(w).Encode(shippo.Transaction{ObjectID: "txn_http", Status: "SUCCESS", LabelURL: "https://l", TrackingNumber: "1"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"not found"}`))
		}
	}))
	defer srv.Close()

	api := shippo.NewHTTPAPIClient(shippo.HTTPAPIClientConfig{BaseURL: srv.URL, APIToken: "tok"})
	client := shippo.NewWithAPIClient(testConfig(), api, otelzap.New(zap.NewNop()), nil)

	art, err := client.CreateOutboundLabel(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "txn_http", art.TransactionID)

	_, err = api.GetTrack(context.Background(), "usps", "missing")
	var apiErr *shippo.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "HTTP_404", apiErr.Code)
	assert.Equal(t, "not found", apiErr.Message)
}
