package server_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/batch"
	"github.com/tournevent/labelflow/internal/fees"
	"github.com/tournevent/labelflow/internal/labels"
	"github.com/tournevent/labelflow/internal/lifecycle"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/reqctx"
	"github.com/tournevent/labelflow/internal/server"
	"github.com/tournevent/labelflow/internal/telemetry"
)

const adminToken = "t0ken"

type fakeTracking struct {
	aggregator   []lifecycle.AggregatorEvent
	multiCarrier []lifecycle.MultiCarrierEvent
	postal       []lifecycle.PostalEvent
}

func (f *fakeTracking) HandleAggregatorWebhook(_ context.Context, ev lifecycle.AggregatorEvent) (bool, error) {
	f.aggregator = append(f.aggregator, ev)
	return ev.Event == lifecycle.EventTrackUpdated, nil
}

func (f *fakeTracking) HandleMultiCarrierEvent(_ context.Context, ev lifecycle.MultiCarrierEvent) error {
	f.multiCarrier = append(f.multiCarrier, ev)
	return nil
}

func (f *fakeTracking) HandlePostalEvent(_ context.Context, ev lifecycle.PostalEvent) error {
	f.postal = append(f.postal, ev)
	return nil
}

type fakeLabels struct {
	err         error
	interactive bool
}

func (f *fakeLabels) GenerateLabels(ctx context.Context, id int64) (*labels.Result, error) {
	f.interactive = reqctx.Interactive(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &labels.Result{OrderID: id, Status: string(order.StatusShipped)}, nil
}

func (f *fakeLabels) ResumeReturnLabel(_ context.Context, id int64) (*labels.Result, error) {
	return &labels.Result{OrderID: id}, f.err
}

func (f *fakeLabels) MergeLabels(context.Context, int64) error { return f.err }

func (f *fakeLabels) ResetLabels(context.Context, int64) error { return f.err }

type fakeMailer struct{ sent []int64 }

func (f *fakeMailer) Send(_ context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

type fakeFees struct {
	extendErr   error
	refunds     []order.ScheduledRefund
	reverseSeen bool
	subs        []fees.Sub
}

func (f *fakeFees) RecordOrderFee(context.Context, int64, bool) error { return nil }

func (f *fakeFees) ExtendReturnPeriod(context.Context, int64) (*fees.ExtendResult, error) {
	if f.extendErr != nil {
		return nil, f.extendErr
	}
	return &fees.ExtendResult{Message: fees.MsgExtended, Extensions: 1}, nil
}

func (f *fakeFees) ChargePartialFee(_ context.Context, _ int64, sub fees.Sub) (*fees.ChargeResult, error) {
	f.subs = append(f.subs, sub)
	return &fees.ChargeResult{Message: fees.MsgCharged, ChargeID: "ch_1"}, nil
}

func (f *fakeFees) ScheduleRefund(_ context.Context, _ int64, r order.ScheduledRefund) (*order.ScheduledRefund, error) {
	r.RefundID = "r1"
	f.refunds = append(f.refunds, r)
	return &r, nil
}

func (f *fakeFees) ReverseFeeOnRefund(ctx context.Context, _ int64) error {
	f.reverseSeen = reqctx.From(ctx).ReverseFee
	return nil
}

type fakeBatch struct {
	pages []int
	done  bool
}

func (f *fakeBatch) RunPage(_ context.Context, page int) (*batch.PageResult, error) {
	f.pages = append(f.pages, page)
	if f.done {
		return &batch.PageResult{Page: page, Done: true, Summary: &batch.Summary{}}, nil
	}
	next := page + 1
	return &batch.PageResult{Page: page, NextPage: next, NextSignature: batch.NewSigner("batch-secret").Sign(next)}, nil
}

type fixture struct {
	tracking *fakeTracking
	labels   *fakeLabels
	mailer   *fakeMailer
	fees     *fakeFees
	batch    *fakeBatch
	handler  http.Handler
}

func newFixture(t *testing.T, mutate func(*server.Config)) *fixture {
	t.Helper()
	f := &fixture{
		tracking: &fakeTracking{},
		labels:   &fakeLabels{},
		mailer:   &fakeMailer{},
		fees:     &fakeFees{},
		batch:    &fakeBatch{},
	}
	cfg := server.Config{
		Port:                8080,
		AdminToken:          adminToken,
		MultiCarrierSecret:  "mc-secret",
		AggregatorAllowlist: []string{"192.0.2.1"},
		PostalAllowlist:     []string{"198.51.100.7"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	srv := server.New(cfg, server.Deps{
		Tracking:    f.tracking,
		Labels:      f.labels,
		LabelMailer: f.mailer,
		Fees:        f.fees,
		Batch:       f.batch,
		Signer:      batch.NewSigner("batch-secret"),
		Metrics:     telemetry.NewMetrics(reg),
		Gatherer:    reg,
	}, otelzap.New(zap.NewNop()))
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func hexHMAC(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, nil)
	f.do(httptest.NewRequest(http.MethodGet, "/labels/batch?page=0&lb=bad", nil))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "labelflow_requests_total")
}

func TestMultiCarrierWebhook_Signature(t *testing.T) {
	body := `{"description":"tracker.updated","result":{"id":"trk_1","status":"in_transit"}}`

	tests := []struct {
		name     string
		header   string
		testMode bool
		want     int
	}{
		{"valid", "hmac-sha256-hex=" + hexHMAC(body, "mc-secret"), false, http.StatusOK},
		{"missing prefix", hexHMAC(body, "mc-secret"), false, http.StatusUnauthorized},
		{"wrong secret", "hmac-sha256-hex=" + hexHMAC(body, "other"), false, http.StatusUnauthorized},
		{"absent", "", false, http.StatusUnauthorized},
		{"test mode", "", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *server.Config) { c.MultiCarrierTestMode = tt.testMode })
			req := httptest.NewRequest(http.MethodPost, "/tracking/multi-carrier", strings.NewReader(body))
			if tt.header != "" {
				req.Header.Set(server.MultiCarrierSignatureHeader, tt.header)
			}
			rec := f.do(req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				require.Len(t, f.tracking.multiCarrier, 1)
				assert.Equal(t, "trk_1", f.tracking.multiCarrier[0].Result.ID)
			} else {
				assert.Empty(t, f.tracking.multiCarrier)
				assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec)["errorCode"])
			}
		})
	}
}

func TestVerifyMultiCarrierSignature_NormalizesSecret(t *testing.T) {
	body := []byte(`{}`)
	// U+FB01 decomposes to "fi" under NFKD.
	header := "hmac-sha256-hex=" + hexHMAC(string(body), "fi-secret")
	assert.True(t, server.VerifyMultiCarrierSignature(body, header, "ﬁ-secret"))
	assert.False(t, server.VerifyMultiCarrierSignature(body, header, ""))
}

func TestAggregatorWebhook_Allowlist(t *testing.T) {
	body := `{"event":"track_updated","data":{"tracking_number":"TRK1","tracking_status":{"status":"TRANSIT"}}}`

	t.Run("allowed", func(t *testing.T) {
		f := newFixture(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/tracking/aggregator", strings.NewReader(body))
		rec := f.do(req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "scheduled", decodeError(t, rec)["status"])
		require.Len(t, f.tracking.aggregator, 1)
		assert.Equal(t, "TRK1", f.tracking.aggregator[0].Data.TrackingNumber)
	})

	t.Run("unknown address", func(t *testing.T) {
		f := newFixture(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/tracking/aggregator", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.9:4000"
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
		assert.Empty(t, f.tracking.aggregator)
	})

	t.Run("forwarded address", func(t *testing.T) {
		f := newFixture(t, func(c *server.Config) { c.TrustProxy = true })
		req := httptest.NewRequest(http.MethodPost, "/tracking/aggregator", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.2:4000"
		req.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.2")
		assert.Equal(t, http.StatusOK, f.do(req).Code)
	})

	t.Run("secret requires signature", func(t *testing.T) {
		f := newFixture(t, func(c *server.Config) { c.AggregatorSecret = "agg" })
		req := httptest.NewRequest(http.MethodPost, "/tracking/aggregator", strings.NewReader(body))
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

		req = httptest.NewRequest(http.MethodPost, "/tracking/aggregator", strings.NewReader(body))
		req.Header.Set(server.SignatureHeader, hexHMAC(body, "agg"))
		assert.Equal(t, http.StatusOK, f.do(req).Code)
	})

	t.Run("test mode", func(t *testing.T) {
		f := newFixture(t, func(c *server.Config) { c.AggregatorTestMode = true })
		req := httptest.NewRequest(http.MethodPost, "/tracking/aggregator", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.9:4000"
		assert.Equal(t, http.StatusOK, f.do(req).Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		f := newFixture(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/tracking/aggregator", strings.NewReader("{"))
		rec := f.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_JSON", decodeError(t, rec)["errorCode"])
	})
}

func TestPostalWebhook_Allowlist(t *testing.T) {
	body := `{"payload":"e30="}`
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/tracking/postal", strings.NewReader(body))
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/tracking/postal", strings.NewReader(body))
	req.RemoteAddr = "198.51.100.7:443"
	assert.Equal(t, http.StatusOK, f.do(req).Code)
	assert.Len(t, f.tracking.postal, 1)
}

func TestBatch_RedirectsToSignedNextPage(t *testing.T) {
	f := newFixture(t, nil)
	signer := batch.NewSigner("batch-secret")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/labels/batch?page=0&lb="+signer.Sign(0), nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/labels/batch?lb="+signer.Sign(1)+"&page=1", rec.Header().Get("Location"))
	assert.Equal(t, []int{0}, f.batch.pages)
}

func TestBatch_MissingPageDefaultsToZero(t *testing.T) {
	f := newFixture(t, nil)
	f.batch.done = true
	rec := f.do(httptest.NewRequest(http.MethodGet, "/labels/batch?lb="+batch.NewSigner("batch-secret").Sign(0), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{0}, f.batch.pages)
}

func TestBatch_RejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	signer := batch.NewSigner("batch-secret")

	for _, target := range []string{
		"/labels/batch?page=2&lb=" + signer.Sign(1),
		"/labels/batch?page=2",
		"/labels/batch?page=x&lb=" + signer.Sign(0),
	} {
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		assert.Contains(t, []int{http.StatusForbidden, http.StatusBadRequest}, rec.Code, target)
	}
	assert.Empty(t, f.batch.pages)
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/5/labels", nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/orders/5/labels", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	f = newFixture(t, func(c *server.Config) { c.AdminToken = "" })
	assert.Equal(t, http.StatusUnauthorized, f.do(adminRequest(http.MethodPost, "/admin/orders/5/labels", "")).Code)
}

func TestAdmin_GenerateLabels(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(adminRequest(http.MethodPost, "/admin/orders/5/labels", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.labels.interactive)

	var res labels.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, int64(5), res.OrderID)
}

func TestAdmin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		setup    func(*fixture)
		wantCode int
		wantErr  string
	}{
		{
			name: "already generated",
			path: "/admin/orders/5/labels",
			setup: func(f *fixture) {
				f.labels.err = &labels.Error{Kind: labels.KindAlreadyGenerated, Code: "ALREADY_GENERATED", Message: "Outbound Shipping label already generated"}
			},
			wantCode: http.StatusConflict,
			wantErr:  "ALREADY_GENERATED",
		},
		{
			name: "carrier failure",
			path: "/admin/orders/5/labels/merge",
			setup: func(f *fixture) {
				f.labels.err = &labels.Error{Kind: labels.KindCarrier, Code: "NO_MATCHING_RATE", Message: "No rate"}
			},
			wantCode: http.StatusBadGateway,
			wantErr:  "NO_MATCHING_RATE",
		},
		{
			name: "action already fired",
			path: "/admin/orders/5/return-period/extend",
			setup: func(f *fixture) {
				f.fees.extendErr = &fees.ActionError{Kind: fees.KindActionAlreadyFired, Target: fees.TargetCharge, Message: "Already charged"}
			},
			wantCode: http.StatusConflict,
			wantErr:  "ACTION_ALREADY_FIRED",
		},
		{
			name:     "bad order id",
			path:     "/admin/orders/abc/labels",
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_ORDER_ID",
		},
		{
			name:     "unknown fee action",
			path:     "/admin/orders/5/fees/bogus",
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_SUB",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			rec := f.do(adminRequest(http.MethodPost, tt.path, ""))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec)["errorCode"])
		})
	}
}

func TestAdmin_PartialFee(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(adminRequest(http.MethodPost, "/admin/orders/5/fees/convert", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []fees.Sub{fees.SubConvert}, f.fees.subs)
}

func TestAdmin_RefundWithReverseFee(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(adminRequest(http.MethodPost, "/admin/orders/5/refunds",
		`{"amount":1500,"reason":"damaged","refund_payment":true,"reverse_fee":true}`))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.fees.refunds, 1)
	assert.Equal(t, int64(1500), f.fees.refunds[0].Amount)
	assert.True(t, f.fees.refunds[0].RefundPayment)
	assert.True(t, f.fees.reverseSeen)

	f.do(adminRequest(http.MethodPost, "/admin/orders/5/refunds", `{"amount":100}`))
	assert.False(t, f.fees.reverseSeen)
}

func TestAdmin_EmailLabel(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(adminRequest(http.MethodPost, "/admin/orders/9/labels/email", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{9}, f.mailer.sent)
}
