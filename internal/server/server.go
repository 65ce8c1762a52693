package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/batch"
	"github.com/tournevent/labelflow/internal/fees"
	"github.com/tournevent/labelflow/internal/labels"
	"github.com/tournevent/labelflow/internal/lifecycle"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/telemetry"
)

// Config holds server configuration.
type Config struct {
	Port       int
	AdminToken string

	// Test modes skip webhook verification for the matching carrier.
	AggregatorTestMode   bool
	MultiCarrierTestMode bool
	PostalTestMode       bool

	AggregatorSecret   string
	MultiCarrierSecret string
	PostalSecret       string

	AggregatorAllowlist []string
	PostalAllowlist     []string
	TrustProxy          bool
}

// Tracking receives carrier webhook events.
type Tracking interface {
	HandleAggregatorWebhook(ctx context.Context, ev lifecycle.AggregatorEvent) (bool, error)
	HandleMultiCarrierEvent(ctx context.Context, ev lifecycle.MultiCarrierEvent) error
	HandlePostalEvent(ctx context.Context, ev lifecycle.PostalEvent) error
}

// Labels runs the staff label actions.
type Labels interface {
	GenerateLabels(ctx context.Context, orderID int64) (*labels.Result, error)
	ResumeReturnLabel(ctx context.Context, orderID int64) (*labels.Result, error)
	MergeLabels(ctx context.Context, orderID int64) error
	ResetLabels(ctx context.Context, orderID int64) error
}

// LabelMailer mails a return label to the customer.
type LabelMailer interface {
	Send(ctx context.Context, orderID int64) error
}

// Fees runs the staff fee and refund actions.
type Fees interface {
	RecordOrderFee(ctx context.Context, orderID int64, testMode bool) error
	ExtendReturnPeriod(ctx context.Context, orderID int64) (*fees.ExtendResult, error)
	ChargePartialFee(ctx context.Context, orderID int64, sub fees.Sub) (*fees.ChargeResult, error)
	ScheduleRefund(ctx context.Context, orderID int64, r order.ScheduledRefund) (*order.ScheduledRefund, error)
	ReverseFeeOnRefund(ctx context.Context, orderID int64) error
}

// Batch runs one page of the label batch.
type Batch interface {
	RunPage(ctx context.Context, page int) (*batch.PageResult, error)
}

// Deps are the workflows the server exposes.
type Deps struct {
	Tracking    Tracking
	Labels      Labels
	LabelMailer LabelMailer
	Fees        Fees
	Batch       Batch
	Signer      *batch.Signer
	Metrics     *telemetry.Metrics
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP server for webhooks, the label batch and staff actions.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
}

// New creates a new server instance.
func New(cfg Config, deps Deps, logger *otelzap.Logger) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /tracking/aggregator", s.instrument("aggregator_webhook", s.handleAggregator))
	mux.HandleFunc("POST /tracking/multi-carrier", s.instrument("multi_carrier_webhook", s.handleMultiCarrier))
	mux.HandleFunc("POST /tracking/postal", s.instrument("postal_webhook", s.handlePostal))
	mux.HandleFunc("GET /labels/batch", s.instrument("label_batch", s.handleBatch))

	s.adminRoutes(mux)
	return mux
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
		// Label purchases wait on slow carrier calls.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 20 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(operation string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordRequest(operation, "", http.StatusText(rec.status), time.Since(start).Seconds())
	}
}
