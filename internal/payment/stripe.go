package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// StripeClient is a Processor backed by one Stripe account.
type StripeClient struct {
	api    *client.API
	logger *otelzap.Logger
}

// StripeConfig holds configuration for the Stripe client.
type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API host. Empty uses Stripe's.
	BaseURL string
	Timeout time.Duration
}

// NewStripeClient creates a StripeClient. Requests are never retried by the
// SDK; callers pass idempotency keys instead.
func NewStripeClient(cfg StripeConfig, logger *otelzap.Logger) *StripeClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		LeveledLogger:     logger.Sugar(),
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimSuffix(cfg.BaseURL, "/"))
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, stripe.NewBackendsWithConfig(backendCfg))
	return &StripeClient{api: api, logger: logger}
}

// StripeError is an error returned by the Stripe API.
type StripeError struct {
	Type       string
	Code       string
	Message    string
	StatusCode int
}

func (e *StripeError) Error() string {
	return fmt.Sprintf("stripe %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// SyncDefaultPaymentMethod sets the customer's invoice default payment method.
func (c *StripeClient) SyncDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	if paymentMethodID == "" {
		return ErrNoPaymentMethod
	}
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	params.Context = ctx
	if _, err := c.api.Customers.Update(customerID, params); err != nil {
		return wrapStripeError(err)
	}
	return nil
}

// Charge confirms an off-session payment intent.
func (c *StripeClient) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(currency)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Description:   stripe.String(req.Description),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		c.logger.Ctx(ctx).Warn("Payment intent failed",
			zap.String("customer_id", req.CustomerID),
			zap.Int64("amount", req.Amount),
			zap.Error(err),
		)
		return nil, wrapStripeError(err)
	}
	c.logger.Ctx(ctx).Info("Payment intent created",
		zap.String("payment_intent", pi.ID),
		zap.String("status", string(pi.Status)),
		zap.Int64("amount", pi.Amount),
	)
	return &Charge{ID: pi.ID, Status: string(pi.Status), Amount: pi.Amount}, nil
}

// Refund refunds a payment intent.
func (c *StripeClient) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.PaymentIntentID)}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx

	r, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	c.logger.Ctx(ctx).Info("Refund created",
		zap.String("refund_id", r.ID),
		zap.String("payment_intent", req.PaymentIntentID),
		zap.Int64("amount", r.Amount),
	)
	return &Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

func wrapStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &StripeError{
			Type:       string(se.Type),
			Code:       string(se.Code),
			Message:    se.Msg,
			StatusCode: se.HTTPStatusCode,
		}
	}
	return err
}

var _ Processor = (*StripeClient)(nil)
