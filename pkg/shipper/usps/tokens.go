package usps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tournevent/labelflow/pkg/shipper"
)

// Token cache keys in the shared token store.
const (
	AuthTokenKey    = "usps_auth_token"
	PaymentTokenKey = "usps_payment_token"
)

const (
	authTokenMargin      = 120 * time.Second
	paymentTokenLifetime = 8 * time.Hour
)

// tokenSource issues the OAuth token and the payment token layered on it,
// reusing cached values until they expire.
type tokenSource struct {
	cfg   Config
	api   APIClient
	store shipper.TokenStore
	now   func() time.Time
}

func (s *tokenSource) both(ctx context.Context) (string, string, error) {
	access, err := s.access(ctx)
	if err != nil {
		return "", "", err
	}
	payment, err := s.payment(ctx, access)
	if err != nil {
		return "", "", err
	}
	return access, payment, nil
}

func (s *tokenSource) access(ctx context.Context) (string, error) {
	if tok, err := s.store.GetToken(ctx, AuthTokenKey); err == nil && tok.ValidAt(s.now(), 0) {
		return tok.Value, nil
	}
	if s.cfg.ClientID == "" || s.cfg.ClientSecret == "" {
		return "", errors.New("client id and client secret are required to generate authentication token")
	}

	resp, err := s.api.Token(ctx, s.cfg.ClientID, s.cfg.ClientSecret)
	if err != nil {
		return "", fmt.Errorf("generating authentication token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", errors.New("failed to generate authentication token")
	}

	expires := s.now().Add(time.Duration(resp.ExpiresIn)*time.Second - authTokenMargin)
	if err := s.store.SetToken(ctx, AuthTokenKey, shipper.CachedToken{Value: resp.AccessToken, ExpiresAt: expires}); err != nil {
		return "", fmt.Errorf("caching authentication token: %w", err)
	}
	return resp.AccessToken, nil
}

func (s *tokenSource) payment(ctx context.Context, accessToken string) (string, error) {
	if tok, err := s.store.GetToken(ctx, PaymentTokenKey); err == nil && tok.ValidAt(s.now(), 0) {
		return tok.Value, nil
	}
	if accessToken == "" {
		return "", errors.New("failed to generate payment token")
	}

	resp, err := s.api.PaymentAuthorization(ctx, accessToken, &PaymentAuthorizationRequest{
		Roles: []Role{
			{
				RoleName:      "PAYER",
				CRID:          s.cfg.CRID,
				MID:           s.cfg.MID,
				ManifestMID:   s.cfg.ManifestMID,
				AccountType:   s.cfg.AccountType,
				AccountNumber: s.cfg.AccountNumber,
			},
			{
				RoleName:    "LABEL_OWNER",
				CRID:        s.cfg.CRID,
				MID:         s.cfg.MID,
				ManifestMID: s.cfg.ManifestMID,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generating payment token: %w", err)
	}
	if resp.PaymentAuthorizationToken == "" {
		return "", errors.New("failed to generate payment token")
	}

	expires := s.now().Add(paymentTokenLifetime)
	if err := s.store.SetToken(ctx, PaymentTokenKey, shipper.CachedToken{Value: resp.PaymentAuthorizationToken, ExpiresAt: expires}); err != nil {
		return "", fmt.Errorf("caching payment token: %w", err)
	}
	return resp.PaymentAuthorizationToken, nil
}
