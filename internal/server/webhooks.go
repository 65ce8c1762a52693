package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/tournevent/labelflow/internal/lifecycle"
	"github.com/tournevent/labelflow/internal/reqctx"
)

const (
	maxBodyBytes = 1 << 20

	// SignatureHeader carries the hex HMAC-SHA256 of the body for the
	// aggregator and postal webhooks.
	SignatureHeader = "X-Webhook-Signature"
	// MultiCarrierSignatureHeader carries the multi-carrier body signature.
	MultiCarrierSignatureHeader = "X-Hmac-Signature"
	multiCarrierDigestPrefix    = "hmac-sha256-hex="
)

func (s *Server) handleAggregator(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !s.cfg.AggregatorTestMode && !s.allowed(r, body, s.cfg.AggregatorAllowlist, s.cfg.AggregatorSecret) {
		s.reject(w, r, "aggregator")
		return
	}
	var ev lifecycle.AggregatorEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON: "+err.Error())
		return
	}

	ctx := reqctx.With(r.Context(), reqctx.Scope{Source: "webhook:aggregator"})
	accepted, err := s.deps.Tracking.HandleAggregatorWebhook(ctx, ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := "ignored"
	if accepted {
		status = "scheduled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleMultiCarrier(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !s.cfg.MultiCarrierTestMode && !VerifyMultiCarrierSignature(body, r.Header.Get(MultiCarrierSignatureHeader), s.cfg.MultiCarrierSecret) {
		s.reject(w, r, "multi_carrier")
		return
	}
	var ev lifecycle.MultiCarrierEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON: "+err.Error())
		return
	}

	ctx := reqctx.With(r.Context(), reqctx.Scope{Source: "webhook:multi_carrier"})
	if err := s.deps.Tracking.HandleMultiCarrierEvent(ctx, ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePostal(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !s.cfg.PostalTestMode && !s.allowed(r, body, s.cfg.PostalAllowlist, s.cfg.PostalSecret) {
		s.reject(w, r, "postal")
		return
	}
	var ev lifecycle.PostalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON: "+err.Error())
		return
	}

	ctx := reqctx.With(r.Context(), reqctx.Scope{Source: "webhook:postal"})
	if err := s.deps.Tracking.HandlePostalEvent(ctx, ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBatch runs one signed batch page and redirects to the next one.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("page")
	if raw == "" {
		raw = "0"
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 0 {
		writeFailure(w, http.StatusBadRequest, "INVALID_PAGE", "Invalid page")
		return
	}
	if !s.deps.Signer.Verify(page, q.Get("lb")) {
		writeFailure(w, http.StatusForbidden, "FORBIDDEN", "Sorry, you are not allowed to do that.")
		return
	}

	ctx := reqctx.With(r.Context(), reqctx.Scope{Source: "batch"})
	res, err := s.deps.Batch.RunPage(ctx, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Done {
		next := *r.URL
		next.RawQuery = "lb=" + res.NextSignature + "&page=" + strconv.Itoa(res.NextPage)
		http.Redirect(w, r, next.String(), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_BODY", "Unable to read the request body")
		return nil, false
	}
	return body, true
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, source string) {
	s.logger.Ctx(r.Context()).Warn("Webhook rejected",
		zap.String("source", source),
		zap.String("remote_addr", s.clientIP(r)),
	)
	writeFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "Webhook could not be verified")
}

// allowed checks the caller address against allowlist and, when a secret is
// configured, the body signature.
func (s *Server) allowed(r *http.Request, body []byte, allowlist []string, secret string) bool {
	ip := s.clientIP(r)
	if ip == "" || !slices.Contains(allowlist, ip) {
		return false
	}
	if secret == "" {
		return true
	}
	return VerifySignature(body, r.Header.Get(SignatureHeader), secret)
}

func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// VerifySignature reports whether sig is the hex HMAC-SHA256 of body.
func VerifySignature(body []byte, sig, secret string) bool {
	if secret == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(sign(body, []byte(secret))))
}

// VerifyMultiCarrierSignature checks a "hmac-sha256-hex=<digest>" header
// computed with the NFKD-normalized secret.
func VerifyMultiCarrierSignature(body []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	want := multiCarrierDigestPrefix + sign(body, []byte(norm.NFKD.String(secret)))
	return hmac.Equal([]byte(header), []byte(want))
}

func sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
