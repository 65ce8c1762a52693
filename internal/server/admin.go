package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/tournevent/labelflow/internal/fees"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/reqctx"
)

// refundRequest is the body of a scheduled refund.
type refundRequest struct {
	Amount        int64              `json:"amount"`
	Reason        string             `json:"reason"`
	Items         []order.RefundItem `json:"items"`
	RefundPayment bool               `json:"refund_payment"`
	RestockItems  bool               `json:"restock_items"`
	// ReverseFee also refunds the non-return fee charge.
	ReverseFee bool `json:"reverse_fee"`
}

type paymentRequest struct {
	TestMode bool `json:"test_mode"`
}

func (s *Server) adminRoutes(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		name    string
		h       http.HandlerFunc
	}{
		{"POST /admin/orders/{id}/labels", "generate_labels", s.handleGenerate},
		{"POST /admin/orders/{id}/labels/resume", "resume_return_label", s.handleResume},
		{"POST /admin/orders/{id}/labels/merge", "merge_labels", s.handleMerge},
		{"POST /admin/orders/{id}/labels/reset", "reset_labels", s.handleReset},
		{"POST /admin/orders/{id}/labels/email", "email_return_label", s.handleEmailLabel},
		{"POST /admin/orders/{id}/payment", "record_payment", s.handlePayment},
		{"POST /admin/orders/{id}/return-period/extend", "extend_return_period", s.handleExtend},
		{"POST /admin/orders/{id}/fees/{sub}", "charge_partial_fee", s.handlePartialFee},
		{"POST /admin/orders/{id}/refunds", "schedule_refund", s.handleRefund},
	}
	for _, rt := range routes {
		mux.HandleFunc(rt.pattern, s.instrument(rt.name, s.requireAdmin(rt.name, rt.h)))
	}
}

// requireAdmin checks the bearer token and marks the request interactive.
func (s *Server) requireAdmin(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.AdminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "Sorry, you are not allowed to do that.")
			return
		}
		ctx := reqctx.With(r.Context(), reqctx.Scope{
			RequestID:   r.Header.Get("X-Request-Id"),
			Interactive: true,
			Source:      "admin:" + name,
		})
		h(w, r.WithContext(ctx))
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeFailure(w, http.StatusBadRequest, "INVALID_ORDER_ID", "Invalid Order ID")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Labels.GenerateLabels(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Labels.ResumeReturnLabel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Labels.MergeLabels(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Labels merged"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Labels.ResetLabels(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order reset"})
}

func (s *Server) handleEmailLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.deps.LabelMailer.Send(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email sent successfully"})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Fees.RecordOrderFee(r.Context(), id, req.TestMode); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Fee recorded"})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Fees.ExtendReturnPeriod(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePartialFee(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	sub := fees.Sub(r.PathValue("sub"))
	if sub != fees.SubCharge && sub != fees.SubConvert {
		writeFailure(w, http.StatusBadRequest, "INVALID_SUB", "Unknown fee action")
		return
	}
	res, err := s.deps.Fees.ChargePartialFee(r.Context(), id, sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if req.ReverseFee {
		scope := reqctx.From(ctx)
		scope.ReverseFee = true
		ctx = reqctx.With(ctx, scope)
	}
	refund, err := s.deps.Fees.ScheduleRefund(ctx, id, order.ScheduledRefund{
		Amount:        req.Amount,
		Reason:        req.Reason,
		Items:         req.Items,
		RefundPayment: req.RefundPayment,
		RestockItems:  req.RestockItems,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Fees.ReverseFeeOnRefund(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}
