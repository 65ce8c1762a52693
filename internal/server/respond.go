package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/batch"
	"github.com/tournevent/labelflow/internal/fees"
	"github.com/tournevent/labelflow/internal/labels"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{ErrorCode: code, Message: message})
}

// classify maps a workflow error to its status code and body.
func classify(err error) (int, errorResponse) {
	var le *labels.Error
	if errors.As(err, &le) {
		return le.HTTPStatus(), errorResponse{ErrorCode: le.Code, Message: le.Message}
	}
	var ae *fees.ActionError
	if errors.As(err, &ae) {
		return ae.HTTPStatus(), errorResponse{ErrorCode: strings.ToUpper(ae.Kind.String()), Message: ae.Message}
	}
	switch {
	case errors.Is(err, batch.ErrNoCheckpoint):
		return http.StatusConflict, errorResponse{ErrorCode: "NO_CHECKPOINT", Message: "The label batch was not started"}
	case errors.Is(err, batch.ErrNoPrintingLine):
		return http.StatusInternalServerError, errorResponse{ErrorCode: "CONFIG", Message: "Default printing line not set."}
	case errors.Is(err, fees.ErrInvalidOrder):
		return http.StatusBadRequest, errorResponse{ErrorCode: "INVALID_ORDER", Message: err.Error()}
	}
	return http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL", Message: "Internal error"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Ctx(r.Context()).Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Ctx(r.Context()).Info("Request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, body)
}
