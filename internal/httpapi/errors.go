package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
	"github.com/ChuLiYu/escrow-ledger/internal/metadata"
)

// errorBody 錯誤回應，kind 是穩定的機器可讀代碼
type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

var (
	errMissingAccount = errors.New("X-Account header required")
	errRateLimited    = errors.New("too many requests")
	errBadRequest     = errors.New("invalid request")
	errNoIndex        = errors.New("indexer not configured")
	errDemoOnly       = errors.New("deposits are only served in demo mode")
)

// statusByKind 帳本錯誤代碼對應的 HTTP 狀態
var statusByKind = map[string]int{
	"job_not_found":       http.StatusNotFound,
	"unauthorized":        http.StatusForbidden,
	"self_acceptance":     http.StatusForbidden,
	"invalid_state":       http.StatusConflict,
	"stale_plan":          http.StatusConflict,
	"recipient_rejected":  http.StatusConflict,
	"insufficient_funds":  http.StatusPaymentRequired,
	"balance_too_low":     http.StatusPaymentRequired,
	"empty_submission":    http.StatusBadRequest,
	"empty_metadata":      http.StatusBadRequest,
	"invalid_amount":      http.StatusBadRequest,
	"invalid_deadline":    http.StatusBadRequest,
	"zero_payout":         http.StatusBadRequest,
	"use_full_release":    http.StatusBadRequest,
	"arithmetic_overflow": http.StatusBadRequest,
}

// classify 回傳錯誤的 HTTP 狀態與代碼
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errMissingAccount):
		return http.StatusUnauthorized, "missing_account"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, errDemoOnly):
		return http.StatusForbidden, "demo_only"
	case errors.Is(err, errNoIndex):
		return http.StatusNotImplemented, "index_unavailable"
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, metadata.ErrNotFound):
		return http.StatusNotFound, "metadata_not_found"
	case errors.Is(err, metadata.ErrInvalidRef):
		return http.StatusBadRequest, "invalid_ref"
	case errors.Is(err, metadata.ErrMissingField):
		return http.StatusBadRequest, "invalid_metadata"
	case errors.Is(err, metadata.ErrInvalidDocument):
		return http.StatusBadRequest, "invalid_document"
	}

	kind := jobmanager.Kind(err)
	if status, ok := statusByKind[kind]; ok {
		return status, kind
	}
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	body := errorBody{Error: http.StatusText(status), Kind: kind, Message: err.Error()}
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err.Error())
		body.Message = "internal error"
	}
	if hint := errors.FlattenHints(err); hint != "" && status != http.StatusInternalServerError {
		body.Message += " (" + hint + ")"
	}
	writeJSON(w, status, body)
}
