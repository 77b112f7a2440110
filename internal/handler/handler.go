package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/honeynil/split-settlement/internal/infrastructure/auth"
	"github.com/honeynil/split-settlement/internal/models"
	service "github.com/honeynil/split-settlement/internal/services"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
)

const maxWebhookBody = 1 << 20

// WebhookReceiver is satisfied by service.WebhookReceiver.
type WebhookReceiver interface {
	Handle(ctx context.Context, payload []byte, signature string) error
	SignatureHeader() string
}

type Handler struct {
	service  service.SettlementService
	webhooks WebhookReceiver
}

func NewHandler(s service.SettlementService, webhooks WebhookReceiver) *Handler {
	return &Handler{service: s, webhooks: webhooks}
}

type errorResponse struct {
	Error string `json:"error"`
}

type finalizeResponse struct {
	*service.FinalizeResult
	Message string `json:"message,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	h.writeJSON(w, status, errorResponse{Error: pkgerrors.UserMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case pkgerrors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrGroupNotFound), errors.Is(err, pkgerrors.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrDuplicateReference), errors.Is(err, pkgerrors.ErrSideEffectNotRetryable):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case pkgerrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/gateway", h.Webhook).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/settlements", h.Begin).Methods("POST")
	r.HandleFunc("/settlements/{reference}", h.GetSettlement).Methods("GET")
	r.HandleFunc("/settlements/{reference}/complete", h.Complete).Methods("POST")
	r.HandleFunc("/settlements/{reference}/side-effect/retry", h.RetrySideEffect).Methods("POST")

	// Issuing stored value mints money; only operators may touch instruments.
	operator := auth.RequireRole(auth.RoleOperator)
	r.Handle("/instruments", operator(http.HandlerFunc(h.IssueInstrument))).Methods("POST")
	r.Handle("/instruments/{code}", operator(http.HandlerFunc(h.GetInstrument))).Methods("GET")
}

func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		h.writeError(w, pkgerrors.ErrUnauthorized)
		return
	}

	// The fee rate is server configuration; clients cannot choose it.
	var req struct {
		Purpose        string            `json:"purpose"`
		Amount         decimal.Decimal   `json:"amount"`
		InstrumentCode string            `json:"instrument_code"`
		Email          string            `json:"email"`
		Metadata       map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidation)
		return
	}

	res, err := h.service.Begin(r.Context(), service.BeginRequest{
		SubjectID:      subject,
		Purpose:        req.Purpose,
		Amount:         req.Amount,
		InstrumentCode: req.InstrumentCode,
		Email:          req.Email,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// owned loads the settlement and answers 404 unless the caller owns it.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (*service.SettlementView, bool) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		h.writeError(w, pkgerrors.ErrUnauthorized)
		return nil, false
	}
	view, err := h.service.GetSettlement(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	if view.Group.SubjectID != subject {
		h.writeError(w, pkgerrors.ErrGroupNotFound)
		return nil, false
	}
	return view, true
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	view, ok := h.owned(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	view, ok := h.owned(w, r)
	if !ok {
		return
	}
	res, err := h.service.Complete(r.Context(), view.Group.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finalizeResponse{FinalizeResult: res, Message: outcomeMessage(res)})
}

func (h *Handler) RetrySideEffect(w http.ResponseWriter, r *http.Request) {
	view, ok := h.owned(w, r)
	if !ok {
		return
	}
	res, err := h.service.RetrySideEffect(r.Context(), view.Group.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finalizeResponse{FinalizeResult: res})
}

func outcomeMessage(res *service.FinalizeResult) string {
	switch {
	case res.State == models.GroupRolledBack:
		return pkgerrors.MsgRolledBack
	case res.RetryLater:
		return pkgerrors.MsgRetryLater
	default:
		return ""
	}
}

func (h *Handler) IssueInstrument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code      string          `json:"code"`
		Balance   decimal.Decimal `json:"balance"`
		ExpiresAt *time.Time      `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidation)
		return
	}
	inst, err := h.service.IssueInstrument(r.Context(), req.Code, req.Balance, req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := h.service.GetInstrument(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// Webhook acknowledges every delivery with 200; failures are logged by the
// receiver and recovered by the sweeper or the next delivery.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.webhooks.Handle(r.Context(), payload, r.Header.Get(h.webhooks.SignatureHeader())); err != nil {
		slog.Debug("webhook not applied", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
