package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/honeynil/split-settlement/internal/infrastructure/auth"
	"github.com/honeynil/split-settlement/internal/models"
	service "github.com/honeynil/split-settlement/internal/services"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) IssueInstrument(ctx context.Context, code string, balance decimal.Decimal, expiresAt *time.Time) (*models.StoredValueInstrument, error) {
	args := m.Called(ctx, code, balance, expiresAt)
	inst, _ := args.Get(0).(*models.StoredValueInstrument)
	return inst, args.Error(1)
}

func (m *mockService) GetInstrument(ctx context.Context, code string) (*models.StoredValueInstrument, error) {
	args := m.Called(ctx, code)
	inst, _ := args.Get(0).(*models.StoredValueInstrument)
	return inst, args.Error(1)
}

func (m *mockService) Begin(ctx context.Context, req service.BeginRequest) (*service.BeginResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*service.BeginResult)
	return res, args.Error(1)
}

func (m *mockService) Complete(ctx context.Context, groupReference string) (*service.FinalizeResult, error) {
	args := m.Called(ctx, groupReference)
	res, _ := args.Get(0).(*service.FinalizeResult)
	return res, args.Error(1)
}

func (m *mockService) Finalize(ctx context.Context, referenceID string) (*service.FinalizeResult, error) {
	args := m.Called(ctx, referenceID)
	res, _ := args.Get(0).(*service.FinalizeResult)
	return res, args.Error(1)
}

func (m *mockService) GetSettlement(ctx context.Context, groupReference string) (*service.SettlementView, error) {
	args := m.Called(ctx, groupReference)
	view, _ := args.Get(0).(*service.SettlementView)
	return view, args.Error(1)
}

func (m *mockService) RetrySideEffect(ctx context.Context, groupReference string) (*service.FinalizeResult, error) {
	args := m.Called(ctx, groupReference)
	res, _ := args.Get(0).(*service.FinalizeResult)
	return res, args.Error(1)
}

func (m *mockService) RegisterSideEffect(purpose string, fn service.SideEffectFunc) {
	m.Called(purpose, fn)
}

type stubReceiver struct {
	err       error
	payload   string
	signature string
}

func (s *stubReceiver) Handle(_ context.Context, payload []byte, signature string) error {
	s.payload, s.signature = string(payload), signature
	return s.err
}

func (s *stubReceiver) SignatureHeader() string { return "X-Test-Signature" }

func newRouter(svc *mockService, receiver *stubReceiver) *mux.Router {
	h := NewHandler(svc, receiver)
	r := mux.NewRouter()
	h.RegisterPublicRoutes(r)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if subject := req.Header.Get("X-Subject"); subject != "" {
				req = req.WithContext(auth.WithSubject(req.Context(), subject))
			}
			if role := req.Header.Get("X-Role"); role != "" {
				req = req.WithContext(auth.WithRole(req.Context(), role))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.RegisterProtectedRoutes(api)
	return r
}

func do(t *testing.T, r http.Handler, method, path, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doAs(t, r, method, path, subject, "", body)
}

func doAs(t *testing.T, r http.Handler, method, path, subject, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	if role != "" {
		req.Header.Set("X-Role", role)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHandler_Begin(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Begin", mock.Anything, mock.MatchedBy(func(req service.BeginRequest) bool {
			return req.SubjectID == "user-1" && req.Amount.Equal(decimal.NewFromInt(100)) && req.InstrumentCode == "GC-30"
		})).Return(&service.BeginResult{
			GroupReference:    "grp-1",
			State:             models.GroupAwaitingExternal,
			ExternalReference: "ext-1",
			ExternalAmountDue: decimal.NewFromInt(75),
		}, nil).Once()

		rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodPost, "/api/settlements", "user-1",
			`{"purpose":"subscription-purchase","amount":"100","instrument_code":"GC-30"}`)

		assert.Equal(t, http.StatusCreated, rec.Code)
		var res service.BeginResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "ext-1", res.ExternalReference)
		assert.True(t, res.ExternalAmountDue.Equal(decimal.NewFromInt(75)))
		svc.AssertExpectations(t)
	})

	t.Run("ErrorClasses", func(t *testing.T) {
		tests := []struct {
			err    error
			status int
			msg    string
		}{
			{fmt.Errorf("%w: amount must be positive", pkgerrors.ErrInvalidAmount), http.StatusBadRequest, pkgerrors.MsgInvalidRequest},
			{pkgerrors.ErrInsufficientBalance, http.StatusPaymentRequired, pkgerrors.MsgInsufficientFunds},
			{fmt.Errorf("initialize: %w", pkgerrors.ErrGatewayUnreachable), http.StatusServiceUnavailable, pkgerrors.MsgRetryLater},
			{fmt.Errorf("release: %w", pkgerrors.ErrInvariantViolation), http.StatusInternalServerError, pkgerrors.MsgInternal},
		}
		for _, tt := range tests {
			svc := &mockService{}
			svc.On("Begin", mock.Anything, mock.Anything).Return(nil, tt.err).Once()
			rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodPost, "/api/settlements", "user-1", `{"amount":"10"}`)
			assert.Equal(t, tt.status, rec.Code, tt.err.Error())
			assert.Equal(t, tt.msg, errorOf(t, rec))
		}
	})

	t.Run("ClientFeeIgnored", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Begin", mock.Anything, mock.MatchedBy(func(req service.BeginRequest) bool {
			return req.FeePercent == nil
		})).Return(&service.BeginResult{GroupReference: "grp-1", State: models.GroupAwaitingExternal}, nil).Once()

		rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodPost, "/api/settlements", "user-1",
			`{"purpose":"subscription-purchase","amount":"100","instrument_code":"GC-30","fee_percent":"0"}`)

		assert.Equal(t, http.StatusCreated, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		svc := &mockService{}
		rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodPost, "/api/settlements", "user-1", `{`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Begin", mock.Anything, mock.Anything)
	})

	t.Run("NoSubject", func(t *testing.T) {
		rec := do(t, newRouter(&mockService{}, &stubReceiver{}), http.MethodPost, "/api/settlements", "", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandler_SettlementOwnership(t *testing.T) {
	view := &service.SettlementView{Group: &models.SettlementGroup{Reference: "grp-1", SubjectID: "user-1"}}

	t.Run("OwnerSeesGroup", func(t *testing.T) {
		svc := &mockService{}
		svc.On("GetSettlement", mock.Anything, "grp-1").Return(view, nil).Once()
		rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodGet, "/api/settlements/grp-1", "user-1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("OtherSubjectGetsNotFound", func(t *testing.T) {
		svc := &mockService{}
		svc.On("GetSettlement", mock.Anything, "grp-1").Return(view, nil)
		r := newRouter(svc, &stubReceiver{})

		rec := do(t, r, http.MethodGet, "/api/settlements/grp-1", "user-2", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = do(t, r, http.MethodPost, "/api/settlements/grp-1/complete", "user-2", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		svc.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	})

	t.Run("UnknownGroup", func(t *testing.T) {
		svc := &mockService{}
		svc.On("GetSettlement", mock.Anything, "nope").Return(nil, pkgerrors.ErrGroupNotFound).Once()
		rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodGet, "/api/settlements/nope", "user-1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, pkgerrors.MsgNotFound, errorOf(t, rec))
	})
}

func TestHandler_Complete(t *testing.T) {
	view := &service.SettlementView{Group: &models.SettlementGroup{Reference: "grp-1", SubjectID: "user-1"}}

	tests := []struct {
		name string
		res  *service.FinalizeResult
		msg  string
	}{
		{"Settled", &service.FinalizeResult{GroupReference: "grp-1", State: models.GroupSettled}, ""},
		{"RolledBack", &service.FinalizeResult{GroupReference: "grp-1", State: models.GroupRolledBack}, pkgerrors.MsgRolledBack},
		{"RetryLater", &service.FinalizeResult{GroupReference: "grp-1", State: models.GroupAwaitingExternal, RetryLater: true}, pkgerrors.MsgRetryLater},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("GetSettlement", mock.Anything, "grp-1").Return(view, nil).Once()
			svc.On("Complete", mock.Anything, "grp-1").Return(tt.res, nil).Once()

			rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodPost, "/api/settlements/grp-1/complete", "user-1", "")
			require.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				State   models.GroupState `json:"state"`
				Message string            `json:"message"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.res.State, body.State)
			assert.Equal(t, tt.msg, body.Message)
		})
	}
}

func TestHandler_RetrySideEffect(t *testing.T) {
	view := &service.SettlementView{Group: &models.SettlementGroup{Reference: "grp-1", SubjectID: "user-1"}}
	svc := &mockService{}
	svc.On("GetSettlement", mock.Anything, "grp-1").Return(view, nil)
	svc.On("RetrySideEffect", mock.Anything, "grp-1").Return(nil, pkgerrors.ErrSideEffectNotRetryable).Once()

	rec := do(t, newRouter(svc, &stubReceiver{}), http.MethodPost, "/api/settlements/grp-1/side-effect/retry", "user-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Instruments(t *testing.T) {
	t.Run("Operator", func(t *testing.T) {
		svc := &mockService{}
		svc.On("IssueInstrument", mock.Anything, "GC-30", mock.MatchedBy(func(d decimal.Decimal) bool {
			return d.Equal(decimal.NewFromInt(30))
		}), (*time.Time)(nil)).Return(&models.StoredValueInstrument{Code: "GC-30", Status: models.InstrumentActive}, nil).Once()
		svc.On("GetInstrument", mock.Anything, "GC-404").Return(nil, pkgerrors.ErrInstrumentNotFound).Once()
		r := newRouter(svc, &stubReceiver{})

		rec := doAs(t, r, http.MethodPost, "/api/instruments", "ops", auth.RoleOperator, `{"code":"GC-30","balance":"30"}`)
		assert.Equal(t, http.StatusCreated, rec.Code)

		rec = doAs(t, r, http.MethodGet, "/api/instruments/GC-404", "ops", auth.RoleOperator, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("PlainSubjectForbidden", func(t *testing.T) {
		svc := &mockService{}
		r := newRouter(svc, &stubReceiver{})

		rec := do(t, r, http.MethodPost, "/api/instruments", "user-1", `{"code":"GC-FREE","balance":"1000000"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = do(t, r, http.MethodGet, "/api/instruments/GC-30", "user-1", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)

		svc.AssertNotCalled(t, "IssueInstrument", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		svc.AssertNotCalled(t, "GetInstrument", mock.Anything, mock.Anything)
	})
}

func TestHandler_WebhookAlwaysAcknowledges(t *testing.T) {
	for _, err := range []error{nil, pkgerrors.ErrSignatureInvalid, pkgerrors.ErrGatewayTimeout} {
		receiver := &stubReceiver{err: err}
		req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(`{"event":"charge.success"}`))
		req.Header.Set("X-Test-Signature", "sig")
		rec := httptest.NewRecorder()

		newRouter(&mockService{}, receiver).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `{"event":"charge.success"}`, receiver.payload)
		assert.Equal(t, "sig", receiver.signature)
	}
}
