package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaystack(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Paystack {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewPaystack(PaystackConfig{
		BaseURL:       srv.URL,
		SecretKey:     "sk_test",
		CallbackURL:   "https://shop.example/return",
		Timeout:       timeout,
		VerifyRetries: 2,
	})
	p.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return p
}

func TestPaystack_Initialize(t *testing.T) {
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(7500), body["amount"])
		assert.Equal(t, "ref-1", body["reference"])

		_, _ = io.WriteString(w, `{"status":true,"message":"ok","data":{"authorization_url":"https://pay.example/abc","access_code":"abc","reference":"ref-1"}}`)
	}, time.Second)

	res, err := p.Initialize(context.Background(), InitializeRequest{Reference: "ref-1", Amount: decimal.NewFromInt(75), Email: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "ref-1", res.Reference)
	assert.Equal(t, "https://pay.example/abc", res.RedirectURL)
}

func TestPaystack_InitializeIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, time.Second)

	_, err := p.Initialize(context.Background(), InitializeRequest{Reference: "ref-1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayUnreachable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPaystack_InitializeRejectsNonPositive(t *testing.T) {
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called")
	}, time.Second)

	_, err := p.Initialize(context.Background(), InitializeRequest{Reference: "ref-1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
}

func TestPaystack_Verify(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   Status
	}{
		{"Success", "success", StatusSuccess},
		{"Failed", "failed", StatusFailed},
		{"Reversed", "reversed", StatusFailed},
		{"Abandoned", "abandoned", StatusPending},
		{"Ongoing", "ongoing", StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/transaction/verify/ref-1", r.URL.Path)
				_, _ = io.WriteString(w, `{"status":true,"message":"ok","data":{"reference":"ref-1","status":"`+tt.status+`","amount":7550,"metadata":{"group_reference":"g1"}}}`)
			}, time.Second)

			res, err := p.Verify(context.Background(), "ref-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.True(t, res.AmountPaid.Equal(decimal.RequireFromString("75.50")))
			assert.Equal(t, "g1", res.Metadata["group_reference"])
		})
	}
}

func TestPaystack_VerifyRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"status":true,"data":{"reference":"ref-1","status":"success","amount":100,"metadata":""}}`)
	}, time.Second)

	res, err := p.Verify(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Nil(t, res.Metadata)
}

func TestPaystack_VerifyNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":false,"message":"Transaction reference not found"}`)
	}, time.Second)

	_, err := p.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayReferenceNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPaystack_VerifyTimeout(t *testing.T) {
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}, 20*time.Millisecond)

	_, err := p.Verify(context.Background(), "ref-1")
	assert.ErrorIs(t, err, pkgerrors.ErrGatewayTimeout)
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestPaystack_CheckSignature(t *testing.T) {
	p := NewPaystack(PaystackConfig{SecretKey: "sk_test"})
	payload := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)

	assert.True(t, p.CheckSignature(payload, Sign("sk_test", payload)))
	assert.False(t, p.CheckSignature(payload, Sign("other", payload)))
	assert.False(t, p.CheckSignature(append(payload, ' '), Sign("sk_test", payload)))
	assert.False(t, p.CheckSignature(payload, ""))
}

func TestPaystack_ParseEvent(t *testing.T) {
	p := NewPaystack(PaystackConfig{})

	ev, err := p.ParseEvent([]byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "charge.success", ev.Type)
	assert.Equal(t, "ref-1", ev.Reference)

	_, err = p.ParseEvent([]byte(`{"event":"charge.success","data":{}}`))
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)

	_, err = p.ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)
}
