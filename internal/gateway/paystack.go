package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/honeynil/split-settlement/internal/infrastructure/observability"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	paystackTracer    = "paystack-gateway"
	paystackSignature = "X-Paystack-Signature"
	minorUnits        = 100
)

type PaystackConfig struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	// Timeout bounds every single HTTP call.
	Timeout time.Duration
	// VerifyRetries is the number of extra Verify attempts on transient errors.
	VerifyRetries uint64
}

type Paystack struct {
	cfg        PaystackConfig
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

func NewPaystack(cfg PaystackConfig) *Paystack {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Paystack{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackVerifyData struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    int64           `json:"amount"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (p *Paystack) Initialize(ctx context.Context, req InitializeRequest) (res *InitializeResult, err error) {
	ctx, span := otel.Tracer(paystackTracer).Start(ctx, "Initialize")
	defer span.End()
	span.SetAttributes(attribute.String("reference", req.Reference), attribute.String("amount", req.Amount.String()))

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: gateway amount must be positive", pkgerrors.ErrInvalidAmount)
	}

	body, err := json.Marshal(map[string]any{
		"amount":       toMinor(req.Amount),
		"email":        req.Email,
		"reference":    req.Reference,
		"callback_url": p.cfg.CallbackURL,
		"metadata":     req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode initialize request: %w", err)
	}

	// A second Initialize could open a second charge, so it is never retried.
	env, err := p.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var data paystackInitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode initialize response: %w", err)
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}

	slog.Info("gateway charge initialized", "method", "Initialize", "reference", data.Reference, "amount", req.Amount.String())
	return &InitializeResult{Reference: data.Reference, RedirectURL: data.AuthorizationURL}, nil
}

func (p *Paystack) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	ctx, span := otel.Tracer(paystackTracer).Start(ctx, "Verify")
	defer span.End()
	span.SetAttributes(attribute.String("reference", reference))

	var env *paystackEnvelope
	op := func() error {
		var err error
		env, err = p.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
		if err != nil && !pkgerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.cfg.VerifyRetries), ctx)
	notify := func(err error, next time.Duration) {
		slog.Warn("retrying gateway verify", "method", "Verify", "reference", reference, "backoff", next, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var data paystackVerifyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}

	result := &VerifyResult{
		Reference:  data.Reference,
		Status:     mapStatus(data.Status),
		AmountPaid: fromMinor(data.Amount),
		Metadata:   decodeMetadata(data.Metadata),
	}
	if result.Reference == "" {
		result.Reference = reference
	}
	span.SetAttributes(attribute.String("status", string(result.Status)))
	slog.Info("gateway charge verified", "method", "Verify", "reference", reference,
		"gateway_status", data.Status, "status", result.Status, "amount_paid", result.AmountPaid.String())
	return result, nil
}

func (p *Paystack) CheckSignature(payload []byte, signature string) bool {
	if signature == "" || p.cfg.SecretKey == "" {
		return false
	}
	expected := Sign(p.cfg.SecretKey, payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func (p *Paystack) SignatureHeader() string { return paystackSignature }

func (p *Paystack) ParseEvent(payload []byte) (*Event, error) {
	var raw struct {
		Event string `json:"event"`
		Data  struct {
			Reference string `json:"reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", pkgerrors.ErrValidation, err)
	}
	if raw.Data.Reference == "" {
		return nil, fmt.Errorf("%w: webhook payload has no reference", pkgerrors.ErrValidation)
	}
	return &Event{Type: raw.Event, Reference: raw.Data.Reference}, nil
}

// Sign returns the hex HMAC-SHA512 of payload under secret.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha512.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Paystack) do(ctx context.Context, operation, method, path string, body []byte) (*paystackEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		err = classifyTransportError(err)
		observability.GatewayDuration.WithLabelValues(operation, "transport_error").Observe(time.Since(start).Seconds())
		slog.Error("gateway call failed", "operation", operation, "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	defer resp.Body.Close()
	observability.GatewayDuration.WithLabelValues(operation, fmt.Sprintf("%d", resp.StatusCode)).Observe(time.Since(start).Seconds())

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrGatewayReferenceNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", pkgerrors.ErrGatewayUnreachable, resp.StatusCode)
	}

	var env paystackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", pkgerrors.ErrGatewayUnreachable, err)
	}
	if resp.StatusCode >= 400 || !env.Status {
		if strings.Contains(strings.ToLower(env.Message), "not found") {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrGatewayReferenceNotFound, env.Message)
		}
		return nil, fmt.Errorf("%w: gateway rejected request (%d): %s", pkgerrors.ErrValidation, resp.StatusCode, env.Message)
	}
	return &env, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", pkgerrors.ErrGatewayTimeout, err)
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnreachable, err)
}

func mapStatus(s string) Status {
	switch strings.ToLower(s) {
	case "success":
		return StatusSuccess
	case "failed", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(minorUnits)).Round(0).IntPart()
}

func fromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, 0).Div(decimal.NewFromInt(minorUnits))
}

// decodeMetadata tolerates the gateway returning metadata as an object, a
// JSON string, or an empty string.
func decodeMetadata(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil || s == "" || json.Unmarshal([]byte(s), &obj) != nil {
			return nil
		}
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if str, ok := v.(string); ok {
			out[k] = str
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
