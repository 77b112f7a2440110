// Package gateway is the only place that talks to the external payment
// gateway. Callers see gateway-neutral types; wire formats stay in the
// adapter implementations.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

type InitializeRequest struct {
	// Reference is the idempotency key the charge is created under.
	Reference string
	Amount    decimal.Decimal
	Email     string
	Metadata  map[string]string
}

type InitializeResult struct {
	Reference   string
	RedirectURL string
}

type VerifyResult struct {
	Reference  string
	Status     Status
	AmountPaid decimal.Decimal
	Metadata   map[string]string
}

// Event is an inbound webhook reduced to what settlement needs.
type Event struct {
	Type      string
	Reference string
}

type Gateway interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
	CheckSignature(payload []byte, signature string) bool
	ParseEvent(payload []byte) (*Event, error)
	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
}
