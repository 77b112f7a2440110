package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type GroupState string

const (
	GroupInitiated        GroupState = "initiated"
	GroupAwaitingExternal GroupState = "awaiting_external"
	GroupFinalizing       GroupState = "finalizing"
	GroupSettled          GroupState = "settled"
	GroupRolledBack       GroupState = "rolled_back"
)

func (s GroupState) IsTerminal() bool {
	return s == GroupSettled || s == GroupRolledBack
}

type SideEffectStatus string

const (
	SideEffectNone    SideEffectStatus = "none"
	SideEffectPending SideEffectStatus = "pending"
	SideEffectRunning SideEffectStatus = "running"
	SideEffectDone    SideEffectStatus = "done"
	SideEffectFailed  SideEffectStatus = "failed"
)

// SettlementGroup is one logical purchase funded by up to three legs.
type SettlementGroup struct {
	ID                int64             `json:"id"`
	Reference         string            `json:"group_reference"`
	SubjectID         string            `json:"subject_id"`
	Purpose           string            `json:"purpose"`
	State             GroupState        `json:"state"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	FeeAmount         decimal.Decimal   `json:"fee_amount"`
	GrandTotal        decimal.Decimal   `json:"grand_total"`
	InstrumentAmount  decimal.Decimal   `json:"instrument_amount"`
	ExternalAmount    decimal.Decimal   `json:"external_amount"`
	InstrumentCode    string            `json:"instrument_code,omitempty"`
	ExternalReference string            `json:"external_reference,omitempty"`
	RedirectURL       string            `json:"redirect_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ClaimToken        string            `json:"-"`
	ClaimExpiresAt    *time.Time        `json:"-"`
	SideEffectStatus  SideEffectStatus  `json:"side_effect_status"`
	SideEffectError   string            `json:"side_effect_error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ClaimActive reports whether another finalizer currently holds the group.
func (g *SettlementGroup) ClaimActive(now time.Time) bool {
	return g.State == GroupFinalizing && g.ClaimExpiresAt != nil && now.Before(*g.ClaimExpiresAt)
}
