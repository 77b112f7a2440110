package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single ledger leg of a settlement group.
type Transaction struct {
	ID             int64           `json:"id"`
	ReferenceID    string          `json:"reference_id"`
	GroupReference string          `json:"group_reference"`
	SubjectID      string          `json:"subject_id"`
	Amount         decimal.Decimal `json:"amount"`
	Kind           TransactionKind `json:"kind"`
	Status         StatusType      `json:"status"`
	Purpose        string          `json:"purpose"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type TransactionKind string

// A settlement group carries at most one leg of each kind.
const (
	KindFee           TransactionKind = "fee"
	KindInstrumentUse TransactionKind = "credit_instrument_use"
	KindExternal      TransactionKind = "external_charge"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindFee, KindInstrumentUse, KindExternal:
		return true
	}
	return false
}

type StatusType string

const (
	StatusPending   StatusType = "pending"
	StatusCompleted StatusType = "completed"
	StatusFailed    StatusType = "failed"
)

func (s StatusType) Valid() bool {
	return s == StatusPending || s == StatusCompleted || s == StatusFailed
}

// IsTerminal reports whether no further transition is allowed.
func (s StatusType) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// LegSpec describes one leg to be written by CreateGroup. An empty Status
// means pending.
type LegSpec struct {
	ReferenceID string
	SubjectID   string
	Amount      decimal.Decimal
	Kind        TransactionKind
	Status      StatusType
	Purpose     string
}

// GroupStatus is the aggregate view of every leg in a settlement group.
type GroupStatus struct {
	Total        int
	PendingCount int
	AllCompleted bool
	AnyFailed    bool
}
