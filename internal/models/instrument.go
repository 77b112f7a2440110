package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstrumentStatus string

const (
	InstrumentActive   InstrumentStatus = "active"
	InstrumentUsed     InstrumentStatus = "used"
	InstrumentInactive InstrumentStatus = "inactive"
	InstrumentExpired  InstrumentStatus = "expired"
)

// StoredValueInstrument is a pre-funded card redeemable against settlements.
type StoredValueInstrument struct {
	ID               int64            `json:"id"`
	Code             string           `json:"code"`
	InitialBalance   decimal.Decimal  `json:"initial_balance"`
	RemainingBalance decimal.Decimal  `json:"remaining_balance"`
	Status           InstrumentStatus `json:"status"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// EffectiveStatus folds the expiry date into the stored status.
func (i *StoredValueInstrument) EffectiveStatus(now time.Time) InstrumentStatus {
	if i.ExpiresAt != nil && !now.Before(*i.ExpiresAt) && i.Status == InstrumentActive {
		return InstrumentExpired
	}
	return i.Status
}

// Reservation is the result of an atomic balance decrement.
type Reservation struct {
	ID               string           `json:"id"`
	InstrumentCode   string           `json:"instrument_code"`
	Amount           decimal.Decimal  `json:"amount"`
	RemainingBalance decimal.Decimal  `json:"remaining_balance"`
	Status           InstrumentStatus `json:"status"`
}
