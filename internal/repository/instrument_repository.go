package repository

import (
	"context"

	"github.com/honeynil/split-settlement/internal/models"
	"github.com/shopspring/decimal"
)

// InstrumentRepository owns stored-value balances. Reserve and Release must be
// single conditional writes so the balance never goes negative under
// concurrent settlements.
type InstrumentRepository interface {
	Create(ctx context.Context, inst *models.StoredValueInstrument) error
	GetByCode(ctx context.Context, code string) (*models.StoredValueInstrument, error)
	Reserve(ctx context.Context, code string, amount decimal.Decimal) (*models.Reservation, error)
	Release(ctx context.Context, code string, amount decimal.Decimal) (*models.StoredValueInstrument, error)
}
