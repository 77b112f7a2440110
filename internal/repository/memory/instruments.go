package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/honeynil/split-settlement/internal/models"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
)

type InstrumentRepository struct {
	s *Store
}

func (r *InstrumentRepository) Create(ctx context.Context, inst *models.StoredValueInstrument) error {
	defer r.s.lock(ctx)()

	if inst == nil || inst.Code == "" {
		return fmt.Errorf("%w: instrument code is required", pkgerrors.ErrValidation)
	}
	if !inst.InitialBalance.IsPositive() {
		return fmt.Errorf("%w: initial balance must be positive", pkgerrors.ErrInvalidAmount)
	}
	if _, ok := r.s.instruments[inst.Code]; ok {
		return fmt.Errorf("%w: instrument %s", pkgerrors.ErrDuplicateReference, inst.Code)
	}

	now := r.s.now()
	inst.ID = r.s.id()
	inst.RemainingBalance = inst.InitialBalance
	inst.Status = models.InstrumentActive
	inst.CreatedAt, inst.UpdatedAt = now, now
	r.s.instruments[inst.Code] = *inst
	return nil
}

func (r *InstrumentRepository) GetByCode(ctx context.Context, code string) (*models.StoredValueInstrument, error) {
	defer r.s.lock(ctx)()

	inst, ok := r.s.instruments[code]
	if !ok {
		return nil, pkgerrors.ErrInstrumentNotFound
	}
	return &inst, nil
}

func (r *InstrumentRepository) Reserve(ctx context.Context, code string, amount decimal.Decimal) (*models.Reservation, error) {
	defer r.s.lock(ctx)()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: reservation must be positive", pkgerrors.ErrInvalidAmount)
	}
	inst, ok := r.s.instruments[code]
	switch {
	case !ok:
		return nil, pkgerrors.ErrInstrumentNotFound
	case inst.EffectiveStatus(r.s.now()) != models.InstrumentActive:
		return nil, pkgerrors.ErrInstrumentNotActive
	case inst.RemainingBalance.LessThan(amount):
		return nil, pkgerrors.ErrInsufficientBalance
	}

	inst.RemainingBalance = inst.RemainingBalance.Sub(amount)
	if inst.RemainingBalance.IsZero() {
		inst.Status = models.InstrumentUsed
	}
	inst.UpdatedAt = r.s.now()
	r.s.instruments[code] = inst

	return &models.Reservation{
		ID:               uuid.NewString(),
		InstrumentCode:   code,
		Amount:           amount,
		RemainingBalance: inst.RemainingBalance,
		Status:           inst.Status,
	}, nil
}

func (r *InstrumentRepository) Release(ctx context.Context, code string, amount decimal.Decimal) (*models.StoredValueInstrument, error) {
	defer r.s.lock(ctx)()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: release must be positive", pkgerrors.ErrInvalidAmount)
	}
	inst, ok := r.s.instruments[code]
	if !ok {
		return nil, pkgerrors.ErrInstrumentNotFound
	}
	next := inst.RemainingBalance.Add(amount)
	if next.GreaterThan(inst.InitialBalance) {
		return nil, fmt.Errorf("%w: release of %s would exceed initial balance", pkgerrors.ErrInvariantViolation, amount)
	}

	inst.RemainingBalance = next
	if inst.Status == models.InstrumentUsed {
		inst.Status = models.InstrumentActive
	}
	inst.UpdatedAt = r.s.now()
	r.s.instruments[code] = inst
	return &inst, nil
}
