package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/split-settlement/internal/models"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const instrumentTracer = "instrument-repository"

type PostgresInstrumentRepository struct {
	db *sql.DB
}

func NewPostgresInstrumentRepository(db *sql.DB) *PostgresInstrumentRepository {
	return &PostgresInstrumentRepository{db: db}
}

func (r *PostgresInstrumentRepository) Create(ctx context.Context, inst *models.StoredValueInstrument) (err error) {
	ctx, _, done := track(ctx, instrumentTracer, "CreateInstrument")
	defer done(&err)

	if inst == nil || inst.Code == "" {
		return fmt.Errorf("%w: instrument code is required", pkgerrors.ErrValidation)
	}
	if !inst.InitialBalance.IsPositive() {
		return fmt.Errorf("%w: initial balance must be positive", pkgerrors.ErrInvalidAmount)
	}

	query := `
		INSERT INTO stored_value_instruments (code, initial_balance, remaining_balance, status, expires_at)
		VALUES ($1, $2, $2, 'active', $3)
		RETURNING id, remaining_balance, status, created_at, updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query, inst.Code, inst.InitialBalance, inst.ExpiresAt).
		Scan(&inst.ID, &inst.RemainingBalance, &inst.Status, &inst.CreatedAt, &inst.UpdatedAt)
	if isUniqueViolation(err) {
		err = fmt.Errorf("%w: instrument %s", pkgerrors.ErrDuplicateReference, inst.Code)
		return err
	}
	if err != nil {
		slog.Error("failed to create instrument", "method", "Create", "code", inst.Code, "error", err)
		return fmt.Errorf("failed to create instrument: %w", err)
	}

	slog.Info("instrument issued", "method", "Create", "id", inst.ID, "balance", inst.InitialBalance.String())
	return nil
}

func (r *PostgresInstrumentRepository) GetByCode(ctx context.Context, code string) (inst *models.StoredValueInstrument, err error) {
	ctx, _, done := track(ctx, instrumentTracer, "GetInstrumentByCode")
	defer done(&err)

	query := `
		SELECT id, code, initial_balance, remaining_balance, status, expires_at, created_at, updated_at
		FROM stored_value_instruments
		WHERE code = $1`
	var i models.StoredValueInstrument
	var expiresAt sql.NullTime
	err = conn(ctx, r.db).QueryRowContext(ctx, query, code).Scan(
		&i.ID, &i.Code, &i.InitialBalance, &i.RemainingBalance, &i.Status, &expiresAt, &i.CreatedAt, &i.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrInstrumentNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get instrument", "method", "GetByCode", "error", err)
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	if expiresAt.Valid {
		i.ExpiresAt = &expiresAt.Time
	}
	return &i, nil
}

// Reserve decrements the balance in one conditional statement. The row is
// only touched when it is active, unexpired and holds at least amount, and
// the status flips to used in the same write when the balance reaches zero.
func (r *PostgresInstrumentRepository) Reserve(ctx context.Context, code string, amount decimal.Decimal) (res *models.Reservation, err error) {
	ctx, span, done := track(ctx, instrumentTracer, "ReserveInstrument")
	defer done(&err)
	span.SetAttributes(attribute.String("amount", amount.String()))

	if !amount.IsPositive() {
		err = fmt.Errorf("%w: reservation must be positive", pkgerrors.ErrInvalidAmount)
		return nil, err
	}

	query := `
		UPDATE stored_value_instruments
		SET remaining_balance = remaining_balance - $2,
		    status = CASE WHEN remaining_balance - $2 = 0 THEN 'used' ELSE status END,
		    updated_at = now()
		WHERE code = $1
		  AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > now())
		  AND remaining_balance >= $2
		RETURNING remaining_balance, status`
	reservation := models.Reservation{
		ID:             uuid.NewString(),
		InstrumentCode: code,
		Amount:         amount,
	}
	err = conn(ctx, r.db).QueryRowContext(ctx, query, code, amount).Scan(&reservation.RemainingBalance, &reservation.Status)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = r.classifyReserveMiss(ctx, code)
		slog.Warn("reservation rejected", "method", "Reserve", "amount", amount.String(), "error", err)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to reserve balance", "method", "Reserve", "error", err)
		return nil, fmt.Errorf("failed to reserve balance: %w", err)
	}

	slog.Info("balance reserved", "method", "Reserve", "reservation_id", reservation.ID,
		"amount", amount.String(), "remaining", reservation.RemainingBalance.String(), "status", reservation.Status)
	return &reservation, nil
}

func (r *PostgresInstrumentRepository) classifyReserveMiss(ctx context.Context, code string) error {
	var status models.InstrumentStatus
	var expiresAt sql.NullTime
	query := `SELECT status, expires_at FROM stored_value_instruments WHERE code = $1`
	err := conn(ctx, r.db).QueryRowContext(ctx, query, code).Scan(&status, &expiresAt)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return pkgerrors.ErrInstrumentNotFound
	case err != nil:
		return fmt.Errorf("failed to inspect instrument: %w", err)
	case status != models.InstrumentActive:
		return pkgerrors.ErrInstrumentNotActive
	case expiresAt.Valid && !time.Now().Before(expiresAt.Time):
		return pkgerrors.ErrInstrumentNotActive
	default:
		return pkgerrors.ErrInsufficientBalance
	}
}

// Release re-credits a previous reservation. Crediting past the initial
// balance means the ledger is corrupt and is refused.
func (r *PostgresInstrumentRepository) Release(ctx context.Context, code string, amount decimal.Decimal) (inst *models.StoredValueInstrument, err error) {
	ctx, span, done := track(ctx, instrumentTracer, "ReleaseInstrument")
	defer done(&err)
	span.SetAttributes(attribute.String("amount", amount.String()))

	if !amount.IsPositive() {
		err = fmt.Errorf("%w: release must be positive", pkgerrors.ErrInvalidAmount)
		return nil, err
	}

	query := `
		UPDATE stored_value_instruments
		SET remaining_balance = remaining_balance + $2,
		    status = CASE WHEN status = 'used' THEN 'active' ELSE status END,
		    updated_at = now()
		WHERE code = $1
		  AND remaining_balance + $2 <= initial_balance
		RETURNING id, code, initial_balance, remaining_balance, status, expires_at, created_at, updated_at`
	var i models.StoredValueInstrument
	var expiresAt sql.NullTime
	err = conn(ctx, r.db).QueryRowContext(ctx, query, code, amount).Scan(
		&i.ID, &i.Code, &i.InitialBalance, &i.RemainingBalance, &i.Status, &expiresAt, &i.CreatedAt, &i.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qErr := conn(ctx, r.db).QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM stored_value_instruments WHERE code = $1)`, code).Scan(&exists); qErr != nil {
			err = fmt.Errorf("failed to inspect instrument: %w", qErr)
			return nil, err
		}
		if !exists {
			err = pkgerrors.ErrInstrumentNotFound
			return nil, err
		}
		err = fmt.Errorf("%w: release of %s would exceed initial balance", pkgerrors.ErrInvariantViolation, amount)
		slog.Error("release refused", "method", "Release", "amount", amount.String(), "error", err)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to release balance", "method", "Release", "error", err)
		return nil, fmt.Errorf("failed to release balance: %w", err)
	}
	if expiresAt.Valid {
		i.ExpiresAt = &expiresAt.Time
	}

	slog.Info("balance released", "method", "Release", "amount", amount.String(),
		"remaining", i.RemainingBalance.String(), "status", i.Status)
	return &i, nil
}
