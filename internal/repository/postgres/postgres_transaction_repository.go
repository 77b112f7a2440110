package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/honeynil/split-settlement/internal/models"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const transactionTracer = "transaction-repository"

const transactionColumns = `id, reference_id, group_reference, subject_id, amount, kind, status, purpose, created_at, updated_at`

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) CreateGroup(ctx context.Context, groupReference string, legs []models.LegSpec) (err error) {
	ctx, span, done := track(ctx, transactionTracer, "CreateTransactionGroup")
	defer done(&err)
	span.SetAttributes(attribute.String("group_reference", groupReference), attribute.Int("legs", len(legs)))

	if len(legs) == 0 {
		err = fmt.Errorf("%w: settlement group needs at least one leg", pkgerrors.ErrValidation)
		return err
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO transactions (reference_id, group_reference, subject_id, amount, kind, status, purpose) VALUES `)
	args := make([]any, 0, len(legs)*7)
	for i, leg := range legs {
		if err = validateLeg(leg); err != nil {
			slog.Error("invalid leg", "method", "CreateGroup", "group_reference", groupReference, "error", err)
			return err
		}
		status := leg.Status
		if status == "" {
			status = models.StatusPending
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		args = append(args, leg.ReferenceID, groupReference, leg.SubjectID, leg.Amount, leg.Kind, status, leg.Purpose)
	}

	// One statement: either every leg lands or none does.
	_, err = conn(ctx, r.db).ExecContext(ctx, sb.String(), args...)
	if isUniqueViolation(err) {
		err = fmt.Errorf("%w: group %s", pkgerrors.ErrDuplicateReference, groupReference)
		slog.Warn("duplicate leg reference", "method", "CreateGroup", "group_reference", groupReference)
		return err
	}
	if err != nil {
		slog.Error("failed to create legs", "method", "CreateGroup", "group_reference", groupReference, "error", err)
		return fmt.Errorf("failed to create legs: %w", err)
	}

	slog.Info("legs created", "method", "CreateGroup", "group_reference", groupReference, "count", len(legs))
	return nil
}

func validateLeg(leg models.LegSpec) error {
	switch {
	case leg.ReferenceID == "":
		return fmt.Errorf("%w: leg reference is required", pkgerrors.ErrValidation)
	case !leg.Kind.Valid():
		return fmt.Errorf("%w: invalid transaction kind %q", pkgerrors.ErrValidation, leg.Kind)
	case leg.Status != "" && !leg.Status.Valid():
		return fmt.Errorf("%w: invalid transaction status %q", pkgerrors.ErrValidation, leg.Status)
	case !leg.Amount.IsPositive():
		return fmt.Errorf("%w: leg amount must be positive", pkgerrors.ErrInvalidAmount)
	}
	return nil
}

func (r *PostgresTransactionRepository) GetByReference(ctx context.Context, referenceID string) (tx *models.Transaction, err error) {
	ctx, span, done := track(ctx, transactionTracer, "GetTransactionByReference")
	defer done(&err)
	span.SetAttributes(attribute.String("reference_id", referenceID))

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference_id = $1`
	tx, err = scanTransaction(conn(ctx, r.db).QueryRowContext(ctx, query, referenceID))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction", "method", "GetByReference", "reference_id", referenceID, "error", err)
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) ListByGroup(ctx context.Context, groupReference string) (txs []models.Transaction, err error) {
	ctx, _, done := track(ctx, transactionTracer, "ListTransactionsByGroup")
	defer done(&err)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE group_reference = $1 ORDER BY id`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, groupReference)
	if err != nil {
		slog.Error("failed to list transactions", "method", "ListByGroup", "group_reference", groupReference, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tx *models.Transaction
		if tx, err = scanTransaction(rows); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

// MarkLeg only touches a pending row, so concurrent callers serialize on the
// row and exactly one of them sees the transition.
func (r *PostgresTransactionRepository) MarkLeg(ctx context.Context, referenceID string, outcome models.StatusType) (tx *models.Transaction, err error) {
	ctx, span, done := track(ctx, transactionTracer, "MarkTransactionLeg")
	defer done(&err)
	span.SetAttributes(attribute.String("reference_id", referenceID), attribute.String("outcome", string(outcome)))

	if !outcome.IsTerminal() {
		err = fmt.Errorf("%w: outcome must be terminal, got %q", pkgerrors.ErrValidation, outcome)
		return nil, err
	}

	query := `
		UPDATE transactions SET status = $2, updated_at = now()
		WHERE reference_id = $1 AND status = 'pending'
		RETURNING ` + transactionColumns
	tx, err = scanTransaction(conn(ctx, r.db).QueryRowContext(ctx, query, referenceID, outcome))
	if stderrors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetByReference(ctx, referenceID)
		if getErr != nil {
			err = getErr
			return nil, err
		}
		slog.Info("leg already finalized", "method", "MarkLeg", "reference_id", referenceID, "status", existing.Status)
		err = pkgerrors.ErrAlreadyFinalized
		return existing, err
	}
	if err != nil {
		slog.Error("failed to mark leg", "method", "MarkLeg", "reference_id", referenceID, "error", err)
		return nil, fmt.Errorf("failed to mark leg: %w", err)
	}

	slog.Info("leg finalized", "method", "MarkLeg", "reference_id", referenceID, "status", tx.Status)
	return tx, nil
}

func (r *PostgresTransactionRepository) GroupStatus(ctx context.Context, groupReference string) (status models.GroupStatus, err error) {
	ctx, _, done := track(ctx, transactionTracer, "GetGroupStatus")
	defer done(&err)

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM transactions
		WHERE group_reference = $1`
	var completed, failed int
	err = conn(ctx, r.db).QueryRowContext(ctx, query, groupReference).Scan(&status.Total, &status.PendingCount, &completed, &failed)
	if err != nil {
		slog.Error("failed to get group status", "method", "GroupStatus", "group_reference", groupReference, "error", err)
		return models.GroupStatus{}, fmt.Errorf("failed to get group status: %w", err)
	}
	if status.Total == 0 {
		err = pkgerrors.ErrGroupNotFound
		return models.GroupStatus{}, err
	}
	status.AllCompleted = completed == status.Total
	status.AnyFailed = failed > 0
	return status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(&tx.ID, &tx.ReferenceID, &tx.GroupReference, &tx.SubjectID, &tx.Amount,
		&tx.Kind, &tx.Status, &tx.Purpose, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
