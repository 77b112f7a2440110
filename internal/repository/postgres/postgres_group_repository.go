package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/split-settlement/internal/models"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const groupTracer = "group-repository"

const groupColumns = `id, group_reference, subject_id, purpose, state, total_amount, fee_amount, grand_total,
	instrument_amount, external_amount, instrument_code, external_reference, redirect_url, metadata,
	claim_token, claim_expires_at, side_effect_status, side_effect_error, created_at, updated_at`

type PostgresGroupRepository struct {
	db *sql.DB
}

func NewPostgresGroupRepository(db *sql.DB) *PostgresGroupRepository {
	return &PostgresGroupRepository{db: db}
}

func (r *PostgresGroupRepository) Create(ctx context.Context, g *models.SettlementGroup) (err error) {
	ctx, span, done := track(ctx, groupTracer, "CreateSettlementGroup")
	defer done(&err)
	span.SetAttributes(attribute.String("group_reference", g.Reference), attribute.String("state", string(g.State)))

	metadata, err := json.Marshal(g.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if g.Metadata == nil {
		metadata = []byte("{}")
	}
	if g.SideEffectStatus == "" {
		g.SideEffectStatus = models.SideEffectNone
	}

	query := `
		INSERT INTO settlement_groups (group_reference, subject_id, purpose, state, total_amount, fee_amount,
			grand_total, instrument_amount, external_amount, instrument_code, external_reference, redirect_url,
			metadata, side_effect_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		g.Reference, g.SubjectID, g.Purpose, g.State, g.TotalAmount, g.FeeAmount, g.GrandTotal,
		g.InstrumentAmount, g.ExternalAmount, nullString(g.InstrumentCode), nullString(g.ExternalReference),
		nullString(g.RedirectURL), metadata, g.SideEffectStatus,
	).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if isUniqueViolation(err) {
		err = fmt.Errorf("%w: group %s", pkgerrors.ErrDuplicateReference, g.Reference)
		return err
	}
	if err != nil {
		slog.Error("failed to create settlement group", "method", "Create", "group_reference", g.Reference, "error", err)
		return fmt.Errorf("failed to create settlement group: %w", err)
	}

	slog.Info("settlement group created", "method", "Create", "group_reference", g.Reference, "state", g.State)
	return nil
}

func (r *PostgresGroupRepository) GetByReference(ctx context.Context, reference string) (g *models.SettlementGroup, err error) {
	ctx, _, done := track(ctx, groupTracer, "GetSettlementGroup")
	defer done(&err)

	query := `SELECT ` + groupColumns + ` FROM settlement_groups WHERE group_reference = $1`
	g, err = scanGroup(conn(ctx, r.db).QueryRowContext(ctx, query, reference))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrGroupNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get settlement group", "method", "GetByReference", "group_reference", reference, "error", err)
		return nil, fmt.Errorf("failed to get settlement group: %w", err)
	}
	return g, nil
}

func (r *PostgresGroupRepository) ClaimFinalize(ctx context.Context, reference, token string, leaseUntil time.Time) (ok bool, err error) {
	ctx, _, done := track(ctx, groupTracer, "ClaimFinalize")
	defer done(&err)

	query := `
		UPDATE settlement_groups
		SET state = 'finalizing', claim_token = $2, claim_expires_at = $3, updated_at = now()
		WHERE group_reference = $1
		  AND (state = 'awaiting_external' OR (state = 'finalizing' AND claim_expires_at < now()))`
	return r.execAffected(ctx, "ClaimFinalize", query, reference, token, leaseUntil)
}

func (r *PostgresGroupRepository) ReleaseClaim(ctx context.Context, reference, token string) (err error) {
	ctx, _, done := track(ctx, groupTracer, "ReleaseClaim")
	defer done(&err)

	query := `
		UPDATE settlement_groups
		SET state = 'awaiting_external', claim_token = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE group_reference = $1 AND state = 'finalizing' AND claim_token = $2`
	_, err = r.execAffected(ctx, "ReleaseClaim", query, reference, token)
	return err
}

func (r *PostgresGroupRepository) CompleteFinalize(ctx context.Context, reference, token string, state models.GroupState) (ok bool, err error) {
	ctx, _, done := track(ctx, groupTracer, "CompleteFinalize")
	defer done(&err)

	if !state.IsTerminal() {
		err = fmt.Errorf("%w: %q is not a terminal group state", pkgerrors.ErrInvariantViolation, state)
		return false, err
	}
	sideEffect := models.SideEffectNone
	if state == models.GroupSettled {
		sideEffect = models.SideEffectPending
	}

	query := `
		UPDATE settlement_groups
		SET state = $3, side_effect_status = $4, claim_token = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE group_reference = $1 AND state = 'finalizing' AND claim_token = $2`
	return r.execAffected(ctx, "CompleteFinalize", query, reference, token, state, sideEffect)
}

func (r *PostgresGroupRepository) ClaimSideEffect(ctx context.Context, reference string, from ...models.SideEffectStatus) (ok bool, err error) {
	ctx, _, done := track(ctx, groupTracer, "ClaimSideEffect")
	defer done(&err)

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	query := `
		UPDATE settlement_groups
		SET side_effect_status = 'running', updated_at = now()
		WHERE group_reference = $1 AND state = 'settled' AND side_effect_status = ANY($2)`
	return r.execAffected(ctx, "ClaimSideEffect", query, reference, pq.Array(statuses))
}

func (r *PostgresGroupRepository) RecordSideEffect(ctx context.Context, reference string, status models.SideEffectStatus, errText string) (err error) {
	ctx, _, done := track(ctx, groupTracer, "RecordSideEffect")
	defer done(&err)

	query := `
		UPDATE settlement_groups
		SET side_effect_status = $2, side_effect_error = $3, updated_at = now()
		WHERE group_reference = $1 AND side_effect_status = 'running'`
	ok, err := r.execAffected(ctx, "RecordSideEffect", query, reference, status, nullString(errText))
	if err != nil {
		return err
	}
	if !ok {
		err = fmt.Errorf("%w: side effect of %s was not running", pkgerrors.ErrInvariantViolation, reference)
		return err
	}
	return nil
}

func (r *PostgresGroupRepository) ListStale(ctx context.Context, olderThan, now time.Time, limit int) (groups []models.SettlementGroup, err error) {
	ctx, _, done := track(ctx, groupTracer, "ListStaleGroups")
	defer done(&err)

	query := `SELECT ` + groupColumns + ` FROM settlement_groups
		WHERE (state = 'awaiting_external' AND updated_at < $1)
		   OR (state = 'finalizing' AND claim_expires_at < $2)
		ORDER BY updated_at
		LIMIT $3`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, olderThan, now, limit)
	if err != nil {
		slog.Error("failed to list stale groups", "method", "ListStale", "error", err)
		return nil, fmt.Errorf("failed to list stale groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g *models.SettlementGroup
		if g, err = scanGroup(rows); err != nil {
			return nil, fmt.Errorf("failed to scan settlement group: %w", err)
		}
		groups = append(groups, *g)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlement groups: %w", err)
	}
	return groups, nil
}

func (r *PostgresGroupRepository) execAffected(ctx context.Context, method, query string, args ...any) (bool, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("conditional update failed", "method", method, "error", err)
		return false, fmt.Errorf("failed to %s: %w", method, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func scanGroup(row rowScanner) (*models.SettlementGroup, error) {
	var g models.SettlementGroup
	var instrumentCode, externalRef, redirectURL, claimToken, sideEffectErr sql.NullString
	var claimExpiresAt sql.NullTime
	var metadata []byte
	err := row.Scan(&g.ID, &g.Reference, &g.SubjectID, &g.Purpose, &g.State, &g.TotalAmount, &g.FeeAmount,
		&g.GrandTotal, &g.InstrumentAmount, &g.ExternalAmount, &instrumentCode, &externalRef, &redirectURL,
		&metadata, &claimToken, &claimExpiresAt, &g.SideEffectStatus, &sideEffectErr, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.InstrumentCode = instrumentCode.String
	g.ExternalReference = externalRef.String
	g.RedirectURL = redirectURL.String
	g.ClaimToken = claimToken.String
	g.SideEffectError = sideEffectErr.String
	if claimExpiresAt.Valid {
		g.ClaimExpiresAt = &claimExpiresAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &g.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &g, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
