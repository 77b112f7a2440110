package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied on startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS stored_value_instruments (
    id                BIGSERIAL PRIMARY KEY,
    code              TEXT NOT NULL UNIQUE,
    initial_balance   NUMERIC(18,2) NOT NULL CHECK (initial_balance > 0),
    remaining_balance NUMERIC(18,2) NOT NULL CHECK (remaining_balance >= 0),
    status            TEXT NOT NULL CHECK (status IN ('active', 'used', 'inactive', 'expired')),
    expires_at        TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (remaining_balance <= initial_balance)
);

CREATE TABLE IF NOT EXISTS settlement_groups (
    id                 BIGSERIAL PRIMARY KEY,
    group_reference    TEXT NOT NULL UNIQUE,
    subject_id         TEXT NOT NULL,
    purpose            TEXT NOT NULL,
    state              TEXT NOT NULL,
    total_amount       NUMERIC(18,2) NOT NULL,
    fee_amount         NUMERIC(18,2) NOT NULL,
    grand_total        NUMERIC(18,2) NOT NULL,
    instrument_amount  NUMERIC(18,2) NOT NULL,
    external_amount    NUMERIC(18,2) NOT NULL,
    instrument_code    TEXT,
    external_reference TEXT UNIQUE,
    redirect_url       TEXT,
    metadata           JSONB NOT NULL DEFAULT '{}',
    claim_token        TEXT,
    claim_expires_at   TIMESTAMPTZ,
    side_effect_status TEXT NOT NULL DEFAULT 'none',
    side_effect_error  TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
    id              BIGSERIAL PRIMARY KEY,
    reference_id    TEXT NOT NULL UNIQUE,
    group_reference TEXT NOT NULL REFERENCES settlement_groups (group_reference),
    subject_id      TEXT NOT NULL,
    amount          NUMERIC(18,2) NOT NULL CHECK (amount > 0),
    kind            TEXT NOT NULL,
    status          TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
    purpose         TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_group_reference ON transactions (group_reference);
CREATE INDEX IF NOT EXISTS idx_settlement_groups_state_updated ON settlement_groups (state, updated_at);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
