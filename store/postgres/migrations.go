package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the tally store (PostgreSQL).
var Migrations = migrate.NewGroup("tally")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tally_accounts",
			Version: "20260601000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_accounts (
    id                   TEXT PRIMARY KEY,
    username             TEXT NOT NULL DEFAULT '',
    email                TEXT NOT NULL DEFAULT '',
    family_name          TEXT NOT NULL DEFAULT '',
    given_name           TEXT NOT NULL DEFAULT '',
    currency             TEXT NOT NULL DEFAULT 'usd',
    balance_micros       BIGINT NOT NULL DEFAULT 0,
    monthly_usage        JSONB NOT NULL DEFAULT '{}',
    token_count          BIGINT NOT NULL DEFAULT 0,
    dollar_usage_micros  BIGINT NOT NULL DEFAULT 0,
    accrued_total_micros BIGINT NOT NULL DEFAULT 0,
    purchase_history     JSONB NOT NULL DEFAULT '[]',
    disabled             BOOLEAN NOT NULL DEFAULT FALSE,
    last_active_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version              BIGINT NOT NULL DEFAULT 1,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_accounts_disabled ON tally_accounts (disabled);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_coupons",
			Version: "20260601000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_coupons (
    id            TEXT PRIMARY KEY,
    code          TEXT NOT NULL,
    amount_micros BIGINT NOT NULL DEFAULT 0,
    currency      TEXT NOT NULL DEFAULT 'usd',
    expires_at    TIMESTAMPTZ,
    redeemed      BOOLEAN NOT NULL DEFAULT FALSE,
    redeemed_by   TEXT NOT NULL DEFAULT '',
    redeemed_at   TIMESTAMPTZ,
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_coupons_code ON tally_coupons (code);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_coupons`)
				return err
			},
		},
	)
}
