package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the tally store (SQLite).
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
    balance_micros       INTEGER NOT NULL DEFAULT 0,
    monthly_usage        TEXT NOT NULL DEFAULT '{}',
    token_count          INTEGER NOT NULL DEFAULT 0,
    dollar_usage_micros  INTEGER NOT NULL DEFAULT 0,
    accrued_total_micros INTEGER NOT NULL DEFAULT 0,
    purchase_history     TEXT NOT NULL DEFAULT '[]',
    disabled             INTEGER NOT NULL DEFAULT 0,
    last_active_at       TEXT NOT NULL DEFAULT (datetime('now')),
    version              INTEGER NOT NULL DEFAULT 1,
    created_at           TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
);
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
    amount_micros INTEGER NOT NULL DEFAULT 0,
    currency      TEXT NOT NULL DEFAULT 'usd',
    expires_at    TEXT,
    redeemed      INTEGER NOT NULL DEFAULT 0,
    redeemed_by   TEXT NOT NULL DEFAULT '',
    redeemed_at   TEXT,
    version       INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
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
