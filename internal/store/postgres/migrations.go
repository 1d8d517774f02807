package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
)

type migration struct {
	version string
	name    string
	up      string
}

var migrations = []migration{
	{
		version: "20250101000001",
		name:    "create_shops",
		up: `
CREATE TABLE IF NOT EXISTS shops (
    id              BIGSERIAL PRIMARY KEY,
    name            TEXT NOT NULL,
    gstin           TEXT NOT NULL DEFAULT '',
    language        TEXT NOT NULL DEFAULT 'en',
    invoice_counter BIGINT NOT NULL DEFAULT 0 CHECK (invoice_counter >= 0),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		version: "20250101000002",
		name:    "create_products",
		up: `
CREATE TABLE IF NOT EXISTS products (
    id         BIGSERIAL PRIMARY KEY,
    shop_id    BIGINT NOT NULL REFERENCES shops (id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    unit_price NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0),
    tax_rate   NUMERIC(5,2) NOT NULL DEFAULT 0 CHECK (tax_rate >= 0),
    quantity   BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_products_shop ON products (shop_id, name);`,
	},
	{
		version: "20250101000003",
		name:    "create_customers",
		up: `
CREATE TABLE IF NOT EXISTS customers (
    id         BIGSERIAL PRIMARY KEY,
    shop_id    BIGINT NOT NULL REFERENCES shops (id) ON DELETE CASCADE,
    name       TEXT NOT NULL DEFAULT '',
    contact    TEXT NOT NULL,
    email      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT uq_customers_shop_contact UNIQUE (shop_id, contact)
);`,
	},
	{
		version: "20250101000004",
		name:    "create_invoices",
		up: `
CREATE TABLE IF NOT EXISTS invoices (
    id               BIGSERIAL PRIMARY KEY,
    shop_id          BIGINT NOT NULL REFERENCES shops (id) ON DELETE CASCADE,
    customer_id      BIGINT REFERENCES customers (id) ON DELETE SET NULL,
    customer_name    TEXT NOT NULL DEFAULT '',
    customer_contact TEXT NOT NULL DEFAULT '',
    number           TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'PAID',
    payment_mode     TEXT NOT NULL DEFAULT 'cash',
    subtotal         NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (subtotal >= 0),
    tax_total        NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (tax_total >= 0),
    grand_total      NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (grand_total >= 0),
    total_amount     NUMERIC(14,2) NOT NULL DEFAULT 0,
    created_by       TEXT NOT NULL DEFAULT '',
    invoice_date     DATE NOT NULL DEFAULT CURRENT_DATE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT uq_invoices_shop_number UNIQUE (shop_id, number)
);

CREATE TABLE IF NOT EXISTS invoice_items (
    id           BIGSERIAL PRIMARY KEY,
    invoice_id   BIGINT NOT NULL REFERENCES invoices (id) ON DELETE CASCADE,
    product_id   BIGINT REFERENCES products (id) ON DELETE SET NULL,
    product_name TEXT NOT NULL DEFAULT '',
    quantity     BIGINT NOT NULL CHECK (quantity > 0),
    unit_price   NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0),
    tax_rate     NUMERIC(5,2) NOT NULL DEFAULT 0 CHECK (tax_rate >= 0),
    line_total   NUMERIC(14,2) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice ON invoice_items (invoice_id);`,
	},
	{
		version: "20250101000005",
		name:    "create_app_users",
		up: `
CREATE TABLE IF NOT EXISTS app_users (
    username   TEXT PRIMARY KEY,
    password   TEXT NOT NULL,
    role       TEXT NOT NULL DEFAULT 'cashier',
    shop_id    BIGINT NOT NULL REFERENCES shops (id) ON DELETE CASCADE,
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var applied string
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_migrations WHERE version = $1`, m.version).Scan(&applied)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx, m.up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[postgres] applied migration %s_%s", m.version, m.name)
	return nil
}
