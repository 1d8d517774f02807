package mysql

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
	up      []string
}

// MySQL commits DDL implicitly, so each statement runs on its own and every
// statement is written to be re-runnable.
var migrations = []migration{
	{
		version: "20250101000001",
		name:    "create_shops",
		up: []string{`
CREATE TABLE IF NOT EXISTS shops (
    id              BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    name            VARCHAR(255) NOT NULL,
    gstin           VARCHAR(32) NOT NULL DEFAULT '',
    language        VARCHAR(16) NOT NULL DEFAULT 'en',
    invoice_counter BIGINT UNSIGNED NOT NULL DEFAULT 0,
    created_at      DATETIME(6) NOT NULL
) ENGINE=InnoDB`},
	},
	{
		version: "20250101000002",
		name:    "create_products",
		up: []string{`
CREATE TABLE IF NOT EXISTS products (
    id         BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    shop_id    BIGINT NOT NULL,
    name       VARCHAR(255) NOT NULL,
    unit_price DECIMAL(12,2) NOT NULL,
    tax_rate   DECIMAL(5,2) NOT NULL DEFAULT 0,
    quantity   BIGINT NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    KEY idx_products_shop (shop_id, name),
    CONSTRAINT fk_products_shop FOREIGN KEY (shop_id) REFERENCES shops (id) ON DELETE CASCADE,
    CONSTRAINT chk_products_price CHECK (unit_price >= 0),
    CONSTRAINT chk_products_tax CHECK (tax_rate >= 0)
) ENGINE=InnoDB`},
	},
	{
		version: "20250101000003",
		name:    "create_customers",
		up: []string{`
CREATE TABLE IF NOT EXISTS customers (
    id         BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    shop_id    BIGINT NOT NULL,
    name       VARCHAR(255) NOT NULL DEFAULT '',
    contact    VARCHAR(64) NOT NULL,
    email      VARCHAR(255) NOT NULL DEFAULT '',
    created_at DATETIME(6) NOT NULL,
    UNIQUE KEY uq_customers_shop_contact (shop_id, contact),
    CONSTRAINT fk_customers_shop FOREIGN KEY (shop_id) REFERENCES shops (id) ON DELETE CASCADE
) ENGINE=InnoDB`},
	},
	{
		version: "20250101000004",
		name:    "create_invoices",
		up: []string{`
CREATE TABLE IF NOT EXISTS invoices (
    id               BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    shop_id          BIGINT NOT NULL,
    customer_id      BIGINT NULL,
    customer_name    VARCHAR(255) NOT NULL DEFAULT '',
    customer_contact VARCHAR(64) NOT NULL DEFAULT '',
    number           VARCHAR(64) NOT NULL,
    status           VARCHAR(16) NOT NULL DEFAULT 'PAID',
    payment_mode     VARCHAR(32) NOT NULL DEFAULT 'cash',
    subtotal         DECIMAL(14,2) NOT NULL DEFAULT 0,
    tax_total        DECIMAL(14,2) NOT NULL DEFAULT 0,
    grand_total      DECIMAL(14,2) NOT NULL DEFAULT 0,
    total_amount     DECIMAL(14,2) NOT NULL DEFAULT 0,
    created_by       VARCHAR(64) NOT NULL DEFAULT '',
    invoice_date     DATE NOT NULL,
    created_at       DATETIME(6) NOT NULL,
    UNIQUE KEY uq_invoices_shop_number (shop_id, number),
    CONSTRAINT fk_invoices_shop FOREIGN KEY (shop_id) REFERENCES shops (id) ON DELETE CASCADE,
    CONSTRAINT fk_invoices_customer FOREIGN KEY (customer_id) REFERENCES customers (id) ON DELETE SET NULL
) ENGINE=InnoDB`, `
CREATE TABLE IF NOT EXISTS invoice_items (
    id           BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    invoice_id   BIGINT NOT NULL,
    product_id   BIGINT NULL,
    product_name VARCHAR(255) NOT NULL DEFAULT '',
    quantity     BIGINT NOT NULL,
    unit_price   DECIMAL(12,2) NOT NULL,
    tax_rate     DECIMAL(5,2) NOT NULL DEFAULT 0,
    line_total   DECIMAL(14,2) NOT NULL,
    KEY idx_invoice_items_invoice (invoice_id),
    CONSTRAINT fk_invoice_items_invoice FOREIGN KEY (invoice_id) REFERENCES invoices (id) ON DELETE CASCADE,
    CONSTRAINT fk_invoice_items_product FOREIGN KEY (product_id) REFERENCES products (id) ON DELETE SET NULL,
    CONSTRAINT chk_invoice_items_quantity CHECK (quantity > 0)
) ENGINE=InnoDB`},
	},
	{
		version: "20250101000005",
		name:    "create_app_users",
		up: []string{`
CREATE TABLE IF NOT EXISTS app_users (
    username   VARCHAR(64) NOT NULL PRIMARY KEY,
    password   VARCHAR(255) NOT NULL,
    role       VARCHAR(16) NOT NULL DEFAULT 'cashier',
    shop_id    BIGINT NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    CONSTRAINT fk_app_users_shop FOREIGN KEY (shop_id) REFERENCES shops (id) ON DELETE CASCADE
) ENGINE=InnoDB`},
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(32) NOT NULL PRIMARY KEY,
			name       VARCHAR(128) NOT NULL,
			applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied string
		err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
		}

		for _, stmt := range m.up {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
		}
		log.Printf("[mysql] applied migration %s_%s", m.version, m.name)
	}
	return nil
}
