package postgres

import "context"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS locations (
		id          text PRIMARY KEY,
		name        text NOT NULL,
		address     text NOT NULL DEFAULT '',
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS staff (
		id                   text PRIMARY KEY,
		full_name            text NOT NULL,
		username             text NOT NULL UNIQUE,
		password_hash        text NOT NULL,
		role                 text NOT NULL,
		can_open_shift       boolean NOT NULL DEFAULT false,
		can_close_shift      boolean NOT NULL DEFAULT false,
		can_manage_inventory boolean NOT NULL DEFAULT false,
		active               boolean NOT NULL DEFAULT true,
		created_at           timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id   text PRIMARY KEY,
		name text NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id                  text PRIMARY KEY,
		location_id         text NOT NULL REFERENCES locations(id),
		category_id         text NOT NULL REFERENCES categories(id),
		name                text NOT NULL,
		unit                text NOT NULL DEFAULT 'pcs',
		price               numeric(12,2) NOT NULL CHECK (price >= 0.01),
		last_purchase_price numeric(12,2) NOT NULL DEFAULT 0,
		active              boolean NOT NULL DEFAULT true,
		created_at          timestamptz NOT NULL DEFAULT now(),
		updated_at          timestamptz NOT NULL DEFAULT now(),
		UNIQUE (location_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS storage_stocks (
		id         text PRIMARY KEY,
		product_id text NOT NULL UNIQUE REFERENCES products(id),
		quantity   numeric(12,2) NOT NULL DEFAULT 0 CHECK (quantity >= 0),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS display_stocks (
		id         text PRIMARY KEY,
		product_id text NOT NULL UNIQUE REFERENCES products(id),
		quantity   numeric(12,2) NOT NULL DEFAULT 0 CHECK (quantity >= 0),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id         text PRIMARY KEY,
		product_id text NOT NULL REFERENCES products(id),
		staff_id   text NOT NULL REFERENCES staff(id),
		supplier   text NOT NULL DEFAULT '',
		quantity   numeric(12,2) NOT NULL CHECK (quantity > 0),
		unit_price numeric(12,2) NOT NULL CHECK (unit_price >= 0),
		total_cost numeric(12,2) NOT NULL,
		notes      text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_purchases_product ON purchases (product_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id         text PRIMARY KEY,
		product_id text NOT NULL REFERENCES products(id),
		staff_id   text NOT NULL REFERENCES staff(id),
		quantity   numeric(12,2) NOT NULL CHECK (quantity > 0),
		notes      text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_product ON transfers (product_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS shifts (
		id             text PRIMARY KEY,
		staff_id       text NOT NULL REFERENCES staff(id),
		location_id    text NOT NULL REFERENCES locations(id),
		started_at     timestamptz NOT NULL DEFAULT now(),
		closed_at      timestamptz,
		is_closed      boolean NOT NULL DEFAULT false,
		total_sales    numeric(12,2) NOT NULL DEFAULT 0,
		total_cash     numeric(12,2) NOT NULL DEFAULT 0,
		total_card     numeric(12,2) NOT NULL DEFAULT 0,
		total_transfer numeric(12,2) NOT NULL DEFAULT 0,
		notes          text NOT NULL DEFAULT '',
		created_at     timestamptz NOT NULL DEFAULT now(),
		updated_at     timestamptz NOT NULL DEFAULT now()
	)`,
	// The open-shift invariant lives in the schema, not application code.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_open_shift_per_location
		ON shifts (location_id) WHERE NOT is_closed`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_location ON shifts (location_id, is_closed)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id          text PRIMARY KEY,
		shift_id    text NOT NULL REFERENCES shifts(id),
		product_id  text NOT NULL REFERENCES products(id),
		tx_type     text NOT NULL CHECK (tx_type IN ('SALE','REFUND','ADJUSTMENT','WRITEOFF')),
		quantity    numeric(12,2) NOT NULL CHECK (quantity > 0),
		amount      numeric(12,2) NOT NULL,
		notes       text NOT NULL DEFAULT '',
		created_at  timestamptz NOT NULL DEFAULT now(),
		exported_at timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_shift ON transactions (shift_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_unexported ON transactions (created_at) WHERE exported_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS payments (
		id             text PRIMARY KEY,
		transaction_id text NOT NULL REFERENCES transactions(id),
		method         text NOT NULL CHECK (method IN ('CASH','CARD','TRANSFER')),
		amount         numeric(12,2) NOT NULL,
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_transaction ON payments (transaction_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS stock_counts (
		id         text PRIMARY KEY,
		shift_id   text NOT NULL REFERENCES shifts(id),
		product_id text NOT NULL REFERENCES products(id),
		quantity   numeric(12,2) NOT NULL,
		notes      text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (shift_id, product_id)
	)`,
}

// Migrate applies the idempotent schema. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
