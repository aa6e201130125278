package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS products (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	unit_price NUMERIC(14,2) NOT NULL DEFAULT 0,
	tax_rate NUMERIC(6,3),
	category_tax_rate_override NUMERIC(6,3),
	stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	reorder_level INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS sales (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	sale_number TEXT NOT NULL,
	customer_id TEXT NOT NULL DEFAULT '',
	customer_name TEXT NOT NULL DEFAULT '',
	customer_email TEXT NOT NULL DEFAULT '',
	items JSONB NOT NULL DEFAULT '[]',
	subtotal NUMERIC(14,2) NOT NULL DEFAULT 0,
	tax_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	total NUMERIC(14,2) NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	source_quote_id TEXT,
	invoice_id TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	sale_date TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE UNIQUE INDEX IF NOT EXISTS sales_source_quote_idx
	ON sales (tenant_id, source_quote_id)
	WHERE source_quote_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS invoices (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	invoice_number TEXT NOT NULL,
	customer_id TEXT NOT NULL DEFAULT '',
	customer_name TEXT NOT NULL DEFAULT '',
	customer_email TEXT NOT NULL DEFAULT '',
	items JSONB NOT NULL DEFAULT '[]',
	subtotal NUMERIC(14,2) NOT NULL DEFAULT 0,
	tax_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	total NUMERIC(14,2) NOT NULL DEFAULT 0,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	is_voided BOOLEAN NOT NULL DEFAULT false,
	void_reason TEXT NOT NULL DEFAULT '',
	voided_at TIMESTAMPTZ,
	voided_by TEXT NOT NULL DEFAULT '',
	sale_id TEXT NOT NULL DEFAULT '',
	refunded_invoice_id TEXT NOT NULL DEFAULT '',
	source_quote_id TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	issue_date TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS quotes (
	tenant_id TEXT NOT NULL,
	id TEXT NOT NULL,
	quote_number TEXT NOT NULL DEFAULT '',
	customer_id TEXT NOT NULL DEFAULT '',
	customer_name TEXT NOT NULL DEFAULT '',
	customer_email TEXT NOT NULL DEFAULT '',
	items JSONB NOT NULL DEFAULT '[]',
	discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	total NUMERIC(14,2) NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	converted_to_sale BOOLEAN NOT NULL DEFAULT false,
	valid_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	actor_username TEXT NOT NULL,
	actor_role TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_logs_tenant_created_idx ON audit_logs (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS app_users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	role TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
