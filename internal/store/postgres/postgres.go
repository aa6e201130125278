package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"comptario/backend/internal/domain"
	"comptario/backend/internal/store"
	"comptario/backend/internal/xid"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const productColumns = `tenant_id, id, name, category, unit_price, tax_rate, category_tax_rate_override, stock, reorder_level, status, updated_at`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var status string
	err := row.Scan(&p.TenantID, &p.ID, &p.Name, &p.Category, &p.UnitPrice, &p.TaxRate, &p.CategoryTaxRateOverride, &p.Stock, &p.ReorderLevel, &status, &p.UpdatedAt)
	p.Status = domain.ProductStatus(status)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE tenant_id = $1
		ORDER BY category, name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, tenantID string, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.TenantID == "" || strings.TrimSpace(product.Name) == "" || product.UnitPrice.IsNegative() || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Status = domain.DeriveProductStatus(product.Stock, product.ReorderLevel)
	product.UpdatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.TenantID, product.ID, product.Name, product.Category, product.UnitPrice, product.TaxRate, product.CategoryTaxRateOverride,
		product.Stock, product.ReorderLevel, string(product.Status), product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) SetProductStock(ctx context.Context, tenantID string, id string, stock int) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = GREATEST($3, 0),
			status = CASE WHEN GREATEST($3, 0) = 0 THEN 'out-of-stock' WHEN GREATEST($3, 0) <= reorder_level THEN 'low' ELSE 'active' END,
			updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+productColumns+`
	`, tenantID, id, stock))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

const saleColumns = `tenant_id, id, sale_number, customer_id, customer_name, customer_email, items, subtotal, tax_amount, discount_amount, total,
	status, COALESCE(source_quote_id, ''), invoice_id, notes, sale_date, created_by, updated_by, created_at, updated_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var items []byte
	var status string
	err := row.Scan(&sale.TenantID, &sale.ID, &sale.SaleNumber, &sale.CustomerID, &sale.CustomerName, &sale.CustomerEmail, &items,
		&sale.Subtotal, &sale.TaxAmount, &sale.DiscountAmount, &sale.Total, &status, &sale.SourceQuoteID, &sale.InvoiceID,
		&sale.Notes, &sale.SaleDate, &sale.CreatedBy, &sale.UpdatedBy, &sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		return sale, err
	}
	if err := json.Unmarshal(items, &sale.Items); err != nil {
		return sale, fmt.Errorf("decode sale %s items: %w", sale.ID, err)
	}
	sale.Status = domain.NormalizeSaleStatus(status)
	sale.SaleDate = sale.SaleDate.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()
	return sale, nil
}

func (s *Store) querySales(ctx context.Context, q queryer, where string, args ...any) ([]domain.Sale, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) ListSales(ctx context.Context, tenantID string) ([]domain.Sale, error) {
	return s.querySales(ctx, s.db, `tenant_id = $1 ORDER BY created_at DESC`, tenantID)
}

func (s *Store) GetSale(ctx context.Context, tenantID string, id string) (*domain.Sale, error) {
	return firstSale(s.querySales(ctx, s.db, `tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *Store) FindSaleBySourceQuote(ctx context.Context, tenantID string, quoteID string) (*domain.Sale, error) {
	if quoteID == "" {
		return nil, store.ErrNotFound
	}
	return firstSale(s.querySales(ctx, s.db, `tenant_id = $1 AND source_quote_id = $2`, tenantID, quoteID))
}

func firstSale(sales []domain.Sale, err error) (*domain.Sale, error) {
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, store.ErrNotFound
	}
	return &sales[0], nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, effects store.Effects) (*domain.Sale, bool, error) {
	if sale.TenantID == "" || len(sale.Items) == 0 {
		return nil, false, store.ErrInvalidTransaction
	}
	if existing, err := s.FindSaleBySourceQuote(ctx, sale.TenantID, sale.SourceQuoteID); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	created, err := s.createSale(ctx, sale, effects)
	if err != nil && isUniqueViolation(err) && sale.SourceQuoteID != "" {
		// Another request converted the same quote first.
		existing, findErr := s.FindSaleBySourceQuote(ctx, sale.TenantID, sale.SourceQuoteID)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

func (s *Store) createSale(ctx context.Context, sale domain.Sale, effects store.Effects) (*domain.Sale, error) {
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := s.applyEffects(ctx, pgTx, sale.TenantID, effects); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.SaleNumber == "" {
		number, err := nextNumber(ctx, pgTx, "sales", "sale_number", sale.TenantID, domain.SaleNumberPrefix(now))
		if err != nil {
			return nil, err
		}
		sale.SaleNumber = number
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = now
	}
	sale.CreatedAt = now
	sale.UpdatedAt = now

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			tenant_id, id, sale_number, customer_id, customer_name, customer_email, items, subtotal, tax_amount, discount_amount, total,
			status, source_quote_id, invoice_id, notes, sale_date, created_by, updated_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, sale.TenantID, sale.ID, sale.SaleNumber, sale.CustomerID, sale.CustomerName, sale.CustomerEmail, items,
		sale.Subtotal, sale.TaxAmount, sale.DiscountAmount, sale.Total, string(sale.Status), nullIfEmpty(sale.SourceQuoteID),
		sale.InvoiceID, sale.Notes, sale.SaleDate, sale.CreatedBy, sale.UpdatedBy, sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) UpdateSale(ctx context.Context, sale domain.Sale, expectedUpdatedAt time.Time, effects store.Effects) (*domain.Sale, error) {
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := lockVersion(ctx, pgTx, "sales", sale.TenantID, sale.ID, expectedUpdatedAt); err != nil {
		return nil, err
	}
	if err := s.applyEffects(ctx, pgTx, sale.TenantID, effects); err != nil {
		return nil, err
	}

	updated, err := scanSale(pgTx.QueryRowContext(ctx, `
		UPDATE sales
		SET customer_name = $3, customer_email = $4, items = $5, subtotal = $6, tax_amount = $7, discount_amount = $8, total = $9,
			status = $10, invoice_id = $11, notes = $12, updated_by = $13,
			updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+saleColumns,
		sale.TenantID, sale.ID, sale.CustomerName, sale.CustomerEmail, items, sale.Subtotal, sale.TaxAmount, sale.DiscountAmount,
		sale.Total, string(sale.Status), sale.InvoiceID, sale.Notes, sale.UpdatedBy))
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteSale(ctx context.Context, tenantID string, id string, expectedUpdatedAt time.Time, effects store.Effects) error {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := lockVersion(ctx, pgTx, "sales", tenantID, id, expectedUpdatedAt); err != nil {
		return err
	}
	if err := s.applyEffects(ctx, pgTx, tenantID, effects); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return err
	}
	return pgTx.Commit()
}

const invoiceColumns = `tenant_id, id, invoice_number, customer_id, customer_name, customer_email, items, subtotal, tax_amount, discount_amount, total,
	type, status, is_voided, void_reason, voided_at, voided_by, sale_id, refunded_invoice_id, source_quote_id, notes, issue_date,
	created_by, updated_by, created_at, updated_at`

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var inv domain.Invoice
	var items []byte
	var invType, status string
	var voidedAt sql.NullTime
	err := row.Scan(&inv.TenantID, &inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &inv.CustomerName, &inv.CustomerEmail, &items,
		&inv.Subtotal, &inv.TaxAmount, &inv.DiscountAmount, &inv.Total, &invType, &status, &inv.IsVoided, &inv.VoidReason,
		&voidedAt, &inv.VoidedBy, &inv.SaleID, &inv.RefundedInvoiceID, &inv.SourceQuoteID, &inv.Notes, &inv.IssueDate,
		&inv.CreatedBy, &inv.UpdatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return inv, err
	}
	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return inv, fmt.Errorf("decode invoice %s items: %w", inv.ID, err)
	}
	inv.Type = domain.NormalizeInvoiceType(invType)
	inv.Status = domain.InvoiceStatus(status)
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		inv.VoidedAt = &at
	}
	inv.IssueDate = inv.IssueDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, tenantID string) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) GetInvoice(ctx context.Context, tenantID string, id string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.Invoice, effects store.Effects) (*domain.Invoice, error) {
	if inv.TenantID == "" {
		return nil, store.ErrInvalidTransaction
	}
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if inv.ID == "" {
		inv.ID = xid.New("inv")
	}
	if effects.SaleID != "" {
		var exists bool
		if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE tenant_id = $1 AND id = $2)`, inv.TenantID, effects.SaleID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
	}
	if err := s.applyEffects(ctx, pgTx, inv.TenantID, effects); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if inv.InvoiceNumber == "" {
		number, err := nextNumber(ctx, pgTx, "invoices", "invoice_number", inv.TenantID, domain.InvoiceNumberPrefix(now))
		if err != nil {
			return nil, err
		}
		inv.InvoiceNumber = number
	}
	if inv.IssueDate.IsZero() {
		inv.IssueDate = now
	}
	inv.CreatedAt = now
	inv.UpdatedAt = now

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, inv.TenantID, inv.ID, inv.InvoiceNumber, inv.CustomerID, inv.CustomerName, inv.CustomerEmail, items,
		inv.Subtotal, inv.TaxAmount, inv.DiscountAmount, inv.Total, string(inv.Type), string(inv.Status), inv.IsVoided, inv.VoidReason,
		nullTime(inv.VoidedAt), inv.VoidedBy, inv.SaleID, inv.RefundedInvoiceID, inv.SourceQuoteID, inv.Notes, inv.IssueDate,
		inv.CreatedBy, inv.UpdatedBy, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv domain.Invoice, expectedUpdatedAt time.Time, effects store.Effects) (*domain.Invoice, error) {
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := lockVersion(ctx, pgTx, "invoices", inv.TenantID, inv.ID, expectedUpdatedAt); err != nil {
		return nil, err
	}
	if err := s.applyEffects(ctx, pgTx, inv.TenantID, effects); err != nil {
		return nil, err
	}

	updated, err := scanInvoice(pgTx.QueryRowContext(ctx, `
		UPDATE invoices
		SET customer_name = $3, customer_email = $4, items = $5, subtotal = $6, tax_amount = $7, discount_amount = $8, total = $9,
			type = $10, status = $11, is_voided = $12, void_reason = $13, voided_at = $14, voided_by = $15, sale_id = $16,
			notes = $17, updated_by = $18,
			updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+invoiceColumns,
		inv.TenantID, inv.ID, inv.CustomerName, inv.CustomerEmail, items, inv.Subtotal, inv.TaxAmount, inv.DiscountAmount, inv.Total,
		string(inv.Type), string(inv.Status), inv.IsVoided, inv.VoidReason, nullTime(inv.VoidedAt), inv.VoidedBy, inv.SaleID,
		inv.Notes, inv.UpdatedBy))
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteInvoice(ctx context.Context, tenantID string, id string) error {
	var voided bool
	err := s.db.QueryRowContext(ctx, `SELECT is_voided FROM invoices WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&voided)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if !voided {
		return store.ErrNotVoided
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE tenant_id = $1 AND id = $2 AND is_voided = true`, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Restored between the check and the delete.
		return store.ErrNotVoided
	}
	return nil
}

const quoteColumns = `tenant_id, id, quote_number, customer_id, customer_name, customer_email, items, discount_amount, total, status,
	converted_to_sale, valid_until, created_at, updated_at`

func scanQuote(row rowScanner) (domain.Quote, error) {
	var q domain.Quote
	var items []byte
	var status string
	var validUntil sql.NullTime
	err := row.Scan(&q.TenantID, &q.ID, &q.QuoteNumber, &q.CustomerID, &q.CustomerName, &q.CustomerEmail, &items,
		&q.DiscountAmount, &q.Total, &status, &q.ConvertedToSale, &validUntil, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal(items, &q.Items); err != nil {
		return q, fmt.Errorf("decode quote %s items: %w", q.ID, err)
	}
	q.Status = domain.QuoteStatus(status)
	if validUntil.Valid {
		at := validUntil.Time.UTC()
		q.ValidUntil = &at
	}
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, nil
}

func (s *Store) ListQuotes(ctx context.Context, tenantID string) ([]domain.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make([]domain.Quote, 0, 32)
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (s *Store) GetQuote(ctx context.Context, tenantID string, id string) (*domain.Quote, error) {
	q, err := scanQuote(s.db.QueryRowContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

func (s *Store) CreateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error) {
	if quote.TenantID == "" {
		return nil, store.ErrInvalidTransaction
	}
	items, err := json.Marshal(quote.Items)
	if err != nil {
		return nil, err
	}
	if quote.ID == "" {
		quote.ID = xid.New("quote")
	}
	now := s.now().UTC()
	quote.CreatedAt = now
	quote.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quotes (`+quoteColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, quote.TenantID, quote.ID, quote.QuoteNumber, quote.CustomerID, quote.CustomerName, quote.CustomerEmail, items,
		quote.DiscountAmount, quote.Total, string(quote.Status), quote.ConvertedToSale, nullTime(quote.ValidUntil), quote.CreatedAt, quote.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &quote, nil
}

func (s *Store) UpdateQuote(ctx context.Context, quote domain.Quote) (*domain.Quote, error) {
	items, err := json.Marshal(quote.Items)
	if err != nil {
		return nil, err
	}
	updated, err := scanQuote(s.db.QueryRowContext(ctx, `
		UPDATE quotes
		SET quote_number = $3, customer_name = $4, customer_email = $5, items = $6, discount_amount = $7, total = $8,
			status = $9, converted_to_sale = $10, valid_until = $11, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+quoteColumns,
		quote.TenantID, quote.ID, quote.QuoteNumber, quote.CustomerName, quote.CustomerEmail, items, quote.DiscountAmount,
		quote.Total, string(quote.Status), quote.ConvertedToSale, nullTime(quote.ValidUntil)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TenantID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE tenant_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.TenantID == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleAgent
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, tenant_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.TenantID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, tenant_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.TenantID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// applyEffects locks the touched product rows, checks availability when
// asked to, then writes stock and the linked sale inside pgTx.
func (s *Store) applyEffects(ctx context.Context, pgTx *sql.Tx, tenantID string, effects store.Effects) error {
	ids := make([]string, 0, len(effects.Stock))
	for id, adj := range effects.Stock {
		if id != "" && adj != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if len(ids) > 0 {
		rows, err := pgTx.QueryContext(ctx, `
			SELECT id, stock
			FROM products
			WHERE tenant_id = $1 AND id = ANY($2)
			ORDER BY id
			FOR UPDATE
		`, tenantID, ids)
		if err != nil {
			return err
		}
		current := make(map[string]int, len(ids))
		for rows.Next() {
			var id string
			var stock int
			if err := rows.Scan(&id, &stock); err != nil {
				_ = rows.Close()
				return err
			}
			current[id] = stock
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		if effects.CheckStock {
			for id, stock := range current {
				if stock+effects.Stock[id] < 0 {
					return store.ErrInsufficientStock
				}
			}
		}
		for id := range current {
			if _, err := pgTx.ExecContext(ctx, `
				UPDATE products
				SET stock = GREATEST(stock + $3, 0),
					status = CASE WHEN GREATEST(stock + $3, 0) = 0 THEN 'out-of-stock' WHEN GREATEST(stock + $3, 0) <= reorder_level THEN 'low' ELSE 'active' END,
					updated_at = now()
				WHERE tenant_id = $1 AND id = $2
			`, tenantID, id, effects.Stock[id]); err != nil {
				return err
			}
		}
	}

	if effects.TouchesSale() {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE sales
			SET status = COALESCE(NULLIF($3, ''), status),
				invoice_id = COALESCE(NULLIF($4, ''), invoice_id),
				updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
			WHERE tenant_id = $1 AND id = $2
		`, tenantID, effects.SaleID, string(effects.SaleStatus), effects.SaleInvoiceID); err != nil {
			return err
		}
	}
	return nil
}

// lockVersion locks the row and fails with ErrConflict when it changed
// since the caller read it.
func lockVersion(ctx context.Context, pgTx *sql.Tx, table string, tenantID string, id string, expected time.Time) error {
	var updatedAt time.Time
	err := pgTx.QueryRowContext(ctx, `SELECT updated_at FROM `+table+` WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if !updatedAt.Equal(expected) {
		return store.ErrConflict
	}
	return nil
}

// nextNumber serializes numbering per tenant and table with a transaction
// scoped advisory lock.
func nextNumber(ctx context.Context, pgTx *sql.Tx, table string, column string, tenantID string, prefix string) (string, error) {
	if _, err := pgTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table+":"+tenantID); err != nil {
		return "", err
	}
	rows, err := pgTx.QueryContext(ctx, `SELECT `+column+` FROM `+table+` WHERE tenant_id = $1 AND `+column+` LIKE $2`, tenantID, prefix+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	numbers := make([]string, 0, 32)
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return "", err
		}
		numbers = append(numbers, number)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return domain.NextDocumentNumber(prefix, numbers), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
