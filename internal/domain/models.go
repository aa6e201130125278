package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	ProductID   string              `json:"product_id,omitempty"`
	ProductName string              `json:"product_name,omitempty"`
	Description string              `json:"description,omitempty"`
	Quantity    int                 `json:"quantity"`
	UnitPrice   decimal.Decimal     `json:"unit_price"`
	Total       decimal.Decimal     `json:"total"`
	TaxRate     decimal.NullDecimal `json:"tax_rate"`
}

func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Sale struct {
	ID             string          `json:"id"`
	SaleNumber     string          `json:"sale_number,omitempty"`
	TenantID       string          `json:"tenant_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Items          []LineItem      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
	Status         SaleStatus      `json:"status"`
	SourceQuoteID  string          `json:"source_quote_id,omitempty"`
	InvoiceID      string          `json:"invoice_id,omitempty"`
	LocalOnly      bool            `json:"local_only,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	SaleDate       time.Time       `json:"sale_date"`
	CreatedBy      string          `json:"created_by,omitempty"`
	UpdatedBy      string          `json:"updated_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Invoice struct {
	ID                string          `json:"id"`
	InvoiceNumber     string          `json:"invoice_number"`
	TenantID          string          `json:"tenant_id"`
	CustomerID        string          `json:"customer_id,omitempty"`
	CustomerName      string          `json:"customer_name,omitempty"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
	Items             []LineItem      `json:"items"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	Total             decimal.Decimal `json:"total"`
	Type              InvoiceType     `json:"type"`
	Status            InvoiceStatus   `json:"status"`
	IsVoided          bool            `json:"is_voided"`
	VoidReason        string          `json:"void_reason,omitempty"`
	VoidedAt          *time.Time      `json:"voided_at,omitempty"`
	VoidedBy          string          `json:"voided_by,omitempty"`
	SaleID            string          `json:"sale_id,omitempty"`
	RefundedInvoiceID string          `json:"refunded_invoice_id,omitempty"`
	SourceQuoteID     string          `json:"source_quote_id,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	IssueDate         time.Time       `json:"issue_date"`
	CreatedBy         string          `json:"created_by,omitempty"`
	UpdatedBy         string          `json:"updated_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type Product struct {
	ID                      string              `json:"id"`
	TenantID                string              `json:"tenant_id"`
	Name                    string              `json:"name"`
	Category                string              `json:"category,omitempty"`
	UnitPrice               decimal.Decimal     `json:"unit_price"`
	TaxRate                 decimal.NullDecimal `json:"tax_rate"`
	CategoryTaxRateOverride decimal.NullDecimal `json:"category_tax_rate_override"`
	Stock                   int                 `json:"stock"`
	ReorderLevel            int                 `json:"reorder_level"`
	Status                  ProductStatus       `json:"status"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

type Quote struct {
	ID              string          `json:"id"`
	QuoteNumber     string          `json:"quote_number,omitempty"`
	TenantID        string          `json:"tenant_id"`
	CustomerID      string          `json:"customer_id,omitempty"`
	CustomerName    string          `json:"customer_name,omitempty"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	Items           []LineItem      `json:"items"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	Total           decimal.Decimal `json:"total"`
	Status          QuoteStatus     `json:"status"`
	ConvertedToSale bool            `json:"converted_to_sale"`
	ValidUntil      *time.Time      `json:"valid_until,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type SaleCreateRequest struct {
	SaleNumber     string          `json:"sale_number,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Items          []LineItem      `json:"items"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	SourceQuoteID  string          `json:"source_quote_id,omitempty"`
	InvoiceID      string          `json:"invoice_id,omitempty"`
	SaleDate       *time.Time      `json:"sale_date,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type SaleCreateResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type SaleUpdateRequest struct {
	CustomerName   *string          `json:"customer_name,omitempty"`
	CustomerEmail  *string          `json:"customer_email,omitempty"`
	Items          []LineItem       `json:"items,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	Status         *SaleStatus      `json:"status,omitempty"`
	InvoiceID      *string          `json:"invoice_id,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
}

type InvoiceCreateRequest struct {
	InvoiceNumber     string          `json:"invoice_number,omitempty"`
	CustomerID        string          `json:"customer_id,omitempty"`
	CustomerName      string          `json:"customer_name,omitempty"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
	Items             []LineItem      `json:"items"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	Type              InvoiceType     `json:"type"`
	Status            InvoiceStatus   `json:"status,omitempty"`
	SaleID            string          `json:"sale_id,omitempty"`
	RefundedInvoiceID string          `json:"refunded_invoice_id,omitempty"`
	SourceQuoteID     string          `json:"source_quote_id,omitempty"`
	IssueDate         *time.Time      `json:"issue_date,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

type InvoiceUpdateRequest struct {
	CustomerName   *string          `json:"customer_name,omitempty"`
	CustomerEmail  *string          `json:"customer_email,omitempty"`
	Items          []LineItem       `json:"items,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	Type           *InvoiceType     `json:"type,omitempty"`
	Status         *InvoiceStatus   `json:"status,omitempty"`
	SaleID         *string          `json:"sale_id,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
}

type InvoiceVoidRequest struct {
	Reason string `json:"reason"`
}

type ProductCreateRequest struct {
	ID                      string              `json:"id,omitempty"`
	Name                    string              `json:"name"`
	Category                string              `json:"category,omitempty"`
	UnitPrice               decimal.Decimal     `json:"unit_price"`
	TaxRate                 decimal.NullDecimal `json:"tax_rate"`
	CategoryTaxRateOverride decimal.NullDecimal `json:"category_tax_rate_override"`
	Stock                   int                 `json:"stock"`
	ReorderLevel            int                 `json:"reorder_level"`
}

type ProductStockUpdateRequest struct {
	Stock int `json:"stock"`
}

type QuoteCreateRequest struct {
	ID             string          `json:"id,omitempty"`
	QuoteNumber    string          `json:"quote_number,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Items          []LineItem      `json:"items"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Status         QuoteStatus     `json:"status,omitempty"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty"`
}

type QuoteStatusRequest struct {
	Status QuoteStatus `json:"status"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	TenantID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	TenantID  string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

type AgentCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AgentUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenant_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
