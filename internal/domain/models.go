package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Staff struct {
	ID                 string    `json:"id"`
	FullName           string    `json:"full_name"`
	Username           string    `json:"username"`
	PasswordHash       string    `json:"-"`
	Role               string    `json:"role"`
	CanOpenShift       bool      `json:"can_open_shift"`
	CanCloseShift      bool      `json:"can_close_shift"`
	CanManageInventory bool      `json:"can_manage_inventory"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}

type StaffCreateRequest struct {
	FullName           string `json:"full_name"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Role               string `json:"role"`
	CanOpenShift       bool   `json:"can_open_shift"`
	CanCloseShift      bool   `json:"can_close_shift"`
	CanManageInventory bool   `json:"can_manage_inventory"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Product struct {
	ID                string          `json:"id"`
	LocationID        string          `json:"location_id"`
	CategoryID        string          `json:"category_id"`
	Name              string          `json:"name"`
	Unit              string          `json:"unit"`
	Price             decimal.Decimal `json:"price"`
	LastPurchasePrice decimal.Decimal `json:"last_purchase_price"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	LocationID string          `json:"location_id"`
	CategoryID string          `json:"category_id"`
	Name       string          `json:"name"`
	Unit       string          `json:"unit"`
	Price      decimal.Decimal `json:"price"`
}

type ProductUpdateRequest struct {
	Name   *string          `json:"name,omitempty"`
	Unit   *string          `json:"unit,omitempty"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Active *bool            `json:"active,omitempty"`
}

type StorageStock struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type DisplayStock struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type StockLevel struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Unit        string          `json:"unit"`
	StorageQty  decimal.Decimal `json:"storage_qty"`
	DisplayQty  decimal.Decimal `json:"display_qty"`
}

type Purchase struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	StaffID   string          `json:"staff_id"`
	Supplier  string          `json:"supplier,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type PurchaseRequest struct {
	ProductID string          `json:"product_id"`
	Supplier  string          `json:"supplier"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     string          `json:"notes"`
}

type TransferRecord struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	StaffID   string          `json:"staff_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type TransferRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Notes     string          `json:"notes"`
}

type Shift struct {
	ID            string          `json:"id"`
	StaffID       string          `json:"staff_id"`
	LocationID    string          `json:"location_id"`
	StartedAt     time.Time       `json:"started_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	Closed        bool            `json:"closed"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	TotalCash     decimal.Decimal `json:"total_cash"`
	TotalCard     decimal.Decimal `json:"total_card"`
	TotalTransfer decimal.Decimal `json:"total_transfer"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type ShiftOpenRequest struct {
	LocationID string `json:"location_id"`
	Notes      string `json:"notes"`
}

type ShiftCloseRequest struct {
	StockCounts map[string]decimal.Decimal `json:"stock_counts,omitempty"`
	Notes       string                     `json:"notes"`
}

type Transaction struct {
	ID         string          `json:"id"`
	ShiftID    string          `json:"shift_id"`
	ProductID  string          `json:"product_id"`
	Type       string          `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	Amount     decimal.Decimal `json:"amount"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExportedAt *time.Time      `json:"exported_at,omitempty"`
}

type Payment struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Method        string          `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

type PaymentInput struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

type SaleRequest struct {
	ShiftID   string          `json:"shift_id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Payments  []PaymentInput  `json:"payments"`
	Notes     string          `json:"notes"`
}

type RefundRequest struct {
	ShiftID   string          `json:"shift_id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Payments  []PaymentInput  `json:"payments"`
	Notes     string          `json:"notes"`
}

type AdjustmentRequest struct {
	ShiftID   string          `json:"shift_id"`
	ProductID string          `json:"product_id"`
	Delta     decimal.Decimal `json:"delta"`
	Notes     string          `json:"notes"`
}

type WriteoffRequest struct {
	ShiftID   string          `json:"shift_id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Notes     string          `json:"notes"`
}

type StockCount struct {
	ID        string          `json:"id"`
	ShiftID   string          `json:"shift_id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	StaffID  string
	Username string
	Role     string
}

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

const (
	TxTypeSale       = "SALE"
	TxTypeRefund     = "REFUND"
	TxTypeAdjustment = "ADJUSTMENT"
	TxTypeWriteoff   = "WRITEOFF"
)

const (
	PaymentCash     = "CASH"
	PaymentCard     = "CARD"
	PaymentTransfer = "TRANSFER"
)
