package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrShiftAlreadyOpen  = errors.New("shift already open")
	ErrShiftClosed       = errors.New("shift closed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLocationMismatch  = errors.New("location mismatch")
	ErrProductInactive   = errors.New("product inactive")
	ErrBusy              = errors.New("resource busy")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type ShiftAlreadyOpenError struct {
	LocationID string
	HolderName string
}

func (e *ShiftAlreadyOpenError) Error() string {
	return fmt.Sprintf("shift already open at location %s by %s", e.LocationID, e.HolderName)
}

func (e *ShiftAlreadyOpenError) Unwrap() error { return ErrShiftAlreadyOpen }

type InsufficientStockError struct {
	ProductID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %s, available %s",
		e.ProductID, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type Repository interface {
	CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error)
	GetLocation(ctx context.Context, id string) (*domain.Location, error)
	ListLocations(ctx context.Context) ([]domain.Location, error)
	CreateStaff(ctx context.Context, staff domain.Staff) (*domain.Staff, error)
	GetStaff(ctx context.Context, id string) (*domain.Staff, error)
	GetStaffByUsername(ctx context.Context, username string) (*domain.Staff, error)
	ListStaff(ctx context.Context) ([]domain.Staff, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context, locationID string, activeOnly bool) ([]domain.Product, error)
	GetStorageStock(ctx context.Context, productID string) (*domain.StorageStock, error)
	GetDisplayStock(ctx context.Context, productID string) (*domain.DisplayStock, error)
	ListStockLevels(ctx context.Context, locationID string) ([]domain.StockLevel, error)
	RecordPurchase(ctx context.Context, productID string, staffID string, supplier string, qty decimal.Decimal, unitPrice decimal.Decimal, notes string) (*domain.Purchase, error)
	RecordTransfer(ctx context.Context, productID string, staffID string, qty decimal.Decimal, notes string) (*domain.TransferRecord, error)
	ListPurchases(ctx context.Context, productID string, limit int) ([]domain.Purchase, error)
	ListTransfers(ctx context.Context, productID string, limit int) ([]domain.TransferRecord, error)
	OpenShift(ctx context.Context, staffID string, locationID string, notes string) (*domain.Shift, error)
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetOpenShift(ctx context.Context, locationID string) (*domain.Shift, error)
	ListShifts(ctx context.Context, locationID string, limit int) ([]domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, stockCounts map[string]decimal.Decimal, notes string) (*domain.Shift, error)
	ListStockCounts(ctx context.Context, shiftID string) ([]domain.StockCount, error)
	CreateSale(ctx context.Context, shiftID string, productID string, qty decimal.Decimal, payments []domain.PaymentInput, notes string) (*domain.Transaction, error)
	CreateRefund(ctx context.Context, shiftID string, productID string, qty decimal.Decimal, payments []domain.PaymentInput, notes string) (*domain.Transaction, error)
	CreateAdjustment(ctx context.Context, shiftID string, productID string, delta decimal.Decimal, notes string) (*domain.Transaction, error)
	CreateWriteoff(ctx context.Context, shiftID string, productID string, qty decimal.Decimal, notes string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, shiftID string) ([]domain.Transaction, error)
	ListPayments(ctx context.Context, transactionIDs []string) ([]domain.Payment, error)
	ListUnexported(ctx context.Context, limit int) ([]domain.Transaction, error)
	MarkExported(ctx context.Context, ids []string, at time.Time) error
}
