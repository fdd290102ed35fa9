package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/report"
	"posledger/backend/internal/store"
)

const inventoryCacheTTL = 30 * time.Second

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ExportSink receives batches of finished transactions. Implementations
// typically push to an accounting system; rows are marked exported only
// after the sink returns nil.
type ExportSink interface {
	Export(ctx context.Context, txs []domain.Transaction) error
}

type Service struct {
	repo     store.Repository
	invCache cache.InventoryReportCache
	log      *zap.Logger
}

func New(repo store.Repository, invCache cache.InventoryReportCache, log *zap.Logger) *Service {
	if invCache == nil {
		invCache = cache.NoopInventoryReportCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, invCache: invCache, log: log}
}

type capability int

const (
	capOpenShift capability = iota
	capCloseShift
	capManageInventory
)

// requireCapability resolves the acting staff member and checks the
// requested permission flag. Admins pass every check.
func (s *Service) requireCapability(ctx context.Context, want capability) (*domain.Staff, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	staff, err := s.repo.GetStaff(ctx, actor.StaffID)
	if err != nil {
		return nil, fmt.Errorf("authentication required")
	}
	if !staff.Active {
		return nil, fmt.Errorf("account disabled")
	}
	if staff.Role == domain.RoleAdmin {
		return staff, nil
	}
	allowed := false
	switch want {
	case capOpenShift:
		allowed = staff.CanOpenShift
	case capCloseShift:
		allowed = staff.CanCloseShift
	case capManageInventory:
		allowed = staff.CanManageInventory
	}
	if !allowed {
		return nil, fmt.Errorf("permission denied")
	}
	return staff, nil
}

func (s *Service) requireActor(ctx context.Context) (*domain.Staff, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	staff, err := s.repo.GetStaff(ctx, actor.StaffID)
	if err != nil {
		return nil, fmt.Errorf("authentication required")
	}
	if !staff.Active {
		return nil, fmt.Errorf("account disabled")
	}
	return staff, nil
}

// CreateStaff registers a new account. Only admins may do this; the caller
// supplies a bcrypt hash, never the plaintext password.
func (s *Service) CreateStaff(ctx context.Context, req domain.StaffCreateRequest, passwordHash string) (domain.Staff, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Staff{}, fmt.Errorf("permission denied")
	}

	req.FullName = strings.TrimSpace(req.FullName)
	req.Username = strings.TrimSpace(req.Username)
	if req.FullName == "" {
		return domain.Staff{}, &store.ValidationError{Field: "full_name", Reason: "required"}
	}
	if req.Username == "" {
		return domain.Staff{}, &store.ValidationError{Field: "username", Reason: "required"}
	}
	switch req.Role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleCashier:
	default:
		return domain.Staff{}, &store.ValidationError{Field: "role", Reason: "unknown role " + req.Role}
	}

	created, err := s.repo.CreateStaff(ctx, domain.Staff{
		FullName:           req.FullName,
		Username:           req.Username,
		PasswordHash:       passwordHash,
		Role:               req.Role,
		CanOpenShift:       req.CanOpenShift,
		CanCloseShift:      req.CanCloseShift,
		CanManageInventory: req.CanManageInventory,
		Active:             true,
	})
	if err != nil {
		return domain.Staff{}, err
	}
	s.log.Info("staff created", zap.String("staff_id", created.ID), zap.String("role", created.Role))
	return *created, nil
}

func (s *Service) ListStaff(ctx context.Context) ([]domain.Staff, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListStaff(ctx)
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	return s.repo.ListLocations(ctx)
}

func (s *Service) CreateLocation(ctx context.Context, name string, address string) (domain.Location, error) {
	if _, err := s.requireCapability(ctx, capManageInventory); err != nil {
		return domain.Location{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Location{}, &store.ValidationError{Field: "name", Reason: "required"}
	}
	created, err := s.repo.CreateLocation(ctx, domain.Location{Name: name, Address: strings.TrimSpace(address)})
	if err != nil {
		return domain.Location{}, err
	}
	return *created, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, name string) (domain.Category, error) {
	if _, err := s.requireCapability(ctx, capManageInventory); err != nil {
		return domain.Category{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Category{}, &store.ValidationError{Field: "name", Reason: "required"}
	}
	created, err := s.repo.CreateCategory(ctx, domain.Category{Name: name})
	if err != nil {
		return domain.Category{}, err
	}
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context, locationID string, activeOnly bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, locationID, activeOnly)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.requireCapability(ctx, capManageInventory); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.LocationID == "" {
		return domain.Product{}, &store.ValidationError{Field: "location_id", Reason: "required"}
	}
	if req.CategoryID == "" {
		return domain.Product{}, &store.ValidationError{Field: "category_id", Reason: "required"}
	}
	if req.Name == "" {
		return domain.Product{}, &store.ValidationError{Field: "name", Reason: "required"}
	}
	if req.Unit == "" {
		req.Unit = "pcs"
	}
	if req.Price.LessThan(decimal.RequireFromString("0.01")) {
		return domain.Product{}, &store.ValidationError{Field: "price", Reason: "must be at least 0.01"}
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		LocationID: req.LocationID,
		CategoryID: req.CategoryID,
		Name:       req.Name,
		Unit:       req.Unit,
		Price:      req.Price.Round(2),
		Active:     true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateInventory(ctx, created.LocationID)
	s.log.Info("product created",
		zap.String("product_id", created.ID),
		zap.String("location_id", created.LocationID),
		zap.String("name", created.Name))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := s.requireCapability(ctx, capManageInventory); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, &store.ValidationError{Field: "name", Reason: "required"}
		}
		updated.Name = name
	}
	if req.Unit != nil {
		unit := strings.TrimSpace(*req.Unit)
		if unit == "" {
			return domain.Product{}, &store.ValidationError{Field: "unit", Reason: "required"}
		}
		updated.Unit = unit
	}
	if req.Price != nil {
		if req.Price.LessThan(decimal.RequireFromString("0.01")) {
			return domain.Product{}, &store.ValidationError{Field: "price", Reason: "must be at least 0.01"}
		}
		updated.Price = req.Price.Round(2)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	result, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateInventory(ctx, result.LocationID)
	return *result, nil
}

func (s *Service) ListStockLevels(ctx context.Context, locationID string) ([]domain.StockLevel, error) {
	return s.repo.ListStockLevels(ctx, locationID)
}

func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.Purchase, error) {
	staff, err := s.requireCapability(ctx, capManageInventory)
	if err != nil {
		return domain.Purchase{}, err
	}
	if req.ProductID == "" {
		return domain.Purchase{}, &store.ValidationError{Field: "product_id", Reason: "required"}
	}
	if !req.Quantity.IsPositive() {
		return domain.Purchase{}, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if req.UnitPrice.IsNegative() {
		return domain.Purchase{}, &store.ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}

	purchase, err := s.repo.RecordPurchase(ctx, req.ProductID, staff.ID, strings.TrimSpace(req.Supplier), req.Quantity.Round(2), req.UnitPrice.Round(2), strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Purchase{}, err
	}

	metrics.StockMovements.WithLabelValues("purchase").Inc()
	s.invalidateInventoryByProduct(ctx, req.ProductID)
	s.log.Info("purchase recorded",
		zap.String("purchase_id", purchase.ID),
		zap.String("product_id", purchase.ProductID),
		zap.String("quantity", purchase.Quantity.StringFixed(2)),
		zap.String("total_cost", purchase.TotalCost.StringFixed(2)))
	return *purchase, nil
}

func (s *Service) RecordTransfer(ctx context.Context, req domain.TransferRequest) (domain.TransferRecord, error) {
	staff, err := s.requireCapability(ctx, capManageInventory)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if req.ProductID == "" {
		return domain.TransferRecord{}, &store.ValidationError{Field: "product_id", Reason: "required"}
	}
	if !req.Quantity.IsPositive() {
		return domain.TransferRecord{}, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	transfer, err := s.repo.RecordTransfer(ctx, req.ProductID, staff.ID, req.Quantity.Round(2), strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.TransferRecord{}, err
	}

	metrics.StockMovements.WithLabelValues("transfer").Inc()
	s.invalidateInventoryByProduct(ctx, req.ProductID)
	s.log.Info("transfer recorded",
		zap.String("transfer_id", transfer.ID),
		zap.String("product_id", transfer.ProductID),
		zap.String("quantity", transfer.Quantity.StringFixed(2)))
	return *transfer, nil
}

func (s *Service) ListPurchases(ctx context.Context, productID string, limit int) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, productID, limit)
}

func (s *Service) ListTransfers(ctx context.Context, productID string, limit int) ([]domain.TransferRecord, error) {
	return s.repo.ListTransfers(ctx, productID, limit)
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	staff, err := s.requireCapability(ctx, capOpenShift)
	if err != nil {
		return domain.Shift{}, err
	}
	if req.LocationID == "" {
		return domain.Shift{}, &store.ValidationError{Field: "location_id", Reason: "required"}
	}

	shift, err := s.repo.OpenShift(ctx, staff.ID, req.LocationID, strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Shift{}, err
	}

	metrics.OpenShifts.Inc()
	s.log.Info("shift opened",
		zap.String("shift_id", shift.ID),
		zap.String("location_id", shift.LocationID),
		zap.String("staff_id", shift.StaffID))
	return *shift, nil
}

func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (domain.Shift, error) {
	if _, err := s.requireCapability(ctx, capCloseShift); err != nil {
		return domain.Shift{}, err
	}
	if shiftID == "" {
		return domain.Shift{}, &store.ValidationError{Field: "shift_id", Reason: "required"}
	}

	shift, err := s.repo.CloseShift(ctx, shiftID, req.StockCounts, strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Shift{}, err
	}

	metrics.OpenShifts.Dec()
	s.log.Info("shift closed",
		zap.String("shift_id", shift.ID),
		zap.String("total_sales", shift.TotalSales.StringFixed(2)))
	return *shift, nil
}

func (s *Service) GetShift(ctx context.Context, id string) (domain.Shift, error) {
	shift, err := s.repo.GetShift(ctx, id)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func (s *Service) GetOpenShift(ctx context.Context, locationID string) (domain.Shift, error) {
	shift, err := s.repo.GetOpenShift(ctx, locationID)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func (s *Service) ListShifts(ctx context.Context, locationID string, limit int) ([]domain.Shift, error) {
	return s.repo.ListShifts(ctx, locationID, limit)
}

// validateSalePayments checks that the split payments cover the expected
// amount exactly. Every entry must be strictly positive; the stores assign
// the sign per transaction type, so the same request shape works for sales
// and refunds.
func validateSalePayments(payments []domain.PaymentInput, expected decimal.Decimal) error {
	if len(payments) == 0 {
		return &store.ValidationError{Field: "payments", Reason: "required"}
	}
	sum := decimal.Zero
	for _, p := range payments {
		switch p.Method {
		case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer:
		default:
			return &store.ValidationError{Field: "payments", Reason: "unknown method " + p.Method}
		}
		if !p.Amount.IsPositive() {
			return &store.ValidationError{Field: "payments", Reason: "amount must be positive"}
		}
		sum = sum.Add(p.Amount)
	}
	if !sum.Equal(expected.Abs()) {
		return &store.ValidationError{Field: "payments", Reason: "split does not sum to transaction amount"}
	}
	return nil
}

func (s *Service) saleAmount(ctx context.Context, productID string, qty decimal.Decimal) (decimal.Decimal, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return product.Price.Mul(qty).Round(2), nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Transaction, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.Transaction{}, err
	}
	if req.ShiftID == "" || req.ProductID == "" {
		return domain.Transaction{}, &store.ValidationError{Field: "shift_id", Reason: "shift and product are required"}
	}
	if !req.Quantity.IsPositive() {
		return domain.Transaction{}, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	qty := req.Quantity.Round(2)
	expected, err := s.saleAmount(ctx, req.ProductID, qty)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := validateSalePayments(req.Payments, expected); err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.repo.CreateSale(ctx, req.ShiftID, req.ProductID, qty, req.Payments, strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Transaction{}, err
	}

	metrics.StockMovements.WithLabelValues("sale").Inc()
	s.invalidateInventoryByProduct(ctx, req.ProductID)
	s.log.Info("sale recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("shift_id", tx.ShiftID),
		zap.String("amount", tx.Amount.StringFixed(2)))
	return *tx, nil
}

func (s *Service) CreateRefund(ctx context.Context, req domain.RefundRequest) (domain.Transaction, error) {
	if _, err := s.requireActor(ctx); err != nil {
		return domain.Transaction{}, err
	}
	if req.ShiftID == "" || req.ProductID == "" {
		return domain.Transaction{}, &store.ValidationError{Field: "shift_id", Reason: "shift and product are required"}
	}
	if !req.Quantity.IsPositive() {
		return domain.Transaction{}, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	qty := req.Quantity.Round(2)
	expected, err := s.saleAmount(ctx, req.ProductID, qty)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := validateSalePayments(req.Payments, expected); err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.repo.CreateRefund(ctx, req.ShiftID, req.ProductID, qty, req.Payments, strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Transaction{}, err
	}

	metrics.StockMovements.WithLabelValues("refund").Inc()
	s.invalidateInventoryByProduct(ctx, req.ProductID)
	s.log.Info("refund recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("shift_id", tx.ShiftID),
		zap.String("amount", tx.Amount.StringFixed(2)))
	return *tx, nil
}

func (s *Service) CreateAdjustment(ctx context.Context, req domain.AdjustmentRequest) (domain.Transaction, error) {
	if _, err := s.requireCapability(ctx, capManageInventory); err != nil {
		return domain.Transaction{}, err
	}
	if req.ShiftID == "" || req.ProductID == "" {
		return domain.Transaction{}, &store.ValidationError{Field: "shift_id", Reason: "shift and product are required"}
	}
	if req.Delta.IsZero() {
		return domain.Transaction{}, &store.ValidationError{Field: "delta", Reason: "must not be zero"}
	}

	tx, err := s.repo.CreateAdjustment(ctx, req.ShiftID, req.ProductID, req.Delta.Round(2), strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Transaction{}, err
	}

	metrics.StockMovements.WithLabelValues("adjustment").Inc()
	s.invalidateInventoryByProduct(ctx, req.ProductID)
	s.log.Info("adjustment recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("delta", req.Delta.StringFixed(2)))
	return *tx, nil
}

func (s *Service) CreateWriteoff(ctx context.Context, req domain.WriteoffRequest) (domain.Transaction, error) {
	if _, err := s.requireCapability(ctx, capManageInventory); err != nil {
		return domain.Transaction{}, err
	}
	if req.ShiftID == "" || req.ProductID == "" {
		return domain.Transaction{}, &store.ValidationError{Field: "shift_id", Reason: "shift and product are required"}
	}
	if !req.Quantity.IsPositive() {
		return domain.Transaction{}, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	tx, err := s.repo.CreateWriteoff(ctx, req.ShiftID, req.ProductID, req.Quantity.Round(2), strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Transaction{}, err
	}

	metrics.StockMovements.WithLabelValues("writeoff").Inc()
	s.invalidateInventoryByProduct(ctx, req.ProductID)
	s.log.Info("writeoff recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("quantity", tx.Quantity.StringFixed(2)))
	return *tx, nil
}

func (s *Service) ListTransactions(ctx context.Context, shiftID string) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, shiftID)
}

func (s *Service) ShiftSummary(ctx context.Context, shiftID string) (report.ShiftSummary, error) {
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return report.ShiftSummary{}, err
	}
	txs, err := s.repo.ListTransactions(ctx, shiftID)
	if err != nil {
		return report.ShiftSummary{}, err
	}
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	payments, err := s.repo.ListPayments(ctx, ids)
	if err != nil {
		return report.ShiftSummary{}, err
	}
	products, err := s.repo.ListProducts(ctx, shift.LocationID, false)
	if err != nil {
		return report.ShiftSummary{}, err
	}
	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}
	return report.BuildShiftSummary(*shift, txs, payments, names), nil
}

func (s *Service) FinancialReport(ctx context.Context, shiftID string) (report.FinancialReport, error) {
	summary, err := s.ShiftSummary(ctx, shiftID)
	if err != nil {
		return report.FinancialReport{}, err
	}
	return report.BuildFinancialReport(summary), nil
}

func (s *Service) InventoryReport(ctx context.Context, locationID string) (report.InventoryReport, error) {
	if locationID == "" {
		return report.InventoryReport{}, &store.ValidationError{Field: "location_id", Reason: "required"}
	}

	key := inventoryCacheKey(locationID)
	if cached, ok, err := s.invCache.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.log.Warn("inventory cache read failed", zap.Error(err))
	}

	products, err := s.repo.ListProducts(ctx, locationID, true)
	if err != nil {
		return report.InventoryReport{}, err
	}
	levels, err := s.repo.ListStockLevels(ctx, locationID)
	if err != nil {
		return report.InventoryReport{}, err
	}
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return report.InventoryReport{}, err
	}

	built := report.BuildInventoryReport(locationID, products, levels, categories)
	if err := s.invCache.Set(ctx, key, &built, inventoryCacheTTL); err != nil {
		s.log.Warn("inventory cache write failed", zap.Error(err))
	}
	return built, nil
}

// ExportBatch pulls unexported transactions, hands them to the sink, and
// marks them exported only after the sink accepts the whole batch.
func (s *Service) ExportBatch(ctx context.Context, sink ExportSink, limit int) (int, error) {
	if sink == nil {
		return 0, fmt.Errorf("export sink is required")
	}
	txs, err := s.repo.ListUnexported(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(txs) == 0 {
		return 0, nil
	}
	if err := sink.Export(ctx, txs); err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	if err := s.repo.MarkExported(ctx, ids, time.Now().UTC()); err != nil {
		return 0, err
	}
	metrics.ExportedTransactions.Add(float64(len(txs)))
	s.log.Info("transactions exported", zap.Int("count", len(txs)))
	return len(txs), nil
}

func inventoryCacheKey(locationID string) string {
	return "inventory:" + locationID
}

func (s *Service) invalidateInventory(ctx context.Context, locationID string) {
	if err := s.invCache.Invalidate(ctx, inventoryCacheKey(locationID)); err != nil {
		s.log.Warn("inventory cache invalidation failed", zap.Error(err))
	}
}

func (s *Service) invalidateInventoryByProduct(ctx context.Context, productID string) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return
	}
	s.invalidateInventory(ctx, product.LocationID)
}
