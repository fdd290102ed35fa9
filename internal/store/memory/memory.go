package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type Store struct {
	mu                  sync.RWMutex
	locationsByID       map[string]domain.Location
	staffByID           map[string]domain.Staff
	staffIDByUsername   map[string]string
	categoriesByID      map[string]domain.Category
	productsByID        map[string]domain.Product
	storageByProduct    map[string]domain.StorageStock
	displayByProduct    map[string]domain.DisplayStock
	purchases           []domain.Purchase
	transfers           []domain.TransferRecord
	shiftsByID          map[string]domain.Shift
	openShiftByLocation map[string]string
	transactionsByID    map[string]domain.Transaction
	paymentsByTx        map[string][]domain.Payment
	stockCountsByShift  map[string][]domain.StockCount
}

func New() *Store {
	return &Store{
		locationsByID:       map[string]domain.Location{},
		staffByID:           map[string]domain.Staff{},
		staffIDByUsername:   map[string]string{},
		categoriesByID:      map[string]domain.Category{},
		productsByID:        map[string]domain.Product{},
		storageByProduct:    map[string]domain.StorageStock{},
		displayByProduct:    map[string]domain.DisplayStock{},
		shiftsByID:          map[string]domain.Shift{},
		openShiftByLocation: map[string]string{},
		transactionsByID:    map[string]domain.Transaction{},
		paymentsByTx:        map[string][]domain.Payment{},
		stockCountsByShift:  map[string][]domain.StockCount{},
	}
}

// seedStaff builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded dev defaults
// are used with a warning when unset. Production runs against PostgreSQL.
func seedStaff() []domain.Staff {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	var out []domain.Staff
	for _, m := range []struct {
		fullName string
		username string
		password string
		role     string
		open     bool
		close    bool
		manage   bool
	}{
		{"Dev Admin", "admin", adminPwd, domain.RoleAdmin, true, true, true},
		{"Dev Cashier", "cashier", cashierPwd, domain.RoleCashier, true, false, false},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(m.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", m.username, err)
		}
		out = append(out, domain.Staff{
			ID:                 newID("staff"),
			FullName:           m.fullName,
			Username:           m.username,
			PasswordHash:       string(hash),
			Role:               m.role,
			CanOpenShift:       m.open,
			CanCloseShift:      m.close,
			CanManageInventory: m.manage,
			Active:             true,
			CreatedAt:          now,
		})
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	loc := domain.Location{ID: "loc-main", Name: "Main Store", Address: "1 Market St", CreatedAt: now}
	s.locationsByID[loc.ID] = loc

	for _, st := range seedStaff() {
		s.staffByID[st.ID] = st
		s.staffIDByUsername[st.Username] = st.ID
	}

	categories := []domain.Category{
		{ID: "cat-grocery", Name: "Grocery"},
		{ID: "cat-dairy", Name: "Dairy"},
		{ID: "cat-bakery", Name: "Bakery"},
		{ID: "cat-beverage", Name: "Beverage"},
	}
	for _, c := range categories {
		s.categoriesByID[c.ID] = c
	}

	products := []struct {
		id       string
		category string
		name     string
		unit     string
		price    string
		storage  string
		display  string
	}{
		{"prod-rice", "cat-grocery", "Rice 1kg", "pcs", "4.50", "80.00", "12.00"},
		{"prod-eggs", "cat-grocery", "Eggs 10pk", "pcs", "3.20", "40.00", "10.00"},
		{"prod-milk", "cat-dairy", "Milk 1L", "pcs", "1.80", "60.00", "15.00"},
		{"prod-bread", "cat-bakery", "White Bread", "pcs", "2.10", "20.00", "8.00"},
		{"prod-coffee", "cat-beverage", "Ground Coffee 250g", "pcs", "6.90", "25.00", "5.00"},
		{"prod-water", "cat-beverage", "Mineral Water 600ml", "pcs", "0.60", "120.00", "30.00"},
	}
	for _, p := range products {
		price, _ := decimal.NewFromString(p.price)
		storageQty, _ := decimal.NewFromString(p.storage)
		displayQty, _ := decimal.NewFromString(p.display)
		s.productsByID[p.id] = domain.Product{
			ID:         p.id,
			LocationID: loc.ID,
			CategoryID: p.category,
			Name:       p.name,
			Unit:       p.unit,
			Price:      price,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.storageByProduct[p.id] = domain.StorageStock{ID: newID("stk"), ProductID: p.id, Quantity: storageQty, UpdatedAt: now}
		s.displayByProduct[p.id] = domain.DisplayStock{ID: newID("stk"), ProductID: p.id, Quantity: displayQty, UpdatedAt: now}
	}

	return s
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (s *Store) CreateLocation(_ context.Context, location domain.Location) (*domain.Location, error) {
	if strings.TrimSpace(location.Name) == "" {
		return nil, &store.ValidationError{Field: "name", Reason: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if location.ID == "" {
		location.ID = newID("loc")
	}
	if location.CreatedAt.IsZero() {
		location.CreatedAt = time.Now().UTC()
	}
	s.locationsByID[location.ID] = location
	copyLoc := location
	return &copyLoc, nil
}

func (s *Store) GetLocation(_ context.Context, id string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locationsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyLoc := loc
	return &copyLoc, nil
}

func (s *Store) ListLocations(_ context.Context) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Location, 0, len(s.locationsByID))
	for _, loc := range s.locationsByID {
		out = append(out, loc)
	}
	slices.SortFunc(out, func(a, b domain.Location) int { return cmpString(a.Name, b.Name) })
	return out, nil
}

func (s *Store) CreateStaff(_ context.Context, staff domain.Staff) (*domain.Staff, error) {
	if strings.TrimSpace(staff.Username) == "" {
		return nil, &store.ValidationError{Field: "username", Reason: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.staffIDByUsername[staff.Username]; exists {
		return nil, &store.ValidationError{Field: "username", Reason: "already taken"}
	}
	if staff.ID == "" {
		staff.ID = newID("staff")
	}
	if staff.CreatedAt.IsZero() {
		staff.CreatedAt = time.Now().UTC()
	}
	s.staffByID[staff.ID] = staff
	s.staffIDByUsername[staff.Username] = staff.ID
	copyStaff := staff
	return &copyStaff, nil
}

func (s *Store) GetStaff(_ context.Context, id string) (*domain.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.staffByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyStaff := st
	return &copyStaff, nil
}

func (s *Store) GetStaffByUsername(_ context.Context, username string) (*domain.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.staffIDByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	st := s.staffByID[id]
	copyStaff := st
	return &copyStaff, nil
}

func (s *Store) ListStaff(_ context.Context) ([]domain.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Staff, 0, len(s.staffByID))
	for _, st := range s.staffByID {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b domain.Staff) int { return cmpString(a.Username, b.Username) })
	return out, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" {
		return nil, &store.ValidationError{Field: "name", Reason: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if category.ID == "" {
		category.ID = newID("cat")
	}
	s.categoriesByID[category.ID] = category
	copyCat := category
	return &copyCat, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Category, 0, len(s.categoriesByID))
	for _, c := range s.categoriesByID {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Category) int { return cmpString(a.Name, b.Name) })
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locationsByID[product.LocationID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.productsByID {
		if existing.LocationID == product.LocationID && existing.Name == product.Name {
			return nil, &store.ValidationError{Field: "name", Reason: "already exists at location"}
		}
	}

	now := time.Now().UTC()
	if product.ID == "" {
		product.ID = newID("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.productsByID[product.ID] = product

	if _, ok := s.storageByProduct[product.ID]; !ok {
		s.storageByProduct[product.ID] = domain.StorageStock{ID: newID("stk"), ProductID: product.ID, Quantity: decimal.Zero, UpdatedAt: now}
	}
	if _, ok := s.displayByProduct[product.ID]; !ok {
		s.displayByProduct[product.ID] = domain.DisplayStock{ID: newID("stk"), ProductID: product.ID, Quantity: decimal.Zero, UpdatedAt: now}
	}

	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.productsByID[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.LocationID = existing.LocationID
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.productsByID[product.ID] = product
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyProduct := p
	return &copyProduct, nil
}

func (s *Store) ListProducts(_ context.Context, locationID string, activeOnly bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		if locationID != "" && p.LocationID != locationID {
			continue
		}
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return cmpString(a.Name, b.Name) })
	return out, nil
}

func (s *Store) GetStorageStock(_ context.Context, productID string) (*domain.StorageStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock, ok := s.storageByProduct[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyStock := stock
	return &copyStock, nil
}

func (s *Store) GetDisplayStock(_ context.Context, productID string) (*domain.DisplayStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock, ok := s.displayByProduct[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyStock := stock
	return &copyStock, nil
}

func (s *Store) ListStockLevels(_ context.Context, locationID string) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.StockLevel
	for _, p := range s.productsByID {
		if locationID != "" && p.LocationID != locationID {
			continue
		}
		level := domain.StockLevel{ProductID: p.ID, ProductName: p.Name, Unit: p.Unit, StorageQty: decimal.Zero, DisplayQty: decimal.Zero}
		if stock, ok := s.storageByProduct[p.ID]; ok {
			level.StorageQty = stock.Quantity
		}
		if stock, ok := s.displayByProduct[p.ID]; ok {
			level.DisplayQty = stock.Quantity
		}
		out = append(out, level)
	}
	slices.SortFunc(out, func(a, b domain.StockLevel) int { return cmpString(a.ProductName, b.ProductName) })
	return out, nil
}

// ensureStorage returns the storage row for a product, creating a zero row
// when absent. Caller must hold the write lock.
func (s *Store) ensureStorage(productID string) domain.StorageStock {
	stock, ok := s.storageByProduct[productID]
	if !ok {
		stock = domain.StorageStock{ID: newID("stk"), ProductID: productID, Quantity: decimal.Zero, UpdatedAt: time.Now().UTC()}
		s.storageByProduct[productID] = stock
	}
	return stock
}

// ensureDisplay is ensureStorage for the sales-floor counter.
func (s *Store) ensureDisplay(productID string) domain.DisplayStock {
	stock, ok := s.displayByProduct[productID]
	if !ok {
		stock = domain.DisplayStock{ID: newID("stk"), ProductID: productID, Quantity: decimal.Zero, UpdatedAt: time.Now().UTC()}
		s.displayByProduct[productID] = stock
	}
	return stock
}

func (s *Store) RecordPurchase(_ context.Context, productID string, staffID string, supplier string, qty decimal.Decimal, unitPrice decimal.Decimal, notes string) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.productsByID[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !qty.IsPositive() {
		return nil, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if unitPrice.IsNegative() {
		return nil, &store.ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}

	now := time.Now().UTC()
	stock := s.ensureStorage(productID)
	stock.Quantity = stock.Quantity.Add(qty)
	stock.UpdatedAt = now
	s.storageByProduct[productID] = stock

	product.LastPurchasePrice = unitPrice
	product.UpdatedAt = now
	s.productsByID[productID] = product

	purchase := domain.Purchase{
		ID:        newID("pur"),
		ProductID: productID,
		StaffID:   staffID,
		Supplier:  supplier,
		Quantity:  qty,
		UnitPrice: unitPrice,
		TotalCost: qty.Mul(unitPrice).Round(2),
		Notes:     notes,
		CreatedAt: now,
	}
	s.purchases = append(s.purchases, purchase)
	copyPurchase := purchase
	return &copyPurchase, nil
}

func (s *Store) RecordTransfer(_ context.Context, productID string, staffID string, qty decimal.Decimal, notes string) (*domain.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.productsByID[productID]; !ok {
		return nil, store.ErrNotFound
	}
	if !qty.IsPositive() {
		return nil, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	storage := s.ensureStorage(productID)
	if storage.Quantity.LessThan(qty) {
		return nil, &store.InsufficientStockError{ProductID: productID, Requested: qty, Available: storage.Quantity}
	}

	now := time.Now().UTC()
	storage.Quantity = storage.Quantity.Sub(qty)
	storage.UpdatedAt = now
	s.storageByProduct[productID] = storage

	display := s.ensureDisplay(productID)
	display.Quantity = display.Quantity.Add(qty)
	display.UpdatedAt = now
	s.displayByProduct[productID] = display

	transfer := domain.TransferRecord{
		ID:        newID("trf"),
		ProductID: productID,
		StaffID:   staffID,
		Quantity:  qty,
		Notes:     notes,
		CreatedAt: now,
	}
	s.transfers = append(s.transfers, transfer)
	copyTransfer := transfer
	return &copyTransfer, nil
}

func (s *Store) ListPurchases(_ context.Context, productID string, limit int) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Purchase
	for i := len(s.purchases) - 1; i >= 0; i-- {
		p := s.purchases[i]
		if productID != "" && p.ProductID != productID {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListTransfers(_ context.Context, productID string, limit int) ([]domain.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TransferRecord
	for i := len(s.transfers) - 1; i >= 0; i-- {
		t := s.transfers[i]
		if productID != "" && t.ProductID != productID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) OpenShift(_ context.Context, staffID string, locationID string, notes string) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.staffByID[staffID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.locationsByID[locationID]; !ok {
		return nil, store.ErrNotFound
	}
	if openID, exists := s.openShiftByLocation[locationID]; exists {
		holder := s.staffByID[s.shiftsByID[openID].StaffID]
		return nil, &store.ShiftAlreadyOpenError{LocationID: locationID, HolderName: holder.FullName}
	}

	now := time.Now().UTC()
	shift := domain.Shift{
		ID:            newID("shift"),
		StaffID:       staffID,
		LocationID:    locationID,
		StartedAt:     now,
		TotalSales:    decimal.Zero,
		TotalCash:     decimal.Zero,
		TotalCard:     decimal.Zero,
		TotalTransfer: decimal.Zero,
		Notes:         notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.shiftsByID[shift.ID] = shift
	s.openShiftByLocation[locationID] = shift.ID
	return cloneShift(shift), nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneShift(shift), nil
}

func (s *Store) GetOpenShift(_ context.Context, locationID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openShiftByLocation[locationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneShift(s.shiftsByID[id]), nil
}

func (s *Store) ListShifts(_ context.Context, locationID string, limit int) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Shift
	for _, shift := range s.shiftsByID {
		if locationID != "" && shift.LocationID != locationID {
			continue
		}
		out = append(out, *cloneShift(shift))
	}
	slices.SortFunc(out, func(a, b domain.Shift) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CloseShift(_ context.Context, shiftID string, stockCounts map[string]decimal.Decimal, notes string) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if shift.Closed {
		return nil, store.ErrShiftClosed
	}

	totalSales := decimal.Zero
	totalCash := decimal.Zero
	totalCard := decimal.Zero
	totalTransfer := decimal.Zero
	for _, tx := range s.transactionsByID {
		if tx.ShiftID != shiftID || tx.Type != domain.TxTypeSale {
			continue
		}
		totalSales = totalSales.Add(tx.Amount)
		for _, pay := range s.paymentsByTx[tx.ID] {
			switch pay.Method {
			case domain.PaymentCash:
				totalCash = totalCash.Add(pay.Amount)
			case domain.PaymentCard:
				totalCard = totalCard.Add(pay.Amount)
			case domain.PaymentTransfer:
				totalTransfer = totalTransfer.Add(pay.Amount)
			}
		}
	}

	now := time.Now().UTC()
	shift.Closed = true
	shift.ClosedAt = &now
	shift.TotalSales = totalSales
	shift.TotalCash = totalCash
	shift.TotalCard = totalCard
	shift.TotalTransfer = totalTransfer
	if notes != "" {
		shift.Notes = notes
	}
	shift.UpdatedAt = now
	s.shiftsByID[shiftID] = shift
	delete(s.openShiftByLocation, shift.LocationID)

	for productID, qty := range stockCounts {
		if _, ok := s.productsByID[productID]; !ok {
			continue
		}
		s.stockCountsByShift[shiftID] = append(s.stockCountsByShift[shiftID], domain.StockCount{
			ID:        newID("cnt"),
			ShiftID:   shiftID,
			ProductID: productID,
			Quantity:  qty,
			CreatedAt: now,
		})
	}
	slices.SortFunc(s.stockCountsByShift[shiftID], func(a, b domain.StockCount) int { return cmpString(a.ProductID, b.ProductID) })

	return cloneShift(shift), nil
}

func (s *Store) ListStockCounts(_ context.Context, shiftID string) ([]domain.StockCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := s.stockCountsByShift[shiftID]
	out := make([]domain.StockCount, len(counts))
	copy(out, counts)
	return out, nil
}

// saleContext validates shift and product preconditions shared by all
// transaction types. Refunds pass requireActive=false so goods sold before a
// product was retired can still come back. Caller must hold the write lock.
func (s *Store) saleContext(shiftID string, productID string, requireActive bool) (domain.Shift, domain.Product, error) {
	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return domain.Shift{}, domain.Product{}, store.ErrNotFound
	}
	if shift.Closed {
		return domain.Shift{}, domain.Product{}, store.ErrShiftClosed
	}
	product, ok := s.productsByID[productID]
	if !ok {
		return domain.Shift{}, domain.Product{}, store.ErrNotFound
	}
	if product.LocationID != shift.LocationID {
		return domain.Shift{}, domain.Product{}, store.ErrLocationMismatch
	}
	if requireActive && !product.Active {
		return domain.Shift{}, domain.Product{}, store.ErrProductInactive
	}
	return shift, product, nil
}

func (s *Store) CreateSale(_ context.Context, shiftID string, productID string, qty decimal.Decimal, payments []domain.PaymentInput, notes string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, product, err := s.saleContext(shiftID, productID, true)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	display := s.ensureDisplay(productID)
	if display.Quantity.LessThan(qty) {
		return nil, &store.InsufficientStockError{ProductID: productID, Requested: qty, Available: display.Quantity}
	}

	now := time.Now().UTC()
	amount := product.Price.Mul(qty).Round(2)

	display.Quantity = display.Quantity.Sub(qty)
	display.UpdatedAt = now
	s.displayByProduct[productID] = display

	tx := domain.Transaction{
		ID:        newID("tx"),
		ShiftID:   shiftID,
		ProductID: productID,
		Type:      domain.TxTypeSale,
		Quantity:  qty,
		Amount:    amount,
		Notes:     notes,
		CreatedAt: now,
	}
	s.transactionsByID[tx.ID] = tx
	for _, p := range payments {
		s.paymentsByTx[tx.ID] = append(s.paymentsByTx[tx.ID], domain.Payment{
			ID:            newID("pay"),
			TransactionID: tx.ID,
			Method:        p.Method,
			Amount:        p.Amount.Abs(),
			CreatedAt:     now,
		})
	}
	return cloneTransaction(tx), nil
}

func (s *Store) CreateRefund(_ context.Context, shiftID string, productID string, qty decimal.Decimal, payments []domain.PaymentInput, notes string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, product, err := s.saleContext(shiftID, productID, false)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	now := time.Now().UTC()
	amount := product.Price.Mul(qty).Round(2)

	display := s.ensureDisplay(productID)
	display.Quantity = display.Quantity.Add(qty)
	display.UpdatedAt = now
	s.displayByProduct[productID] = display

	// Refund rows carry negative amounts; display layers render them absolute.
	tx := domain.Transaction{
		ID:        newID("tx"),
		ShiftID:   shiftID,
		ProductID: productID,
		Type:      domain.TxTypeRefund,
		Quantity:  qty,
		Amount:    amount.Neg(),
		Notes:     notes,
		CreatedAt: now,
	}
	s.transactionsByID[tx.ID] = tx
	for _, p := range payments {
		s.paymentsByTx[tx.ID] = append(s.paymentsByTx[tx.ID], domain.Payment{
			ID:            newID("pay"),
			TransactionID: tx.ID,
			Method:        p.Method,
			Amount:        p.Amount.Abs().Neg(),
			CreatedAt:     now,
		})
	}
	return cloneTransaction(tx), nil
}

func (s *Store) CreateAdjustment(_ context.Context, shiftID string, productID string, delta decimal.Decimal, notes string) (*domain.Transaction, error) {
	return s.applyStockDelta(shiftID, productID, delta, domain.TxTypeAdjustment, notes)
}

func (s *Store) CreateWriteoff(_ context.Context, shiftID string, productID string, qty decimal.Decimal, notes string) (*domain.Transaction, error) {
	if !qty.IsPositive() {
		return nil, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return s.applyStockDelta(shiftID, productID, qty.Neg(), domain.TxTypeWriteoff, notes)
}

func (s *Store) applyStockDelta(shiftID string, productID string, delta decimal.Decimal, txType string, notes string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.saleContext(shiftID, productID, true); err != nil {
		return nil, err
	}
	if delta.IsZero() {
		return nil, &store.ValidationError{Field: "delta", Reason: "must not be zero"}
	}

	display := s.ensureDisplay(productID)
	next := display.Quantity.Add(delta)
	if next.IsNegative() {
		return nil, &store.InsufficientStockError{ProductID: productID, Requested: delta.Abs(), Available: display.Quantity}
	}

	now := time.Now().UTC()
	display.Quantity = next
	display.UpdatedAt = now
	s.displayByProduct[productID] = display

	tx := domain.Transaction{
		ID:        newID("tx"),
		ShiftID:   shiftID,
		ProductID: productID,
		Type:      txType,
		Quantity:  delta.Abs(),
		Amount:    decimal.Zero,
		Notes:     notes,
		CreatedAt: now,
	}
	s.transactionsByID[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, shiftID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, tx := range s.transactionsByID {
		if tx.ShiftID != shiftID {
			continue
		}
		out = append(out, *cloneTransaction(tx))
	}
	slices.SortFunc(out, func(a, b domain.Transaction) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) ListPayments(_ context.Context, transactionIDs []string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Payment
	for _, id := range transactionIDs {
		out = append(out, s.paymentsByTx[id]...)
	}
	return out, nil
}

func (s *Store) ListUnexported(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, tx := range s.transactionsByID {
		if tx.ExportedAt != nil {
			continue
		}
		out = append(out, *cloneTransaction(tx))
	}
	slices.SortFunc(out, func(a, b domain.Transaction) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkExported(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	for _, id := range ids {
		tx, ok := s.transactionsByID[id]
		if !ok || tx.ExportedAt != nil {
			continue
		}
		stamp := at
		tx.ExportedAt = &stamp
		s.transactionsByID[id] = tx
	}
	return nil
}

func cloneShift(shift domain.Shift) *domain.Shift {
	copyShift := shift
	if shift.ClosedAt != nil {
		closedAt := *shift.ClosedAt
		copyShift.ClosedAt = &closedAt
	}
	return &copyShift
}

func cloneTransaction(tx domain.Transaction) *domain.Transaction {
	copyTx := tx
	if tx.ExportedAt != nil {
		exportedAt := *tx.ExportedAt
		copyTx.ExportedAt = &exportedAt
	}
	return &copyTx
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
