package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
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

	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// begin starts a serializable transaction with a bounded lock wait so a
// contended row surfaces as ErrBusy instead of stalling the caller.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func (s *Store) CreateLocation(ctx context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" {
		location.ID = newID("loc")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO locations (id, name, address, created_at)
		VALUES ($1,$2,$3,now())
		RETURNING id, name, address, created_at
	`, location.ID, location.Name, location.Address)
	var out domain.Location
	if err := row.Scan(&out.ID, &out.Name, &out.Address, &out.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}

func (s *Store) GetLocation(ctx context.Context, id string) (*domain.Location, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, created_at FROM locations WHERE id = $1
	`, id)
	var out domain.Location
	if err := row.Scan(&out.ID, &out.Name, &out.Address, &out.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, created_at FROM locations ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Location, 0, 8)
	for rows.Next() {
		var loc domain.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Address, &loc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (s *Store) CreateStaff(ctx context.Context, staff domain.Staff) (*domain.Staff, error) {
	if staff.ID == "" {
		staff.ID = newID("staff")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO staff (id, full_name, username, password_hash, role, can_open_shift, can_close_shift, can_manage_inventory, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		RETURNING id, full_name, username, password_hash, role, can_open_shift, can_close_shift, can_manage_inventory, active, created_at
	`, staff.ID, staff.FullName, staff.Username, staff.PasswordHash, staff.Role,
		staff.CanOpenShift, staff.CanCloseShift, staff.CanManageInventory, staff.Active)
	out, err := scanStaff(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &store.ValidationError{Field: "username", Reason: "already taken"}
		}
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) GetStaff(ctx context.Context, id string) (*domain.Staff, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, username, password_hash, role, can_open_shift, can_close_shift, can_manage_inventory, active, created_at
		FROM staff WHERE id = $1
	`, id)
	out, err := scanStaff(row)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) GetStaffByUsername(ctx context.Context, username string) (*domain.Staff, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, username, password_hash, role, can_open_shift, can_close_shift, can_manage_inventory, active, created_at
		FROM staff WHERE username = $1
	`, username)
	out, err := scanStaff(row)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListStaff(ctx context.Context) ([]domain.Staff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, full_name, username, password_hash, role, can_open_shift, can_close_shift, can_manage_inventory, active, created_at
		FROM staff ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Staff, 0, 16)
	for rows.Next() {
		var st domain.Staff
		if err := rows.Scan(&st.ID, &st.FullName, &st.Username, &st.PasswordHash, &st.Role,
			&st.CanOpenShift, &st.CanCloseShift, &st.CanManageInventory, &st.Active, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.ID == "" {
		category.ID = newID("cat")
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, name) VALUES ($1,$2)
		RETURNING id, name
	`, category.ID, category.Name)
	var out domain.Category
	if err := row.Scan(&out.ID, &out.Name); err != nil {
		if isUniqueViolation(err) {
			return nil, &store.ValidationError{Field: "name", Reason: "already exists"}
		}
		return nil, mapError(err)
	}
	return &out, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = newID("prod")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO products (id, location_id, category_id, name, unit, price, last_purchase_price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,true,now(),now())
		RETURNING id, location_id, category_id, name, unit, price, last_purchase_price, active, created_at, updated_at
	`, product.ID, product.LocationID, product.CategoryID, product.Name, product.Unit, product.Price)
	out, err := scanProduct(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &store.ValidationError{Field: "name", Reason: "already exists at location"}
		}
		return nil, mapError(err)
	}

	for _, table := range []string{"storage_stocks", "display_stocks"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, product_id, quantity, updated_at)
			VALUES ($1,$2,0,now())
			ON CONFLICT (product_id) DO NOTHING
		`, table), newID("stk"), out.ID); err != nil {
			return nil, mapError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, unit = $3, price = $4, active = $5, updated_at = now()
		WHERE id = $1
		RETURNING id, location_id, category_id, name, unit, price, last_purchase_price, active, created_at, updated_at
	`, product.ID, product.Name, product.Unit, product.Price, product.Active)
	out, err := scanProduct(row)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, location_id, category_id, name, unit, price, last_purchase_price, active, created_at, updated_at
		FROM products WHERE id = $1
	`, id)
	out, err := scanProduct(row)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListProducts(ctx context.Context, locationID string, activeOnly bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_id, category_id, name, unit, price, last_purchase_price, active, created_at, updated_at
		FROM products
		WHERE ($1 = '' OR location_id = $1) AND (NOT $2 OR active = true)
		ORDER BY name
	`, locationID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.LocationID, &p.CategoryID, &p.Name, &p.Unit,
			&p.Price, &p.LastPurchasePrice, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetStorageStock(ctx context.Context, productID string) (*domain.StorageStock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, quantity, updated_at FROM storage_stocks WHERE product_id = $1
	`, productID)
	var out domain.StorageStock
	if err := row.Scan(&out.ID, &out.ProductID, &out.Quantity, &out.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}

func (s *Store) GetDisplayStock(ctx context.Context, productID string) (*domain.DisplayStock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, quantity, updated_at FROM display_stocks WHERE product_id = $1
	`, productID)
	var out domain.DisplayStock
	if err := row.Scan(&out.ID, &out.ProductID, &out.Quantity, &out.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}

func (s *Store) ListStockLevels(ctx context.Context, locationID string) ([]domain.StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.unit,
		       COALESCE(ss.quantity, 0), COALESCE(ds.quantity, 0)
		FROM products p
		LEFT JOIN storage_stocks ss ON ss.product_id = p.id
		LEFT JOIN display_stocks ds ON ds.product_id = p.id
		WHERE $1 = '' OR p.location_id = $1
		ORDER BY p.name
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockLevel, 0, 64)
	for rows.Next() {
		var level domain.StockLevel
		if err := rows.Scan(&level.ProductID, &level.ProductName, &level.Unit, &level.StorageQty, &level.DisplayQty); err != nil {
			return nil, err
		}
		out = append(out, level)
	}
	return out, rows.Err()
}

func (s *Store) RecordPurchase(ctx context.Context, productID string, staffID string, supplier string, qty decimal.Decimal, unitPrice decimal.Decimal, notes string) (*domain.Purchase, error) {
	if !qty.IsPositive() {
		return nil, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if unitPrice.IsNegative() {
		return nil, &store.ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT true FROM products WHERE id = $1 FOR UPDATE
	`, productID).Scan(&exists); err != nil {
		return nil, mapError(err)
	}

	if err := addStock(ctx, tx, "storage_stocks", productID, qty); err != nil {
		return nil, mapError(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET last_purchase_price = $2, updated_at = now() WHERE id = $1
	`, productID, unitPrice); err != nil {
		return nil, mapError(err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO purchases (id, product_id, staff_id, supplier, quantity, unit_price, total_cost, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		RETURNING id, product_id, staff_id, supplier, quantity, unit_price, total_cost, notes, created_at
	`, newID("pur"), productID, staffID, supplier, qty, unitPrice, qty.Mul(unitPrice).Round(2), notes)
	var out domain.Purchase
	if err := row.Scan(&out.ID, &out.ProductID, &out.StaffID, &out.Supplier, &out.Quantity, &out.UnitPrice, &out.TotalCost, &out.Notes, &out.CreatedAt); err != nil {
		return nil, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}

func (s *Store) RecordTransfer(ctx context.Context, productID string, staffID string, qty decimal.Decimal, notes string) (*domain.TransferRecord, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock order is storage first, then display.
	available, err := lockStock(ctx, tx, "storage_stocks", productID)
	if err != nil {
		return nil, mapError(err)
	}
	if available.LessThan(qty) {
		return nil, &store.InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE storage_stocks SET quantity = quantity - $2, updated_at = now() WHERE product_id = $1
	`, productID, qty); err != nil {
		return nil, mapError(err)
	}

	if err := addStock(ctx, tx, "display_stocks", productID, qty); err != nil {
		return nil, mapError(err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO transfers (id, product_id, staff_id, quantity, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING id, product_id, staff_id, quantity, notes, created_at
	`, newID("trf"), productID, staffID, qty, notes)
	var out domain.TransferRecord
	if err := row.Scan(&out.ID, &out.ProductID, &out.StaffID, &out.Quantity, &out.Notes, &out.CreatedAt); err != nil {
		return nil, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}

func (s *Store) ListPurchases(ctx context.Context, productID string, limit int) ([]domain.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, staff_id, supplier, quantity, unit_price, total_cost, notes, created_at
		FROM purchases
		WHERE $1 = '' OR product_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, productID, positiveLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Purchase, 0, 32)
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.ProductID, &p.StaffID, &p.Supplier, &p.Quantity, &p.UnitPrice, &p.TotalCost, &p.Notes, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListTransfers(ctx context.Context, productID string, limit int) ([]domain.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, staff_id, quantity, notes, created_at
		FROM transfers
		WHERE $1 = '' OR product_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, productID, positiveLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TransferRecord, 0, 32)
	for rows.Next() {
		var t domain.TransferRecord
		if err := rows.Scan(&t.ID, &t.ProductID, &t.StaffID, &t.Quantity, &t.Notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) OpenShift(ctx context.Context, staffID string, locationID string, notes string) (*domain.Shift, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO shifts (id, staff_id, location_id, started_at, is_closed, total_sales, total_cash, total_card, total_transfer, notes, created_at, updated_at)
		VALUES ($1,$2,$3,now(),false,0,0,0,0,$4,now(),now())
		RETURNING id, staff_id, location_id, started_at, closed_at, is_closed, total_sales, total_cash, total_card, total_transfer, notes, created_at, updated_at
	`, newID("shift"), staffID, locationID, notes)
	out, err := scanShift(row)
	if err != nil {
		if isUniqueViolation(err) {
			holder := ""
			_ = s.db.QueryRowContext(ctx, `
				SELECT st.full_name
				FROM shifts sh JOIN staff st ON st.id = sh.staff_id
				WHERE sh.location_id = $1 AND NOT sh.is_closed
			`, locationID).Scan(&holder)
			return nil, &store.ShiftAlreadyOpenError{LocationID: locationID, HolderName: holder}
		}
		if isFKViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, staff_id, location_id, started_at, closed_at, is_closed, total_sales, total_cash, total_card, total_transfer, notes, created_at, updated_at
		FROM shifts WHERE id = $1
	`, id)
	out, err := scanShift(row)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) GetOpenShift(ctx context.Context, locationID string) (*domain.Shift, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, staff_id, location_id, started_at, closed_at, is_closed, total_sales, total_cash, total_card, total_transfer, notes, created_at, updated_at
		FROM shifts WHERE location_id = $1 AND NOT is_closed
	`, locationID)
	out, err := scanShift(row)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListShifts(ctx context.Context, locationID string, limit int) ([]domain.Shift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, staff_id, location_id, started_at, closed_at, is_closed, total_sales, total_cash, total_card, total_transfer, notes, created_at, updated_at
		FROM shifts
		WHERE $1 = '' OR location_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, locationID, positiveLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Shift, 0, 32)
	for rows.Next() {
		var shift domain.Shift
		var closedAt sql.NullTime
		if err := rows.Scan(&shift.ID, &shift.StaffID, &shift.LocationID, &shift.StartedAt, &closedAt, &shift.Closed,
			&shift.TotalSales, &shift.TotalCash, &shift.TotalCard, &shift.TotalTransfer, &shift.Notes, &shift.CreatedAt, &shift.UpdatedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			t := closedAt.Time
			shift.ClosedAt = &t
		}
		out = append(out, shift)
	}
	return out, rows.Err()
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, stockCounts map[string]decimal.Decimal, notes string) (*domain.Shift, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var isClosed bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_closed FROM shifts WHERE id = $1 FOR UPDATE
	`, shiftID).Scan(&isClosed)
	if err != nil {
		return nil, mapError(err)
	}
	if isClosed {
		return nil, store.ErrShiftClosed
	}

	// Closing totals come from SALE rows only and are frozen on the shift.
	var totalSales decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE shift_id = $1 AND tx_type = $2
	`, shiftID, domain.TxTypeSale).Scan(&totalSales); err != nil {
		return nil, mapError(err)
	}

	totals := map[string]decimal.Decimal{}
	payRows, err := tx.QueryContext(ctx, `
		SELECT p.method, COALESCE(SUM(p.amount), 0)
		FROM payments p
		JOIN transactions t ON t.id = p.transaction_id
		WHERE t.shift_id = $1 AND t.tx_type = $2
		GROUP BY p.method
	`, shiftID, domain.TxTypeSale)
	if err != nil {
		return nil, mapError(err)
	}
	for payRows.Next() {
		var method string
		var sum decimal.Decimal
		if err := payRows.Scan(&method, &sum); err != nil {
			_ = payRows.Close()
			return nil, err
		}
		totals[method] = sum
	}
	if err := payRows.Err(); err != nil {
		_ = payRows.Close()
		return nil, err
	}
	_ = payRows.Close()

	row := tx.QueryRowContext(ctx, `
		UPDATE shifts
		SET is_closed = true,
		    closed_at = now(),
		    total_sales = $2,
		    total_cash = $3,
		    total_card = $4,
		    total_transfer = $5,
		    notes = CASE WHEN $6 <> '' THEN $6 ELSE notes END,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, staff_id, location_id, started_at, closed_at, is_closed, total_sales, total_cash, total_card, total_transfer, notes, created_at, updated_at
	`, shiftID, totalSales, totals[domain.PaymentCash], totals[domain.PaymentCard], totals[domain.PaymentTransfer], notes)
	out, err := scanShift(row)
	if err != nil {
		return nil, mapError(err)
	}

	for productID, qty := range stockCounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_counts (id, shift_id, product_id, quantity, notes, created_at)
			SELECT $1, $2, $3, $4, '', now()
			WHERE EXISTS (SELECT 1 FROM products WHERE id = $3)
			ON CONFLICT (shift_id, product_id) DO NOTHING
		`, newID("cnt"), shiftID, productID, qty); err != nil {
			return nil, mapError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListStockCounts(ctx context.Context, shiftID string) ([]domain.StockCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, product_id, quantity, notes, created_at
		FROM stock_counts
		WHERE shift_id = $1
		ORDER BY product_id
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockCount, 0, 32)
	for rows.Next() {
		var c domain.StockCount
		if err := rows.Scan(&c.ID, &c.ShiftID, &c.ProductID, &c.Quantity, &c.Notes, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// lockTxContext locks the shift row and loads the product, returning the
// product only when the shift is open and the locations match. Refunds pass
// requireActive=false so goods sold before a product was retired can still
// come back.
func lockTxContext(ctx context.Context, tx *sql.Tx, shiftID string, productID string, requireActive bool) (*domain.Product, error) {
	var shiftLocation string
	var isClosed bool
	err := tx.QueryRowContext(ctx, `
		SELECT location_id, is_closed FROM shifts WHERE id = $1 FOR UPDATE
	`, shiftID).Scan(&shiftLocation, &isClosed)
	if err != nil {
		return nil, mapError(err)
	}
	if isClosed {
		return nil, store.ErrShiftClosed
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, location_id, category_id, name, unit, price, last_purchase_price, active, created_at, updated_at
		FROM products WHERE id = $1
	`, productID)
	product, err := scanProduct(row)
	if err != nil {
		return nil, mapError(err)
	}
	if product.LocationID != shiftLocation {
		return nil, store.ErrLocationMismatch
	}
	if requireActive && !product.Active {
		return nil, store.ErrProductInactive
	}
	return product, nil
}

// addStock increments the stock row for a product inside tx, creating the
// row when absent. table is storage_stocks or display_stocks.
func addStock(ctx context.Context, tx *sql.Tx, table string, productID string, qty decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (id, product_id, quantity, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (product_id)
		DO UPDATE SET quantity = `+table+`.quantity + EXCLUDED.quantity, updated_at = now()
	`, newID("stk"), productID, qty)
	return err
}

// lockStock takes a row lock on the stock row for a product and returns its
// quantity, inserting a zero row when none exists yet.
func lockStock(ctx context.Context, tx *sql.Tx, table string, productID string) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT quantity FROM `+table+` WHERE product_id = $1 FOR UPDATE
	`, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+table+` (id, product_id, quantity, updated_at) VALUES ($1,$2,0,now())
		`, newID("stk"), productID)
		return decimal.Zero, err
	}
	return qty, err
}

func (s *Store) CreateSale(ctx context.Context, shiftID string, productID string, qty decimal.Decimal, payments []domain.PaymentInput, notes string) (*domain.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockTxContext(ctx, tx, shiftID, productID, true)
	if err != nil {
		return nil, err
	}

	available, err := lockStock(ctx, tx, "display_stocks", productID)
	if err != nil {
		return nil, mapError(err)
	}
	if available.LessThan(qty) {
		return nil, &store.InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE display_stocks SET quantity = quantity - $2, updated_at = now() WHERE product_id = $1
	`, productID, qty); err != nil {
		return nil, mapError(err)
	}

	amount := product.Price.Mul(qty).Round(2)
	out, err := insertTransaction(ctx, tx, shiftID, productID, domain.TxTypeSale, qty, amount, notes)
	if err != nil {
		return nil, err
	}
	if err := insertPayments(ctx, tx, out.ID, payments, false); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) CreateRefund(ctx context.Context, shiftID string, productID string, qty decimal.Decimal, payments []domain.PaymentInput, notes string) (*domain.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockTxContext(ctx, tx, shiftID, productID, false)
	if err != nil {
		return nil, err
	}

	if err := addStock(ctx, tx, "display_stocks", productID, qty); err != nil {
		return nil, mapError(err)
	}

	amount := product.Price.Mul(qty).Round(2).Neg()
	out, err := insertTransaction(ctx, tx, shiftID, productID, domain.TxTypeRefund, qty, amount, notes)
	if err != nil {
		return nil, err
	}
	if err := insertPayments(ctx, tx, out.ID, payments, true); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) CreateAdjustment(ctx context.Context, shiftID string, productID string, delta decimal.Decimal, notes string) (*domain.Transaction, error) {
	return s.applyStockDelta(ctx, shiftID, productID, delta, domain.TxTypeAdjustment, notes)
}

func (s *Store) CreateWriteoff(ctx context.Context, shiftID string, productID string, qty decimal.Decimal, notes string) (*domain.Transaction, error) {
	if !qty.IsPositive() {
		return nil, &store.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return s.applyStockDelta(ctx, shiftID, productID, qty.Neg(), domain.TxTypeWriteoff, notes)
}

func (s *Store) applyStockDelta(ctx context.Context, shiftID string, productID string, delta decimal.Decimal, txType string, notes string) (*domain.Transaction, error) {
	if delta.IsZero() {
		return nil, &store.ValidationError{Field: "delta", Reason: "must not be zero"}
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockTxContext(ctx, tx, shiftID, productID, true); err != nil {
		return nil, err
	}

	available, err := lockStock(ctx, tx, "display_stocks", productID)
	if err != nil {
		return nil, mapError(err)
	}

	next := available.Add(delta)
	if next.IsNegative() {
		return nil, &store.InsufficientStockError{ProductID: productID, Requested: delta.Abs(), Available: available}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE display_stocks SET quantity = $2, updated_at = now() WHERE product_id = $1
	`, productID, next); err != nil {
		return nil, mapError(err)
	}

	out, err := insertTransaction(ctx, tx, shiftID, productID, txType, delta.Abs(), decimal.Zero, notes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListTransactions(ctx context.Context, shiftID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, product_id, tx_type, quantity, amount, notes, created_at, exported_at
		FROM transactions
		WHERE shift_id = $1
		ORDER BY created_at, id
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) ListPayments(ctx context.Context, transactionIDs []string) ([]domain.Payment, error) {
	if len(transactionIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, method, amount, created_at
		FROM payments
		WHERE transaction_id = ANY($1)
		ORDER BY created_at, id
	`, transactionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Payment, 0, len(transactionIDs))
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.TransactionID, &p.Method, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListUnexported(ctx context.Context, limit int) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, product_id, tx_type, quantity, amount, notes, created_at, exported_at
		FROM transactions
		WHERE exported_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`, positiveLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) MarkExported(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET exported_at = $2 WHERE id = ANY($1) AND exported_at IS NULL
	`, ids, at.UTC())
	return mapError(err)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, shiftID string, productID string, txType string, qty decimal.Decimal, amount decimal.Decimal, notes string) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, shift_id, product_id, tx_type, quantity, amount, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		RETURNING id, shift_id, product_id, tx_type, quantity, amount, notes, created_at, exported_at
	`, newID("tx"), shiftID, productID, txType, qty, amount, notes)
	return scanTransaction(row)
}

func insertPayments(ctx context.Context, tx *sql.Tx, transactionID string, payments []domain.PaymentInput, negate bool) error {
	for _, p := range payments {
		// Sale rows stay positive, refund rows negative, whatever the caller sent.
		amount := p.Amount.Abs()
		if negate {
			amount = amount.Neg()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, transaction_id, method, amount, created_at)
			VALUES ($1,$2,$3,$4,now())
		`, newID("pay"), transactionID, p.Method, amount); err != nil {
			return mapError(err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaff(row rowScanner) (*domain.Staff, error) {
	var st domain.Staff
	if err := row.Scan(&st.ID, &st.FullName, &st.Username, &st.PasswordHash, &st.Role,
		&st.CanOpenShift, &st.CanCloseShift, &st.CanManageInventory, &st.Active, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.LocationID, &p.CategoryID, &p.Name, &p.Unit,
		&p.Price, &p.LastPurchasePrice, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanShift(row rowScanner) (*domain.Shift, error) {
	var shift domain.Shift
	var closedAt sql.NullTime
	if err := row.Scan(&shift.ID, &shift.StaffID, &shift.LocationID, &shift.StartedAt, &closedAt, &shift.Closed,
		&shift.TotalSales, &shift.TotalCash, &shift.TotalCard, &shift.TotalTransfer, &shift.Notes, &shift.CreatedAt, &shift.UpdatedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		shift.ClosedAt = &t
	}
	return &shift, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var exportedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ShiftID, &t.ProductID, &t.Type, &t.Quantity, &t.Amount, &t.Notes, &t.CreatedAt, &exportedAt); err != nil {
		return nil, err
	}
	if exportedAt.Valid {
		at := exportedAt.Time
		t.ExportedAt = &at
	}
	return &t, nil
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func positiveLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// mapError translates driver errors into the store taxonomy. Lock timeouts
// and serialization failures are retryable and map to ErrBusy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001":
			return store.ErrBusy
		}
	}
	return err
}
