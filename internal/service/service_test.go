package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	svc := New(repo, nil, nil)
	return svc, repo
}

func actorCtx(t *testing.T, repo *memory.Store, username string) context.Context {
	t.Helper()
	staff, err := repo.GetStaffByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("seed staff %q missing: %v", username, err)
	}
	return WithActor(context.Background(), domain.Actor{
		StaffID:  staff.ID,
		Username: staff.Username,
		Role:     staff.Role,
	})
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func openTestShift(t *testing.T, svc *Service, ctx context.Context) domain.Shift {
	t.Helper()
	shift, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{LocationID: "loc-main"})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	return shift
}

func cashPayment(amount decimal.Decimal) []domain.PaymentInput {
	return []domain.PaymentInput{{Method: domain.PaymentCash, Amount: amount}}
}

func TestPurchaseIncreasesStorageAndTracksLastPrice(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")

	before, err := repo.GetStorageStock(ctx, "prod-rice")
	if err != nil {
		t.Fatalf("storage stock: %v", err)
	}

	purchase, err := svc.RecordPurchase(ctx, domain.PurchaseRequest{
		ProductID: "prod-rice",
		Supplier:  "  Harbor Goods Co  ",
		Quantity:  dec(t, "25.00"),
		UnitPrice: dec(t, "3.10"),
	})
	if err != nil {
		t.Fatalf("record purchase: %v", err)
	}
	if !purchase.TotalCost.Equal(dec(t, "77.50")) {
		t.Fatalf("expected total cost 77.50, got %s", purchase.TotalCost)
	}
	if purchase.Supplier != "Harbor Goods Co" {
		t.Fatalf("expected trimmed supplier, got %q", purchase.Supplier)
	}

	listed, err := svc.ListPurchases(ctx, "prod-rice", 10)
	if err != nil {
		t.Fatalf("list purchases: %v", err)
	}
	if len(listed) == 0 || listed[0].Supplier != "Harbor Goods Co" {
		t.Fatalf("expected supplier on listed purchase, got %+v", listed)
	}

	after, err := repo.GetStorageStock(ctx, "prod-rice")
	if err != nil {
		t.Fatalf("storage stock: %v", err)
	}
	if !after.Quantity.Equal(before.Quantity.Add(dec(t, "25.00"))) {
		t.Fatalf("expected storage %s, got %s", before.Quantity.Add(dec(t, "25.00")), after.Quantity)
	}

	product, err := repo.GetProduct(ctx, "prod-rice")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.LastPurchasePrice.Equal(dec(t, "3.10")) {
		t.Fatalf("expected last purchase price 3.10, got %s", product.LastPurchasePrice)
	}
}

func TestPurchaseRejectsBadInput(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")

	_, err := svc.RecordPurchase(ctx, domain.PurchaseRequest{ProductID: "prod-rice", Quantity: dec(t, "0"), UnitPrice: dec(t, "1.00")})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero quantity, got %v", err)
	}

	_, err = svc.RecordPurchase(ctx, domain.PurchaseRequest{ProductID: "prod-rice", Quantity: dec(t, "1"), UnitPrice: dec(t, "-1.00")})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for negative price, got %v", err)
	}
}

func TestTransferMovesStorageToDisplay(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")

	storageBefore, _ := repo.GetStorageStock(ctx, "prod-milk")
	displayBefore, _ := repo.GetDisplayStock(ctx, "prod-milk")

	if _, err := svc.RecordTransfer(ctx, domain.TransferRequest{ProductID: "prod-milk", Quantity: dec(t, "10.00")}); err != nil {
		t.Fatalf("record transfer: %v", err)
	}

	storageAfter, _ := repo.GetStorageStock(ctx, "prod-milk")
	displayAfter, _ := repo.GetDisplayStock(ctx, "prod-milk")
	if !storageAfter.Quantity.Equal(storageBefore.Quantity.Sub(dec(t, "10.00"))) {
		t.Fatalf("storage not decremented: %s -> %s", storageBefore.Quantity, storageAfter.Quantity)
	}
	if !displayAfter.Quantity.Equal(displayBefore.Quantity.Add(dec(t, "10.00"))) {
		t.Fatalf("display not incremented: %s -> %s", displayBefore.Quantity, displayAfter.Quantity)
	}
}

func TestTransferRejectsInsufficientStorage(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")

	_, err := svc.RecordTransfer(ctx, domain.TransferRequest{ProductID: "prod-bread", Quantity: dec(t, "9999.00")})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var insufficientErr *store.InsufficientStockError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected typed insufficient stock error, got %T", err)
	}
	if !insufficientErr.Available.Equal(dec(t, "20.00")) {
		t.Fatalf("expected available 20.00 in error, got %s", insufficientErr.Available)
	}
}

func TestOpenShiftRejectsSecondOpenAtLocation(t *testing.T) {
	svc, repo := newTestService(t)
	adminCtx := actorCtx(t, repo, "admin")
	cashierCtx := actorCtx(t, repo, "cashier")

	openTestShift(t, svc, adminCtx)

	_, err := svc.OpenShift(cashierCtx, domain.ShiftOpenRequest{LocationID: "loc-main"})
	if !errors.Is(err, store.ErrShiftAlreadyOpen) {
		t.Fatalf("expected shift already open, got %v", err)
	}
	var openErr *store.ShiftAlreadyOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected typed error, got %T", err)
	}
	if openErr.HolderName != "Dev Admin" {
		t.Fatalf("expected holder name in error, got %q", openErr.HolderName)
	}
}

func TestShiftReopensAfterClose(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")

	shift := openTestShift(t, svc, ctx)
	if _, err := svc.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{}); err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if _, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{LocationID: "loc-main"}); err != nil {
		t.Fatalf("expected reopen after close to succeed, got %v", err)
	}
}

func TestSaleDecrementsDisplayAndRecordsPayments(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	displayBefore, _ := repo.GetDisplayStock(ctx, "prod-water")

	// prod-water is 0.60; 5 x 0.60 = 3.00
	tx, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-water",
		Quantity:  dec(t, "5.00"),
		Payments:  cashPayment(dec(t, "3.00")),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if !tx.Amount.Equal(dec(t, "3.00")) {
		t.Fatalf("expected amount 3.00, got %s", tx.Amount)
	}

	displayAfter, _ := repo.GetDisplayStock(ctx, "prod-water")
	if !displayAfter.Quantity.Equal(displayBefore.Quantity.Sub(dec(t, "5.00"))) {
		t.Fatalf("display not decremented: %s -> %s", displayBefore.Quantity, displayAfter.Quantity)
	}

	payments, err := repo.ListPayments(ctx, []string{tx.ID})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 1 || payments[0].Method != domain.PaymentCash || !payments[0].Amount.Equal(dec(t, "3.00")) {
		t.Fatalf("unexpected payments: %+v", payments)
	}
}

func TestSaleRejectsInsufficientDisplayStock(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	// Seeded display for prod-coffee is 5.00.
	_, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-coffee",
		Quantity:  dec(t, "6.00"),
		Payments:  cashPayment(dec(t, "41.40")),
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var insufficientErr *store.InsufficientStockError
	if !errors.As(err, &insufficientErr) || !insufficientErr.Available.Equal(dec(t, "5.00")) {
		t.Fatalf("expected available 5.00 in error, got %v", err)
	}
}

func TestSaleRejectsClosedShift(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)
	if _, err := svc.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{}); err != nil {
		t.Fatalf("close shift: %v", err)
	}

	_, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-water",
		Quantity:  dec(t, "1.00"),
		Payments:  cashPayment(dec(t, "0.60")),
	})
	if !errors.Is(err, store.ErrShiftClosed) {
		t.Fatalf("expected shift closed, got %v", err)
	}
}

func TestSaleRejectsInactiveProduct(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	inactive := false
	if _, err := svc.UpdateProduct(ctx, "prod-bread", domain.ProductUpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("deactivate product: %v", err)
	}

	_, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-bread",
		Quantity:  dec(t, "1.00"),
		Payments:  cashPayment(dec(t, "2.10")),
	})
	if !errors.Is(err, store.ErrProductInactive) {
		t.Fatalf("expected product inactive, got %v", err)
	}
}

func TestSaleRejectsForeignLocationProduct(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	other, err := svc.CreateLocation(ctx, "Branch Two", "2 Side St")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	foreign, err := repo.CreateProduct(ctx, domain.Product{
		LocationID: other.ID,
		CategoryID: "cat-grocery",
		Name:       "Branch Salt",
		Unit:       "pcs",
		Price:      dec(t, "1.00"),
		Active:     true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	_, err = svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: foreign.ID,
		Quantity:  dec(t, "1.00"),
		Payments:  cashPayment(dec(t, "1.00")),
	})
	if !errors.Is(err, store.ErrLocationMismatch) {
		t.Fatalf("expected location mismatch, got %v", err)
	}
}

func TestSaleRejectsMismatchedPaymentSplit(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	_, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-water",
		Quantity:  dec(t, "5.00"),
		Payments:  cashPayment(dec(t, "2.99")),
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for bad split, got %v", err)
	}
}

func TestSaleRejectsNegativePaymentAmount(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	displayBefore, _ := repo.GetDisplayStock(ctx, "prod-rice")

	// A slip with a negated amount must not slide through on magnitude alone:
	// it would book a 9.00 sale while draining 9.00 from the cash bucket.
	_, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-rice",
		Quantity:  dec(t, "2.00"),
		Payments:  cashPayment(dec(t, "-9.00")),
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for negative payment, got %v", err)
	}

	displayAfter, _ := repo.GetDisplayStock(ctx, "prod-rice")
	if !displayAfter.Quantity.Equal(displayBefore.Quantity) {
		t.Fatalf("rejected sale moved stock: %s -> %s", displayBefore.Quantity, displayAfter.Quantity)
	}

	closed, err := svc.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if !closed.TotalCash.IsZero() {
		t.Fatalf("expected untouched cash bucket, got %s", closed.TotalCash)
	}
}

func TestSplitPaymentAcrossMethods(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	// 2 x 4.50 = 9.00 split across cash and card.
	tx, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-rice",
		Quantity:  dec(t, "2.00"),
		Payments: []domain.PaymentInput{
			{Method: domain.PaymentCash, Amount: dec(t, "4.00")},
			{Method: domain.PaymentCard, Amount: dec(t, "5.00")},
		},
	})
	if err != nil {
		t.Fatalf("create split sale: %v", err)
	}
	payments, _ := repo.ListPayments(ctx, []string{tx.ID})
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}
}

func TestRefundStoresNegativeAmountAndRestocks(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	displayBefore, _ := repo.GetDisplayStock(ctx, "prod-milk")

	// 2 x 1.80 = 3.60
	tx, err := svc.CreateRefund(ctx, domain.RefundRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-milk",
		Quantity:  dec(t, "2.00"),
		Payments:  cashPayment(dec(t, "3.60")),
	})
	if err != nil {
		t.Fatalf("create refund: %v", err)
	}
	if !tx.Amount.Equal(dec(t, "-3.60")) {
		t.Fatalf("expected stored amount -3.60, got %s", tx.Amount)
	}

	displayAfter, _ := repo.GetDisplayStock(ctx, "prod-milk")
	if !displayAfter.Quantity.Equal(displayBefore.Quantity.Add(dec(t, "2.00"))) {
		t.Fatalf("display not restocked: %s -> %s", displayBefore.Quantity, displayAfter.Quantity)
	}

	payments, _ := repo.ListPayments(ctx, []string{tx.ID})
	if len(payments) != 1 || !payments[0].Amount.Equal(dec(t, "-3.60")) {
		t.Fatalf("expected negative payment, got %+v", payments)
	}
}

func TestRefundAcceptsRetiredProduct(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	// Sell while the product is still listed, then retire it. The customer
	// can still bring the goods back even though new sales are blocked.
	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-milk",
		Quantity:  dec(t, "1.00"),
		Payments:  cashPayment(dec(t, "1.80")),
	}); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	inactive := false
	if _, err := svc.UpdateProduct(ctx, "prod-milk", domain.ProductUpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("deactivate product: %v", err)
	}

	tx, err := svc.CreateRefund(ctx, domain.RefundRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-milk",
		Quantity:  dec(t, "1.00"),
		Payments:  cashPayment(dec(t, "1.80")),
	})
	if err != nil {
		t.Fatalf("refund of retired product: %v", err)
	}
	if !tx.Amount.Equal(dec(t, "-1.80")) {
		t.Fatalf("expected refund amount -1.80, got %s", tx.Amount)
	}

	_, err = svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-milk",
		Quantity:  dec(t, "1.00"),
		Payments:  cashPayment(dec(t, "1.80")),
	})
	if !errors.Is(err, store.ErrProductInactive) {
		t.Fatalf("expected sale of retired product to fail, got %v", err)
	}
}

func TestAdjustmentMovesDisplayOnlyWithZeroAmount(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	storageBefore, _ := repo.GetStorageStock(ctx, "prod-eggs")
	displayBefore, _ := repo.GetDisplayStock(ctx, "prod-eggs")

	tx, err := svc.CreateAdjustment(ctx, domain.AdjustmentRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-eggs",
		Delta:     dec(t, "-3.00"),
		Notes:     "broken carton",
	})
	if err != nil {
		t.Fatalf("create adjustment: %v", err)
	}
	if !tx.Amount.IsZero() {
		t.Fatalf("adjustment amount must be zero, got %s", tx.Amount)
	}
	if !tx.Quantity.Equal(dec(t, "3.00")) {
		t.Fatalf("adjustment quantity stored as absolute value, got %s", tx.Quantity)
	}

	storageAfter, _ := repo.GetStorageStock(ctx, "prod-eggs")
	displayAfter, _ := repo.GetDisplayStock(ctx, "prod-eggs")
	if !storageAfter.Quantity.Equal(storageBefore.Quantity) {
		t.Fatalf("adjustment must not touch storage: %s -> %s", storageBefore.Quantity, storageAfter.Quantity)
	}
	if !displayAfter.Quantity.Equal(displayBefore.Quantity.Sub(dec(t, "3.00"))) {
		t.Fatalf("display not adjusted: %s -> %s", displayBefore.Quantity, displayAfter.Quantity)
	}
}

func TestAdjustmentRejectsZeroAndBelowZero(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	_, err := svc.CreateAdjustment(ctx, domain.AdjustmentRequest{ShiftID: shift.ID, ProductID: "prod-eggs", Delta: dec(t, "0")})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero delta, got %v", err)
	}

	_, err = svc.CreateAdjustment(ctx, domain.AdjustmentRequest{ShiftID: shift.ID, ProductID: "prod-eggs", Delta: dec(t, "-9999.00")})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for over-negative delta, got %v", err)
	}
}

func TestWriteoffReducesDisplay(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	displayBefore, _ := repo.GetDisplayStock(ctx, "prod-bread")
	tx, err := svc.CreateWriteoff(ctx, domain.WriteoffRequest{
		ShiftID:   shift.ID,
		ProductID: "prod-bread",
		Quantity:  dec(t, "2.00"),
		Notes:     "stale",
	})
	if err != nil {
		t.Fatalf("create writeoff: %v", err)
	}
	if tx.Type != domain.TxTypeWriteoff || !tx.Amount.IsZero() {
		t.Fatalf("unexpected writeoff row: %+v", tx)
	}
	displayAfter, _ := repo.GetDisplayStock(ctx, "prod-bread")
	if !displayAfter.Quantity.Equal(displayBefore.Quantity.Sub(dec(t, "2.00"))) {
		t.Fatalf("display not reduced: %s -> %s", displayBefore.Quantity, displayAfter.Quantity)
	}
}

func TestCloseShiftFreezesSaleTotalsOnly(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	// Sales: 3.00 cash + 9.00 card. Refund: 3.60 cash (must not affect
	// frozen close totals, which fold SALE rows only).
	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID: shift.ID, ProductID: "prod-water", Quantity: dec(t, "5.00"),
		Payments: cashPayment(dec(t, "3.00")),
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID: shift.ID, ProductID: "prod-rice", Quantity: dec(t, "2.00"),
		Payments: []domain.PaymentInput{{Method: domain.PaymentCard, Amount: dec(t, "9.00")}},
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := svc.CreateRefund(ctx, domain.RefundRequest{
		ShiftID: shift.ID, ProductID: "prod-milk", Quantity: dec(t, "2.00"),
		Payments: cashPayment(dec(t, "3.60")),
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	closed, err := svc.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{
		StockCounts: map[string]decimal.Decimal{"prod-water": dec(t, "25.00")},
	})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if !closed.Closed || closed.ClosedAt == nil {
		t.Fatalf("shift not marked closed: %+v", closed)
	}
	if !closed.TotalSales.Equal(dec(t, "12.00")) {
		t.Fatalf("expected frozen total sales 12.00, got %s", closed.TotalSales)
	}
	if !closed.TotalCash.Equal(dec(t, "3.00")) || !closed.TotalCard.Equal(dec(t, "9.00")) || !closed.TotalTransfer.IsZero() {
		t.Fatalf("unexpected method totals: cash=%s card=%s transfer=%s", closed.TotalCash, closed.TotalCard, closed.TotalTransfer)
	}

	counts, err := repo.ListStockCounts(ctx, shift.ID)
	if err != nil {
		t.Fatalf("list stock counts: %v", err)
	}
	if len(counts) != 1 || counts[0].ProductID != "prod-water" || !counts[0].Quantity.Equal(dec(t, "25.00")) {
		t.Fatalf("unexpected stock counts: %+v", counts)
	}

	if _, err := svc.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{}); !errors.Is(err, store.ErrShiftClosed) {
		t.Fatalf("expected second close to fail with shift closed, got %v", err)
	}
}

func TestShiftSummaryAndFinancialReport(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID: shift.ID, ProductID: "prod-water", Quantity: dec(t, "5.00"),
		Payments: cashPayment(dec(t, "3.00")),
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := svc.CreateRefund(ctx, domain.RefundRequest{
		ShiftID: shift.ID, ProductID: "prod-water", Quantity: dec(t, "1.00"),
		Payments: cashPayment(dec(t, "0.60")),
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	summary, err := svc.ShiftSummary(ctx, shift.ID)
	if err != nil {
		t.Fatalf("shift summary: %v", err)
	}
	if summary.SalesCount != 1 || summary.RefundsCount != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if !summary.SalesTotal.Equal(dec(t, "3.00")) {
		t.Fatalf("expected sales total 3.00, got %s", summary.SalesTotal)
	}
	if !summary.RefundsTotal.Equal(dec(t, "0.60")) {
		t.Fatalf("refund totals must be reported absolute, got %s", summary.RefundsTotal)
	}
	if !summary.NetTotal.Equal(dec(t, "2.40")) {
		t.Fatalf("expected net total 2.40, got %s", summary.NetTotal)
	}
	if !summary.TotalCash.Equal(dec(t, "2.40")) {
		t.Fatalf("expected net cash 2.40, got %s", summary.TotalCash)
	}

	fin, err := svc.FinancialReport(ctx, shift.ID)
	if err != nil {
		t.Fatalf("financial report: %v", err)
	}
	if !fin.TotalInRegister.Equal(dec(t, "2.40")) {
		t.Fatalf("expected register total 2.40, got %s", fin.TotalInRegister)
	}
}

func TestInventoryReportOrdersByCategoryThenName(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")

	rep, err := svc.InventoryReport(ctx, "loc-main")
	if err != nil {
		t.Fatalf("inventory report: %v", err)
	}
	if len(rep.Lines) == 0 {
		t.Fatalf("expected inventory lines")
	}
	for i := 1; i < len(rep.Lines); i++ {
		prev, cur := rep.Lines[i-1], rep.Lines[i]
		if prev.CategoryName > cur.CategoryName {
			t.Fatalf("lines out of category order: %q before %q", prev.CategoryName, cur.CategoryName)
		}
		if prev.CategoryName == cur.CategoryName && prev.ProductName > cur.ProductName {
			t.Fatalf("lines out of name order: %q before %q", prev.ProductName, cur.ProductName)
		}
	}
	for _, line := range rep.Lines {
		if !line.TotalQty.Equal(line.StorageQty.Add(line.DisplayQty)) {
			t.Fatalf("total mismatch for %s", line.ProductName)
		}
	}
}

func TestStockConservation(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	const productID = "prod-water"
	storage0, _ := repo.GetStorageStock(ctx, productID)
	display0, _ := repo.GetDisplayStock(ctx, productID)

	purchased := dec(t, "40.00")
	transferred := dec(t, "22.00")
	sold := dec(t, "7.00")
	refunded := dec(t, "2.00")
	adjusted := dec(t, "-4.00")

	if _, err := svc.RecordPurchase(ctx, domain.PurchaseRequest{ProductID: productID, Quantity: purchased, UnitPrice: dec(t, "0.40")}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := svc.RecordTransfer(ctx, domain.TransferRequest{ProductID: productID, Quantity: transferred}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID: shift.ID, ProductID: productID, Quantity: sold,
		Payments: cashPayment(dec(t, "4.20")),
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := svc.CreateRefund(ctx, domain.RefundRequest{
		ShiftID: shift.ID, ProductID: productID, Quantity: refunded,
		Payments: cashPayment(dec(t, "1.20")),
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := svc.CreateAdjustment(ctx, domain.AdjustmentRequest{ShiftID: shift.ID, ProductID: productID, Delta: adjusted}); err != nil {
		t.Fatalf("adjustment: %v", err)
	}

	storage1, _ := repo.GetStorageStock(ctx, productID)
	display1, _ := repo.GetDisplayStock(ctx, productID)

	wantStorage := storage0.Quantity.Add(purchased).Sub(transferred)
	wantDisplay := display0.Quantity.Add(transferred).Sub(sold).Add(refunded).Add(adjusted)
	if !storage1.Quantity.Equal(wantStorage) {
		t.Fatalf("storage conservation broken: want %s, got %s", wantStorage, storage1.Quantity)
	}
	if !display1.Quantity.Equal(wantDisplay) {
		t.Fatalf("display conservation broken: want %s, got %s", wantDisplay, display1.Quantity)
	}
}

func TestConcurrentShiftOpenHasSingleWinner(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{LocationID: "loc-main"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, store.ErrShiftAlreadyOpen) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one shift open to win, got %d", wins)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	// Seeded display for prod-coffee is 5.00; 12 workers try 1.00 each.
	const workers = 12
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSale(ctx, domain.SaleRequest{
				ShiftID: shift.ID, ProductID: "prod-coffee", Quantity: dec(t, "1.00"),
				Payments: cashPayment(dec(t, "6.90")),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	sold := 0
	for err := range results {
		if err == nil {
			sold++
		} else if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if sold != 5 {
		t.Fatalf("expected exactly 5 sales to succeed, got %d", sold)
	}

	display, _ := repo.GetDisplayStock(ctx, "prod-coffee")
	if display.Quantity.IsNegative() {
		t.Fatalf("display stock went negative: %s", display.Quantity)
	}
}

type captureSink struct {
	batches [][]domain.Transaction
	fail    bool
}

func (c *captureSink) Export(_ context.Context, txs []domain.Transaction) error {
	if c.fail {
		return fmt.Errorf("sink unavailable")
	}
	c.batches = append(c.batches, txs)
	return nil
}

func TestExportBatchMarksRowsOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateSale(ctx, domain.SaleRequest{
			ShiftID: shift.ID, ProductID: "prod-water", Quantity: dec(t, "1.00"),
			Payments: cashPayment(dec(t, "0.60")),
		}); err != nil {
			t.Fatalf("sale: %v", err)
		}
	}

	sink := &captureSink{}
	n, err := svc.ExportBatch(ctx, sink, 100)
	if err != nil {
		t.Fatalf("export batch: %v", err)
	}
	if n != 3 || len(sink.batches) != 1 || len(sink.batches[0]) != 3 {
		t.Fatalf("expected one batch of 3, got n=%d batches=%d", n, len(sink.batches))
	}

	n, err = svc.ExportBatch(ctx, sink, 100)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no rows on second export, got %d", n)
	}
}

func TestExportBatchLeavesRowsOnSinkFailure(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := actorCtx(t, repo, "admin")
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.CreateSale(ctx, domain.SaleRequest{
		ShiftID: shift.ID, ProductID: "prod-water", Quantity: dec(t, "1.00"),
		Payments: cashPayment(dec(t, "0.60")),
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}

	failing := &captureSink{fail: true}
	if _, err := svc.ExportBatch(ctx, failing, 100); err == nil {
		t.Fatalf("expected sink failure to propagate")
	}

	working := &captureSink{}
	n, err := svc.ExportBatch(ctx, working, 100)
	if err != nil {
		t.Fatalf("export after failure: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected row to remain exportable after sink failure, got %d", n)
	}
}

func TestCashierLacksInventoryAndCloseCapabilities(t *testing.T) {
	svc, repo := newTestService(t)
	adminCtx := actorCtx(t, repo, "admin")
	cashierCtx := actorCtx(t, repo, "cashier")

	if _, err := svc.RecordPurchase(cashierCtx, domain.PurchaseRequest{
		ProductID: "prod-rice", Quantity: dec(t, "1.00"), UnitPrice: dec(t, "1.00"),
	}); err == nil {
		t.Fatalf("expected cashier purchase to be denied")
	}

	shift := openTestShift(t, svc, adminCtx)
	if _, err := svc.CloseShift(cashierCtx, shift.ID, domain.ShiftCloseRequest{}); err == nil {
		t.Fatalf("expected cashier close to be denied")
	}

	// Cashiers can still sell.
	if _, err := svc.CreateSale(cashierCtx, domain.SaleRequest{
		ShiftID: shift.ID, ProductID: "prod-water", Quantity: dec(t, "1.00"),
		Payments: cashPayment(dec(t, "0.60")),
	}); err != nil {
		t.Fatalf("cashier sale should succeed: %v", err)
	}
}
