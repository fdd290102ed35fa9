// Package report builds shift, financial, and inventory reports as pure
// folds over already-loaded rows. Nothing here touches storage, so the same
// functions serve open shifts (live recomputation) and closed shifts.
package report

import (
	"slices"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

type ProductLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

type ShiftSummary struct {
	ShiftID          string          `json:"shift_id"`
	SalesCount       int             `json:"sales_count"`
	SalesTotal       decimal.Decimal `json:"sales_total"`
	RefundsCount     int             `json:"refunds_count"`
	RefundsTotal     decimal.Decimal `json:"refunds_total"`
	NetTotal         decimal.Decimal `json:"net_total"`
	TotalCash        decimal.Decimal `json:"total_cash"`
	TotalCard        decimal.Decimal `json:"total_card"`
	TotalTransfer    decimal.Decimal `json:"total_transfer"`
	SalesByProduct   []ProductLine   `json:"sales_by_product"`
	RefundsByProduct []ProductLine   `json:"refunds_by_product"`
}

type FinancialReport struct {
	ShiftID         string          `json:"shift_id"`
	TotalInRegister decimal.Decimal `json:"total_in_register"`
	NetCash         decimal.Decimal `json:"net_cash"`
	NetCard         decimal.Decimal `json:"net_card"`
	NetTransfer     decimal.Decimal `json:"net_transfer"`
	SalesTotal      decimal.Decimal `json:"sales_total"`
	RefundsTotal    decimal.Decimal `json:"refunds_total"`
	NetTotal        decimal.Decimal `json:"net_total"`
}

type InventoryLine struct {
	CategoryName string          `json:"category_name"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Unit         string          `json:"unit"`
	Price        decimal.Decimal `json:"price"`
	StorageQty   decimal.Decimal `json:"storage_qty"`
	DisplayQty   decimal.Decimal `json:"display_qty"`
	TotalQty     decimal.Decimal `json:"total_qty"`
}

type InventoryReport struct {
	LocationID string          `json:"location_id"`
	Lines      []InventoryLine `json:"lines"`
}

// BuildShiftSummary folds a shift's transactions and payments into sale and
// refund aggregates. Refund rows are stored with negative amounts; totals
// here are reported as absolute values, with the sign applied only when
// computing net figures.
func BuildShiftSummary(shift domain.Shift, txs []domain.Transaction, payments []domain.Payment, productNames map[string]string) ShiftSummary {
	summary := ShiftSummary{
		ShiftID:       shift.ID,
		SalesTotal:    decimal.Zero,
		RefundsTotal:  decimal.Zero,
		NetTotal:      decimal.Zero,
		TotalCash:     decimal.Zero,
		TotalCard:     decimal.Zero,
		TotalTransfer: decimal.Zero,
	}

	payByTx := make(map[string][]domain.Payment, len(txs))
	for _, p := range payments {
		payByTx[p.TransactionID] = append(payByTx[p.TransactionID], p)
	}

	saleLines := map[string]*ProductLine{}
	refundLines := map[string]*ProductLine{}

	for _, tx := range txs {
		switch tx.Type {
		case domain.TxTypeSale:
			summary.SalesCount++
			summary.SalesTotal = summary.SalesTotal.Add(tx.Amount)
			accumulate(saleLines, tx, tx.Amount, productNames)
		case domain.TxTypeRefund:
			summary.RefundsCount++
			summary.RefundsTotal = summary.RefundsTotal.Add(tx.Amount.Abs())
			accumulate(refundLines, tx, tx.Amount.Abs(), productNames)
		default:
			continue
		}
		// Refund payments are stored negative, so plain addition nets them
		// against sale payments.
		for _, p := range payByTx[tx.ID] {
			switch p.Method {
			case domain.PaymentCash:
				summary.TotalCash = summary.TotalCash.Add(p.Amount)
			case domain.PaymentCard:
				summary.TotalCard = summary.TotalCard.Add(p.Amount)
			case domain.PaymentTransfer:
				summary.TotalTransfer = summary.TotalTransfer.Add(p.Amount)
			}
		}
	}

	summary.NetTotal = summary.SalesTotal.Sub(summary.RefundsTotal)
	summary.SalesByProduct = sortedLines(saleLines)
	summary.RefundsByProduct = sortedLines(refundLines)
	return summary
}

func BuildFinancialReport(summary ShiftSummary) FinancialReport {
	return FinancialReport{
		ShiftID:         summary.ShiftID,
		TotalInRegister: summary.TotalCash.Add(summary.TotalCard).Add(summary.TotalTransfer),
		NetCash:         summary.TotalCash,
		NetCard:         summary.TotalCard,
		NetTransfer:     summary.TotalTransfer,
		SalesTotal:      summary.SalesTotal,
		RefundsTotal:    summary.RefundsTotal,
		NetTotal:        summary.NetTotal,
	}
}

// BuildInventoryReport lists active products with their storage and display
// quantities, ordered by category then product name.
func BuildInventoryReport(locationID string, products []domain.Product, levels []domain.StockLevel, categories []domain.Category) InventoryReport {
	categoryNames := make(map[string]string, len(categories))
	for _, c := range categories {
		categoryNames[c.ID] = c.Name
	}
	levelByProduct := make(map[string]domain.StockLevel, len(levels))
	for _, l := range levels {
		levelByProduct[l.ProductID] = l
	}

	lines := make([]InventoryLine, 0, len(products))
	for _, p := range products {
		if !p.Active {
			continue
		}
		level := levelByProduct[p.ID]
		storage := level.StorageQty
		display := level.DisplayQty
		lines = append(lines, InventoryLine{
			CategoryName: categoryNames[p.CategoryID],
			ProductID:    p.ID,
			ProductName:  p.Name,
			Unit:         p.Unit,
			Price:        p.Price,
			StorageQty:   storage,
			DisplayQty:   display,
			TotalQty:     storage.Add(display),
		})
	}
	slices.SortFunc(lines, func(a, b InventoryLine) int {
		if a.CategoryName != b.CategoryName {
			if a.CategoryName < b.CategoryName {
				return -1
			}
			return 1
		}
		if a.ProductName < b.ProductName {
			return -1
		}
		if a.ProductName > b.ProductName {
			return 1
		}
		return 0
	})
	return InventoryReport{LocationID: locationID, Lines: lines}
}

func accumulate(lines map[string]*ProductLine, tx domain.Transaction, amount decimal.Decimal, productNames map[string]string) {
	line, ok := lines[tx.ProductID]
	if !ok {
		line = &ProductLine{
			ProductID:   tx.ProductID,
			ProductName: productNames[tx.ProductID],
			Quantity:    decimal.Zero,
			Amount:      decimal.Zero,
		}
		lines[tx.ProductID] = line
	}
	line.Quantity = line.Quantity.Add(tx.Quantity)
	line.Amount = line.Amount.Add(amount)
}

func sortedLines(lines map[string]*ProductLine) []ProductLine {
	out := make([]ProductLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, *line)
	}
	slices.SortFunc(out, func(a, b ProductLine) int {
		if a.ProductName < b.ProductName {
			return -1
		}
		if a.ProductName > b.ProductName {
			return 1
		}
		return 0
	})
	return out
}
