package services

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/go-settle/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InvoiceService holds the invoice side of settlement bookkeeping. Every
// method takes the transaction to run in.
type InvoiceService struct {
	log *slog.Logger
}

func NewInvoiceService(log *slog.Logger) *InvoiceService {
	return &InvoiceService{log: log}
}

// ComputeTotals sums the line items of an invoice.
func (s *InvoiceService) ComputeTotals(inv *models.Invoice) decimal.Decimal {
	total := decimal.Zero
	if inv == nil {
		return total
	}
	for _, item := range inv.LineItems {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Load returns the invoices of clientID with the given ids, in the order of ids.
// Missing invoices are an error.
func (s *InvoiceService) Load(tx *gorm.DB, clientID uint, ids []uint) ([]models.Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []models.Invoice
	if err := tx.Preload("LineItems").
		Where("client_id = ? AND id IN ?", clientID, ids).
		Find(&found).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]models.Invoice, len(found))
	for _, inv := range found {
		byID[inv.ID] = inv
	}
	out := make([]models.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("invoice %d: %w", id, gorm.ErrRecordNotFound)
		}
		out = append(out, inv)
	}
	return out, nil
}

// LoadForUpdate is Load with the invoice rows locked until tx ends, so
// concurrent settlements of the same invoice are serialized.
func (s *InvoiceService) LoadForUpdate(tx *gorm.DB, clientID uint, ids []uint) ([]models.Invoice, error) {
	return s.Load(tx.Clauses(clause.Locking{Strength: "UPDATE"}), clientID, ids)
}

// AddGatewayFee appends an unpaid gateway fee line owned by payment hash
// hashID to inv and raises its amount and balance by fee. The client balance
// is left alone until the fee is confirmed.
func (s *InvoiceService) AddGatewayFee(tx *gorm.DB, inv *models.Invoice, fee decimal.Decimal, label string, hashID uint) error {
	if !fee.IsPositive() {
		return nil
	}
	item := models.InvoiceItem{
		InvoiceID:     inv.ID,
		TypeID:        models.ItemTypeUnpaidFee,
		PaymentHashID: &hashID,
		Description:   label,
		Quantity:      decimal.NewFromInt(1),
		Cost:          fee,
		Position:      len(inv.LineItems),
	}
	if err := tx.Create(&item).Error; err != nil {
		return err
	}
	inv.LineItems = append(inv.LineItems, item)
	inv.Amount = inv.Amount.Add(fee)
	inv.Balance = inv.Balance.Add(fee)
	return tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).
		Updates(map[string]any{"amount": inv.Amount, "balance": inv.Balance}).Error
}

// ToggleFeesPaid turns the unpaid gateway fee lines hashID added to
// invoiceID into paid fee lines. It returns the number of lines flipped; zero
// means nothing was pending, which makes repeated calls harmless.
func (s *InvoiceService) ToggleFeesPaid(tx *gorm.DB, invoiceID, hashID uint) (int64, error) {
	res := tx.Model(&models.InvoiceItem{}).
		Where("invoice_id = ? AND type_id = ? AND payment_hash_id = ?", invoiceID, models.ItemTypeUnpaidFee, hashID).
		Update("type_id", models.ItemTypePaidFee)
	return res.RowsAffected, res.Error
}

// RemoveGatewayFees deletes the unpaid gateway fee lines payment hash hashID
// added and lowers the amount and balance of their invoices. Fee lines of
// other hashes are left alone. It returns the total removed.
func (s *InvoiceService) RemoveGatewayFees(tx *gorm.DB, hashID uint) (decimal.Decimal, error) {
	var items []models.InvoiceItem
	if err := tx.Where("type_id = ? AND payment_hash_id = ?", models.ItemTypeUnpaidFee, hashID).
		Find(&items).Error; err != nil {
		return decimal.Zero, err
	}
	return s.removeFeeItems(tx, items)
}

// RemoveStaleGatewayFees deletes the unpaid gateway fee lines of the given
// invoices that no live payment hash owns: lines without a hash, and lines of
// hashes that expired or were consumed before now.
func (s *InvoiceService) RemoveStaleGatewayFees(tx *gorm.DB, invoiceIDs []uint, now time.Time) (decimal.Decimal, error) {
	if len(invoiceIDs) == 0 {
		return decimal.Zero, nil
	}
	live := tx.Model(&models.PaymentHash{}).Select("id").
		Where("payment_id IS NULL AND expires_at > ?", now.UTC())
	var items []models.InvoiceItem
	if err := tx.Where("invoice_id IN ? AND type_id = ?", invoiceIDs, models.ItemTypeUnpaidFee).
		Where("(payment_hash_id IS NULL OR payment_hash_id NOT IN (?))", live).
		Find(&items).Error; err != nil {
		return decimal.Zero, err
	}
	return s.removeFeeItems(tx, items)
}

// RemoveUnpaidGatewayFees deletes every unpaid gateway fee line of each
// invoice, whichever hash added it. It returns the total removed.
func (s *InvoiceService) RemoveUnpaidGatewayFees(tx *gorm.DB, invoiceIDs []uint) (decimal.Decimal, error) {
	if len(invoiceIDs) == 0 {
		return decimal.Zero, nil
	}
	var items []models.InvoiceItem
	if err := tx.Where("invoice_id IN ? AND type_id = ?", invoiceIDs, models.ItemTypeUnpaidFee).
		Find(&items).Error; err != nil {
		return decimal.Zero, err
	}
	return s.removeFeeItems(tx, items)
}

// removeFeeItems deletes items and lowers each owning invoice's amount and
// balance by the total removed from it.
func (s *InvoiceService) removeFeeItems(tx *gorm.DB, items []models.InvoiceItem) (decimal.Decimal, error) {
	removed := decimal.Zero
	if len(items) == 0 {
		return removed, nil
	}
	perInvoice := map[uint]decimal.Decimal{}
	order := []uint{}
	ids := make([]uint, 0, len(items))
	for _, it := range items {
		if _, ok := perInvoice[it.InvoiceID]; !ok {
			order = append(order, it.InvoiceID)
		}
		perInvoice[it.InvoiceID] = perInvoice[it.InvoiceID].Add(it.LineTotal())
		ids = append(ids, it.ID)
	}
	if err := tx.Unscoped().Delete(&models.InvoiceItem{}, ids).Error; err != nil {
		return removed, err
	}
	for _, id := range order {
		total := perInvoice[id]
		if err := tx.Model(&models.Invoice{}).Where("id = ?", id).Updates(map[string]any{
			"amount":  gorm.Expr("amount - ?", total),
			"balance": gorm.Expr("balance - ?", total),
		}).Error; err != nil {
			return removed, err
		}
		removed = removed.Add(total)
	}
	return removed, nil
}

// ApplyPayment records amount paid against inv and moves it to partial or paid.
// Unconfirmed fee lines of other attempts do not keep an invoice open.
func (s *InvoiceService) ApplyPayment(tx *gorm.DB, inv *models.Invoice, amount decimal.Decimal, at time.Time) error {
	inv.Balance = inv.Balance.Sub(amount)
	inv.PaidToDate = inv.PaidToDate.Add(amount)
	updates := map[string]any{
		"balance":      inv.Balance,
		"paid_to_date": inv.PaidToDate,
	}
	if inv.PayableBalance().IsPositive() {
		inv.Status = models.InvoiceStatusPartial
	} else {
		inv.Status = models.InvoiceStatusPaid
		inv.PaidDate = &at
		updates["paid_date"] = at
	}
	updates["status"] = inv.Status
	return tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Updates(updates).Error
}

// ApplyNumber gives inv the next company invoice number when it has none.
// Failures are logged and rolled back without affecting the caller's transaction.
func (s *InvoiceService) ApplyNumber(tx *gorm.DB, inv *models.Invoice) {
	if inv.Number != "" {
		return
	}
	number, err := withSavepoint(tx, fmt.Sprintf("invoice_number_%d", inv.ID), func(tx *gorm.DB) (string, error) {
		n, err := nextNumber(tx, inv.CompanyID, "invoice_number_counter", &models.Invoice{})
		if err != nil {
			return "", err
		}
		return n, tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Update("number", n).Error
	})
	if err != nil {
		s.log.Warn("invoice numbering failed", "invoice_id", inv.ID, "err", err)
		return
	}
	inv.Number = number
}
