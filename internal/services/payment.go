package services

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/diewo77/go-settle/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrRefundExceeds is returned when a refund is larger than what remains refundable.
var ErrRefundExceeds = errors.New("refund_exceeds_refundable")

type PaymentService struct {
	log *slog.Logger
}

func NewPaymentService(log *slog.Logger) *PaymentService {
	return &PaymentService{log: log}
}

// Find loads a payment with its invoice allocations.
func (s *PaymentService) Find(db *gorm.DB, id uint) (*models.Payment, error) {
	var p models.Payment
	if err := db.Preload("Paymentables", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SyncInvoices makes the payment's invoice allocations exactly match
// amounts. Rows for other invoices are deleted, existing rows get the new
// amount, and missing rows are created. It returns the ids of the invoices
// that were not linked before, in the order given by ids.
func (s *PaymentService) SyncInvoices(tx *gorm.DB, paymentID uint, ids []uint, amounts map[uint]decimal.Decimal) ([]uint, error) {
	var existing []models.Paymentable
	if err := tx.Where("payment_id = ?", paymentID).Find(&existing).Error; err != nil {
		return nil, err
	}
	current := make(map[uint]models.Paymentable, len(existing))
	for _, pa := range existing {
		current[pa.InvoiceID] = pa
	}

	wanted := make(map[uint]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var stale []uint
	for invoiceID, pa := range current {
		if !wanted[invoiceID] {
			stale = append(stale, pa.ID)
		}
	}
	if len(stale) > 0 {
		if err := tx.Delete(&models.Paymentable{}, stale).Error; err != nil {
			return nil, err
		}
	}

	var added []uint
	for _, id := range ids {
		amount := amounts[id]
		if pa, ok := current[id]; ok {
			if !pa.Amount.Equal(amount) {
				if err := tx.Model(&pa).Update("amount", amount).Error; err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := tx.Create(&models.Paymentable{PaymentID: paymentID, InvoiceID: id, Amount: amount}).Error; err != nil {
			return nil, err
		}
		added = append(added, id)
	}
	return added, nil
}

// ApplyNumber gives p the next company payment number when it has none.
// Failures are logged and rolled back without affecting the caller's transaction.
func (s *PaymentService) ApplyNumber(tx *gorm.DB, p *models.Payment) {
	if p.Number != "" {
		return
	}
	number, err := withSavepoint(tx, fmt.Sprintf("payment_number_%d", p.ID), func(tx *gorm.DB) (string, error) {
		n, err := nextNumber(tx, p.CompanyID, "payment_number_counter", &models.Payment{})
		if err != nil {
			return "", err
		}
		return n, tx.Model(&models.Payment{}).Where("id = ?", p.ID).Update("number", n).Error
	})
	if err != nil {
		s.log.Warn("payment numbering failed", "payment_id", p.ID, "err", err)
		return
	}
	p.Number = number
}

// Refund records amount as refunded on p, spreading it over the invoice
// allocations in order, and moves the payment to partially refunded or refunded.
func (s *PaymentService) Refund(tx *gorm.DB, p *models.Payment, amount decimal.Decimal) error {
	if amount.GreaterThan(p.Refundable()) {
		return fmt.Errorf("%w: %s > %s", ErrRefundExceeds, amount, p.Refundable())
	}
	remaining := amount
	for i := range p.Paymentables {
		if !remaining.IsPositive() {
			break
		}
		pa := &p.Paymentables[i]
		open := pa.Amount.Sub(pa.Refunded)
		if !open.IsPositive() {
			continue
		}
		take := decimal.Min(open, remaining)
		pa.Refunded = pa.Refunded.Add(take)
		if err := tx.Model(pa).Update("refunded", pa.Refunded).Error; err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}

	p.Refunded = p.Refunded.Add(amount)
	p.Status = models.PaymentStatusPartiallyRefunded
	if !p.Refundable().IsPositive() {
		p.Status = models.PaymentStatusRefunded
	}
	return tx.Model(&models.Payment{}).Where("id = ?", p.ID).
		Updates(map[string]any{"refunded": p.Refunded, "status": p.Status}).Error
}
