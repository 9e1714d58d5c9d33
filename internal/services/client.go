package services

import (
	"github.com/diewo77/go-settle/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ClientService keeps client balances and the company ledger in step.
type ClientService struct{}

func NewClientService() *ClientService { return &ClientService{} }

// Adjust moves the client's balance and paid-to-date by the given deltas and
// reloads them into client.
func (s *ClientService) Adjust(tx *gorm.DB, client *models.Client, balance, paidToDate decimal.Decimal) error {
	if balance.IsZero() && paidToDate.IsZero() {
		return nil
	}
	if err := tx.Model(&models.Client{}).Where("id = ?", client.ID).Updates(map[string]any{
		"balance":      gorm.Expr("balance + ?", balance),
		"paid_to_date": gorm.Expr("paid_to_date + ?", paidToDate),
	}).Error; err != nil {
		return err
	}
	return tx.Select("balance", "paid_to_date").First(client, client.ID).Error
}

// LedgerEntry describes one balance adjustment.
type LedgerEntry struct {
	InvoiceID  *uint
	PaymentID  *uint
	Adjustment decimal.Decimal
	Notes      string
}

// Record appends a ledger row carrying the client's current balance.
func (s *ClientService) Record(tx *gorm.DB, client *models.Client, e LedgerEntry) error {
	return tx.Create(&models.CompanyLedger{
		CompanyID:  client.CompanyID,
		ClientID:   client.ID,
		InvoiceID:  e.InvoiceID,
		PaymentID:  e.PaymentID,
		Adjustment: e.Adjustment,
		Balance:    client.Balance,
		Notes:      e.Notes,
	}).Error
}
