package models

import (
	"time"

	"gorm.io/gorm"
)

// Company is the billing entity that owns clients, invoices and gateways.
// Each company lives in exactly one tenant database identified by DBKey.
type Company struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name  string `gorm:"size:255;not null" json:"name"`
	Email string `gorm:"size:255" json:"email,omitempty"`

	// DBKey names the tenant connection holding this company's records.
	DBKey string `gorm:"size:100;index;not null" json:"db"`

	// CurrencyCode is the ISO 4217 default for clients without their own currency.
	CurrencyCode string `gorm:"size:3;not null;default:'USD'" json:"currency_code"`

	// Numbering counters, incremented inside the transaction that consumes them.
	InvoiceNumberCounter int `gorm:"not null;default:1" json:"invoice_number_counter"`
	PaymentNumberCounter int `gorm:"not null;default:1" json:"payment_number_counter"`
}
