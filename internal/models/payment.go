package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a payment row.
// Payments are never deleted; they only move between statuses.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
)

// PaymentType describes how the money was collected.
type PaymentType uint

const (
	PaymentTypeCreditCard   PaymentType = 1
	PaymentTypeBankTransfer PaymentType = 2
	PaymentTypePayPal       PaymentType = 3
	PaymentTypeSEPA         PaymentType = 4
)

// Payment is one settlement against one or more invoices.
type Payment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CompanyID        uint  `gorm:"index;not null" json:"company_id"`
	UserID           uint  `gorm:"index;not null" json:"user_id"`
	ClientID         uint  `gorm:"index;not null" json:"client_id"`
	ClientContactID  *uint `gorm:"index" json:"client_contact_id,omitempty"`
	CompanyGatewayID uint  `gorm:"index" json:"company_gateway_id"`

	Number string        `gorm:"size:50;index" json:"number"`
	Status PaymentStatus `gorm:"size:30;not null;default:'pending'" json:"status"`
	TypeID PaymentType   `gorm:"not null" json:"type_id"`

	Amount       decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"amount"`
	Applied      decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"applied"`
	Refunded     decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"refunded"`
	CurrencyCode string          `gorm:"size:3;not null" json:"currency_code"`

	TransactionReference string    `gorm:"size:255" json:"transaction_reference,omitempty"`
	Date                 time.Time `json:"date"`

	Paymentables []Paymentable `gorm:"foreignKey:PaymentID" json:"paymentables,omitempty"`
}

// Refundable returns the amount that can still be refunded.
func (p *Payment) Refundable() decimal.Decimal {
	return p.Amount.Sub(p.Refunded)
}

// InvoiceIDs returns the invoice ids of the loaded paymentables.
func (p *Payment) InvoiceIDs() []uint {
	ids := make([]uint, 0, len(p.Paymentables))
	for _, pa := range p.Paymentables {
		ids = append(ids, pa.InvoiceID)
	}
	return ids
}

// Paymentable is the join row between a payment and an invoice, carrying the
// amount of the payment allocated to that invoice.
type Paymentable struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	PaymentID uint            `gorm:"uniqueIndex:idx_paymentable;not null" json:"payment_id"`
	InvoiceID uint            `gorm:"uniqueIndex:idx_paymentable;not null" json:"invoice_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"amount"`
	Refunded  decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"refunded"`
}
