package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// HashInvoice is one invoice reference held by a PaymentHash, with the
// amount the client chose to pay against it.
type HashInvoice struct {
	InvoiceID uint            `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentHash correlates a client-initiated charge attempt with the server-side
// invoice and fee state. PaymentID is stamped when the hash is consumed by a
// settlement; a stamped hash can never settle again.
type PaymentHash struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CompanyID        uint        `gorm:"index;not null" json:"company_id"`
	ClientID         uint        `gorm:"index;not null" json:"client_id"`
	CompanyGatewayID uint        `gorm:"index;not null" json:"company_gateway_id"`
	GatewayTypeID    GatewayType `gorm:"not null" json:"gateway_type_id"`

	Hash     string                           `gorm:"size:64;uniqueIndex;not null" json:"hash"`
	Invoices datatypes.JSONSlice[HashInvoice] `json:"invoices"`

	FeeTotal     decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"fee_total"`
	FeeInvoiceID *uint           `json:"fee_invoice_id,omitempty"`

	// Data is the raw gateway payload collected during the attempt.
	Data datatypes.JSON `json:"data,omitempty"`

	PaymentID *uint     `gorm:"index" json:"payment_id,omitempty"`
	Signature string    `gorm:"size:128;not null" json:"-"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

// InvoiceIDs returns the referenced invoice ids in hash order.
func (h *PaymentHash) InvoiceIDs() []uint {
	ids := make([]uint, 0, len(h.Invoices))
	for _, inv := range h.Invoices {
		ids = append(ids, inv.InvoiceID)
	}
	return ids
}

// InvoiceAmount returns the amount assigned to invoiceID, or zero.
func (h *PaymentHash) InvoiceAmount(invoiceID uint) decimal.Decimal {
	for _, inv := range h.Invoices {
		if inv.InvoiceID == invoiceID {
			return inv.Amount
		}
	}
	return decimal.Zero
}

// Amount is the sum of the invoice amounts, excluding the gateway fee.
func (h *PaymentHash) Amount() decimal.Decimal {
	total := decimal.Zero
	for _, inv := range h.Invoices {
		total = total.Add(inv.Amount)
	}
	return total
}

// AmountWithFee is the total the client is charged when the fee applies.
func (h *PaymentHash) AmountWithFee() decimal.Decimal {
	return h.Amount().Add(h.FeeTotal)
}

// Consumed reports whether a payment has already been created from this hash.
func (h *PaymentHash) Consumed() bool {
	return h.PaymentID != nil
}

// Expired reports whether the hash is past its expiry at now.
func (h *PaymentHash) Expired(now time.Time) bool {
	return !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt)
}
