package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceStatus represents the status of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPartial   InvoiceStatus = "partial"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// ItemType marks what a line item represents. Gateway fees are tracked as
// dedicated item types so they can be confirmed or removed after a payment attempt.
type ItemType string

const (
	ItemTypeStandard  ItemType = "1"
	ItemTypeTask      ItemType = "2"
	ItemTypeUnpaidFee ItemType = "3"
	ItemTypePaidFee   ItemType = "4"
	ItemTypeLateFee   ItemType = "5"
)

// Invoice represents a billing invoice.
type Invoice struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CompanyID uint    `gorm:"index;not null" json:"company_id"`
	UserID    uint    `gorm:"index;not null" json:"user_id"`
	ClientID  uint    `gorm:"index;not null" json:"client_id"`
	Client    *Client `gorm:"foreignKey:ClientID" json:"client,omitempty"`

	// Number is assigned on first settlement when the invoice has none yet.
	Number string        `gorm:"size:50;index" json:"number"`
	Status InvoiceStatus `gorm:"size:20;default:'draft'" json:"status"`

	IssueDate time.Time  `json:"issue_date"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	PaidDate  *time.Time `json:"paid_date,omitempty"`

	Amount     decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"amount"`
	Balance    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"balance"`
	PaidToDate decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"paid_to_date"`

	LineItems []InvoiceItem `gorm:"foreignKey:InvoiceID" json:"line_items,omitempty"`
}

// IsPayable returns true if the invoice can receive a payment.
func (i Invoice) IsPayable() bool {
	switch i.Status {
	case InvoiceStatusSent, InvoiceStatusPartial:
		return i.PayableBalance().IsPositive()
	}
	return false
}

// PayableBalance is the balance without unconfirmed gateway fee lines. Those
// belong to pending payment attempts and are only owed once confirmed.
func (i Invoice) PayableBalance() decimal.Decimal {
	return i.Balance.Sub(i.ItemsTotal(ItemTypeUnpaidFee))
}

// PendingFee sums the unpaid gateway fee lines added for payment hash hashID.
func (i Invoice) PendingFee(hashID uint) decimal.Decimal {
	total := decimal.Zero
	for _, item := range i.LineItems {
		if item.TypeID == ItemTypeUnpaidFee && item.PaymentHashID != nil && *item.PaymentHashID == hashID {
			total = total.Add(item.LineTotal())
		}
	}
	return total
}

// HasItemType reports whether any loaded line item has the given type.
func (i Invoice) HasItemType(t ItemType) bool {
	for _, item := range i.LineItems {
		if item.TypeID == t {
			return true
		}
	}
	return false
}

// ItemsTotal sums the line totals of the loaded items of the given type.
func (i Invoice) ItemsTotal(t ItemType) decimal.Decimal {
	total := decimal.Zero
	for _, item := range i.LineItems {
		if item.TypeID == t {
			total = total.Add(item.LineTotal())
		}
	}
	return total
}

// InvoiceItem represents a line item on an invoice.
type InvoiceItem struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	InvoiceID uint     `gorm:"index;not null" json:"invoice_id"`
	TypeID    ItemType `gorm:"size:2;not null;default:'1'" json:"type_id"`
	// PaymentHashID ties a gateway fee line to the payment attempt that added it.
	PaymentHashID *uint `gorm:"index" json:"payment_hash_id,omitempty"`

	Description string          `gorm:"size:500;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:1" json:"quantity"`
	Cost        decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"cost"`

	Position int `gorm:"default:0" json:"position"`
}

// LineTotal is quantity times cost.
func (item InvoiceItem) LineTotal() decimal.Decimal {
	return item.Quantity.Mul(item.Cost)
}
