package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"gorm.io/gorm"
)

// Client is a customer of a company. Balance is the sum of outstanding invoice
// balances the client owes; PaidToDate accumulates settled amounts.
type Client struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CompanyID uint     `gorm:"index;not null" json:"company_id"`
	Company   *Company `gorm:"foreignKey:CompanyID" json:"-"`
	UserID    uint     `gorm:"index;not null" json:"user_id"`

	Name         string `gorm:"size:255;not null" json:"name"`
	Email        string `gorm:"size:255" json:"email,omitempty"`
	CurrencyCode string `gorm:"size:3" json:"currency_code,omitempty"`

	Balance    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"balance"`
	PaidToDate decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"paid_to_date"`

	Contacts      []ClientContact      `gorm:"foreignKey:ClientID" json:"contacts,omitempty"`
	GatewayTokens []ClientGatewayToken `gorm:"foreignKey:ClientID" json:"-"`
}

// Currency returns the client's currency code, falling back to the company's
// and finally to USD. Codes that are not valid ISO 4217 are ignored.
func (c *Client) Currency() string {
	for _, code := range []string{c.CurrencyCode, companyCurrency(c.Company)} {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		if _, err := currency.ParseISO(code); err == nil {
			return code
		}
	}
	return "USD"
}

func companyCurrency(c *Company) string {
	if c == nil {
		return ""
	}
	return c.CurrencyCode
}

// ClientContact is a person allowed to pay on behalf of a client through the portal.
type ClientContact struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	CompanyID uint           `gorm:"index;not null" json:"company_id"`
	ClientID  uint           `gorm:"index;not null" json:"client_id"`
	FirstName string         `gorm:"size:100" json:"first_name,omitempty"`
	LastName  string         `gorm:"size:100" json:"last_name,omitempty"`
	Email     string         `gorm:"size:255" json:"email,omitempty"`
}

// Invitation is the link a contact received to view and pay an invoice.
type Invitation struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	CompanyID       uint      `gorm:"index;not null" json:"company_id"`
	InvoiceID       uint      `gorm:"index;not null" json:"invoice_id"`
	ClientContactID uint      `gorm:"index;not null" json:"client_contact_id"`
	Key             string    `gorm:"size:100;uniqueIndex;not null" json:"key"`
}
