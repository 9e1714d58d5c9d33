package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ActivityType identifies an entry in the company activity feed.
type ActivityType uint

const (
	ActivityCreatePayment ActivityType = 10
	ActivityPaidInvoice   ActivityType = 54
	ActivityRefundPayment ActivityType = 40
)

// Activity is a company activity feed entry written by event listeners.
type Activity struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time    `json:"created_at"`
	CompanyID      uint         `gorm:"index;not null" json:"company_id"`
	UserID         uint         `gorm:"index" json:"user_id"`
	ClientID       uint         `gorm:"index" json:"client_id"`
	InvoiceID      *uint        `gorm:"index" json:"invoice_id,omitempty"`
	PaymentID      *uint        `gorm:"index" json:"payment_id,omitempty"`
	ActivityTypeID ActivityType `gorm:"not null" json:"activity_type_id"`
	Notes          string       `gorm:"type:text" json:"notes,omitempty"`
}

// System log categories, events and types.
const (
	LogCategoryGatewayResponse = 1
	LogCategoryWebhook         = 3

	LogEventGatewaySuccess = 21
	LogEventGatewayFailure = 22
	LogEventGatewayError   = 23
	LogEventGatewayRefund  = 24

	LogTypeSandbox = 300
	LogTypeStripe  = 301
	LogTypePayPal  = 302
	LogTypeCustom  = 399
)

// SystemLog records gateway traffic and failures for a client.
type SystemLog struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	CompanyID  uint           `gorm:"index;not null" json:"company_id"`
	ClientID   uint           `gorm:"index" json:"client_id"`
	CategoryID int            `gorm:"not null" json:"category_id"`
	EventID    int            `gorm:"not null" json:"event_id"`
	TypeID     int            `gorm:"not null" json:"type_id"`
	Log        datatypes.JSON `json:"log"`
}

// CompanyLedger is an append-only record of balance adjustments.
type CompanyLedger struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	CompanyID  uint            `gorm:"index;not null" json:"company_id"`
	ClientID   uint            `gorm:"index;not null" json:"client_id"`
	InvoiceID  *uint           `gorm:"index" json:"invoice_id,omitempty"`
	PaymentID  *uint           `gorm:"index" json:"payment_id,omitempty"`
	Adjustment decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"adjustment"`
	Balance    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"balance"`
	Notes      string          `gorm:"size:255" json:"notes,omitempty"`
}

// All lists every model in migration order.
func All() []any {
	return []any{
		&Company{}, &User{}, &Client{}, &ClientContact{}, &Invitation{},
		&CompanyGateway{}, &ClientGatewayToken{},
		&Invoice{}, &InvoiceItem{},
		&Payment{}, &Paymentable{}, &PaymentHash{},
		&Activity{}, &SystemLog{}, &CompanyLedger{},
	}
}
