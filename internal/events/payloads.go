package events

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// InvoicePaidPayload is carried by InvoicePaid, once per invoice newly linked
// to a payment.
type InvoicePaidPayload struct {
	CompanyID uint            `json:"company_id"`
	ClientID  uint            `json:"client_id"`
	UserID    uint            `json:"user_id"`
	InvoiceID uint            `json:"invoice_id"`
	PaymentID uint            `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// PaymentCreatedPayload is carried by PaymentCreated.
type PaymentCreatedPayload struct {
	CompanyID  uint            `json:"company_id"`
	ClientID   uint            `json:"client_id"`
	UserID     uint            `json:"user_id"`
	PaymentID  uint            `json:"payment_id"`
	ContactID  *uint           `json:"client_contact_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	InvoiceIDs []uint          `json:"invoice_ids"`
}

// PaymentRefundedPayload is carried by PaymentRefunded.
type PaymentRefundedPayload struct {
	CompanyID uint            `json:"company_id"`
	ClientID  uint            `json:"client_id"`
	UserID    uint            `json:"user_id"`
	PaymentID uint            `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// FailureNoticePayload asks the mailer to tell the client a charge failed.
type FailureNoticePayload struct {
	CompanyID   uint            `json:"company_id"`
	CompanyName string          `json:"company_name"`
	ClientID    uint            `json:"client_id"`
	ClientName  string          `json:"client_name"`
	ClientEmail string          `json:"client_email"`
	Error       string          `json:"error"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Hash        string          `json:"hash,omitempty"`
	GatewayData json.RawMessage `json:"gateway_data,omitempty"`
}

// SystemLogPayload is persisted as one system log row.
type SystemLogPayload struct {
	CompanyID  uint            `json:"company_id"`
	ClientID   uint            `json:"client_id"`
	CategoryID int             `json:"category_id"`
	EventID    int             `json:"event_id"`
	TypeID     int             `json:"type_id"`
	Log        json.RawMessage `json:"log"`
}
