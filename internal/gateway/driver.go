// Package gateway defines the payment driver port the settlement workflow
// charges through, the capability registry that maps company gateways to
// drivers, and the built-in sandbox driver.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/diewo77/go-settle/internal/models"
	"github.com/shopspring/decimal"
)

// Driver talks to one payment provider.
type Driver interface {
	// Key is the driver key stored on company gateways.
	Key() string

	// Capabilities returns what the driver supports. The registry may
	// override them from the gateway catalog.
	Capabilities() Capabilities

	// Authorize verifies a payment method without charging it and returns the
	// token to store for later billing.
	Authorize(ctx context.Context, req AuthorizeRequest) (*TokenData, error)

	// Purchase charges the client. It MAY block until ctx expires; a context
	// deadline is reported as the returned error.
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)

	// Refund returns money from a completed payment.
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Capabilities describes the features a driver supports.
type Capabilities struct {
	Refundable             bool                 `yaml:"refundable"`
	TokenBilling           bool                 `yaml:"token_billing"`
	CanAuthoriseCreditCard bool                 `yaml:"can_authorise_credit_card"`
	Methods                []models.GatewayType `yaml:"methods"`

	// SystemLogType tags system log rows written for this driver.
	SystemLogType int `yaml:"system_log_type"`
}

// Supports reports whether the driver accepts payment method t.
func (c Capabilities) Supports(t models.GatewayType) bool {
	for _, m := range c.Methods {
		if m == t {
			return true
		}
	}
	return false
}

// AuthorizeRequest carries a payment method to verify.
type AuthorizeRequest struct {
	Gateway       *models.CompanyGateway
	Client        *models.Client
	GatewayTypeID models.GatewayType
	Data          json.RawMessage
}

// TokenData is a reusable payment method reference issued by the provider.
type TokenData struct {
	Token             string
	CustomerReference string
	GatewayTypeID     models.GatewayType
	Meta              json.RawMessage
}

// PurchaseRequest is one charge.
type PurchaseRequest struct {
	Gateway       *models.CompanyGateway
	Client        *models.Client
	GatewayTypeID models.GatewayType
	Amount        decimal.Decimal
	Currency      string

	// Attended is false for charges made without the client present, which
	// then must carry a stored Token.
	Attended bool
	Token    *models.ClientGatewayToken

	// Reference correlates the charge with its payment hash.
	Reference string
	Data      json.RawMessage
}

// PurchaseResult is a successful charge.
type PurchaseResult struct {
	TransactionReference string
	PaymentType          models.PaymentType
	Raw                  json.RawMessage

	// StoreToken, when set, is saved for the client after the payment.
	StoreToken *TokenData
}

// RefundRequest returns Amount of a payment to the client.
type RefundRequest struct {
	Gateway              *models.CompanyGateway
	Payment              *models.Payment
	Amount               decimal.Decimal
	TransactionReference string
}

// RefundResult is a successful refund.
type RefundResult struct {
	TransactionReference string
	Raw                  json.RawMessage
}

// PaymentTypeFor maps a gateway payment method to the payment type recorded.
func PaymentTypeFor(t models.GatewayType) models.PaymentType {
	switch t {
	case models.GatewayTypeBankTransfer:
		return models.PaymentTypeBankTransfer
	case models.GatewayTypePayPal:
		return models.PaymentTypePayPal
	case models.GatewayTypeSEPA:
		return models.PaymentTypeSEPA
	}
	return models.PaymentTypeCreditCard
}
