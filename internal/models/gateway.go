package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GatewayType identifies the kind of payment method a token or charge uses.
type GatewayType uint

const (
	GatewayTypeCreditCard   GatewayType = 1
	GatewayTypeBankTransfer GatewayType = 2
	GatewayTypePayPal       GatewayType = 3
	GatewayTypeSEPA         GatewayType = 4
)

// String returns a short machine name for the gateway type.
func (t GatewayType) String() string {
	switch t {
	case GatewayTypeCreditCard:
		return "credit_card"
	case GatewayTypeBankTransfer:
		return "bank_transfer"
	case GatewayTypePayPal:
		return "paypal"
	case GatewayTypeSEPA:
		return "sepa"
	}
	return "unknown"
}

// CompanyGateway is a company's configured account with one payment driver.
type CompanyGateway struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CompanyID uint `gorm:"index;not null" json:"company_id"`

	// DriverKey selects the driver from the gateway registry.
	DriverKey string `gorm:"size:100;not null" json:"driver_key"`
	Label     string `gorm:"size:255" json:"label,omitempty"`

	// Config holds driver credentials and settings.
	Config datatypes.JSON `json:"-"`

	// Gateway fee charged to the client on top of the invoice amounts.
	FeeAmount  decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"fee_amount"`
	FeePercent decimal.Decimal `gorm:"type:decimal(10,4);not null;default:0" json:"fee_percent"`
}

// CalcGatewayFee returns the fee for charging amount through this gateway,
// rounded to cents. A zero amount never carries a fee.
func (g *CompanyGateway) CalcGatewayFee(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	fee := g.FeeAmount.Add(amount.Mul(g.FeePercent).Div(decimal.NewFromInt(100)))
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee.Round(2)
}

// ClientGatewayToken is a reusable payment method reference issued by a gateway.
// At most one token per client has IsDefault set.
type ClientGatewayToken struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CompanyID        uint        `gorm:"index;not null" json:"company_id"`
	ClientID         uint        `gorm:"index;not null" json:"client_id"`
	CompanyGatewayID uint        `gorm:"index;not null" json:"company_gateway_id"`
	GatewayTypeID    GatewayType `gorm:"not null" json:"gateway_type_id"`

	Token                    string         `gorm:"size:255;not null" json:"-"`
	GatewayCustomerReference string         `gorm:"size:255" json:"gateway_customer_reference,omitempty"`
	Meta                     datatypes.JSON `json:"meta,omitempty"`
	IsDefault                bool           `gorm:"not null;default:false" json:"is_default"`
}
