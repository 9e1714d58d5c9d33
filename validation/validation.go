// Package validation collects field-level violations for request input.
package validation

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Violations map[string]string

func (v Violations) Empty() bool { return len(v) == 0 }

// Add records msg for field unless the field already has a violation.
func (v Violations) Add(field, msg string) {
	if _, ok := v[field]; !ok {
		v[field] = msg
	}
}

// Basic validators
func Required(field, value string, v Violations) {
	if strings.TrimSpace(value) == "" {
		v.Add(field, "required")
	}
}

func RequiredID(field string, id uint, v Violations) {
	if id == 0 {
		v.Add(field, "required")
	}
}

func PositiveDecimal(field string, val decimal.Decimal, v Violations) {
	if !val.IsPositive() {
		v.Add(field, "must_be_positive")
	}
}

func NonNegativeDecimal(field string, val decimal.Decimal, v Violations) {
	if val.IsNegative() {
		v.Add(field, "must_not_be_negative")
	}
}

// MaxDecimal flags val above limit.
func MaxDecimal(field string, val, limit decimal.Decimal, v Violations) {
	if val.GreaterThan(limit) {
		v.Add(field, "exceeds_maximum")
	}
}

// Cents flags amounts with more than two decimal places.
func Cents(field string, val decimal.Decimal, v Violations) {
	if !val.Equal(val.Round(2)) {
		v.Add(field, "too_many_decimals")
	}
}

// OneOf flags value not in allowed.
func OneOf(field, value string, allowed []string, v Violations) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.Add(field, "invalid_choice")
}
