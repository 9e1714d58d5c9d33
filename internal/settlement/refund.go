package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/gateway"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/services"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/diewo77/go-settle/validation"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefundRequest returns Amount of a payment through its gateway.
type RefundRequest struct {
	PaymentID uint
	Amount    decimal.Decimal
}

// Refund returns money through the payment's gateway and records it on the
// payment. Invoice balances are not reopened.
func (w *Workflow) Refund(ctx context.Context, req RefundRequest) (*models.Payment, error) {
	v := validation.Violations{}
	validation.RequiredID("payment_id", req.PaymentID, v)
	validation.PositiveDecimal("amount", req.Amount, v)
	validation.Cents("amount", req.Amount, v)
	if !v.Empty() {
		return nil, apperr.Validation("invalid refund", v)
	}
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}

	unlock := w.locks.Lock(fmt.Sprintf("%s:payment:%d", tenant.Key(ctx), req.PaymentID))
	defer unlock()

	p, err := w.payments.Find(db, req.PaymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation("unknown payment", map[string]string{"payment_id": "not_found"})
		}
		return nil, apperr.Persistence("load payment", err)
	}
	switch p.Status {
	case models.PaymentStatusCompleted, models.PaymentStatusPartiallyRefunded:
	default:
		return nil, apperr.Validation("payment cannot be refunded", map[string]string{"payment_id": "not_refundable"})
	}
	if req.Amount.GreaterThan(p.Refundable()) {
		return nil, apperr.Validation("refund exceeds refundable amount", map[string]string{"amount": "exceeds_refundable"})
	}

	a := newAttempt(tenant.Key(ctx))
	var client models.Client
	if err := db.Preload("Company").First(&client, p.ClientID).Error; err != nil {
		return nil, apperr.Persistence("load client", err)
	}
	a.Client = &client
	var gw models.CompanyGateway
	if err := db.Unscoped().First(&gw, p.CompanyGatewayID).Error; err != nil {
		return nil, apperr.Persistence("load gateway", err)
	}
	if err := w.bind(a, &gw); err != nil {
		return nil, err
	}
	if !a.Caps.Refundable {
		return nil, apperr.Validation("gateway does not support refunds",
			map[string]string{"company_gateway_id": "refund_unsupported"})
	}

	rctx, cancel := context.WithTimeout(ctx, w.purchaseTimeout)
	res, err := a.Driver.Refund(rctx, gateway.RefundRequest{
		Gateway:              a.Gateway,
		Payment:              p,
		Amount:               req.Amount,
		TransactionReference: p.TransactionReference,
	})
	cancel()
	ctx = context.WithoutCancel(ctx)
	if err == nil && res == nil {
		err = errors.New("gateway returned no result")
	}
	if err != nil {
		message, code, logEvent, response := classify(err)
		body, _ := json.Marshal(failureLog{Error: message, Code: code, Amount: req.Amount.StringFixed(2), Response: response})
		if perr := w.events.Publish(ctx, w.systemLog(a, logEvent, body)); perr != nil {
			w.log.Error("publish refund failure", "tenant", a.Tenant, "payment_id", p.ID, "err", perr)
		}
		w.log.Warn("refund failed", "tenant", a.Tenant, "payment_id", p.ID, "err", err)
		return nil, apperr.Gateway(err)
	}

	var buf events.Buffer
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.payments.Refund(tx, p, req.Amount); err != nil {
			return err
		}
		buf.Add(events.New(events.PaymentRefunded, a.Tenant, events.PaymentRefundedPayload{
			CompanyID: p.CompanyID,
			ClientID:  p.ClientID,
			UserID:    p.UserID,
			PaymentID: p.ID,
			Amount:    req.Amount,
			Currency:  p.CurrencyCode,
		}))
		buf.Add(w.systemLog(a, models.LogEventGatewayRefund, res.Raw))
		return nil
	})
	if err != nil {
		w.log.Error("refund not recorded",
			"tenant", a.Tenant,
			"payment_id", p.ID,
			"transaction_reference", res.TransactionReference,
			"err", err,
		)
		if errors.Is(err, services.ErrRefundExceeds) {
			return nil, apperr.Validation("refund exceeds refundable amount", map[string]string{"amount": "exceeds_refundable"})
		}
		return nil, apperr.Persistence("record refund", err)
	}
	if err := buf.Flush(ctx, w.events); err != nil {
		w.log.Error("publish refund events", "tenant", a.Tenant, "payment_id", p.ID, "err", err)
	}
	w.log.Info("payment refunded", "tenant", a.Tenant, "payment_id", p.ID, "amount", req.Amount.StringFixed(2))
	return p, nil
}
