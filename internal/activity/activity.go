// Package activity writes the company activity feed from settlement events.
package activity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
)

// Job names, as reported in logs and failure metrics.
const (
	InvoicePaidJob     = "invoice_paid_activity"
	PaymentCreatedJob  = "payment_created_activity"
	PaymentRefundedJob = "payment_refunded_activity"
)

// Toucher refreshes the stored document of an invoice after it changed.
type Toucher interface {
	Touch(ctx context.Context, invoiceID uint) error
}

// Listener records activities. The optional Toucher is called for paid
// invoices; its failures are logged and never fail the job.
type Listener struct {
	tenants tenant.Selector
	pdf     Toucher
	log     *slog.Logger
}

func NewListener(tenants tenant.Selector, pdf Toucher, log *slog.Logger) *Listener {
	return &Listener{tenants: tenants, pdf: pdf, log: log}
}

// Register subscribes the listener's jobs.
func (l *Listener) Register(s events.Subscriber) {
	s.Subscribe(events.InvoicePaid, InvoicePaidJob, l.InvoicePaid)
	s.Subscribe(events.PaymentCreated, PaymentCreatedJob, l.PaymentCreated)
	s.Subscribe(events.PaymentRefunded, PaymentRefundedJob, l.PaymentRefunded)
}

// InvoicePaid records that an invoice received a payment.
func (l *Listener) InvoicePaid(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.InvoicePaidPayload)
	if !ok {
		return fmt.Errorf("activity: unexpected payload %T", e.Payload)
	}
	ctx, err := l.tenants.Select(ctx, e.Tenant)
	if err != nil {
		return err
	}
	if err := l.write(ctx, &models.Activity{
		CompanyID:      p.CompanyID,
		UserID:         p.UserID,
		ClientID:       p.ClientID,
		InvoiceID:      &p.InvoiceID,
		PaymentID:      &p.PaymentID,
		ActivityTypeID: models.ActivityPaidInvoice,
		Notes:          "Paid " + p.Amount.StringFixed(2),
	}); err != nil {
		return err
	}

	if l.pdf != nil {
		if err := l.pdf.Touch(ctx, p.InvoiceID); err != nil {
			l.log.Warn("touch invoice document", "tenant", e.Tenant, "invoice_id", p.InvoiceID, "err", err)
		}
	}
	return nil
}

// PaymentCreated records a new payment.
func (l *Listener) PaymentCreated(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.PaymentCreatedPayload)
	if !ok {
		return fmt.Errorf("activity: unexpected payload %T", e.Payload)
	}
	ctx, err := l.tenants.Select(ctx, e.Tenant)
	if err != nil {
		return err
	}
	return l.write(ctx, &models.Activity{
		CompanyID:      p.CompanyID,
		UserID:         p.UserID,
		ClientID:       p.ClientID,
		PaymentID:      &p.PaymentID,
		ActivityTypeID: models.ActivityCreatePayment,
		Notes:          fmt.Sprintf("%s %s", p.Amount.StringFixed(2), p.Currency),
	})
}

// PaymentRefunded records a refund.
func (l *Listener) PaymentRefunded(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.PaymentRefundedPayload)
	if !ok {
		return fmt.Errorf("activity: unexpected payload %T", e.Payload)
	}
	ctx, err := l.tenants.Select(ctx, e.Tenant)
	if err != nil {
		return err
	}
	return l.write(ctx, &models.Activity{
		CompanyID:      p.CompanyID,
		UserID:         p.UserID,
		ClientID:       p.ClientID,
		PaymentID:      &p.PaymentID,
		ActivityTypeID: models.ActivityRefundPayment,
		Notes:          fmt.Sprintf("%s %s", p.Amount.StringFixed(2), p.Currency),
	})
}

func (l *Listener) write(ctx context.Context, a *models.Activity) error {
	db, err := tenant.DB(ctx)
	if err != nil {
		return err
	}
	return db.Create(a).Error
}
