package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diewo77/go-settle/auth"
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

// GatewayFeeNote is the ledger note written when a gateway fee is confirmed.
const GatewayFeeNote = "Gateway fee adjustment"

// PaymentData is what the gateway reported for a captured charge.
type PaymentData struct {
	Amount               decimal.Decimal
	TransactionReference string
	PaymentType          models.PaymentType
	Raw                  json.RawMessage
}

// createPayment stores the payment for a, stamps the hash, links and settles
// the hash's invoices and moves the client balance. Every step runs in tx;
// events are added to buf for publishing after commit.
func (w *Workflow) createPayment(ctx context.Context, tx *gorm.DB, a *Attempt, data PaymentData, status models.PaymentStatus, buf *events.Buffer) (*models.Payment, error) {
	contact, err := w.sessionContact(ctx, tx)
	if err != nil {
		return nil, apperr.Persistence("load contact", err)
	}

	ids := a.Hash.InvoiceIDs()
	amounts := a.invoiceAmounts()
	applied := decimal.Zero
	for _, amt := range amounts {
		applied = applied.Add(amt)
	}

	p := &models.Payment{
		CompanyID:            a.Client.CompanyID,
		UserID:               a.Client.UserID,
		ClientID:             a.Client.ID,
		ClientContactID:      a.contactID(contact),
		CompanyGatewayID:     a.Gateway.ID,
		Status:               status,
		TypeID:               data.PaymentType,
		Amount:               data.Amount,
		Applied:              applied,
		CurrencyCode:         a.Client.Currency(),
		TransactionReference: data.TransactionReference,
		Date:                 w.now().UTC(),
	}
	if p.TypeID == 0 {
		p.TypeID = gateway.PaymentTypeFor(a.Hash.GatewayTypeID)
	}
	if err := tx.Create(p).Error; err != nil {
		return nil, apperr.Persistence("store payment", err)
	}

	// Only the first settlement may stamp the hash.
	res := tx.Model(&models.PaymentHash{}).
		Where("id = ? AND payment_id IS NULL", a.Hash.ID).
		Update("payment_id", p.ID)
	if res.Error != nil {
		return nil, apperr.Persistence("stamp payment hash", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.HashConsumed(a.Hash.Hash)
	}
	a.Hash.PaymentID = &p.ID

	invoices, err := w.invoices.Load(tx, a.Client.ID, ids)
	if err != nil {
		return nil, apperr.Persistence("load invoices", err)
	}
	added, err := w.payments.SyncInvoices(tx, p.ID, ids, amounts)
	if err != nil {
		return nil, apperr.Persistence("link invoices", err)
	}
	for _, id := range added {
		buf.Add(events.New(events.InvoicePaid, a.Tenant, events.InvoicePaidPayload{
			CompanyID: p.CompanyID,
			ClientID:  p.ClientID,
			UserID:    p.UserID,
			InvoiceID: id,
			PaymentID: p.ID,
			Amount:    amounts[id],
		}))
	}
	for i := range invoices {
		w.invoices.ApplyNumber(tx, &invoices[i])
	}

	if err := w.applyToInvoices(tx, a, p, invoices, amounts); err != nil {
		return nil, err
	}

	buf.Add(events.New(events.PaymentCreated, a.Tenant, events.PaymentCreatedPayload{
		CompanyID:  p.CompanyID,
		ClientID:   p.ClientID,
		UserID:     p.UserID,
		PaymentID:  p.ID,
		ContactID:  p.ClientContactID,
		Amount:     p.Amount,
		Currency:   p.CurrencyCode,
		InvoiceIDs: ids,
	}))
	w.payments.ApplyNumber(tx, p)
	return p, nil
}

// applyToInvoices reduces each invoice balance by its share and moves the
// client balance and paid-to-date by the total. Invoices it pays off lose the
// pending fee lines of other attempts, which can no longer settle them.
func (w *Workflow) applyToInvoices(tx *gorm.DB, a *Attempt, p *models.Payment, invoices []models.Invoice, amounts map[uint]decimal.Decimal) error {
	total := decimal.Zero
	var settled []uint
	for i := range invoices {
		amt := amounts[invoices[i].ID]
		if err := w.invoices.ApplyPayment(tx, &invoices[i], amt, p.Date); err != nil {
			return apperr.Persistence("apply payment to invoice", err)
		}
		if invoices[i].Status == models.InvoiceStatusPaid && invoices[i].HasItemType(models.ItemTypeUnpaidFee) {
			settled = append(settled, invoices[i].ID)
		}
		total = total.Add(amt)
	}
	if _, err := w.invoices.RemoveUnpaidGatewayFees(tx, settled); err != nil {
		return apperr.Persistence("clear pending fees", err)
	}
	if total.IsZero() {
		return nil
	}
	if err := w.clients.Adjust(tx, a.Client, total.Neg(), total); err != nil {
		return apperr.Persistence("adjust client balance", err)
	}
	if err := w.clients.Record(tx, a.Client, services.LedgerEntry{
		PaymentID:  &p.ID,
		Adjustment: total.Neg(),
		Notes:      "Payment " + p.TransactionReference,
	}); err != nil {
		return apperr.Persistence("record ledger", err)
	}
	return nil
}

// checkInvoices confirms every invoice of the hash can still take its share.
// Each must be payable with a balance, pending fees aside, that covers its
// allocation. When the fee is charged the hash's own fee line must still be
// on the fee invoice.
func (a *Attempt) checkInvoices(invoices []models.Invoice) error {
	v := validation.Violations{}
	for i, inv := range invoices {
		key := fmt.Sprintf("invoices.%d", i)
		if !inv.IsPayable() {
			v.Add(key, "not_payable")
			continue
		}
		if inv.PayableBalance().LessThan(a.Hash.InvoiceAmount(inv.ID)) {
			v.Add(key+".amount", "exceeds_balance")
		}
		if a.IncludeFee && a.Hash.FeeInvoiceID != nil && *a.Hash.FeeInvoiceID == inv.ID &&
			inv.PendingFee(a.Hash.ID).LessThan(a.Hash.FeeTotal) {
			v.Add("fee", "missing")
		}
	}
	if !v.Empty() {
		return apperr.Validation("invoices can no longer be paid", v)
	}
	return nil
}

// checkPayable loads the hash's invoices through tx and runs checkInvoices.
func (w *Workflow) checkPayable(tx *gorm.DB, a *Attempt, lock bool) error {
	load := w.invoices.Load
	if lock {
		load = w.invoices.LoadForUpdate
	}
	invoices, err := load(tx, a.Client.ID, a.Hash.InvoiceIDs())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Validation("invoice no longer available", map[string]string{"invoices": "not_found"})
	}
	if err != nil {
		return apperr.Persistence("load invoices", err)
	}
	return a.checkInvoices(invoices)
}

// invoiceAmounts is the share of the payment for each invoice of the hash.
// The fee invoice carries the fee when it is charged.
func (a *Attempt) invoiceAmounts() map[uint]decimal.Decimal {
	out := make(map[uint]decimal.Decimal, len(a.Hash.Invoices))
	for _, hi := range a.Hash.Invoices {
		amt := hi.Amount
		if a.IncludeFee && a.Hash.FeeInvoiceID != nil && *a.Hash.FeeInvoiceID == hi.InvoiceID {
			amt = amt.Add(a.Hash.FeeTotal)
		}
		out[hi.InvoiceID] = amt
	}
	return out
}

// sessionContact returns the signed-in portal contact, if any.
func (w *Workflow) sessionContact(ctx context.Context, tx *gorm.DB) (*models.ClientContact, error) {
	id, ok := auth.ContactIDFromContext(ctx)
	if !ok {
		return nil, nil
	}
	var c models.ClientContact
	if err := tx.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// confirmGatewayFee turns the hash's unpaid fee lines into paid ones and adds
// the fee to the client balance. Nothing happens when no unpaid line is left,
// so a second call for the same hash is a no-op.
func (w *Workflow) confirmGatewayFee(tx *gorm.DB, a *Attempt) error {
	if a.Hash.FeeInvoiceID == nil || !a.Hash.FeeTotal.IsPositive() {
		return nil
	}
	n, err := w.invoices.ToggleFeesPaid(tx, *a.Hash.FeeInvoiceID, a.Hash.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := w.clients.Adjust(tx, a.Client, a.Hash.FeeTotal, decimal.Zero); err != nil {
		return err
	}
	return w.clients.Record(tx, a.Client, services.LedgerEntry{
		InvoiceID:  a.Hash.FeeInvoiceID,
		Adjustment: a.Hash.FeeTotal,
		Notes:      GatewayFeeNote,
	})
}

// unwindGatewayFees removes the unpaid fee lines the hash added, restoring
// the invoice amounts and balances. Fee lines of other hashes stay.
func (w *Workflow) unwindGatewayFees(ctx context.Context, h *models.PaymentHash) (decimal.Decimal, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	var removed decimal.Decimal
	err = db.Transaction(func(tx *gorm.DB) error {
		removed, err = w.invoices.RemoveGatewayFees(tx, h.ID)
		return err
	})
	if err != nil {
		return decimal.Zero, apperr.Persistence("unwind gateway fee", err)
	}
	return removed, nil
}

// UnwindGatewayFees drops the fee lines of an abandoned hash. Consumed
// hashes are left alone.
func (w *Workflow) UnwindGatewayFees(ctx context.Context, hash string) (decimal.Decimal, error) {
	unlock := w.locks.Lock(tenant.Key(ctx) + ":" + hash)
	defer unlock()

	h, err := w.hashes.Find(ctx, hash)
	if err != nil {
		return decimal.Zero, hashError(err)
	}
	if h.Consumed() {
		return decimal.Zero, apperr.HashConsumed(h.Hash)
	}
	return w.unwindGatewayFees(ctx, h)
}
