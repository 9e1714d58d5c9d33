package paymenthash

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/services"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/diewo77/go-settle/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() *Service {
	return NewService("test-secret", time.Hour, services.NewInvoiceService(testutil.Logger()))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBeginAddsFeeToFirstInvoice(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newService()
	a := f.Invoice(t, "100")
	b := f.Invoice(t, "50")

	h, err := svc.Begin(f.Ctx(), BeginRequest{
		ClientID:         f.Client.ID,
		CompanyGatewayID: f.Gateway.ID,
		GatewayTypeID:    models.GatewayTypeCreditCard,
		Invoices:         []models.HashInvoice{{InvoiceID: a.ID}, {InvoiceID: b.ID, Amount: dec("20")}},
		Data:             json.RawMessage(`{"outcome":"approve"}`),
	})
	require.NoError(t, err)

	assert.Len(t, h.Hash, 32)
	assert.True(t, dec("120").Equal(h.Amount()))
	assert.True(t, dec("3.6").Equal(h.FeeTotal))
	require.NotNil(t, h.FeeInvoiceID)
	assert.Equal(t, a.ID, *h.FeeInvoiceID)
	assert.NotEmpty(t, h.Signature)

	got := f.ReloadInvoice(t, a.ID)
	assert.True(t, dec("103.6").Equal(got.Balance))
	assert.True(t, got.HasItemType(models.ItemTypeUnpaidFee))
	assert.True(t, dec("150").Equal(f.ReloadClient(t).Balance))
}

func TestBeginReplacesStaleFee(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newService()
	inv := f.Invoice(t, "100")
	req := BeginRequest{
		ClientID:         f.Client.ID,
		CompanyGatewayID: f.Gateway.ID,
		GatewayTypeID:    models.GatewayTypeCreditCard,
		Invoices:         []models.HashInvoice{{InvoiceID: inv.ID}},
	}

	first, err := svc.Begin(f.Ctx(), req)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h, err := svc.Begin(f.Ctx(), req)
	require.NoError(t, err)

	assert.True(t, dec("100").Equal(h.Amount()))
	got := f.ReloadInvoice(t, inv.ID)
	assert.True(t, dec("103").Equal(got.Balance))
	assert.True(t, got.PendingFee(first.ID).IsZero())
	assert.True(t, dec("3").Equal(got.PendingFee(h.ID)))
	assert.Equal(t, int64(1), f.Count(t, &models.InvoiceItem{}, "type_id = ?", models.ItemTypeUnpaidFee))
}

func TestBeginKeepsFeeOfLiveHash(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newService()
	inv1 := f.Invoice(t, "100")
	inv2 := f.Invoice(t, "50")
	base := BeginRequest{ClientID: f.Client.ID, CompanyGatewayID: f.Gateway.ID, GatewayTypeID: models.GatewayTypeCreditCard}

	reqA := base
	reqA.Invoices = []models.HashInvoice{{InvoiceID: inv1.ID}}
	a, err := svc.Begin(f.Ctx(), reqA)
	require.NoError(t, err)

	reqB := base
	reqB.Invoices = []models.HashInvoice{{InvoiceID: inv2.ID}, {InvoiceID: inv1.ID}}
	b, err := svc.Begin(f.Ctx(), reqB)
	require.NoError(t, err)

	// the pending fee of a is not part of what b may pay
	assert.True(t, dec("100").Equal(b.InvoiceAmount(inv1.ID)))
	assert.True(t, dec("150").Equal(b.Amount()))
	require.NotNil(t, b.FeeInvoiceID)
	assert.Equal(t, inv2.ID, *b.FeeInvoiceID)

	got := f.ReloadInvoice(t, inv1.ID)
	assert.True(t, dec("3").Equal(got.PendingFee(a.ID)))
	assert.True(t, dec("103").Equal(got.Balance))
	assert.True(t, dec("4.5").Equal(f.ReloadInvoice(t, inv2.ID).PendingFee(b.ID)))
}

func TestBeginValidation(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newService()
	inv := f.Invoice(t, "100")
	draft := f.Invoice(t, "10")
	require.NoError(t, f.DB.Model(&draft).Update("status", models.InvoiceStatusDraft).Error)

	base := BeginRequest{ClientID: f.Client.ID, CompanyGatewayID: f.Gateway.ID, GatewayTypeID: models.GatewayTypeCreditCard}
	cases := []struct {
		name     string
		invoices []models.HashInvoice
		field    string
	}{
		{"no invoices", nil, "invoices"},
		{"duplicate", []models.HashInvoice{{InvoiceID: inv.ID}, {InvoiceID: inv.ID}}, "invoices.1"},
		{"negative", []models.HashInvoice{{InvoiceID: inv.ID, Amount: dec("-1")}}, "invoices.0.amount"},
		{"over balance", []models.HashInvoice{{InvoiceID: inv.ID, Amount: dec("100.01")}}, "invoices.0.amount"},
		{"not payable", []models.HashInvoice{{InvoiceID: draft.ID}}, "invoices.0"},
		{"unknown", []models.HashInvoice{{InvoiceID: 9999}}, "invoices"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := base
			req.Invoices = c.invoices
			_, err := svc.Begin(f.Ctx(), req)
			require.ErrorIs(t, err, apperr.ErrValidation)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Contains(t, e.Details, c.field)
		})
	}
	assert.Equal(t, int64(0), f.Count(t, &models.PaymentHash{}))
}

func TestBeginRequiresTenant(t *testing.T) {
	_, err := newService().Begin(context.Background(), BeginRequest{
		ClientID: 1, CompanyGatewayID: 1, GatewayTypeID: models.GatewayTypeCreditCard,
		Invoices: []models.HashInvoice{{InvoiceID: 1}},
	})
	assert.ErrorIs(t, err, tenant.ErrNotSelected)
}

func TestResolve(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newService()
	inv := f.Invoice(t, "100")
	h, err := svc.Begin(f.Ctx(), BeginRequest{
		ClientID: f.Client.ID, CompanyGatewayID: f.Gateway.ID, GatewayTypeID: models.GatewayTypeCreditCard,
		Invoices: []models.HashInvoice{{InvoiceID: inv.ID}},
	})
	require.NoError(t, err)

	got, err := svc.Resolve(f.Ctx(), h.Hash)
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)

	_, err = svc.Resolve(f.Ctx(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// another tenant derives a different key
	other := tenant.WithDB(context.Background(), "other", f.DB)
	_, err = svc.Resolve(other, h.Hash)
	assert.ErrorIs(t, err, ErrBadSignature)

	// tampering with the amounts breaks the signature
	require.NoError(t, f.DB.Model(&models.PaymentHash{}).Where("id = ?", h.ID).
		Update("fee_total", dec("0")).Error)
	_, err = svc.Resolve(f.Ctx(), h.Hash)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestResolveExpired(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newService()
	inv := f.Invoice(t, "100")
	h, err := svc.Begin(f.Ctx(), BeginRequest{
		ClientID: f.Client.ID, CompanyGatewayID: f.Gateway.ID, GatewayTypeID: models.GatewayTypeCreditCard,
		Invoices: []models.HashInvoice{{InvoiceID: inv.ID}},
	})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Resolve(f.Ctx(), h.Hash)
	assert.True(t, errors.Is(err, ErrExpired))
}
