package services

import (
	"testing"
	"time"

	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeTotals(t *testing.T) {
	svc := NewInvoiceService(testutil.Logger())
	inv := &models.Invoice{LineItems: []models.InvoiceItem{
		{Quantity: dec("2"), Cost: dec("10.5")},
		{Quantity: dec("1"), Cost: dec("3"), TypeID: models.ItemTypeUnpaidFee},
	}}
	assert.True(t, dec("24").Equal(svc.ComputeTotals(inv)))
	assert.True(t, svc.ComputeTotals(nil).IsZero())
}

func TestLoadKeepsOrderAndRejectsMissing(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	a := f.Invoice(t, "10")
	b := f.Invoice(t, "20")

	got, err := svc.Load(f.DB, f.Client.ID, []uint{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Len(t, got[0].LineItems, 1)

	_, err = svc.Load(f.DB, f.Client.ID, []uint{a.ID, 9999})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = svc.Load(f.DB, f.Client.ID+1, []uint{a.ID})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// hash stores a payment hash for the fixture client expiring at exp.
func hash(t *testing.T, f *testutil.Fixture, name string, exp time.Time) *models.PaymentHash {
	t.Helper()
	h := &models.PaymentHash{
		CompanyID:        f.Company.ID,
		ClientID:         f.Client.ID,
		CompanyGatewayID: f.Gateway.ID,
		GatewayTypeID:    models.GatewayTypeCreditCard,
		Hash:             name,
		Signature:        "unsigned",
		ExpiresAt:        exp.UTC(),
	}
	require.NoError(t, f.DB.Create(h).Error)
	return h
}

func TestGatewayFeeLifecycle(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	inv := f.Invoice(t, "100")

	require.NoError(t, svc.AddGatewayFee(f.DB, &inv, dec("3"), "Gateway fee", 1))
	got := f.ReloadInvoice(t, inv.ID)
	assert.True(t, dec("103").Equal(got.Amount))
	assert.True(t, dec("103").Equal(got.Balance))
	assert.True(t, dec("100").Equal(got.PayableBalance()))
	assert.True(t, got.HasItemType(models.ItemTypeUnpaidFee))
	assert.True(t, dec("3").Equal(got.PendingFee(1)))
	assert.True(t, dec("100").Equal(f.ReloadClient(t).Balance), "client balance untouched until confirmed")

	n, err := svc.ToggleFeesPaid(f.DB, inv.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "another hash's line stays unpaid")

	n, err = svc.ToggleFeesPaid(f.DB, inv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = svc.ToggleFeesPaid(f.DB, inv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got = f.ReloadInvoice(t, inv.ID)
	assert.True(t, got.HasItemType(models.ItemTypePaidFee))
	assert.False(t, got.HasItemType(models.ItemTypeUnpaidFee))
}

func TestRemoveUnpaidGatewayFees(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	inv := f.Invoice(t, "100")
	other := f.Invoice(t, "50")
	require.NoError(t, svc.AddGatewayFee(f.DB, &inv, dec("3"), "Gateway fee", 1))
	require.NoError(t, svc.AddGatewayFee(f.DB, &inv, dec("2"), "Gateway fee", 2))

	removed, err := svc.RemoveUnpaidGatewayFees(f.DB, []uint{inv.ID, other.ID})
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(removed))

	got := f.ReloadInvoice(t, inv.ID)
	assert.True(t, dec("100").Equal(got.Amount))
	assert.True(t, dec("100").Equal(got.Balance))
	assert.Len(t, got.LineItems, 1)
	assert.Equal(t, int64(0), f.Count(t, &models.InvoiceItem{}, "type_id = ?", models.ItemTypeUnpaidFee))
}

func TestRemoveGatewayFeesOfOneHash(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	a := f.Invoice(t, "100")
	b := f.Invoice(t, "50")
	require.NoError(t, svc.AddGatewayFee(f.DB, &a, dec("3"), "Gateway fee", 1))
	require.NoError(t, svc.AddGatewayFee(f.DB, &a, dec("4.5"), "Gateway fee", 2))
	require.NoError(t, svc.AddGatewayFee(f.DB, &b, dec("1.5"), "Gateway fee", 2))

	removed, err := svc.RemoveGatewayFees(f.DB, 2)
	require.NoError(t, err)
	assert.True(t, dec("6").Equal(removed))

	got := f.ReloadInvoice(t, a.ID)
	assert.True(t, dec("103").Equal(got.Balance))
	assert.True(t, dec("3").Equal(got.PendingFee(1)))
	assert.True(t, dec("50").Equal(f.ReloadInvoice(t, b.ID).Balance))

	removed, err = svc.RemoveGatewayFees(f.DB, 2)
	require.NoError(t, err)
	assert.True(t, removed.IsZero())
}

func TestRemoveStaleGatewayFeesKeepsLiveHashes(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	now := time.Now()
	live := hash(t, f, "live", now.Add(time.Hour))
	expired := hash(t, f, "expired", now.Add(-time.Minute))
	inv := f.Invoice(t, "100")

	require.NoError(t, svc.AddGatewayFee(f.DB, &inv, dec("3"), "Gateway fee", live.ID))
	require.NoError(t, svc.AddGatewayFee(f.DB, &inv, dec("2"), "Gateway fee", expired.ID))
	require.NoError(t, f.DB.Create(&models.InvoiceItem{
		InvoiceID:   inv.ID,
		TypeID:      models.ItemTypeUnpaidFee,
		Description: "Gateway fee",
		Quantity:    dec("1"),
		Cost:        dec("1"),
	}).Error)
	require.NoError(t, f.DB.Model(&models.Invoice{}).Where("id = ?", inv.ID).
		Updates(map[string]any{"amount": dec("106"), "balance": dec("106")}).Error)

	removed, err := svc.RemoveStaleGatewayFees(f.DB, []uint{inv.ID}, now)
	require.NoError(t, err)
	assert.True(t, dec("3").Equal(removed), "removed %s", removed)

	got := f.ReloadInvoice(t, inv.ID)
	assert.True(t, dec("103").Equal(got.Balance))
	assert.True(t, dec("3").Equal(got.PendingFee(live.ID)))
	assert.Equal(t, int64(1), f.Count(t, &models.InvoiceItem{}, "type_id = ?", models.ItemTypeUnpaidFee))
}

func TestApplyPayment(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	inv := f.Invoice(t, "100")
	now := time.Now()

	require.NoError(t, svc.ApplyPayment(f.DB, &inv, dec("40"), now))
	got := f.ReloadInvoice(t, inv.ID)
	assert.Equal(t, models.InvoiceStatusPartial, got.Status)
	assert.True(t, dec("60").Equal(got.Balance))
	assert.Nil(t, got.PaidDate)

	require.NoError(t, svc.ApplyPayment(f.DB, &inv, dec("60"), now))
	got = f.ReloadInvoice(t, inv.ID)
	assert.Equal(t, models.InvoiceStatusPaid, got.Status)
	assert.True(t, got.Balance.IsZero())
	assert.True(t, dec("100").Equal(got.PaidToDate))
	assert.NotNil(t, got.PaidDate)
}

func TestApplyPaymentIgnoresPendingFees(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	inv := f.Invoice(t, "100")
	require.NoError(t, svc.AddGatewayFee(f.DB, &inv, dec("3"), "Gateway fee", 1))

	require.NoError(t, svc.ApplyPayment(f.DB, &inv, dec("100"), time.Now()))
	got := f.ReloadInvoice(t, inv.ID)
	assert.Equal(t, models.InvoiceStatusPaid, got.Status)
	assert.True(t, dec("3").Equal(got.Balance))
	assert.True(t, got.PayableBalance().IsZero())
}

func TestApplyNumberSkipsTakenNumbers(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewInvoiceService(testutil.Logger())
	manual := f.Invoice(t, "10")
	require.NoError(t, f.DB.Model(&manual).Update("number", "0001").Error)
	inv := f.Invoice(t, "20")

	require.NoError(t, f.DB.Transaction(func(tx *gorm.DB) error {
		svc.ApplyNumber(tx, &inv)
		return nil
	}))
	assert.Equal(t, "0002", inv.Number)
	assert.Equal(t, "0002", f.ReloadInvoice(t, inv.ID).Number)

	var company models.Company
	require.NoError(t, f.DB.First(&company, f.Company.ID).Error)
	assert.Equal(t, 3, company.InvoiceNumberCounter)

	// already numbered: untouched
	svc.ApplyNumber(f.DB, &inv)
	assert.Equal(t, "0002", inv.Number)
}

func TestApplyNumberFailureIsSwallowed(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewPaymentService(testutil.Logger())
	p := models.Payment{CompanyID: 424242, ClientID: f.Client.ID, UserID: f.User.ID, CurrencyCode: "EUR", TypeID: models.PaymentTypeCreditCard}

	err := f.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		svc.ApplyNumber(tx, &p)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, p.Number)
	assert.Equal(t, int64(1), f.Count(t, &models.Payment{}))
}

func TestSyncInvoices(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewPaymentService(testutil.Logger())
	a, b, c := f.Invoice(t, "10"), f.Invoice(t, "20"), f.Invoice(t, "30")
	p := models.Payment{CompanyID: f.Company.ID, ClientID: f.Client.ID, UserID: f.User.ID, CurrencyCode: "EUR", TypeID: models.PaymentTypeCreditCard}
	require.NoError(t, f.DB.Create(&p).Error)

	added, err := svc.SyncInvoices(f.DB, p.ID, []uint{a.ID, b.ID}, map[uint]decimal.Decimal{a.ID: dec("10"), b.ID: dec("20")})
	require.NoError(t, err)
	assert.Equal(t, []uint{a.ID, b.ID}, added)

	added, err = svc.SyncInvoices(f.DB, p.ID, []uint{b.ID, c.ID}, map[uint]decimal.Decimal{b.ID: dec("15"), c.ID: dec("30")})
	require.NoError(t, err)
	assert.Equal(t, []uint{c.ID}, added)

	var rows []models.Paymentable
	require.NoError(t, f.DB.Where("payment_id = ?", p.ID).Order("invoice_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, b.ID, rows[0].InvoiceID)
	assert.True(t, dec("15").Equal(rows[0].Amount))

	added, err = svc.SyncInvoices(f.DB, p.ID, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, int64(0), f.Count(t, &models.Paymentable{}, "payment_id = ?", p.ID))
}

func TestRefund(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewPaymentService(testutil.Logger())
	a, b := f.Invoice(t, "60"), f.Invoice(t, "40")
	p := models.Payment{CompanyID: f.Company.ID, ClientID: f.Client.ID, UserID: f.User.ID, CurrencyCode: "EUR",
		TypeID: models.PaymentTypeCreditCard, Amount: dec("100"), Status: models.PaymentStatusCompleted}
	require.NoError(t, f.DB.Create(&p).Error)
	_, err := svc.SyncInvoices(f.DB, p.ID, []uint{a.ID, b.ID}, map[uint]decimal.Decimal{a.ID: dec("60"), b.ID: dec("40")})
	require.NoError(t, err)

	loaded, err := svc.Find(f.DB, p.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Refund(f.DB, loaded, dec("70")))
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, loaded.Status)
	assert.True(t, dec("60").Equal(loaded.Paymentables[0].Refunded))
	assert.True(t, dec("10").Equal(loaded.Paymentables[1].Refunded))

	assert.ErrorIs(t, svc.Refund(f.DB, loaded, dec("31")), ErrRefundExceeds)

	require.NoError(t, svc.Refund(f.DB, loaded, dec("30")))
	assert.Equal(t, models.PaymentStatusRefunded, loaded.Status)

	_, err = svc.Find(f.DB, p.ID+1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestClientAdjustAndRecord(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := NewClientService()
	f.Invoice(t, "100")
	client := f.ReloadClient(t)

	require.NoError(t, svc.Adjust(f.DB, &client, dec("-40"), dec("40")))
	assert.True(t, dec("60").Equal(client.Balance))
	assert.True(t, dec("40").Equal(client.PaidToDate))

	require.NoError(t, svc.Record(f.DB, &client, LedgerEntry{Adjustment: dec("-40"), Notes: "Payment"}))
	var entry models.CompanyLedger
	require.NoError(t, f.DB.First(&entry).Error)
	assert.True(t, dec("60").Equal(entry.Balance))
	assert.Equal(t, f.Client.ID, entry.ClientID)
}
