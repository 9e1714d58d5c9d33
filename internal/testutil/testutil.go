// Package testutil provides the database fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/diewo77/go-settle/internal/db"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Tenant is the tenant key fixtures are created under.
const Tenant = "default"

// OpenDB returns a migrated in-memory SQLite database private to t.
// The pool holds a single connection so concurrent transactions queue instead
// of failing with "database is locked".
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Fixture is one company with a client, a contact and a gateway.
type Fixture struct {
	DB      *gorm.DB
	Company models.Company
	User    models.User
	Client  models.Client
	Contact models.ClientContact
	Gateway models.CompanyGateway
}

// NewFixture opens a database and seeds the base records. The gateway uses
// the sandbox driver and charges a 3% fee.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	conn := OpenDB(t)
	f := &Fixture{DB: conn}

	f.Company = models.Company{Name: "Acme Billing", DBKey: Tenant, CurrencyCode: "EUR"}
	mustCreate(t, conn, &f.Company)
	f.User = models.User{CompanyID: f.Company.ID, Email: fmt.Sprintf("owner-%d@acme.test", f.Company.ID)}
	mustCreate(t, conn, &f.User)
	f.Client = models.Client{CompanyID: f.Company.ID, UserID: f.User.ID, Name: "Globex", Email: "ap@globex.test"}
	mustCreate(t, conn, &f.Client)
	f.Contact = models.ClientContact{CompanyID: f.Company.ID, ClientID: f.Client.ID, FirstName: "Hank", Email: "hank@globex.test"}
	mustCreate(t, conn, &f.Contact)
	f.Gateway = models.CompanyGateway{
		CompanyID:  f.Company.ID,
		DriverKey:  "sandbox",
		Label:      "Sandbox",
		FeePercent: decimal.NewFromInt(3),
	}
	mustCreate(t, conn, &f.Gateway)
	return f
}

// Ctx returns a context with the fixture database selected as the tenant.
func (f *Fixture) Ctx() context.Context {
	return tenant.WithDB(context.Background(), Tenant, f.DB)
}

// Invoice creates a sent invoice for amount with one standard line and adds
// it to the client balance.
func (f *Fixture) Invoice(t *testing.T, amount string) models.Invoice {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	inv := models.Invoice{
		CompanyID: f.Company.ID,
		UserID:    f.User.ID,
		ClientID:  f.Client.ID,
		Status:    models.InvoiceStatusSent,
		IssueDate: time.Now(),
		Amount:    amt,
		Balance:   amt,
		LineItems: []models.InvoiceItem{{
			TypeID:      models.ItemTypeStandard,
			Description: "Services",
			Quantity:    decimal.NewFromInt(1),
			Cost:        amt,
		}},
	}
	mustCreate(t, f.DB, &inv)
	if err := f.DB.Model(&models.Client{}).Where("id = ?", f.Client.ID).
		Update("balance", gorm.Expr("balance + ?", amt)).Error; err != nil {
		t.Fatalf("client balance: %v", err)
	}
	return inv
}

// OtherContact creates a second client of the company with its own contact.
func (f *Fixture) OtherContact(t *testing.T) models.ClientContact {
	t.Helper()
	client := models.Client{CompanyID: f.Company.ID, UserID: f.User.ID, Name: "Initech", Email: "ap@initech.test"}
	mustCreate(t, f.DB, &client)
	c := models.ClientContact{CompanyID: f.Company.ID, ClientID: client.ID, FirstName: "Peter", Email: "peter@initech.test"}
	mustCreate(t, f.DB, &c)
	return c
}

// Invitation creates an invitation for the fixture contact to pay inv.
func (f *Fixture) Invitation(t *testing.T, inv models.Invoice, key string) models.Invitation {
	t.Helper()
	i := models.Invitation{CompanyID: f.Company.ID, InvoiceID: inv.ID, ClientContactID: f.Contact.ID, Key: key}
	mustCreate(t, f.DB, &i)
	return i
}

// ReloadClient returns the client's current row.
func (f *Fixture) ReloadClient(t *testing.T) models.Client {
	t.Helper()
	var c models.Client
	if err := f.DB.First(&c, f.Client.ID).Error; err != nil {
		t.Fatalf("reload client: %v", err)
	}
	return c
}

// ReloadInvoice returns the invoice's current row with its line items.
func (f *Fixture) ReloadInvoice(t *testing.T, id uint) models.Invoice {
	t.Helper()
	var inv models.Invoice
	if err := f.DB.Preload("LineItems").First(&inv, id).Error; err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	return inv
}

// Count returns the number of rows of model matching the optional condition.
func (f *Fixture) Count(t *testing.T, model any, where ...any) int64 {
	t.Helper()
	q := f.DB.Model(model)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return n
}

func mustCreate(t *testing.T, conn *gorm.DB, v any) {
	t.Helper()
	if err := conn.Create(v).Error; err != nil {
		t.Fatalf("create %T: %v", v, err)
	}
}
