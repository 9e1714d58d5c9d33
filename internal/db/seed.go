package db

import (
	"time"

	"github.com/diewo77/go-settle/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Seed creates a demo company with one client, a sandbox gateway and one sent
// invoice. It is safe to run repeatedly.
func Seed(db *gorm.DB, tenantKey string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		company := models.Company{Name: "Demo Company", DBKey: tenantKey}
		if err := tx.Where("name = ? AND db_key = ?", company.Name, tenantKey).
			Attrs(models.Company{Email: "billing@demo.test", CurrencyCode: "USD"}).
			FirstOrCreate(&company).Error; err != nil {
			return err
		}

		user := models.User{Email: "owner@demo.test"}
		if err := tx.Where("email = ?", user.Email).
			Attrs(models.User{CompanyID: company.ID, Name: "Demo Owner"}).
			FirstOrCreate(&user).Error; err != nil {
			return err
		}

		client := models.Client{CompanyID: company.ID, Name: "Acme Corp"}
		if err := tx.Where("company_id = ? AND name = ?", company.ID, client.Name).
			Attrs(models.Client{UserID: user.ID, Email: "ap@acme.test", CurrencyCode: "USD"}).
			FirstOrCreate(&client).Error; err != nil {
			return err
		}

		contact := models.ClientContact{CompanyID: company.ID, ClientID: client.ID, Email: "jane@acme.test"}
		if err := tx.Where("client_id = ? AND email = ?", client.ID, contact.Email).
			Attrs(models.ClientContact{FirstName: "Jane", LastName: "Doe"}).
			FirstOrCreate(&contact).Error; err != nil {
			return err
		}

		gateway := models.CompanyGateway{CompanyID: company.ID, DriverKey: "sandbox"}
		if err := tx.Where("company_id = ? AND driver_key = ?", company.ID, gateway.DriverKey).
			Attrs(models.CompanyGateway{
				Label:      "Sandbox",
				Config:     datatypes.JSON(`{"mode":"approve"}`),
				FeePercent: decimal.NewFromInt(3),
			}).
			FirstOrCreate(&gateway).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Invoice{}).Where("client_id = ?", client.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		amount := decimal.NewFromInt(100)
		due := time.Now().AddDate(0, 0, 30)
		invoice := models.Invoice{
			CompanyID: company.ID,
			UserID:    user.ID,
			ClientID:  client.ID,
			Status:    models.InvoiceStatusSent,
			IssueDate: time.Now(),
			DueDate:   &due,
			Amount:    amount,
			Balance:   amount,
			LineItems: []models.InvoiceItem{{
				TypeID:      models.ItemTypeStandard,
				Description: "Consulting",
				Quantity:    decimal.NewFromInt(1),
				Cost:        amount,
			}},
		}
		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.Invitation{
			CompanyID:       company.ID,
			InvoiceID:       invoice.ID,
			ClientContactID: contact.ID,
			Key:             "demo-invitation",
		}).Error; err != nil {
			return err
		}
		return tx.Model(&client).Update("balance", gorm.Expr("balance + ?", amount)).Error
	})
}
