package services

import (
	"errors"
	"fmt"

	"github.com/diewo77/go-settle/internal/models"
	"gorm.io/gorm"
)

// maxNumberAttempts bounds the search for a free number when earlier numbers
// were assigned by hand.
const maxNumberAttempts = 50

var errCounterMoved = errors.New("number counter changed concurrently")

// nextNumber consumes the company counter named column and returns the first
// number not already used by a row of model in the company.
func nextNumber(tx *gorm.DB, companyID uint, column string, model any) (string, error) {
	var company models.Company
	if err := tx.Select("id", column).First(&company, companyID).Error; err != nil {
		return "", err
	}
	start := company.InvoiceNumberCounter
	if column == "payment_number_counter" {
		start = company.PaymentNumberCounter
	}

	counter := start
	var number string
	for i := 0; ; i++ {
		if i >= maxNumberAttempts {
			return "", fmt.Errorf("no free number after %d attempts", maxNumberAttempts)
		}
		number = fmt.Sprintf("%04d", counter)
		var taken int64
		if err := tx.Model(model).
			Where("company_id = ? AND number = ?", companyID, number).
			Count(&taken).Error; err != nil {
			return "", err
		}
		counter++
		if taken == 0 {
			break
		}
	}

	res := tx.Model(&models.Company{}).
		Where("id = ? AND "+column+" = ?", companyID, start).
		Update(column, counter)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", errCounterMoved
	}
	return number, nil
}

// withSavepoint runs fn inside a savepoint of tx and rolls back to it on error.
func withSavepoint[T any](tx *gorm.DB, name string, fn func(*gorm.DB) (T, error)) (T, error) {
	var zero T
	if err := tx.SavePoint(name).Error; err != nil {
		return zero, err
	}
	v, err := fn(tx)
	if err != nil {
		if rbErr := tx.RollbackTo(name).Error; rbErr != nil {
			return zero, errors.Join(err, rbErr)
		}
		return zero, err
	}
	return v, nil
}
