// Package tokens stores the reusable payment method references gateways issue
// for clients. A client has at most one default token.
package tokens

import (
	"context"
	"errors"

	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/lockmap"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNoToken is returned when a client has no usable token for a gateway.
var ErrNoToken = errors.New("no_gateway_token")

// Store persists client gateway tokens. Default flag changes for a client are
// serialized in-process and run in one transaction.
type Store struct {
	locks *lockmap.Map[uint]
}

func NewStore() *Store {
	return &Store{locks: lockmap.New[uint]()}
}

// Token is a token to store for a client.
type Token struct {
	ClientID          uint
	CompanyGatewayID  uint
	GatewayTypeID     models.GatewayType
	Token             string
	CustomerReference string
	Meta              []byte
	MakeDefault       bool
}

// Save stores t. The client's first token, or one saved with MakeDefault,
// becomes the default.
func (s *Store) Save(ctx context.Context, t Token) (*models.ClientGatewayToken, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(t.ClientID)
	defer unlock()

	var out *models.ClientGatewayToken
	err = db.Transaction(func(tx *gorm.DB) error {
		var client models.Client
		if err := tx.Select("id", "company_id").First(&client, t.ClientID).Error; err != nil {
			return err
		}
		row := &models.ClientGatewayToken{
			CompanyID:                client.CompanyID,
			ClientID:                 client.ID,
			CompanyGatewayID:         t.CompanyGatewayID,
			GatewayTypeID:            t.GatewayTypeID,
			Token:                    t.Token,
			GatewayCustomerReference: t.CustomerReference,
		}
		if len(t.Meta) > 0 {
			row.Meta = datatypes.JSON(t.Meta)
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.ClientGatewayToken{}).Where("client_id = ?", client.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 1 || t.MakeDefault {
			if err := setDefault(tx, client.ID, row.ID); err != nil {
				return err
			}
			row.IsDefault = true
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("store gateway token", err)
	}
	return out, nil
}

// SetDefault makes tokenID the client's only default token.
func (s *Store) SetDefault(ctx context.Context, clientID, tokenID uint) error {
	db, err := tenant.DB(ctx)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(clientID)
	defer unlock()

	err = db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.ClientGatewayToken{}).
			Where("id = ? AND client_id = ?", tokenID, clientID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return gorm.ErrRecordNotFound
		}
		return setDefault(tx, clientID, tokenID)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoToken
	}
	if err != nil {
		return apperr.Persistence("set default gateway token", err)
	}
	return nil
}

// Default returns the client's default token for the gateway, falling back to
// the newest token for it.
func (s *Store) Default(ctx context.Context, clientID, companyGatewayID uint) (*models.ClientGatewayToken, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	var tok models.ClientGatewayToken
	err = db.Where("client_id = ? AND company_gateway_id = ?", clientID, companyGatewayID).
		Order("is_default DESC").Order("id DESC").
		First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, apperr.Persistence("load gateway token", err)
	}
	return &tok, nil
}

func setDefault(tx *gorm.DB, clientID, tokenID uint) error {
	if err := tx.Model(&models.ClientGatewayToken{}).
		Where("client_id = ? AND id <> ? AND is_default = ?", clientID, tokenID, true).
		Update("is_default", false).Error; err != nil {
		return err
	}
	return tx.Model(&models.ClientGatewayToken{}).
		Where("id = ?", tokenID).
		Update("is_default", true).Error
}
