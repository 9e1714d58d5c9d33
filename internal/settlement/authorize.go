package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/gateway"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/diewo77/go-settle/internal/tokens"
	"github.com/diewo77/go-settle/validation"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuthorizeRequest verifies a payment method and stores it for later billing.
type AuthorizeRequest struct {
	ClientID         uint
	CompanyGatewayID uint
	GatewayTypeID    models.GatewayType
	Data             json.RawMessage
	MakeDefault      bool
}

// Authorize asks the gateway to verify a payment method without charging it
// and stores the token it issues.
func (w *Workflow) Authorize(ctx context.Context, req AuthorizeRequest) (*models.ClientGatewayToken, error) {
	v := validation.Violations{}
	validation.RequiredID("client_id", req.ClientID, v)
	validation.RequiredID("company_gateway_id", req.CompanyGatewayID, v)
	if req.GatewayTypeID == 0 {
		v.Add("gateway_type_id", "required")
	}
	if !v.Empty() {
		return nil, apperr.Validation("invalid payment method", v)
	}

	a, err := w.clientAttempt(ctx, req.ClientID, req.CompanyGatewayID)
	if err != nil {
		return nil, err
	}
	switch {
	case !a.Caps.Supports(req.GatewayTypeID):
		return nil, apperr.Validation("payment method not supported by gateway",
			map[string]string{"gateway_type_id": "unsupported"})
	case req.GatewayTypeID == models.GatewayTypeCreditCard && !a.Caps.CanAuthoriseCreditCard:
		return nil, apperr.Validation("gateway cannot authorise cards",
			map[string]string{"gateway_type_id": "authorise_unsupported"})
	}

	actx, cancel := context.WithTimeout(ctx, w.purchaseTimeout)
	td, err := a.Driver.Authorize(actx, gateway.AuthorizeRequest{
		Gateway:       a.Gateway,
		Client:        a.Client,
		GatewayTypeID: req.GatewayTypeID,
		Data:          req.Data,
	})
	cancel()
	if err == nil && td == nil {
		err = errors.New("gateway returned no token")
	}
	if err != nil {
		_ = a.transition(StateFailed)
		message, code, logEvent, response := classify(err)
		body, _ := json.Marshal(failureLog{Error: message, Code: code, Response: response})
		if perr := w.events.Publish(context.WithoutCancel(ctx), w.systemLog(a, logEvent, body)); perr != nil {
			w.log.Error("publish authorize failure", "tenant", a.Tenant, "client_id", a.Client.ID, "err", perr)
		}
		return nil, apperr.Gateway(err)
	}
	if err := a.transition(StateAuthorized); err != nil {
		return nil, err
	}

	typ := td.GatewayTypeID
	if typ == 0 {
		typ = req.GatewayTypeID
	}
	return w.tokens.Save(ctx, tokens.Token{
		ClientID:          a.Client.ID,
		CompanyGatewayID:  a.Gateway.ID,
		GatewayTypeID:     typ,
		Token:             td.Token,
		CustomerReference: td.CustomerReference,
		Meta:              td.Meta,
		MakeDefault:       req.MakeDefault,
	})
}

// clientAttempt loads a client and one of its company's gateways.
func (w *Workflow) clientAttempt(ctx context.Context, clientID, gatewayID uint) (*Attempt, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	a := newAttempt(tenant.Key(ctx))
	var client models.Client
	if err := db.Preload("Company").First(&client, clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation("unknown client", map[string]string{"client_id": "not_found"})
		}
		return nil, apperr.Persistence("load client", err)
	}
	a.Client = &client
	var gw models.CompanyGateway
	if err := db.Where("company_id = ?", client.CompanyID).First(&gw, gatewayID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation("unknown gateway", map[string]string{"company_gateway_id": "not_found"})
		}
		return nil, apperr.Persistence("load gateway", err)
	}
	if err := w.bind(a, &gw); err != nil {
		return nil, err
	}
	return a, nil
}

// Method is one way a client can pay an amount.
type Method struct {
	CompanyGatewayID uint               `json:"company_gateway_id"`
	Label            string             `json:"label"`
	GatewayTypeID    models.GatewayType `json:"gateway_type_id"`
	Fee              decimal.Decimal    `json:"fee"`
	TokenBilling     bool               `json:"token_billing"`
}

// PaymentMethods lists the gateway methods available to a client for amount,
// with the fee each would add. Gateways whose driver is not registered are
// skipped.
func (w *Workflow) PaymentMethods(ctx context.Context, clientID uint, amount decimal.Decimal) ([]Method, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	var client models.Client
	if err := db.First(&client, clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation("unknown client", map[string]string{"client_id": "not_found"})
		}
		return nil, apperr.Persistence("load client", err)
	}
	var gws []models.CompanyGateway
	if err := db.Where("company_id = ?", client.CompanyID).Order("id").Find(&gws).Error; err != nil {
		return nil, apperr.Persistence("load gateways", err)
	}

	out := []Method{}
	for i := range gws {
		caps, err := w.registry.Capabilities(gws[i].DriverKey)
		if err != nil {
			w.log.Warn("gateway without driver", "company_gateway_id", gws[i].ID, "driver", gws[i].DriverKey)
			continue
		}
		methods := append([]models.GatewayType(nil), caps.Methods...)
		sort.Slice(methods, func(a, b int) bool { return methods[a] < methods[b] })
		for _, m := range methods {
			out = append(out, Method{
				CompanyGatewayID: gws[i].ID,
				Label:            gws[i].Label,
				GatewayTypeID:    m,
				Fee:              gws[i].CalcGatewayFee(amount),
				TokenBilling:     caps.TokenBilling,
			})
		}
	}
	return out, nil
}
