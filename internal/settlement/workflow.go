// Package settlement turns a payment hash into a completed payment: it charges
// the gateway, books the payment against the invoices and client balance in
// one transaction, and on failure unwinds the speculative gateway fee and
// notifies the client.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/gateway"
	"github.com/diewo77/go-settle/internal/lockmap"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/paymenthash"
	"github.com/diewo77/go-settle/internal/services"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/diewo77/go-settle/internal/tokens"
	"github.com/diewo77/go-settle/validation"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	// DefaultPurchaseTimeout bounds a gateway call when none is configured.
	DefaultPurchaseTimeout = 30 * time.Second
	// DefaultPublishTimeout bounds queueing the events of one step.
	DefaultPublishTimeout = 5 * time.Second
)

// Config wires a Workflow.
type Config struct {
	Registry        *gateway.Registry
	Hashes          *paymenthash.Service
	Tokens          *tokens.Store
	Invoices        *services.InvoiceService
	Clients         *services.ClientService
	Payments        *services.PaymentService
	Events          events.Publisher
	Log             *slog.Logger
	PurchaseTimeout time.Duration
	PublishTimeout  time.Duration
}

// Workflow runs settlements. It is safe for concurrent use; attempts on the
// same hash are serialized in-process and guarded by the database across
// processes.
type Workflow struct {
	registry        *gateway.Registry
	hashes          *paymenthash.Service
	tokens          *tokens.Store
	invoices        *services.InvoiceService
	clients         *services.ClientService
	payments        *services.PaymentService
	events          events.Publisher
	log             *slog.Logger
	purchaseTimeout time.Duration

	locks *lockmap.Map[string]
	now   func() time.Time
}

func New(c Config) *Workflow {
	if c.PurchaseTimeout <= 0 {
		c.PurchaseTimeout = DefaultPurchaseTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	return &Workflow{
		registry:        c.Registry,
		hashes:          c.Hashes,
		tokens:          c.Tokens,
		invoices:        c.Invoices,
		clients:         c.Clients,
		payments:        c.Payments,
		events:          boundedPublisher{p: c.Events, timeout: c.PublishTimeout},
		log:             c.Log,
		purchaseTimeout: c.PurchaseTimeout,
		locks:           lockmap.New[string](),
		now:             time.Now,
	}
}

// ProcessRequest is an attended charge made by the client in the portal.
// Amount must be the hash total, with or without its gateway fee; zero
// charges the total including the fee.
type ProcessRequest struct {
	Hash          string
	Amount        decimal.Decimal
	InvitationKey string
	Data          json.RawMessage
}

// TokenBillingRequest charges a stored token without the client present.
// A zero TokenID uses the client's default token for the gateway.
type TokenBillingRequest struct {
	Hash    string
	TokenID uint
	Amount  decimal.Decimal
}

type charge struct {
	hash          string
	amount        decimal.Decimal
	invitationKey string
	attended      bool
	tokenID       uint
	data          json.RawMessage
}

// Process charges the client through the hash's gateway and records the payment.
func (w *Workflow) Process(ctx context.Context, req ProcessRequest) (*models.Payment, error) {
	return w.settle(ctx, charge{
		hash:          req.Hash,
		amount:        req.Amount,
		invitationKey: req.InvitationKey,
		attended:      true,
		data:          req.Data,
	})
}

// TokenBilling charges a stored token and records the payment.
func (w *Workflow) TokenBilling(ctx context.Context, req TokenBillingRequest) (*models.Payment, error) {
	return w.settle(ctx, charge{hash: req.Hash, amount: req.Amount, tokenID: req.TokenID})
}

func (w *Workflow) settle(ctx context.Context, c charge) (*models.Payment, error) {
	v := validation.Violations{}
	validation.Required("hash", c.hash, v)
	validation.NonNegativeDecimal("amount", c.amount, v)
	validation.Cents("amount", c.amount, v)
	if !v.Empty() {
		return nil, apperr.Validation("invalid payment", v)
	}
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}

	unlock := w.locks.Lock(tenant.Key(ctx) + ":" + c.hash)
	defer unlock()

	a, err := w.load(ctx, db, c.hash, c.invitationKey)
	if err != nil {
		return nil, err
	}
	if err := a.useAmount(c.amount); err != nil {
		return nil, err
	}
	if err := w.checkPayable(db, a, false); err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			// another payment settled these invoices; this hash never will
			if _, uerr := w.unwindGatewayFees(ctx, a.Hash); uerr != nil {
				w.log.Error("unwind gateway fee", "tenant", a.Tenant, "hash", a.Hash.Hash, "err", uerr)
			}
		}
		return nil, err
	}

	req := gateway.PurchaseRequest{
		Gateway:       a.Gateway,
		Client:        a.Client,
		GatewayTypeID: a.Hash.GatewayTypeID,
		Amount:        a.charged(),
		Currency:      a.Client.Currency(),
		Attended:      c.attended,
		Reference:     a.Hash.Hash,
		Data:          c.data,
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(a.Hash.Data)
	}
	if !c.attended {
		if !a.Caps.TokenBilling {
			return nil, apperr.Validation("gateway does not support token billing",
				map[string]string{"company_gateway_id": "token_billing_unsupported"})
		}
		if req.Token, err = w.token(ctx, a, c.tokenID); err != nil {
			return nil, err
		}
	}

	result, err := w.purchase(ctx, a, req)
	if err != nil {
		return nil, w.fail(ctx, a, err)
	}
	if err := a.transition(StateCaptured); err != nil {
		return nil, err
	}

	// The charge went through; finish booking it even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	payment, err := w.record(ctx, a, result)
	if err != nil {
		w.log.Error("captured charge not recorded",
			"tenant", a.Tenant,
			"hash", a.Hash.Hash,
			"transaction_reference", result.TransactionReference,
			"err", err,
		)
		if errors.Is(err, apperr.ErrHashConsumed) {
			return nil, err
		}
		return nil, w.fail(ctx, a, err)
	}
	if err := a.transition(StateReconciled); err != nil {
		return nil, err
	}

	if result.StoreToken != nil && a.Caps.TokenBilling {
		w.storeToken(ctx, a, result.StoreToken)
	}
	w.log.Info("payment settled",
		"tenant", a.Tenant,
		"payment_id", payment.ID,
		"number", payment.Number,
		"client_id", payment.ClientID,
		"amount", payment.Amount.StringFixed(2),
	)
	return payment, nil
}

// load resolves the hash and everything the attempt needs to charge it.
func (w *Workflow) load(ctx context.Context, db *gorm.DB, hash, invitationKey string) (*Attempt, error) {
	h, err := w.hashes.Resolve(ctx, hash)
	if err != nil {
		return nil, hashError(err)
	}
	if h.Consumed() {
		return nil, apperr.HashConsumed(h.Hash)
	}

	a := newAttempt(tenant.Key(ctx))
	a.Hash = h

	var client models.Client
	if err := db.Preload("Company").First(&client, h.ClientID).Error; err != nil {
		return nil, apperr.Persistence("load client", err)
	}
	a.Client = &client

	var gw models.CompanyGateway
	if err := db.Where("company_id = ?", h.CompanyID).First(&gw, h.CompanyGatewayID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation("gateway no longer available",
				map[string]string{"company_gateway_id": "not_found"})
		}
		return nil, apperr.Persistence("load gateway", err)
	}
	if err := w.bind(a, &gw); err != nil {
		return nil, err
	}
	if !a.Caps.Supports(h.GatewayTypeID) {
		return nil, apperr.Validation("payment method not supported by gateway",
			map[string]string{"gateway_type_id": "unsupported"})
	}

	if invitationKey != "" {
		var inv models.Invitation
		if err := db.Where("key = ? AND company_id = ?", invitationKey, h.CompanyID).First(&inv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.Validation("unknown invitation", map[string]string{"invitation": "not_found"})
			}
			return nil, apperr.Persistence("load invitation", err)
		}
		a.Invitation = &inv
	}
	return a, nil
}

// bind attaches gw and its driver to a.
func (w *Workflow) bind(a *Attempt, gw *models.CompanyGateway) error {
	d, err := w.registry.Driver(gw.DriverKey)
	if err != nil {
		return apperr.Gateway(err)
	}
	caps, err := w.registry.Capabilities(gw.DriverKey)
	if err != nil {
		return apperr.Gateway(err)
	}
	a.Gateway = gw
	a.Driver = d
	a.Caps = caps
	return nil
}

// useAmount checks amount against the hash. It must be the invoice total,
// or the total plus the gateway fee, in which case the fee is kept.
func (a *Attempt) useAmount(amount decimal.Decimal) error {
	fee := a.Hash.FeeTotal.IsPositive()
	switch {
	case amount.IsZero():
		a.IncludeFee = fee
	case fee && amount.Equal(a.Hash.AmountWithFee()):
		a.IncludeFee = true
	case amount.Equal(a.Hash.Amount()):
		a.IncludeFee = false
	default:
		return apperr.Validation("amount does not match the payment request",
			map[string]string{"amount": "mismatch"})
	}
	return nil
}

// charged is the amount sent to the gateway.
func (a *Attempt) charged() decimal.Decimal {
	if a.IncludeFee {
		return a.Hash.AmountWithFee()
	}
	return a.Hash.Amount()
}

func (w *Workflow) token(ctx context.Context, a *Attempt, tokenID uint) (*models.ClientGatewayToken, error) {
	if tokenID == 0 {
		tok, err := w.tokens.Default(ctx, a.Client.ID, a.Gateway.ID)
		if errors.Is(err, tokens.ErrNoToken) {
			return nil, apperr.Validation("no stored payment method", map[string]string{"token": "not_found"})
		}
		return tok, err
	}
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	var tok models.ClientGatewayToken
	err = db.Where("client_id = ? AND company_gateway_id = ?", a.Client.ID, a.Gateway.ID).First(&tok, tokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Validation("no stored payment method", map[string]string{"token": "not_found"})
	}
	if err != nil {
		return nil, apperr.Persistence("load gateway token", err)
	}
	return &tok, nil
}

// purchase calls the driver with the configured timeout.
func (w *Workflow) purchase(ctx context.Context, a *Attempt, req gateway.PurchaseRequest) (*gateway.PurchaseResult, error) {
	pctx, cancel := context.WithTimeout(ctx, w.purchaseTimeout)
	defer cancel()

	start := time.Now()
	res, err := a.Driver.Purchase(pctx, req)
	if err == nil && res == nil {
		err = errors.New("gateway returned no result")
	}
	w.log.Info("gateway purchase",
		"tenant", a.Tenant,
		"hash", a.Hash.Hash,
		"driver", a.Driver.Key(),
		"amount", req.Amount.StringFixed(2),
		"attended", req.Attended,
		"duration", time.Since(start),
		"err", err,
	)
	return res, err
}

// boundedPublisher publishes with a deadline of its own, detached from the
// caller's cancellation. A stalled queue then costs at most timeout.
type boundedPublisher struct {
	p       events.Publisher
	timeout time.Duration
}

func (b boundedPublisher) Publish(ctx context.Context, evs ...events.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()
	return b.p.Publish(ctx, evs...)
}

// record books a captured charge in one transaction and publishes the
// resulting events after commit.
func (w *Workflow) record(ctx context.Context, a *Attempt, result *gateway.PurchaseResult) (*models.Payment, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	var (
		buf     events.Buffer
		payment *models.Payment
	)
	err = db.Transaction(func(tx *gorm.DB) error {
		// a payment from another hash may have landed since the charge began
		if err := w.checkPayable(tx, a, true); err != nil {
			return err
		}
		if a.IncludeFee {
			if err := w.confirmGatewayFee(tx, a); err != nil {
				return apperr.Persistence("confirm gateway fee", err)
			}
		} else if _, err := w.invoices.RemoveGatewayFees(tx, a.Hash.ID); err != nil {
			return apperr.Persistence("remove gateway fee", err)
		}

		p, err := w.createPayment(ctx, tx, a, PaymentData{
			Amount:               a.charged(),
			TransactionReference: result.TransactionReference,
			PaymentType:          result.PaymentType,
			Raw:                  result.Raw,
		}, models.PaymentStatusCompleted, &buf)
		if err != nil {
			return err
		}
		buf.Add(w.systemLog(a, models.LogEventGatewaySuccess, result.Raw))
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := buf.Flush(ctx, w.events); err != nil {
		w.log.Error("publish settlement events", "tenant", a.Tenant, "payment_id", payment.ID, "err", err)
	}
	return payment, nil
}

func (w *Workflow) storeToken(ctx context.Context, a *Attempt, td *gateway.TokenData) {
	typ := td.GatewayTypeID
	if typ == 0 {
		typ = a.Hash.GatewayTypeID
	}
	if _, err := w.tokens.Save(ctx, tokens.Token{
		ClientID:          a.Client.ID,
		CompanyGatewayID:  a.Gateway.ID,
		GatewayTypeID:     typ,
		Token:             td.Token,
		CustomerReference: td.CustomerReference,
		Meta:              td.Meta,
	}); err != nil {
		w.log.Warn("store gateway token", "tenant", a.Tenant, "client_id", a.Client.ID, "err", err)
	}
}

func (w *Workflow) systemLog(a *Attempt, event int, body json.RawMessage) events.Event {
	typ := a.Caps.SystemLogType
	if typ == 0 {
		typ = models.LogTypeCustom
	}
	return events.New(events.SystemLogged, a.Tenant, events.SystemLogPayload{
		CompanyID:  a.Client.CompanyID,
		ClientID:   a.Client.ID,
		CategoryID: models.LogCategoryGatewayResponse,
		EventID:    event,
		TypeID:     typ,
		Log:        body,
	})
}

func hashError(err error) error {
	switch {
	case errors.Is(err, paymenthash.ErrNotFound):
		return apperr.Validation("unknown payment hash", map[string]string{"hash": "not_found"})
	case errors.Is(err, paymenthash.ErrBadSignature):
		return apperr.Validation("payment hash rejected", map[string]string{"hash": "invalid"})
	case errors.Is(err, paymenthash.ErrExpired):
		return apperr.Validation("payment hash expired", map[string]string{"hash": "expired"})
	}
	return err
}
