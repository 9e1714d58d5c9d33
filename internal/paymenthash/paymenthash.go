// Package paymenthash issues and verifies the short-lived records that bind a
// client's charge attempt to the invoices and fee it covers.
package paymenthash

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/services"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/diewo77/go-settle/validation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/hkdf"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("payment_hash_not_found")
	ErrBadSignature = errors.New("payment_hash_signature_mismatch")
	ErrExpired      = errors.New("payment_hash_expired")
)

// FeeLabel is the description of the gateway fee line added at Begin.
const FeeLabel = "Gateway fee"

// Service creates and checks payment hashes.
type Service struct {
	secret   []byte
	ttl      time.Duration
	invoices *services.InvoiceService
	now      func() time.Time
}

// NewService creates a service signing with keys derived from secret.
func NewService(secret string, ttl time.Duration, invoices *services.InvoiceService) *Service {
	return &Service{secret: []byte(secret), ttl: ttl, invoices: invoices, now: time.Now}
}

// BeginRequest starts a charge attempt. An invoice amount of zero means the
// invoice's full balance.
type BeginRequest struct {
	ClientID         uint
	CompanyGatewayID uint
	GatewayTypeID    models.GatewayType
	Invoices         []models.HashInvoice
	Data             json.RawMessage
}

// Begin validates the request, stores a signed hash and adds its gateway fee
// line to the first invoice.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (*models.PaymentHash, error) {
	if v := validateBegin(req); !v.Empty() {
		return nil, apperr.Validation("invalid payment request", v)
	}
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}

	var out *models.PaymentHash
	err = db.Transaction(func(tx *gorm.DB) error {
		var client models.Client
		if err := tx.Preload("Company").First(&client, req.ClientID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Validation("unknown client", map[string]string{"client_id": "not_found"})
			}
			return apperr.Persistence("load client", err)
		}
		var gw models.CompanyGateway
		if err := tx.Where("company_id = ?", client.CompanyID).First(&gw, req.CompanyGatewayID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Validation("unknown gateway", map[string]string{"company_gateway_id": "not_found"})
			}
			return apperr.Persistence("load gateway", err)
		}

		ids := make([]uint, 0, len(req.Invoices))
		for _, hi := range req.Invoices {
			ids = append(ids, hi.InvoiceID)
		}
		// fee lines left behind by expired or consumed attempts; live
		// hashes on the same invoices keep theirs
		if _, err := s.invoices.RemoveStaleGatewayFees(tx, ids, s.now()); err != nil {
			return apperr.Persistence("clear stale fees", err)
		}
		invoices, err := s.invoices.Load(tx, client.ID, ids)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Validation("unknown invoice", map[string]string{"invoices": "not_found"})
			}
			return apperr.Persistence("load invoices", err)
		}

		hashInvoices, v := allocate(req.Invoices, invoices)
		if !v.Empty() {
			return apperr.Validation("invoices cannot be paid", v)
		}

		h := &models.PaymentHash{
			CompanyID:        client.CompanyID,
			ClientID:         client.ID,
			CompanyGatewayID: gw.ID,
			GatewayTypeID:    req.GatewayTypeID,
			Hash:             strings.ReplaceAll(uuid.NewString(), "-", ""),
			Invoices:         hashInvoices,
			ExpiresAt:        s.now().Add(s.ttl).UTC().Truncate(time.Second),
		}
		if len(req.Data) > 0 {
			h.Data = []byte(req.Data)
		}

		fee := gw.CalcGatewayFee(h.Amount())
		first := invoices[0]
		if fee.IsPositive() {
			h.FeeTotal = fee
			h.FeeInvoiceID = &first.ID
		}

		sig, err := s.sign(tenant.Key(ctx), h)
		if err != nil {
			return err
		}
		h.Signature = sig
		if err := tx.Create(h).Error; err != nil {
			return apperr.Persistence("store payment hash", err)
		}
		if err := s.invoices.AddGatewayFee(tx, &first, fee, FeeLabel, h.ID); err != nil {
			return apperr.Persistence("add gateway fee", err)
		}
		out = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Find loads a hash by its token.
func (s *Service) Find(ctx context.Context, hash string) (*models.PaymentHash, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	var h models.PaymentHash
	if err := db.Where("hash = ?", hash).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Persistence("load payment hash", err)
	}
	return &h, nil
}

// Resolve finds a hash and checks its signature and expiry.
func (s *Service) Resolve(ctx context.Context, hash string) (*models.PaymentHash, error) {
	h, err := s.Find(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(tenant.Key(ctx), h); err != nil {
		return nil, err
	}
	if h.Expired(s.now()) {
		return nil, ErrExpired
	}
	return h, nil
}

// Verify checks h's signature for tenantKey.
func (s *Service) Verify(tenantKey string, h *models.PaymentHash) error {
	want, err := s.sign(tenantKey, h)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(h.Signature)) {
		return ErrBadSignature
	}
	return nil
}

// sign MACs the fields that decide what a settlement is allowed to do.
// Each tenant signs with its own key derived from the master secret.
func (s *Service) sign(tenantKey string, h *models.PaymentHash) (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, nil, []byte("payment-hash:"+tenantKey)), key); err != nil {
		return "", fmt.Errorf("derive hash key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical(h)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func canonical(h *models.PaymentHash) string {
	var b strings.Builder
	field := func(s string) {
		b.WriteString(s)
		b.WriteByte('|')
	}
	field(h.Hash)
	field(strconv.FormatUint(uint64(h.CompanyID), 10))
	field(strconv.FormatUint(uint64(h.ClientID), 10))
	field(strconv.FormatUint(uint64(h.CompanyGatewayID), 10))
	field(strconv.FormatUint(uint64(h.GatewayTypeID), 10))
	field(h.FeeTotal.StringFixed(2))
	if h.FeeInvoiceID != nil {
		field(strconv.FormatUint(uint64(*h.FeeInvoiceID), 10))
	} else {
		field("-")
	}
	for _, inv := range h.Invoices {
		field(strconv.FormatUint(uint64(inv.InvoiceID), 10) + ":" + inv.Amount.StringFixed(2))
	}
	field(strconv.FormatInt(h.ExpiresAt.Unix(), 10))
	return b.String()
}

func validateBegin(req BeginRequest) validation.Violations {
	v := validation.Violations{}
	validation.RequiredID("client_id", req.ClientID, v)
	validation.RequiredID("company_gateway_id", req.CompanyGatewayID, v)
	if req.GatewayTypeID == 0 {
		v.Add("gateway_type_id", "required")
	}
	if len(req.Invoices) == 0 {
		v.Add("invoices", "required")
	}
	seen := map[uint]bool{}
	for i, hi := range req.Invoices {
		key := fmt.Sprintf("invoices.%d", i)
		validation.RequiredID(key, hi.InvoiceID, v)
		validation.NonNegativeDecimal(key+".amount", hi.Amount, v)
		validation.Cents(key+".amount", hi.Amount, v)
		if seen[hi.InvoiceID] {
			v.Add(key, "duplicate")
		}
		seen[hi.InvoiceID] = true
	}
	return v
}

// allocate resolves the amount to pay on each invoice, defaulting to the
// balance. Fee lines of other pending attempts are not part of it.
func allocate(requested []models.HashInvoice, invoices []models.Invoice) ([]models.HashInvoice, validation.Violations) {
	v := validation.Violations{}
	out := make([]models.HashInvoice, 0, len(invoices))
	total := decimal.Zero
	for i, inv := range invoices {
		key := fmt.Sprintf("invoices.%d", i)
		if !inv.IsPayable() {
			v.Add(key, "not_payable")
			continue
		}
		balance := inv.PayableBalance()
		amount := requested[i].Amount
		if amount.IsZero() {
			amount = balance
		}
		validation.MaxDecimal(key+".amount", amount, balance, v)
		out = append(out, models.HashInvoice{InvoiceID: inv.ID, Amount: amount})
		total = total.Add(amount)
	}
	if v.Empty() {
		validation.PositiveDecimal("amount", total, v)
	}
	return out, v
}
