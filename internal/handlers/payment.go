package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/diewo77/go-settle/auth"
	"github.com/diewo77/go-settle/httpx"
	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/hashid"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/paymenthash"
	"github.com/diewo77/go-settle/internal/services"
	"github.com/diewo77/go-settle/internal/settlement"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentHandler serves the payment API. Ids cross the boundary hashed.
type PaymentHandler struct {
	hashes   *paymenthash.Service
	workflow *settlement.Workflow
	payments *services.PaymentService
	ids      *hashid.Codec
	log      *slog.Logger
}

func NewPaymentHandler(hashes *paymenthash.Service, workflow *settlement.Workflow, payments *services.PaymentService, ids *hashid.Codec, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{hashes: hashes, workflow: workflow, payments: payments, ids: ids, log: log}
}

type beginInvoice struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type beginRequest struct {
	ClientID         string             `json:"client_id"`
	CompanyGatewayID string             `json:"company_gateway_id"`
	GatewayTypeID    models.GatewayType `json:"gateway_type_id"`
	Invoices         []beginInvoice     `json:"invoices"`
	Data             json.RawMessage    `json:"data,omitempty"`
}

type hashResponse struct {
	Hash         string         `json:"hash"`
	Invoices     []beginInvoice `json:"invoices"`
	Amount       string         `json:"amount"`
	Fee          string         `json:"fee"`
	Total        string         `json:"total"`
	FeeInvoiceID string         `json:"fee_invoice_id,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Begin creates a payment hash for invoices of the signed-in contact's
// client. A client_id naming any other client is refused.
func (h *PaymentHandler) Begin(w http.ResponseWriter, r *http.Request) {
	contact, ok := h.contact(w, r)
	if !ok {
		return
	}
	var body beginRequest
	if err := httpx.Decode(r, &body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, httpx.ErrBadBody.Error(), nil)
		return
	}
	req := paymenthash.BeginRequest{ClientID: contact.ClientID, GatewayTypeID: body.GatewayTypeID, Data: body.Data}
	bad := map[string]string{}
	if body.ClientID != "" {
		if id := h.decodeID(body.ClientID, "client_id", bad); id != 0 && id != contact.ClientID {
			httpx.JSONError(w, http.StatusForbidden, "forbidden", nil)
			return
		}
	}
	req.CompanyGatewayID = h.decodeID(body.CompanyGatewayID, "company_gateway_id", bad)
	for _, inv := range body.Invoices {
		req.Invoices = append(req.Invoices, models.HashInvoice{
			InvoiceID: h.decodeID(inv.InvoiceID, "invoices", bad),
			Amount:    inv.Amount,
		})
	}
	if len(bad) > 0 {
		h.writeError(w, r, apperr.Validation("invalid id", bad))
		return
	}

	ph, err := h.hashes.Begin(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.hashResponse(ph))
}

type processRequest struct {
	Hash          string          `json:"hash"`
	Amount        decimal.Decimal `json:"amount"`
	InvitationKey string          `json:"invitation_key,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Process settles a payment hash with the client present.
func (h *PaymentHandler) Process(w http.ResponseWriter, r *http.Request) {
	var body processRequest
	if err := httpx.Decode(r, &body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, httpx.ErrBadBody.Error(), nil)
		return
	}
	if !h.ownsHash(w, r, body.Hash) {
		return
	}
	p, err := h.workflow.Process(r.Context(), settlement.ProcessRequest{
		Hash:          body.Hash,
		Amount:        body.Amount,
		InvitationKey: body.InvitationKey,
		Data:          body.Data,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writePayment(w, r, p, http.StatusCreated)
}

type tokenRequest struct {
	Hash    string          `json:"hash"`
	TokenID string          `json:"token_id,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

// Token settles a payment hash with a stored token.
func (h *PaymentHandler) Token(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if err := httpx.Decode(r, &body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, httpx.ErrBadBody.Error(), nil)
		return
	}
	if !h.ownsHash(w, r, body.Hash) {
		return
	}
	req := settlement.TokenBillingRequest{Hash: body.Hash, Amount: body.Amount}
	if body.TokenID != "" {
		bad := map[string]string{}
		req.TokenID = h.decodeID(body.TokenID, "token_id", bad)
		if len(bad) > 0 {
			h.writeError(w, r, apperr.Validation("invalid id", bad))
			return
		}
	}
	p, err := h.workflow.TokenBilling(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writePayment(w, r, p, http.StatusCreated)
}

type cancelRequest struct {
	Hash string `json:"hash"`
}

// Cancel abandons a payment hash and removes its gateway fee.
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := httpx.Decode(r, &body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, httpx.ErrBadBody.Error(), nil)
		return
	}
	if !h.ownsHash(w, r, body.Hash) {
		return
	}
	removed, err := h.workflow.UnwindGatewayFees(r.Context(), body.Hash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"hash": body.Hash, "fee_removed": removed.StringFixed(2)})
}

type authorizeRequest struct {
	CompanyGatewayID string             `json:"company_gateway_id"`
	GatewayTypeID    models.GatewayType `json:"gateway_type_id"`
	Data             json.RawMessage    `json:"data,omitempty"`
	MakeDefault      bool               `json:"make_default"`
}

type tokenResponse struct {
	ID               string             `json:"id"`
	CompanyGatewayID string             `json:"company_gateway_id"`
	GatewayTypeID    models.GatewayType `json:"gateway_type_id"`
	IsDefault        bool               `json:"is_default"`
	Meta             json.RawMessage    `json:"meta,omitempty"`
}

// Authorize stores a payment method for the signed-in contact's client.
func (h *PaymentHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	contact, ok := h.contact(w, r)
	if !ok {
		return
	}
	var body authorizeRequest
	if err := httpx.Decode(r, &body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, httpx.ErrBadBody.Error(), nil)
		return
	}
	bad := map[string]string{}
	gatewayID := h.decodeID(body.CompanyGatewayID, "company_gateway_id", bad)
	if len(bad) > 0 {
		h.writeError(w, r, apperr.Validation("invalid id", bad))
		return
	}
	tok, err := h.workflow.Authorize(r.Context(), settlement.AuthorizeRequest{
		ClientID:         contact.ClientID,
		CompanyGatewayID: gatewayID,
		GatewayTypeID:    body.GatewayTypeID,
		Data:             body.Data,
		MakeDefault:      body.MakeDefault,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tokenResponse{
		ID:               h.ids.Encode(tok.ID),
		CompanyGatewayID: h.ids.Encode(tok.CompanyGatewayID),
		GatewayTypeID:    tok.GatewayTypeID,
		IsDefault:        tok.IsDefault,
		Meta:             json.RawMessage(tok.Meta),
	})
}

type methodResponse struct {
	CompanyGatewayID string             `json:"company_gateway_id"`
	Label            string             `json:"label"`
	GatewayTypeID    models.GatewayType `json:"gateway_type_id"`
	GatewayType      string             `json:"gateway_type"`
	Fee              string             `json:"fee"`
	TokenBilling     bool               `json:"token_billing"`
}

// Methods lists the payment methods open to the signed-in contact's client
// for the amount query parameter.
func (h *PaymentHandler) Methods(w http.ResponseWriter, r *http.Request) {
	contact, ok := h.contact(w, r)
	if !ok {
		return
	}
	amount := decimal.Zero
	if q := r.URL.Query().Get("amount"); q != "" {
		a, err := decimal.NewFromString(q)
		if err != nil {
			h.writeError(w, r, apperr.Validation("invalid amount", map[string]string{"amount": "invalid"}))
			return
		}
		amount = a
	}
	methods, err := h.workflow.PaymentMethods(r.Context(), contact.ClientID, amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]methodResponse, 0, len(methods))
	for _, m := range methods {
		out = append(out, methodResponse{
			CompanyGatewayID: h.ids.Encode(m.CompanyGatewayID),
			Label:            m.Label,
			GatewayTypeID:    m.GatewayTypeID,
			GatewayType:      m.GatewayTypeID.String(),
			Fee:              m.Fee.StringFixed(2),
			TokenBilling:     m.TokenBilling,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Refund returns part or all of a payment. Staff only.
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := h.ids.Decode(r.PathValue("id"))
	if err != nil {
		httpx.JSONError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	var body refundRequest
	if err := httpx.Decode(r, &body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, httpx.ErrBadBody.Error(), nil)
		return
	}
	p, err := h.workflow.Refund(r.Context(), settlement.RefundRequest{PaymentID: id, Amount: body.Amount})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writePayment(w, r, p, http.StatusOK)
}

// Show returns one payment with its invoice allocations. Staff only.
func (h *PaymentHandler) Show(w http.ResponseWriter, r *http.Request) {
	id, err := h.ids.Decode(r.PathValue("id"))
	if err != nil {
		httpx.JSONError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	db, err := tenant.DB(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.payments.Find(db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		httpx.JSONError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	if err != nil {
		h.writeError(w, r, apperr.Persistence("load payment", err))
		return
	}
	h.writePayment(w, r, p, http.StatusOK)
}

type allocationResponse struct {
	InvoiceID string `json:"invoice_id"`
	Amount    string `json:"amount"`
	Refunded  string `json:"refunded"`
}

type paymentResponse struct {
	ID                   string               `json:"id"`
	Number               string               `json:"number"`
	Status               models.PaymentStatus `json:"status"`
	Amount               string               `json:"amount"`
	Applied              string               `json:"applied"`
	Refunded             string               `json:"refunded"`
	Currency             string               `json:"currency"`
	TransactionReference string               `json:"transaction_reference,omitempty"`
	Date                 time.Time            `json:"date"`
	Invoices             []allocationResponse `json:"invoices"`
}

func (h *PaymentHandler) writePayment(w http.ResponseWriter, r *http.Request, p *models.Payment, status int) {
	if p.Paymentables == nil {
		if db, err := tenant.DB(r.Context()); err == nil {
			if loaded, err := h.payments.Find(db, p.ID); err == nil {
				p = loaded
			}
		}
	}
	out := paymentResponse{
		ID:                   h.ids.Encode(p.ID),
		Number:               p.Number,
		Status:               p.Status,
		Amount:               p.Amount.StringFixed(2),
		Applied:              p.Applied.StringFixed(2),
		Refunded:             p.Refunded.StringFixed(2),
		Currency:             p.CurrencyCode,
		TransactionReference: p.TransactionReference,
		Date:                 p.Date,
		Invoices:             []allocationResponse{},
	}
	for _, pa := range p.Paymentables {
		out.Invoices = append(out.Invoices, allocationResponse{
			InvoiceID: h.ids.Encode(pa.InvoiceID),
			Amount:    pa.Amount.StringFixed(2),
			Refunded:  pa.Refunded.StringFixed(2),
		})
	}
	httpx.JSON(w, status, out)
}

func (h *PaymentHandler) hashResponse(ph *models.PaymentHash) hashResponse {
	out := hashResponse{
		Hash:      ph.Hash,
		Amount:    ph.Amount().StringFixed(2),
		Fee:       ph.FeeTotal.StringFixed(2),
		Total:     ph.AmountWithFee().StringFixed(2),
		ExpiresAt: ph.ExpiresAt,
	}
	for _, hi := range ph.Invoices {
		out.Invoices = append(out.Invoices, beginInvoice{InvoiceID: h.ids.Encode(hi.InvoiceID), Amount: hi.Amount})
	}
	if ph.FeeInvoiceID != nil {
		out.FeeInvoiceID = h.ids.Encode(*ph.FeeInvoiceID)
	}
	return out
}

// contact loads the signed-in contact, answering 401 when there is none.
func (h *PaymentHandler) contact(w http.ResponseWriter, r *http.Request) (*models.ClientContact, bool) {
	id, ok := auth.ContactIDFromContext(r.Context())
	if !ok {
		httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
		return nil, false
	}
	db, err := tenant.DB(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	var c models.ClientContact
	if err := db.First(&c, id).Error; err != nil {
		httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
		return nil, false
	}
	return &c, true
}

// ownsHash answers 401 without a signed-in contact and 403 when hash belongs
// to another client. Unknown hashes pass through for the workflow to reject.
func (h *PaymentHandler) ownsHash(w http.ResponseWriter, r *http.Request, hash string) bool {
	contact, ok := h.contact(w, r)
	if !ok {
		return false
	}
	if hash == "" {
		return true
	}
	ph, err := h.hashes.Find(r.Context(), hash)
	if errors.Is(err, paymenthash.ErrNotFound) {
		return true
	}
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	if ph.ClientID != contact.ClientID {
		h.log.Warn("payment hash of another client", "contact_id", contact.ID, "hash", hash)
		httpx.JSONError(w, http.StatusForbidden, "forbidden", nil)
		return false
	}
	return true
}

func (h *PaymentHandler) decodeID(s, field string, bad map[string]string) uint {
	id, err := h.ids.Decode(s)
	if err != nil {
		bad[field] = "invalid"
		return 0
	}
	return id
}

// writeError maps workflow errors to HTTP responses.
func (h *PaymentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = &apperr.Error{}
	}
	switch {
	case errors.Is(err, tenant.ErrNotSelected):
		httpx.JSONError(w, http.StatusBadRequest, tenant.ErrNotSelected.Error(), nil)
	case errors.Is(err, apperr.ErrValidation):
		var details any
		if len(e.Details) > 0 {
			details = e.Details
		}
		httpx.JSONErrorMessage(w, http.StatusUnprocessableEntity, apperr.ErrValidation.Error(), e.Message, details)
	case errors.Is(err, apperr.ErrHashConsumed):
		httpx.JSONErrorMessage(w, http.StatusConflict, apperr.ErrHashConsumed.Error(), e.Message, nil)
	case errors.Is(err, apperr.ErrPaymentFailed):
		httpx.JSONErrorMessage(w, http.StatusPaymentRequired, apperr.ErrPaymentFailed.Error(), e.Message,
			map[string]int{"code": e.Code})
	case errors.Is(err, apperr.ErrGateway):
		h.log.Warn("gateway error", "method", r.Method, "path", r.URL.Path, "err", err)
		httpx.JSONError(w, http.StatusBadGateway, apperr.ErrGateway.Error(), nil)
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
