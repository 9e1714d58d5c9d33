package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/diewo77/go-settle/auth"
	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/gateway"
	"github.com/diewo77/go-settle/internal/hashid"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/paymenthash"
	"github.com/diewo77/go-settle/internal/services"
	"github.com/diewo77/go-settle/internal/settlement"
	"github.com/diewo77/go-settle/internal/testutil"
	"github.com/diewo77/go-settle/internal/tokens"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discard struct{}

func (discard) Publish(context.Context, ...events.Event) error { return nil }

type api struct {
	f   *testutil.Fixture
	ids *hashid.Codec
	mux *http.ServeMux
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log := testutil.Logger()
	invoices := services.NewInvoiceService(log)
	payments := services.NewPaymentService(log)
	hashes := paymenthash.NewService("test-secret", time.Hour, invoices)
	wf := settlement.New(settlement.Config{
		Registry: gateway.NewRegistry(gateway.NewSandbox()),
		Hashes:   hashes,
		Tokens:   tokens.NewStore(),
		Invoices: invoices,
		Clients:  services.NewClientService(),
		Payments: payments,
		Events:   discard{},
		Log:      log,
	})
	ids, err := hashid.New("test-salt", 6)
	require.NoError(t, err)
	h := NewPaymentHandler(hashes, wf, payments, ids, log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/payments/begin", h.Begin)
	mux.HandleFunc("POST /api/v1/payments/process", h.Process)
	mux.HandleFunc("POST /api/v1/payments/token", h.Token)
	mux.HandleFunc("POST /api/v1/payments/cancel", h.Cancel)
	mux.HandleFunc("GET /api/v1/payments/{id}", h.Show)
	mux.HandleFunc("POST /api/v1/payments/{id}/refund", h.Refund)
	mux.HandleFunc("GET /api/v1/payment_methods", h.Methods)
	mux.HandleFunc("POST /api/v1/payment_methods", h.Authorize)
	return &api{f: testutil.NewFixture(t), ids: ids, mux: mux}
}

// do sends body to path with the fixture tenant selected. A non-zero contact
// is attached as the signed-in contact.
func (a *api) do(t *testing.T, method, path, body string, contact uint) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	ctx := a.f.Ctx()
	if contact != 0 {
		ctx = auth.WithContactID(ctx, contact)
	}
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req.WithContext(ctx))
	return rr
}

func (a *api) begin(t *testing.T, inv models.Invoice) hashResponse {
	t.Helper()
	body := `{"client_id":"` + a.ids.Encode(a.f.Client.ID) + `","company_gateway_id":"` + a.ids.Encode(a.f.Gateway.ID) +
		`","gateway_type_id":1,"invoices":[{"invoice_id":"` + a.ids.Encode(inv.ID) + `","amount":"0"}]}`
	rr := a.do(t, http.MethodPost, "/api/v1/payments/begin", body, a.f.Contact.ID)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var out hashResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestBeginReturnsHashWithFee(t *testing.T) {
	a := newAPI(t)
	inv := a.f.Invoice(t, "100")

	out := a.begin(t, inv)
	assert.NotEmpty(t, out.Hash)
	assert.Equal(t, "100.00", out.Amount)
	assert.Equal(t, "3.00", out.Fee)
	assert.Equal(t, "103.00", out.Total)
	require.Len(t, out.Invoices, 1)
	assert.Equal(t, a.ids.Encode(inv.ID), out.Invoices[0].InvoiceID)
	assert.Equal(t, a.ids.Encode(inv.ID), out.FeeInvoiceID)
}

func TestBeginRejectsBadInput(t *testing.T) {
	a := newAPI(t)

	rr := a.do(t, http.MethodPost, "/api/v1/payments/begin", `{"nope":1}`, a.f.Contact.ID)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/v1/payments/begin", `{"client_id":"zz","company_gateway_id":"","gateway_type_id":1}`, a.f.Contact.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `"validation_failed"`)
	assert.Contains(t, body, `"client_id":"invalid"`)
	assert.Contains(t, body, `"company_gateway_id":"invalid"`)
}

func TestBeginUsesContactClient(t *testing.T) {
	a := newAPI(t)
	inv := a.f.Invoice(t, "100")
	body := `{"company_gateway_id":"` + a.ids.Encode(a.f.Gateway.ID) +
		`","gateway_type_id":1,"invoices":[{"invoice_id":"` + a.ids.Encode(inv.ID) + `","amount":"0"}]}`

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, "/api/v1/payments/begin", body, 0).Code)

	rr := a.do(t, http.MethodPost, "/api/v1/payments/begin", body, a.f.Contact.ID)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "103.00", decodeBody[hashResponse](t, rr).Total)
}

func TestPortalRoutesRefuseOtherClients(t *testing.T) {
	a := newAPI(t)
	inv := a.f.Invoice(t, "100")
	ph := a.begin(t, inv)
	other := a.f.OtherContact(t)

	// naming the fixture client while signed in for another one
	body := `{"client_id":"` + a.ids.Encode(a.f.Client.ID) + `","company_gateway_id":"` + a.ids.Encode(a.f.Gateway.ID) +
		`","gateway_type_id":1,"invoices":[{"invoice_id":"` + a.ids.Encode(inv.ID) + `","amount":"0"}]}`
	rr := a.do(t, http.MethodPost, "/api/v1/payments/begin", body, other.ID)
	assert.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())

	// an invoice of another client is unknown to this one
	body = `{"company_gateway_id":"` + a.ids.Encode(a.f.Gateway.ID) +
		`","gateway_type_id":1,"invoices":[{"invoice_id":"` + a.ids.Encode(inv.ID) + `","amount":"0"}]}`
	rr = a.do(t, http.MethodPost, "/api/v1/payments/begin", body, other.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())

	hashBody := `{"hash":"` + ph.Hash + `","amount":"0"}`
	for _, path := range []string{"/api/v1/payments/process", "/api/v1/payments/token", "/api/v1/payments/cancel"} {
		assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, path, hashBody, 0).Code, path)
		assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, path, hashBody, other.ID).Code, path)
	}

	got := a.f.ReloadInvoice(t, inv.ID)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(103)))
	assert.Zero(t, a.f.Count(t, &models.Payment{}))
}

func TestProcessShowAndRefund(t *testing.T) {
	a := newAPI(t)
	inv := a.f.Invoice(t, "100")
	ph := a.begin(t, inv)

	rr := a.do(t, http.MethodPost, "/api/v1/payments/process", `{"hash":"`+ph.Hash+`","amount":"0"}`, a.f.Contact.ID)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	paid := decodeBody[paymentResponse](t, rr)
	assert.Equal(t, models.PaymentStatusCompleted, paid.Status)
	assert.Equal(t, "103.00", paid.Amount)
	assert.Equal(t, "EUR", paid.Currency)
	require.Len(t, paid.Invoices, 1)
	assert.Equal(t, a.ids.Encode(inv.ID), paid.Invoices[0].InvoiceID)

	rr = a.do(t, http.MethodGet, "/api/v1/payments/"+paid.ID, "", 0)
	require.Equal(t, http.StatusOK, rr.Code)
	shown := decodeBody[paymentResponse](t, rr)
	assert.Equal(t, paid.Number, shown.Number)

	rr = a.do(t, http.MethodPost, "/api/v1/payments/"+paid.ID+"/refund", `{"amount":"50"}`, 0)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	refunded := decodeBody[paymentResponse](t, rr)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, refunded.Status)
	assert.Equal(t, "50.00", refunded.Refunded)

	rr = a.do(t, http.MethodPost, "/api/v1/payments/"+paid.ID+"/refund", `{"amount":"60"}`, 0)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "exceeds_refundable")
}

func TestProcessTwiceConflicts(t *testing.T) {
	a := newAPI(t)
	ph := a.begin(t, a.f.Invoice(t, "40"))
	body := `{"hash":"` + ph.Hash + `","amount":"0"}`

	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/v1/payments/process", body, a.f.Contact.ID).Code)
	rr := a.do(t, http.MethodPost, "/api/v1/payments/process", body, a.f.Contact.ID)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "payment_hash_consumed")
}

func TestProcessDeclineIsPaymentRequired(t *testing.T) {
	a := newAPI(t)
	ph := a.begin(t, a.f.Invoice(t, "40"))

	rr := a.do(t, http.MethodPost, "/api/v1/payments/process",
		`{"hash":"`+ph.Hash+`","amount":"0","data":{"outcome":"decline"}}`, a.f.Contact.ID)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	out := decodeBody[struct {
		Error   string         `json:"error"`
		Message string         `json:"message"`
		Details map[string]int `json:"details"`
	}](t, rr)
	assert.Equal(t, "payment_failed", out.Error)
	assert.NotEmpty(t, out.Message)
	assert.Equal(t, http.StatusPaymentRequired, out.Details["code"])
}

func TestTokenBillingWithoutStoredToken(t *testing.T) {
	a := newAPI(t)
	ph := a.begin(t, a.f.Invoice(t, "40"))

	rr := a.do(t, http.MethodPost, "/api/v1/payments/token", `{"hash":"`+ph.Hash+`","amount":"0"}`, a.f.Contact.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())

	rr = a.do(t, http.MethodPost, "/api/v1/payments/token", `{"hash":"`+ph.Hash+`","token_id":"!!","amount":"0"}`, a.f.Contact.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `"token_id":"invalid"`)
}

func TestAuthorizeThenTokenBilling(t *testing.T) {
	a := newAPI(t)
	body := `{"company_gateway_id":"` + a.ids.Encode(a.f.Gateway.ID) + `","gateway_type_id":1,"make_default":true}`

	rr := a.do(t, http.MethodPost, "/api/v1/payment_methods", body, 0)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/v1/payment_methods", body, a.f.Contact.ID)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	tok := decodeBody[tokenResponse](t, rr)
	assert.True(t, tok.IsDefault)
	assert.Equal(t, a.ids.Encode(a.f.Gateway.ID), tok.CompanyGatewayID)

	ph := a.begin(t, a.f.Invoice(t, "40"))
	rr = a.do(t, http.MethodPost, "/api/v1/payments/token", `{"hash":"`+ph.Hash+`","amount":"0"}`, a.f.Contact.ID)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "41.20", decodeBody[paymentResponse](t, rr).Amount)
}

func TestMethodsForSignedInContact(t *testing.T) {
	a := newAPI(t)

	rr := a.do(t, http.MethodGet, "/api/v1/payment_methods?amount=100", "", 0)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = a.do(t, http.MethodGet, "/api/v1/payment_methods?amount=abc", "", a.f.Contact.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = a.do(t, http.MethodGet, "/api/v1/payment_methods?amount=100", "", a.f.Contact.ID)
	require.Equal(t, http.StatusOK, rr.Code)
	methods := decodeBody[[]methodResponse](t, rr)
	require.Len(t, methods, 2)
	assert.Equal(t, "credit_card", methods[0].GatewayType)
	assert.Equal(t, "3.00", methods[0].Fee)
	assert.True(t, methods[0].TokenBilling)
}

func TestCancelRemovesFee(t *testing.T) {
	a := newAPI(t)
	inv := a.f.Invoice(t, "100")
	ph := a.begin(t, inv)

	rr := a.do(t, http.MethodPost, "/api/v1/payments/cancel", `{"hash":"`+ph.Hash+`"}`, a.f.Contact.ID)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"fee_removed":"3.00"`)
	assert.True(t, a.f.ReloadInvoice(t, inv.ID).Amount.Equal(decimal.NewFromInt(100)))
}

func TestShowUnknownPayment(t *testing.T) {
	a := newAPI(t)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/v1/payments/"+a.ids.Encode(999), "", 0).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/v1/payments/-", "", 0).Code)
}

func TestRequestWithoutTenant(t *testing.T) {
	a := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+a.ids.Encode(1), nil)
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "tenant_not_selected")
}
