package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diewo77/go-settle/internal/models"
	"github.com/google/uuid"
)

// SandboxKey is the driver key of the sandbox driver.
const SandboxKey = "sandbox"

// Sandbox outcomes, chosen by the "outcome" field of the request data, then
// by the "mode" field of the company gateway config. Approve is the default.
const (
	OutcomeApprove = "approve"
	OutcomeDecline = "decline"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Sandbox is a driver that never leaves the process. It is used for demo
// companies and for exercising failure paths.
type Sandbox struct{}

func NewSandbox() *Sandbox { return &Sandbox{} }

func (s *Sandbox) Key() string { return SandboxKey }

func (s *Sandbox) Capabilities() Capabilities {
	return Capabilities{
		Refundable:             true,
		TokenBilling:           true,
		CanAuthoriseCreditCard: true,
		Methods:                []models.GatewayType{models.GatewayTypeCreditCard, models.GatewayTypeBankTransfer},
		SystemLogType:          models.LogTypeSandbox,
	}
}

func (s *Sandbox) Authorize(ctx context.Context, req AuthorizeRequest) (*TokenData, error) {
	if err := s.outcome(ctx, req.Data, req.Gateway); err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(map[string]string{"brand": "visa", "last4": "4242"})
	return &TokenData{
		Token:             "tok_" + uuid.NewString(),
		CustomerReference: fmt.Sprintf("cus_%d", req.Client.ID),
		GatewayTypeID:     req.GatewayTypeID,
		Meta:              meta,
	}, nil
}

func (s *Sandbox) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if !req.Attended && req.Token == nil {
		return nil, &DeclineError{Code: "token_required", Message: "unattended charge without a stored token"}
	}
	if err := s.outcome(ctx, req.Data, req.Gateway); err != nil {
		return nil, err
	}
	ref := "sbx_" + uuid.NewString()
	raw, _ := json.Marshal(map[string]string{
		"id":       ref,
		"amount":   req.Amount.StringFixed(2),
		"currency": req.Currency,
		"status":   "succeeded",
	})
	out := &PurchaseResult{
		TransactionReference: ref,
		PaymentType:          PaymentTypeFor(req.GatewayTypeID),
		Raw:                  raw,
	}
	var opts struct {
		SaveCard bool `json:"save_card"`
	}
	if req.Attended && len(req.Data) > 0 && json.Unmarshal(req.Data, &opts) == nil && opts.SaveCard {
		out.StoreToken = &TokenData{
			Token:             "tok_" + uuid.NewString(),
			CustomerReference: fmt.Sprintf("cus_%d", req.Client.ID),
			GatewayTypeID:     req.GatewayTypeID,
		}
	}
	return out, nil
}

func (s *Sandbox) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := s.outcome(ctx, nil, req.Gateway); err != nil {
		return nil, err
	}
	ref := "sbx_re_" + uuid.NewString()
	raw, _ := json.Marshal(map[string]string{
		"id":     ref,
		"charge": req.TransactionReference,
		"amount": req.Amount.StringFixed(2),
		"status": "succeeded",
	})
	return &RefundResult{TransactionReference: ref, Raw: raw}, nil
}

func (s *Sandbox) outcome(ctx context.Context, data json.RawMessage, gw *models.CompanyGateway) error {
	outcome := OutcomeApprove
	var req struct {
		Outcome string `json:"outcome"`
	}
	var cfg struct {
		Mode string `json:"mode"`
	}
	if len(data) > 0 && json.Unmarshal(data, &req) == nil && req.Outcome != "" {
		outcome = req.Outcome
	} else if gw != nil && len(gw.Config) > 0 && json.Unmarshal(gw.Config, &cfg) == nil && cfg.Mode != "" {
		outcome = cfg.Mode
	}

	switch outcome {
	case OutcomeDecline:
		return &DeclineError{Code: "card_declined", Message: "Your card was declined."}
	case OutcomeError:
		body, _ := json.Marshal(map[string]any{"error": map[string]string{
			"type":    "api_error",
			"message": "The sandbox gateway is unavailable.",
		}})
		return &HTTPError{StatusCode: 502, Body: body}
	case OutcomeTimeout:
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}
