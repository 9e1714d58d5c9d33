package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/diewo77/go-settle/internal/apperr"
	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/gateway"
	"github.com/diewo77/go-settle/internal/models"
)

// TimeoutMessage is reported to the client when the gateway did not answer.
const TimeoutMessage = "The payment gateway did not respond in time."

// failureLog is the system log body written for a failed charge.
type failureLog struct {
	Error    string          `json:"error"`
	Code     int             `json:"code"`
	Hash     string          `json:"hash,omitempty"`
	Amount   string          `json:"amount,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// fail marks a failed and runs the failure path: the speculative fee is
// unwound, then the failure is reported.
func (w *Workflow) fail(ctx context.Context, a *Attempt, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := a.transition(StateFailed); err != nil {
		w.log.Warn("attempt transition", "tenant", a.Tenant, "err", err)
	}
	if removed, err := w.unwindGatewayFees(ctx, a.Hash); err != nil {
		w.log.Error("unwind gateway fee", "tenant", a.Tenant, "hash", a.Hash.Hash, "err", err)
	} else if removed.IsPositive() {
		w.log.Info("gateway fee unwound", "tenant", a.Tenant, "hash", a.Hash.Hash, "amount", removed.StringFixed(2))
	}
	return w.ProcessInternallyFailedPayment(ctx, a, cause)
}

// ProcessInternallyFailedPayment reports a failed charge. It queues the
// client failure notice and the gateway system log, then returns the
// PaymentFailed error carrying the gateway's message and code.
func (w *Workflow) ProcessInternallyFailedPayment(ctx context.Context, a *Attempt, cause error) error {
	message, code, logEvent, response := classify(cause)
	w.log.Warn("payment failed",
		"tenant", a.Tenant,
		"hash", a.Hash.Hash,
		"client_id", a.Client.ID,
		"code", code,
		"err", cause,
	)

	body, err := json.Marshal(failureLog{
		Error:    message,
		Code:     code,
		Hash:     a.Hash.Hash,
		Amount:   a.charged().StringFixed(2),
		Response: response,
		Data:     json.RawMessage(a.Hash.Data),
	})
	if err != nil {
		body = nil
	}

	notice := events.FailureNoticePayload{
		CompanyID:   a.Client.CompanyID,
		ClientID:    a.Client.ID,
		ClientName:  a.Client.Name,
		ClientEmail: a.Client.Email,
		Error:       message,
		Amount:      a.charged(),
		Currency:    a.Client.Currency(),
		Hash:        a.Hash.Hash,
		GatewayData: json.RawMessage(a.Hash.Data),
	}
	if a.Client.Company != nil {
		notice.CompanyName = a.Client.Company.Name
	}

	if err := w.events.Publish(ctx,
		events.New(events.PaymentFailureNotice, a.Tenant, notice),
		w.systemLog(a, logEvent, body),
	); err != nil {
		w.log.Error("publish payment failure", "tenant", a.Tenant, "hash", a.Hash.Hash, "err", err)
	}
	return apperr.PaymentFailed(message, code, cause)
}

// classify extracts the client-facing message, the error code, the system
// log event and any provider response body from a failure.
func classify(err error) (string, int, int, json.RawMessage) {
	var (
		httpErr *gateway.HTTPError
		decline *gateway.DeclineError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Message(), httpErr.StatusCode, models.LogEventGatewayError, httpErr.Body
	case errors.As(err, &decline):
		return decline.Message, http.StatusPaymentRequired, models.LogEventGatewayFailure, nil
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutMessage, http.StatusGatewayTimeout, models.LogEventGatewayFailure, nil
	}
	if e, ok := apperr.As(err); ok && e.Message != "" {
		return e.Message, http.StatusInternalServerError, models.LogEventGatewayError, nil
	}
	return err.Error(), http.StatusInternalServerError, models.LogEventGatewayError, nil
}
