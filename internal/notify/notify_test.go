package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

type memMailer struct {
	sent []Message
	err  error
}

func (m *memMailer) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func failure(email string) events.Event {
	return events.New(events.PaymentFailureNotice, "default", events.FailureNoticePayload{
		CompanyName: "Acme Billing",
		ClientName:  "Globex",
		ClientEmail: email,
		Error:       "Your card was declined.",
		Amount:      decimal.RequireFromString("103"),
		Currency:    "EUR",
		Hash:        "abc123",
	})
}

func TestPaymentFailureSendsMail(t *testing.T) {
	m := &memMailer{}
	n := NewNotifier(m, language.English, testutil.Logger())

	require.NoError(t, n.PaymentFailure(context.Background(), failure("ap@globex.test")))
	require.Len(t, m.sent, 1)
	msg := m.sent[0]
	assert.Equal(t, "ap@globex.test", msg.To)
	assert.Contains(t, msg.Subject, "103.00")
	assert.Contains(t, msg.Body, "Hello Globex")
	assert.Contains(t, msg.Body, "Acme Billing")
	assert.Contains(t, msg.Body, "Your card was declined.")
	assert.Contains(t, msg.Body, "abc123")
}

func TestPaymentFailureWithoutEmailIsSkipped(t *testing.T) {
	m := &memMailer{}
	n := NewNotifier(m, language.English, testutil.Logger())
	require.NoError(t, n.PaymentFailure(context.Background(), failure(" ")))
	assert.Empty(t, m.sent)
}

func TestPaymentFailureRetriesOnMailerError(t *testing.T) {
	m := &memMailer{err: errors.New("smtp down")}
	bus := events.NewBus(events.Options{Workers: 1, Retries: 1, Backoff: 1}, testutil.Logger())
	NewNotifier(m, language.English, testutil.Logger()).Register(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	require.NoError(t, bus.Publish(context.Background(), failure("ap@globex.test")))
	bus.Wait()
	assert.Equal(t, int64(1), bus.Failures(FailureJob))
}

func TestFormatAmount(t *testing.T) {
	assert.Contains(t, FormatAmount(language.English, decimal.RequireFromString("1234.5"), "USD"), "1,234.50")
	assert.Equal(t, "12.00 XYZ1", FormatAmount(language.English, decimal.NewFromInt(12), "XYZ1"))
}

func TestLogMailer(t *testing.T) {
	require.NoError(t, NewLogMailer(testutil.Logger()).Send(context.Background(), Message{To: "a@b.test"}))
}
