package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, retries int) *Bus {
	t.Helper()
	b := NewBus(Options{QueueSize: 8, Workers: 2, Retries: retries, Backoff: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	t.Cleanup(func() {
		b.Close()
		require.NoError(t, <-done)
	})
	return b
}

func TestPublishFansOut(t *testing.T) {
	b := newTestBus(t, 0)

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) Handler {
		return func(_ context.Context, e Event) error {
			mu.Lock()
			got[name] = append(got[name], e.Name)
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe(PaymentCreated, "activity", record("activity"))
	b.Subscribe(PaymentCreated, "webhook", record("webhook"))
	b.Subscribe(InvoicePaid, "activity", record("activity"))

	require.NoError(t, b.Publish(context.Background(),
		New(PaymentCreated, "default", PaymentCreatedPayload{PaymentID: 1}),
		New(InvoicePaid, "default", InvoicePaidPayload{InvoiceID: 2}),
		New("unheard.event", "default", nil),
	))
	b.Wait()

	assert.ElementsMatch(t, []string{PaymentCreated, InvoicePaid}, got["activity"])
	assert.Equal(t, []string{PaymentCreated}, got["webhook"])
}

func TestRetryUntilSuccess(t *testing.T) {
	b := newTestBus(t, 3)

	var calls atomic.Int32
	b.Subscribe(SystemLogged, "systemlog", func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, b.Publish(context.Background(), New(SystemLogged, "default", SystemLogPayload{})))
	b.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(0), b.Failures("systemlog"))
}

func TestExhaustedRetriesRecordFailure(t *testing.T) {
	b := newTestBus(t, 2)

	var calls atomic.Int32
	b.Subscribe(PaymentFailureNotice, "payment_failure_mailer", func(context.Context, Event) error {
		calls.Add(1)
		panic("smtp exploded")
	})
	require.NoError(t, b.Publish(context.Background(), New(PaymentFailureNotice, "default", nil)))
	b.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(1), b.Failures("payment_failure_mailer"))
}

func TestPublishAfterClose(t *testing.T) {
	b := NewBus(Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Publish(context.Background(), New(InvoicePaid, "", nil)), ErrClosed)
}

func TestPublishGivesUpWhenQueueStalls(t *testing.T) {
	// no workers: the single slot fills and stays full
	b := NewBus(Options{QueueSize: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.Subscribe(SystemLogged, "systemlog", func(context.Context, Event) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := b.Publish(ctx,
		New(SystemLogged, "default", SystemLogPayload{}),
		New(SystemLogged, "default", SystemLogPayload{}),
	)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	b.Close()
}

func TestBufferFlush(t *testing.T) {
	b := newTestBus(t, 0)

	var mu sync.Mutex
	var order []string
	b.Subscribe(InvoicePaid, "recorder", func(_ context.Context, e Event) error {
		mu.Lock()
		order = append(order, e.Name)
		mu.Unlock()
		return nil
	})

	var buf Buffer
	require.NoError(t, buf.Flush(context.Background(), b))
	buf.Add(New(InvoicePaid, "default", nil))
	buf.Add(New(InvoicePaid, "default", nil))
	assert.Len(t, buf.Events(), 2)

	require.NoError(t, buf.Flush(context.Background(), b))
	assert.Empty(t, buf.Events())
	b.Wait()
	assert.Len(t, order, 2)

	buf.Add(New(InvoicePaid, "default", nil))
	buf.Reset()
	assert.Empty(t, buf.Events())
}
