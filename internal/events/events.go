// Package events is the in-process job bus that carries domain events from the
// settlement workflow to asynchronous subscribers.
//
// Delivery is at-least-once: a failing handler is retried with backoff, and an
// event is enqueued for every subscriber before Publish returns. Subscribers of
// the same event run independently and in no particular order.
package events

import (
	"context"
	"errors"
	"time"
)

// Event names.
const (
	InvoicePaid          = "invoice.paid"
	PaymentCreated       = "payment.created"
	PaymentRefunded      = "payment.refunded"
	PaymentFailureNotice = "payment.failure_notice"
	SystemLogged         = "system.log"
)

// ErrClosed is returned by Publish after the bus has been closed.
var ErrClosed = errors.New("event_bus_closed")

// Event is one domain event. Tenant names the database the event originated
// from; subscribers must select it before touching storage.
type Event struct {
	Name    string
	Tenant  string
	Payload any
	At      time.Time
}

// New builds an event stamped with the current time.
func New(name, tenant string, payload any) Event {
	return Event{Name: name, Tenant: tenant, Payload: payload, At: time.Now()}
}

// Handler processes one event. Returning an error schedules a retry.
type Handler func(ctx context.Context, e Event) error

// Publisher enqueues events for asynchronous delivery.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Subscriber registers handlers for events.
type Subscriber interface {
	Subscribe(event, name string, h Handler)
}

// Buffer collects events raised inside a database transaction so they can be
// published, in order, once the transaction has committed.
type Buffer struct {
	events []Event
}

// Add queues e.
func (b *Buffer) Add(e Event) { b.events = append(b.events, e) }

// Events returns the queued events.
func (b *Buffer) Events() []Event { return b.events }

// Reset drops the queued events, for use when the transaction rolled back.
func (b *Buffer) Reset() { b.events = nil }

// Flush publishes the queued events and empties the buffer.
func (b *Buffer) Flush(ctx context.Context, p Publisher) error {
	if len(b.events) == 0 {
		return nil
	}
	evs := b.events
	b.events = nil
	return p.Publish(ctx, evs...)
}
