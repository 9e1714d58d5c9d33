package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options sizes the bus.
type Options struct {
	QueueSize int
	Workers   int
	Retries   int
	Backoff   time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	return o
}

type subscriber struct {
	name    string
	handler Handler
}

type job struct {
	event Event
	sub   subscriber
}

// Bus fans events out to subscribers through a bounded queue drained by a
// fixed worker pool.
type Bus struct {
	opts Options
	log  *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscriber
	closed bool
	queue  chan job

	pending  sync.WaitGroup
	failMu   sync.Mutex
	failures map[string]int64
}

// NewBus creates a bus. Call Run to start delivering.
func NewBus(opts Options, log *slog.Logger) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		opts:     opts,
		log:      log,
		subs:     make(map[string][]subscriber),
		queue:    make(chan job, opts.QueueSize),
		failures: make(map[string]int64),
	}
}

// Subscribe registers handler under name for event. name identifies the job in
// logs and failure metrics.
func (b *Bus) Subscribe(event, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], subscriber{name: name, handler: h})
}

// Publish enqueues one job per subscriber of each event. It blocks while the
// queue is full and returns once every job is enqueued.
func (b *Bus) Publish(ctx context.Context, events ...Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, e := range events {
		if e.At.IsZero() {
			e.At = time.Now()
		}
		for _, s := range b.subs[e.Name] {
			b.pending.Add(1)
			select {
			case b.queue <- job{event: e, sub: s}:
			case <-ctx.Done():
				b.pending.Done()
				return fmt.Errorf("publish %s: %w", e.Name, ctx.Err())
			}
		}
	}
	return nil
}

// Run delivers jobs until ctx is cancelled or the bus is closed and drained.
func (b *Bus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case j, ok := <-b.queue:
					if !ok {
						return nil
					}
					b.dispatch(gctx, j)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// Close stops accepting events. Workers exit after draining the queue.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.queue)
}

// Wait blocks until every enqueued job has finished, including retries.
func (b *Bus) Wait() { b.pending.Wait() }

// Failures returns how many jobs named name exhausted their retries.
func (b *Bus) Failures(name string) int64 {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.failures[name]
}

func (b *Bus) dispatch(ctx context.Context, j job) {
	defer b.pending.Done()

	var err error
	backoff := b.opts.Backoff
retry:
	for attempt := 1; ; attempt++ {
		if err = b.call(ctx, j); err == nil {
			return
		}
		b.log.Warn("job failed", "job", j.sub.name, "event", j.event.Name, "tenant", j.event.Tenant, "attempt", attempt, "err", err)
		if attempt > b.opts.Retries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			break retry
		}
	}

	b.recordFailure(j.sub.name)
	b.log.Error("job exhausted retries",
		"metric", "job.failure."+j.sub.name,
		"job", j.sub.name,
		"event", j.event.Name,
		"tenant", j.event.Tenant,
		"err", err,
	)
}

func (b *Bus) call(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.sub.handler(ctx, j.event)
}

func (b *Bus) recordFailure(name string) {
	b.failMu.Lock()
	b.failures[name]++
	b.failMu.Unlock()
}
