package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/channel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is one row change. New is nil for deletes, Old is nil for inserts.
type Change struct {
	Table string    `json:"table"`
	Op    Op        `json:"op"`
	New   any       `json:"new,omitempty"`
	Old   any       `json:"old,omitempty"`
	At    time.Time `json:"at"`
}

// Filter selects the changes a subscriber receives. An empty Table matches
// every table; a nil Predicate matches every row.
type Filter struct {
	Table     string
	Predicate func(Change) bool
	// OnOverflow runs once, on its own goroutine, the first time a change
	// is dropped for this subscriber. The subscriber's view is stale from
	// then on and it must refetch.
	OnOverflow func()
}

func (f Filter) match(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	return f.Predicate == nil || f.Predicate(c)
}

// Handler receives changes on the subscriber's own goroutine, in publish
// order.
type Handler func(Change)

type subscriber struct {
	filter  Filter
	handler Handler
	inbox   channel.Channel[Change]
	done    chan struct{}

	overflowed atomic.Bool
}

// Feed fans row changes out to subscribers. Delivery is at most once: a
// subscriber whose buffer is full misses the change, and its OnOverflow
// tells it to refetch.
type Feed struct {
	buffer  int
	logger  *slog.Logger
	dropped metric.Int64Counter

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewFeed creates a feed with per-subscriber buffers of size buffer.
// meter may be nil.
func NewFeed(buffer int, logger *slog.Logger, meter metric.Meter) *Feed {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = noop.Meter{}
	}
	dropped, err := meter.Int64Counter("store.changes.dropped",
		metric.WithDescription("Row changes dropped because a subscriber buffer was full"))
	if err != nil {
		logger.Warn("Failed to create drop counter", "error", err)
		dropped, _ = noop.Meter{}.Int64Counter("store.changes.dropped")
	}
	return &Feed{
		buffer:  buffer,
		logger:  logger,
		dropped: dropped,
		subs:    make(map[uint64]*subscriber),
	}
}

// Subscribe registers handler for changes matching filter. The returned
// cancel stops delivery and waits for the in-flight handler to return.
func (f *Feed) Subscribe(filter Filter, handler Handler) (cancel func()) {
	s := &subscriber{
		filter:  filter,
		handler: handler,
		inbox:   channel.New[Change](f.buffer),
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = s
	f.mu.Unlock()

	go func() {
		defer close(s.done)
		for c := range s.inbox.Receive() {
			s.handler(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			_, live := f.subs[id]
			delete(f.subs, id)
			f.mu.Unlock()
			if live {
				s.inbox.Close()
			}
			<-s.done
		})
	}
}

// Publish delivers c to every matching subscriber without blocking.
func (f *Feed) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if !s.filter.match(c) {
			continue
		}
		if !s.inbox.TrySend(c) {
			f.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("table", c.Table)))
			f.logger.Debug("Change dropped, subscriber buffer full", "table", c.Table, "op", c.Op)
			if s.filter.OnOverflow != nil && s.overflowed.CompareAndSwap(false, true) {
				go s.filter.OnOverflow()
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close ends every subscription. Later Publish calls are no-ops.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*subscriber)
	f.closed = true
	f.mu.Unlock()

	for _, s := range subs {
		s.inbox.Close()
		<-s.done
	}
}
