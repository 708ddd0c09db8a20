// Package broadcast implements the typed publish/subscribe bus: events
// are published per-run and on a global topic, delivery is best-effort
// to a bounded per-subscriber queue, and producers never block.
package broadcast

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EventType identifies a broadcast payload kind.
type EventType string

const (
	EventRunUpdate   EventType = "RUN_UPDATE"
	EventVoteUpdate  EventType = "VOTE_UPDATE"
	EventTradeUpdate EventType = "TRADE_UPDATE"
	EventPriceUpdate EventType = "PRICE_UPDATE"
	EventChatMessage EventType = "CHAT_MESSAGE"
)

// Event is a single broadcast message. RunID is empty for global-topic
// events (e.g. PRICE_UPDATE). Seq is a per-run monotonic counter
// assigned at publish time so subscribers can detect gaps/reordering.
type Event struct {
	Type    EventType
	RunID   string
	Seq     uint64
	Payload any
}

const defaultQueueCapacity = 64

// queueRing is a fixed-size ring buffer that overwrites the oldest
// element on overflow, letting a slow subscriber fall behind without
// ever blocking the publisher.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (dropped T, didDrop bool) {
	if r.size == len(r.buf) {
		dropped = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	return dropped, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// Subscriber receives events through a bounded, non-blocking queue.
// Events drains the queued events and Wait blocks for the next one;
// Close unregisters and releases the queue.
type Subscriber struct {
	id      uint64
	bus     *Bus
	runID   string // empty for global subscribers
	mu      sync.Mutex
	ring    queueRing[Event]
	signal  chan struct{}
	closed  bool
}

// Events drains queued events since the last call; it never blocks.
func (s *Subscriber) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, s.ring.size)
	for {
		e, ok := s.ring.pop()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// Wait blocks until an event is available or the context is
// cancelled. Close does not wake a pending Wait.
func (s *Subscriber) Wait(ctx context.Context) bool {
	select {
	case <-s.signal:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscriber) deliver(e Event) {
	s.mu.Lock()
	_, dropped := s.ring.push(e)
	s.mu.Unlock()
	if dropped {
		s.bus.metrics.recordDropped(string(e.Type))
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Close unregisters the subscriber from the bus.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.bus.unsubscribe(s)
}

// Snapshotter produces the current-state snapshot event delivered to
// a subscriber immediately on subscribe/resubscribe, so reconnecting
// clients never miss the run's latest status.
type Snapshotter func(runID string) (Event, bool)

// Bus is the broadcast publish/subscribe hub. Delivery is best-effort:
// slow subscribers are dropped from a bounded queue rather than
// back-pressuring the producer.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	perRun      map[string]map[uint64]*Subscriber
	global      map[uint64]*Subscriber
	seq         map[string]uint64
	snapshotter Snapshotter
	queueCap    int
	metrics     *busMetrics
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithQueueCapacity overrides the default per-subscriber queue size.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// WithSnapshotter installs the function used to produce the
// first message delivered to a new per-run subscriber.
func WithSnapshotter(s Snapshotter) Option {
	return func(b *Bus) { b.snapshotter = s }
}

// NewBus constructs an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		perRun:   make(map[string]map[uint64]*Subscriber),
		global:   make(map[uint64]*Subscriber),
		seq:      make(map[string]uint64),
		queueCap: defaultQueueCapacity,
		metrics:  busMetricsInstance(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a per-run subscriber. If a Snapshotter is
// configured and returns a snapshot, it is delivered first.
func (b *Bus) Subscribe(runID string) *Subscriber {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &Subscriber{id: id, bus: b, runID: runID, ring: newQueueRing[Event](b.queueCap), signal: make(chan struct{}, 1)}
	if _, ok := b.perRun[runID]; !ok {
		b.perRun[runID] = make(map[uint64]*Subscriber)
	}
	b.perRun[runID][id] = sub
	b.mu.Unlock()

	if b.snapshotter != nil {
		if snap, ok := b.snapshotter(runID); ok {
			sub.deliver(snap)
		}
	}
	return sub
}

// SubscribeGlobal registers a subscriber for global-topic events
// (e.g. PRICE_UPDATE, CHAT_MESSAGE).
func (b *Bus) SubscribeGlobal() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &Subscriber{id: id, bus: b, ring: newQueueRing[Event](b.queueCap), signal: make(chan struct{}, 1)}
	b.global[id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.runID != "" {
		if subs, ok := b.perRun[sub.runID]; ok {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.perRun, sub.runID)
			}
		}
		return
	}
	delete(b.global, sub.id)
}

// Publish delivers e to every subscriber of e.RunID (and, if RunID is
// empty, to every global subscriber). It assigns the next per-run
// sequence number and never blocks the caller.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	if e.RunID != "" {
		b.seq[e.RunID]++
		e.Seq = b.seq[e.RunID]
	}
	var targets []*Subscriber
	if e.RunID != "" {
		for _, s := range b.perRun[e.RunID] {
			targets = append(targets, s)
		}
	}
	if e.RunID == "" {
		for _, s := range b.global {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(e)
	}
	return e
}

var (
	busMetricsOnce sync.Once
	busMetricsVal  *busMetrics
)

type busMetrics struct {
	dropped metric.Int64Counter
}

func busMetricsInstance() *busMetrics {
	busMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("poolrund/broadcast")
		counter, err := meter.Int64Counter("poolrund.broadcast.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("poolrund/broadcast")
			counter, _ = fallback.Int64Counter("poolrund.broadcast.dropped")
		}
		busMetricsVal = &busMetrics{dropped: counter}
	})
	return busMetricsVal
}

func (m *busMetrics) recordDropped(eventType string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}
