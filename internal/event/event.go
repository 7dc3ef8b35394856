// Package event carries committed marketplace and issuer notifications to in-process subscribers.
package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// QueueSize is the channel buffer of each subscriber.
const QueueSize = 256

// Any subscribes to every event type.
const Any Type = "*"

type Type string

type SubscriberID int

type HandlerFunc func(Event)

// Event is a committed notification. Seq is assigned by the host in commit order.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// New creates an event with a fresh id and the current time.
func New(eventType Type, source string, data any) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

type subscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func (s *subscriber) deliver(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- evt
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type metrics struct {
	eventsTotal *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

// Bus fans events out to subscribers. Delivery to a single subscriber preserves publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type]map[SubscriberID]*subscriber
	lastID      SubscriberID
	wg          sync.WaitGroup
	metrics     *metrics
	logger      *zap.Logger
}

// NewBus creates a Bus. A nil registry disables metrics.
func NewBus(reg prometheus.Registerer, logger *zap.Logger) *Bus {
	b := &Bus{
		subscribers: make(map[Type]map[SubscriberID]*subscriber),
		logger:      logger,
	}
	if reg != nil {
		factory := promauto.With(reg)
		b.metrics = &metrics{
			eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "maison_events_total",
				Help: "Events published, by type",
			}, []string{"type"}),
			subscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "maison_event_subscribers",
				Help: "Active event subscribers, by type",
			}, []string{"type"}),
		}
	}
	return b
}

// Subscribe returns a channel receiving events of eventType. Use Any for all types.
func (b *Bus) Subscribe(eventType Type) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{ch: make(chan Event, QueueSize)}
	b.lastID++
	id := b.lastID
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.subscribers[eventType][id] = sub
	if b.metrics != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
	}
	return id, sub.ch
}

// SubscribeFunc runs fn on its own goroutine for each event of eventType until
// the subscription is removed or the bus is stopped.
func (b *Bus) SubscribeFunc(eventType Type, fn HandlerFunc) SubscriberID {
	id, ch := b.Subscribe(eventType)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for evt := range ch {
			b.safeCall(fn, evt)
		}
	}()
	return id
}

func (b *Bus) safeCall(fn HandlerFunc, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic",
				zap.String("type", string(evt.Type)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(evt)
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType Type, id SubscriberID) {
	b.mu.Lock()
	var sub *subscriber
	if subs, ok := b.subscribers[eventType]; ok {
		sub = subs[id]
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subscribers, eventType)
		}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.close()
		if b.metrics != nil {
			b.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
		}
	}
}

// Publish delivers evt to subscribers of its type and of Any.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	var targets []*subscriber
	for _, sub := range b.subscribers[evt.Type] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subscribers[Any] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(evt)
	}
	if b.metrics != nil {
		b.metrics.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	}
	b.logger.Debug("Event published",
		zap.String("type", string(evt.Type)),
		zap.Uint64("seq", evt.Seq),
		zap.Int("subscribers", len(targets)),
	)
}

// Stop closes every subscriber and waits for SubscribeFunc goroutines to drain.
func (b *Bus) Stop() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[Type]map[SubscriberID]*subscriber)
	b.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.close()
		}
	}
	if b.metrics != nil {
		b.metrics.subscribers.Reset()
	}
	b.wg.Wait()
}
