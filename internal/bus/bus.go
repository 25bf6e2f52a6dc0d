// Package bus implements the in-process message bus: topic-addressed
// publish/subscribe with an optional bounded retention stream per topic.
//
// Delivery contract:
//   - Per topic, each subscriber observes publishes in order.
//   - Interleaving across subscribers of the same topic is unconstrained.
//   - Each subscriber has a bounded inbound queue; when it is full the
//     newest message is dropped for that subscriber and counted. Publishers
//     never block on a slow subscriber.
//   - Handlers run on the subscriber's own goroutine, never the publisher's.
package bus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrBusShutDown is returned by Subscribe after Shutdown has been called.
var ErrBusShutDown = errors.New("bus has been shut down")

// DefaultQueueDepth is the per-subscriber inbound queue capacity.
const DefaultQueueDepth = 256

// Handler processes one delivered message.
type Handler func(topic string, payload any)

// Envelope is a retained message with its per-topic stream ID.
type Envelope struct {
	StreamID uint64
	Payload  any
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	queue   chan Envelope
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
}

// Dropped returns how many messages were dropped because this
// subscription's queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queueDepth int
	replayFrom uint64
	hasReplay  bool
}

// WithQueueDepth overrides the subscriber's inbound queue capacity.
func WithQueueDepth(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithReplayFrom replays retained messages with stream ID >= id before live
// delivery begins. The subscriber sees no gap and no duplicate at the
// replay/live boundary.
func WithReplayFrom(id uint64) SubscribeOption {
	return func(o *subscribeOptions) {
		o.replayFrom = id
		o.hasReplay = true
	}
}

// topicState holds everything the bus knows about one topic. Topics are
// created on first publish or subscribe and removed once they have neither
// subscribers nor retained messages.
type topicState struct {
	name      string
	subs      map[uint64]*Subscription
	retention *ring
}

func (t *topicState) empty() bool {
	return len(t.subs) == 0 && (t.retention == nil || t.retention.len() == 0)
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Topics         int               `json:"topics"`
	Subscriptions  int               `json:"subscriptions"`
	Published      uint64            `json:"published"`
	Dropped        uint64            `json:"dropped"`
	DroppedByTopic map[string]uint64 `json:"dropped_by_topic,omitempty"`
}

// Bus is the process-wide message bus. Construct it once at startup and pass
// it explicitly into every node; tear it down with Shutdown.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]*topicState
	retained map[string]int // topic -> ring capacity, applied on first publish
	nextID   atomic.Uint64
	shutdown bool

	published atomic.Uint64
	dropped   atomic.Uint64

	log zerolog.Logger
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		topics:   make(map[string]*topicState),
		retained: make(map[string]int),
		log:      log.With().Str("component", "bus").Logger(),
	}
}

// Retain configures a topic to keep a bounded replayable stream of the last
// capacity messages. May be called before or after the topic exists.
func (b *Bus) Retain(topic string, capacity int) {
	if capacity <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[topic] = capacity
	if t, ok := b.topics[topic]; ok && t.retention == nil {
		t.retention = newRing(capacity)
	}
}

// Publish hands payload to every current subscriber of topic and, if the
// topic is retained, appends it to the retention stream. It returns once the
// payload is enqueued (or dropped) for each subscriber; it never waits on
// handler work.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	t := b.ensureTopicLocked(topic)

	env := Envelope{Payload: payload}
	if t.retention != nil {
		env.StreamID = t.retention.append(payload)
	}

	// Snapshot subscribers so enqueueing happens outside the bus lock.
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	if t.empty() {
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, s := range subs {
		s.enqueue(env, &b.dropped)
	}
}

// enqueue delivers with drop-newest semantics.
func (s *Subscription) enqueue(env Envelope, busDropped *atomic.Uint64) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- env:
	default:
		s.dropped.Add(1)
		busDropped.Add(1)
	}
}

// Subscribe registers handler for subsequent publishes on topic. With
// WithReplayFrom, retained messages from the given stream ID are delivered
// first, in order, followed by live messages with no duplicates.
func (b *Bus) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe to %s: handler is nil", topic)
	}
	o := subscribeOptions{queueDepth: DefaultQueueDepth}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, ErrBusShutDown
	}
	t := b.ensureTopicLocked(topic)

	sub := &Subscription{
		id:      b.nextID.Add(1),
		topic:   topic,
		handler: handler,
		queue:   make(chan Envelope, o.queueDepth),
		done:    make(chan struct{}),
	}

	// Replay is staged under the bus lock so no live publish can slip
	// between the retained snapshot and the registration below.
	if o.hasReplay && t.retention != nil {
		for _, env := range t.retention.from(o.replayFrom) {
			select {
			case sub.queue <- env:
			default:
				sub.dropped.Add(1)
				b.dropped.Add(1)
			}
		}
	}

	t.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// run is the subscriber's delivery goroutine: messages are handed to the
// handler strictly in queue order.
func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			if s.closed.Load() {
				return
			}
			s.handler(s.topic, env.Payload)
		}
	}
}

// Unsubscribe removes the subscription. An in-flight delivery may complete,
// but no new delivery starts afterwards.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	close(sub.done)

	b.mu.Lock()
	if t, ok := b.topics[sub.topic]; ok {
		delete(t.subs, sub.id)
		if t.empty() {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()
}

// Topics returns a sorted snapshot of topic names that currently have a
// subscriber or a non-empty retention stream.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name, t := range b.topics {
		if !t.empty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// StreamLen returns the number of retained messages for topic.
func (b *Bus) StreamLen(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[topic]; ok && t.retention != nil {
		return t.retention.len()
	}
	return 0
}

// StreamTail returns the newest n retained envelopes for topic, oldest first.
func (b *Bus) StreamTail(topic string, n int) []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[topic]; ok && t.retention != nil {
		return t.retention.tail(n)
	}
	return nil
}

// StreamRange returns retained envelopes with stream ID in [from, to].
func (b *Bus) StreamRange(topic string, from, to uint64) []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[topic]; ok && t.retention != nil {
		return t.retention.rng(from, to)
	}
	return nil
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Topics:         len(b.topics),
		Published:      b.published.Load(),
		Dropped:        b.dropped.Load(),
		DroppedByTopic: make(map[string]uint64),
	}
	for name, t := range b.topics {
		st.Subscriptions += len(t.subs)
		var d uint64
		for _, s := range t.subs {
			d += s.dropped.Load()
		}
		if d > 0 {
			st.DroppedByTopic[name] = d
		}
	}
	return st
}

// Shutdown tears down the bus: all subscriptions are closed and subsequent
// Subscribe calls fail with ErrBusShutDown. Publish becomes a no-op.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	var subs []*Subscription
	for _, t := range b.topics {
		for _, s := range t.subs {
			subs = append(subs, s)
		}
	}
	b.topics = make(map[string]*topicState)
	b.mu.Unlock()

	for _, s := range subs {
		if s.closed.CompareAndSwap(false, true) {
			close(s.done)
		}
	}
	b.log.Info().Int("subscriptions", len(subs)).Msg("Bus shut down")
}

// ensureTopicLocked returns the topic state, creating it (and its retention
// ring if configured) when missing. Caller holds b.mu.
func (b *Bus) ensureTopicLocked(topic string) *topicState {
	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{name: topic, subs: make(map[uint64]*Subscription)}
		if capacity, retained := b.retained[topic]; retained {
			t.retention = newRing(capacity)
		}
		b.topics[topic] = t
	}
	return t
}
