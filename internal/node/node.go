// Package node provides the lifecycle wrapper shared by every compute node:
// subscription registration, the new → running → stopping → stopped state
// machine, and the consecutive-error circuit that stops a faulty node.
package node

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
)

// State is the node lifecycle state.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned by Start on any state other than new.
// A node may only be started once.
var ErrAlreadyStarted = errors.New("node already started")

// DefaultErrorThreshold is how many consecutive Process errors stop a node.
const DefaultErrorThreshold = 10

// DefaultDrainTimeout bounds how long Stop waits for in-flight handlers.
const DefaultDrainTimeout = 5 * time.Second

// Handler is the cooperative message entry point a node implements.
// Process is called serially per subscription; it must not block on
// external I/O without a timeout.
type Handler interface {
	Name() string
	Process(topic string, payload any) error
}

// StatusMessage is published to status.<node> on degraded or fatal
// transitions.
type StatusMessage struct {
	Node      string `json:"node"`
	Status    string `json:"status"` // running | degraded | fatal | stopped
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Config configures a Node.
type Config struct {
	Handler        Handler
	Bus            *bus.Bus
	Topics         []string // subscriptions opened on Start
	ErrorThreshold int      // consecutive Process errors before fatal stop (default 10)
	DrainTimeout   time.Duration
	Log            zerolog.Logger
}

// Node owns a handler's subscriptions and lifecycle. The runtime holds the
// node; subscriptions reference it only through the delivery closure.
type Node struct {
	handler Handler
	bus     *bus.Bus
	topics  []string
	log     zerolog.Logger

	state       atomic.Int32
	subs        []*bus.Subscription
	subsMu      sync.Mutex
	inflight    sync.WaitGroup
	consecutive atomic.Int32
	errTotal    atomic.Uint64
	threshold   int32
	drain       time.Duration
	stopOnce    sync.Once
}

// New wraps a handler in a lifecycle-managed node.
func New(cfg Config) *Node {
	threshold := cfg.ErrorThreshold
	if threshold <= 0 {
		threshold = DefaultErrorThreshold
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &Node{
		handler:   cfg.Handler,
		bus:       cfg.Bus,
		topics:    cfg.Topics,
		threshold: int32(threshold),
		drain:     drain,
		log:       cfg.Log.With().Str("component", "node").Str("node", cfg.Handler.Name()).Logger(),
	}
}

// Name returns the wrapped handler's name.
func (n *Node) Name() string {
	return n.handler.Name()
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Errors returns the total count of handler errors observed.
func (n *Node) Errors() uint64 {
	return n.errTotal.Load()
}

// Start transitions new → running and opens the declared subscriptions.
func (n *Node) Start() error {
	if !n.state.CompareAndSwap(int32(StateNew), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	for _, topic := range n.topics {
		sub, err := n.bus.Subscribe(topic, n.dispatch)
		if err != nil {
			n.state.Store(int32(StateStopped))
			return fmt.Errorf("failed to subscribe %s to %s: %w", n.Name(), topic, err)
		}
		n.subs = append(n.subs, sub)
	}

	n.log.Info().Strs("topics", n.topics).Msg("Node started")
	return nil
}

// dispatch routes one delivered message into the handler, applying the
// error-counting policy: a handler error is logged and counted but does not
// tear down the node unless the consecutive threshold is crossed.
func (n *Node) dispatch(topic string, payload any) {
	if n.State() != StateRunning {
		return
	}
	n.inflight.Add(1)
	defer n.inflight.Done()

	if err := n.handler.Process(topic, payload); err != nil {
		n.errTotal.Add(1)
		consecutive := n.consecutive.Add(1)
		n.log.Error().Err(err).Str("topic", topic).Int32("consecutive", consecutive).Msg("Handler error")

		if consecutive >= n.threshold {
			n.log.Error().Int32("threshold", n.threshold).Msg("Consecutive error threshold reached, stopping node")
			n.publishStatus("fatal", fmt.Sprintf("stopped after %d consecutive errors: %v", consecutive, err))
			go n.Stop()
		}
		return
	}
	n.consecutive.Store(0)
}

// Emit publishes a payload on behalf of the node.
func (n *Node) Emit(topic string, payload any) {
	n.bus.Publish(topic, payload)
}

// Stop transitions running → stopping → stopped: unsubscribes from all
// topics, then waits for in-flight handlers up to the drain timeout.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if !n.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			n.state.Store(int32(StateStopped))
			return
		}

		n.subsMu.Lock()
		for _, sub := range n.subs {
			n.bus.Unsubscribe(sub)
		}
		n.subs = nil
		n.subsMu.Unlock()

		done := make(chan struct{})
		go func() {
			n.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(n.drain):
			n.log.Warn().Dur("timeout", n.drain).Msg("Drain timeout waiting for in-flight handlers")
		}

		n.state.Store(int32(StateStopped))
		n.log.Info().Msg("Node stopped")
	})
}

// publishStatus emits a status message for supervisors and the gateway.
func (n *Node) publishStatus(status, detail string) {
	n.bus.Publish(market.StatusTopic(n.Name()), StatusMessage{
		Node:      n.Name(),
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().Unix(),
	})
}

// PublishDegraded reports a degraded condition without stopping the node.
func (n *Node) PublishDegraded(detail string) {
	n.publishStatus("degraded", detail)
}
