package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 5 * time.Minute
	wsQueueDepth   = 256
	wsPingInterval = 30 * time.Second
)

// clientCommand is one framed JSON command from a subscriber.
type clientCommand struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

// wsConn is one gateway push connection: its subscription set, its bounded
// outbound queue, and its heartbeat. On bus overflow to this connection the
// newest messages are dropped and counted; other connections are
// unaffected.
type wsConn struct {
	conn *websocket.Conn
	bus  *bus.Bus
	log  zerolog.Logger

	mu      sync.Mutex
	subs    map[string]*bus.Subscription
	out     chan interface{}
	dropped atomic.Uint64
}

// handleWS upgrades the connection and runs the read and write loops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}

	c := &wsConn{
		conn: conn,
		bus:  s.cfg.Bus,
		log:  s.log.With().Str("component", "gateway_ws").Logger(),
		subs: make(map[string]*bus.Subscription),
		out:  make(chan interface{}, wsQueueDepth),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer c.teardown()

	c.send(map[string]interface{}{
		"type":    "connection",
		"status":  "ok",
		"message": "connected",
	})

	go c.writeLoop(ctx, cancel)
	c.readLoop(ctx)
}

// teardown removes every bus subscription the connection holds.
func (c *wsConn) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*bus.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.Unsubscribe(sub)
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	c.log.Debug().Int("subscriptions", len(subs)).Msg("Connection torn down")
}

// send enqueues one frame with drop-newest back-pressure.
func (c *wsConn) send(frame interface{}) {
	select {
	case c.out <- frame:
	default:
		c.dropped.Add(1)
	}
}

// writeLoop drains the outbound queue onto the socket and keeps the
// heartbeat going.
func (c *wsConn) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.out:
			if err := c.write(ctx, frame); err != nil {
				return
			}
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("Heartbeat failed, closing connection")
				return
			}
		}
	}
}

// write marshals and sends one frame.
func (c *wsConn) write(ctx context.Context, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal frame")
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// readLoop processes client commands until disconnect or idle timeout.
func (c *wsConn) readLoop(ctx context.Context) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, wsIdleTimeout)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("Read loop ended")
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.send(map[string]interface{}{
				"type":    "error",
				"message": "invalid command frame",
			})
			continue
		}
		c.handleCommand(cmd)
	}
}

// handleCommand executes one client command.
func (c *wsConn) handleCommand(cmd clientCommand) {
	switch cmd.Action {
	case "subscribe":
		c.subscribe(cmd.Topics)
	case "unsubscribe":
		c.unsubscribe(cmd.Topics)
	case "ping":
		c.send(map[string]interface{}{"type": "pong"})
	case "list_topics":
		topics := c.bus.Topics()
		c.send(map[string]interface{}{
			"type":   "topics",
			"topics": topics,
			"count":  len(topics),
		})
	case "my_subscriptions":
		c.mu.Lock()
		topics := make([]string, 0, len(c.subs))
		for topic := range c.subs {
			topics = append(topics, topic)
		}
		c.mu.Unlock()
		c.send(map[string]interface{}{
			"type":   "subscriptions",
			"topics": topics,
			"count":  len(topics),
		})
	default:
		c.send(map[string]interface{}{
			"type":    "error",
			"message": "unknown action " + cmd.Action,
		})
	}
}

// subscribe attaches the connection to bus topics, forwarding each message
// as a {topic, data} frame.
func (c *wsConn) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		if _, exists := c.subs[topic]; exists {
			continue
		}
		t := topic
		sub, err := c.bus.Subscribe(t, func(_ string, payload any) {
			c.send(map[string]interface{}{
				"topic": t,
				"data":  payload,
			})
		})
		if err != nil {
			c.log.Warn().Err(err).Str("topic", t).Msg("Subscribe failed")
			continue
		}
		c.subs[t] = sub
	}

	c.sendSubscriptionAck("subscribed", topics)
}

// unsubscribe detaches the connection from bus topics.
func (c *wsConn) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		if sub, exists := c.subs[topic]; exists {
			c.bus.Unsubscribe(sub)
			delete(c.subs, topic)
		}
	}

	c.sendSubscriptionAck("unsubscribed", topics)
}

// sendSubscriptionAck acknowledges one (un)subscribe command. Caller holds
// c.mu.
func (c *wsConn) sendSubscriptionAck(status string, topics []string) {
	c.send(map[string]interface{}{
		"type":   "subscription",
		"status": status,
		"topics": topics,
	})
}
