package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	mu       sync.Mutex
	name     string
	seen     []any
	failNext int // Process fails while > 0
}

func (h *testHandler) Name() string { return h.name }

func (h *testHandler) Process(topic string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		return errors.New("boom")
	}
	h.seen = append(h.seen, payload)
	return nil
}

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLifecycleStates(t *testing.T) {
	b := bus.New(zerolog.Nop())
	h := &testHandler{name: "test"}
	n := New(Config{Handler: h, Bus: b, Topics: []string{"t"}, Log: zerolog.Nop()})

	assert.Equal(t, StateNew, n.State())
	require.NoError(t, n.Start())
	assert.Equal(t, StateRunning, n.State())

	n.Stop()
	assert.Equal(t, StateStopped, n.State())
}

func TestStartOnlyOnce(t *testing.T) {
	b := bus.New(zerolog.Nop())
	h := &testHandler{name: "test"}
	n := New(Config{Handler: h, Bus: b, Log: zerolog.Nop()})

	require.NoError(t, n.Start())
	assert.ErrorIs(t, n.Start(), ErrAlreadyStarted)

	n.Stop()
	assert.ErrorIs(t, n.Start(), ErrAlreadyStarted)
}

func TestMessagesRouteToHandler(t *testing.T) {
	b := bus.New(zerolog.Nop())
	h := &testHandler{name: "test"}
	n := New(Config{Handler: h, Bus: b, Topics: []string{"a", "b"}, Log: zerolog.Nop()})
	require.NoError(t, n.Start())

	b.Publish("a", 1)
	b.Publish("b", 2)
	waitUntil(t, func() bool { return h.count() == 2 })
}

func TestHandlerErrorDoesNotStopNode(t *testing.T) {
	b := bus.New(zerolog.Nop())
	h := &testHandler{name: "test", failNext: 3}
	n := New(Config{Handler: h, Bus: b, Topics: []string{"t"}, Log: zerolog.Nop()})
	require.NoError(t, n.Start())

	for i := 0; i < 5; i++ {
		b.Publish("t", i)
	}
	waitUntil(t, func() bool { return h.count() == 2 })

	assert.Equal(t, StateRunning, n.State())
	assert.Equal(t, uint64(3), n.Errors())
}

func TestConsecutiveErrorThresholdStopsNodeAndPublishesFatal(t *testing.T) {
	b := bus.New(zerolog.Nop())

	statuses := make(chan any, 8)
	_, err := b.Subscribe(market.StatusTopic("test"), func(topic string, payload any) {
		statuses <- payload
	})
	require.NoError(t, err)

	h := &testHandler{name: "test", failNext: 100}
	n := New(Config{Handler: h, Bus: b, Topics: []string{"t"}, ErrorThreshold: 3, Log: zerolog.Nop()})
	require.NoError(t, n.Start())

	for i := 0; i < 10; i++ {
		b.Publish("t", i)
	}

	waitUntil(t, func() bool { return n.State() == StateStopped })

	select {
	case payload := <-statuses:
		msg, ok := payload.(StatusMessage)
		require.True(t, ok)
		assert.Equal(t, "fatal", msg.Status)
		assert.Equal(t, "test", msg.Node)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal status published")
	}
}

func TestStopUnsubscribes(t *testing.T) {
	b := bus.New(zerolog.Nop())
	h := &testHandler{name: "test"}
	n := New(Config{Handler: h, Bus: b, Topics: []string{"t"}, Log: zerolog.Nop()})
	require.NoError(t, n.Start())

	b.Publish("t", 1)
	waitUntil(t, func() bool { return h.count() == 1 })

	n.Stop()
	b.Publish("t", 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.count())
}
