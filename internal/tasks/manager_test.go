package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, maxConcurrent int, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(Config{
		MaxConcurrent: maxConcurrent,
		TTL:           ttl,
		SweepSpec:     "@every 1h", // tests call Cleanup directly
		Log:           zerolog.Nop(),
	})
	t.Cleanup(m.Stop)
	return m
}

func waitState(t *testing.T, m *Manager, taskID string, want State) Update {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		update, err := m.Get(taskID)
		require.NoError(t, err)
		if update.Status == want {
			return update
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, want)
	return Update{}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	m := testManager(t, 2, time.Hour)

	err := m.Submit("t1", "backtest", func(ctx context.Context) (interface{}, error) {
		return map[string]int{"trades": 3}, nil
	})
	require.NoError(t, err)

	update := waitState(t, m, "t1", StateCompleted)
	assert.Equal(t, 100, update.Progress)
	assert.NotNil(t, update.Result)
}

func TestFailedWorkSurfacesError(t *testing.T) {
	m := testManager(t, 2, time.Hour)

	err := m.Submit("t1", "backtest", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("no data in range")
	})
	require.NoError(t, err)

	update := waitState(t, m, "t1", StateFailed)
	assert.Equal(t, "no data in range", update.Error)
}

func TestDuplicateSubmitRejected(t *testing.T) {
	m := testManager(t, 2, time.Hour)

	require.NoError(t, m.Submit("t1", "backtest", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))
	assert.ErrorIs(t, m.Submit("t1", "backtest", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}), ErrTaskExists)
}

func TestConcurrencyCapHolds(t *testing.T) {
	m := testManager(t, 2, time.Hour)

	var running atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		err := m.Submit(id, "job", func(ctx context.Context) (interface{}, error) {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil, nil
		})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2), "at most max_concurrent tasks run at once")
}

func TestPendingTasksRunInFIFOOrder(t *testing.T) {
	m := testManager(t, 1, time.Hour)

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	require.NoError(t, m.Submit("first", "job", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	}))
	for _, id := range []string{"second", "third", "fourth"} {
		id := id
		require.NoError(t, m.Submit(id, "job", func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		}))
	}

	close(block)
	waitState(t, m, "fourth", StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second", "third", "fourth"}, order)
}

func TestTaskPushScenario(t *testing.T) {
	// Spec scenario: the push channel delivers pending first, at least one
	// running update with 0 < p < 100, then completed with progress 100,
	// then closes.
	m := testManager(t, 1, time.Hour)

	block := make(chan struct{})
	require.NoError(t, m.Submit("blocker", "job", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	}))

	started := make(chan struct{})
	require.NoError(t, m.Submit("bt", "backtest", func(ctx context.Context) (interface{}, error) {
		<-started
		m.UpdateProgress("bt", 40)
		return map[string]int{"trades": 1}, nil
	}))

	updates, err := m.Subscribe("bt")
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, StatePending, first.Status)
	assert.Equal(t, 0, first.Progress)

	close(block) // let the worker reach "bt"

	second := <-updates
	assert.Equal(t, StateRunning, second.Status)
	close(started)

	var sawMidProgress bool
	var last Update
	for update := range updates {
		if update.Status == StateRunning && update.Progress > 0 && update.Progress < 100 {
			sawMidProgress = true
		}
		last = update
	}

	assert.True(t, sawMidProgress, "at least one running update with 0 < p < 100")
	assert.Equal(t, StateCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.NotNil(t, last.Result)
}

func TestCancelPendingTask(t *testing.T) {
	m := testManager(t, 1, time.Hour)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, m.Submit("blocker", "job", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	}))

	ran := false
	require.NoError(t, m.Submit("victim", "job", func(ctx context.Context) (interface{}, error) {
		ran = true
		return nil, nil
	}))
	require.NoError(t, m.Cancel("victim"))

	waitState(t, m, "victim", StateCancelled)
	assert.False(t, ran, "cancelled pending work never runs")
}

func TestCancelRunningTaskIsCooperative(t *testing.T) {
	m := testManager(t, 1, time.Hour)

	started := make(chan struct{})
	require.NoError(t, m.Submit("t", "job", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	<-started
	require.NoError(t, m.Cancel("t"))
	waitState(t, m, "t", StateCancelled)
}

func TestTTLEviction(t *testing.T) {
	m := testManager(t, 1, 20*time.Millisecond)

	require.NoError(t, m.Submit("t", "job", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))
	waitState(t, m, "t", StateCompleted)

	// Still observable before the TTL.
	_, err := m.Get("t")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	m.Cleanup()

	_, err = m.Get("t")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubscribeToTerminalTaskDeliversOnceAndCloses(t *testing.T) {
	m := testManager(t, 1, time.Hour)

	require.NoError(t, m.Submit("t", "job", func(ctx context.Context) (interface{}, error) {
		return "done", nil
	}))
	waitState(t, m, "t", StateCompleted)

	updates, err := m.Subscribe("t")
	require.NoError(t, err)

	first, ok := <-updates
	require.True(t, ok)
	assert.Equal(t, StateCompleted, first.Status)

	_, ok = <-updates
	assert.False(t, ok, "sink closes after the terminal snapshot")
}
