// Package tasks implements the background task manager: user-initiated
// jobs (backtests, downloads) with bounded parallelism, TTL eviction, and a
// push channel notifying subscribers of state transitions and progress.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// State is the task lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Defaults for the manager knobs.
const (
	DefaultMaxConcurrent = 3
	DefaultTTL           = time.Hour
	DefaultMaxTasks      = 100
	DefaultSweepSpec     = "@every 10m"

	queueCapacity      = 1024
	subscriberCapacity = 64
)

// Errors surfaced by the manager.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already submitted")
	ErrQueueFull    = errors.New("task queue full")
)

// Work is a task body. It observes ctx at every suspension point and
// reports progress through the manager.
type Work func(ctx context.Context) (interface{}, error)

// Update is one push notification to a task subscriber.
type Update struct {
	TaskID   string      `json:"task_id"`
	Kind     string      `json:"kind"`
	Status   State       `json:"status"`
	Progress int         `json:"progress"`
	Result   interface{} `json:"results,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Record is the tracked state of one task.
type Record struct {
	ID        string
	Kind      string
	State     State
	CreatedAt time.Time
	DoneAt    time.Time
	Progress  int
	Result    interface{}
	Err       string

	work        Work
	ctx         context.Context
	cancel      context.CancelFunc
	cancelled   bool
	subscribers []*subscriber
	mu          sync.Mutex
}

// subscriber is one push sink with drop-newest back-pressure.
type subscriber struct {
	ch      chan Update
	dropped atomic.Uint64
}

// Manager owns the task map, the worker pool, and the TTL sweep.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*Record
	queue   chan *Record
	maxConc int
	ttl     time.Duration
	maxKeep int
	cron    *cron.Cron
	log     zerolog.Logger

	running sync.WaitGroup
	done    chan struct{}
	stopped bool
}

// Config configures the manager.
type Config struct {
	MaxConcurrent int
	TTL           time.Duration
	MaxTasks      int
	SweepSpec     string // cron spec for the eviction sweep
	Log           zerolog.Logger
}

// NewManager creates a manager and starts its worker pool and sweep.
func NewManager(cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}

	m := &Manager{
		tasks:   make(map[string]*Record),
		queue:   make(chan *Record, queueCapacity),
		maxConc: cfg.MaxConcurrent,
		ttl:     cfg.TTL,
		maxKeep: cfg.MaxTasks,
		cron:    cron.New(),
		log:     cfg.Log.With().Str("component", "task_manager").Logger(),
		done:    make(chan struct{}),
	}

	// A fixed pool of workers draining one queue gives FIFO acquisition
	// for pending tasks and caps concurrency at the pool size.
	for i := 0; i < m.maxConc; i++ {
		go m.worker()
	}

	if _, err := m.cron.AddFunc(cfg.SweepSpec, m.Cleanup); err != nil {
		m.log.Error().Err(err).Str("spec", cfg.SweepSpec).Msg("Failed to schedule cleanup sweep")
	} else {
		m.cron.Start()
	}

	return m
}

// Stop terminates the worker pool and the sweep. In-flight tasks keep their
// cancellation contexts; callers cancel them individually if needed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.done)
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Submit records a task as pending and queues it for execution. Task IDs
// are caller-supplied (UUIDs at the gateway) and must be unique.
func (m *Manager) Submit(taskID, kind string, work Work) error {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &Record{
		ID:        taskID,
		Kind:      kind,
		State:     StatePending,
		CreatedAt: time.Now(),
		work:      work,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("task manager stopped")
	}
	if _, exists := m.tasks[taskID]; exists {
		m.mu.Unlock()
		cancel()
		return ErrTaskExists
	}
	m.tasks[taskID] = rec
	m.evictOverflowLocked()
	m.mu.Unlock()

	select {
	case m.queue <- rec:
		m.log.Info().Str("task_id", taskID).Str("kind", kind).Msg("Task submitted")
		return nil
	default:
		m.mu.Lock()
		delete(m.tasks, taskID)
		m.mu.Unlock()
		cancel()
		return ErrQueueFull
	}
}

// worker drains the queue, running one task at a time.
func (m *Manager) worker() {
	for {
		select {
		case <-m.done:
			return
		case rec := <-m.queue:
			m.execute(rec)
		}
	}
}

// execute runs one task through its lifecycle.
func (m *Manager) execute(rec *Record) {
	rec.mu.Lock()
	if rec.cancelled || rec.State.Terminal() {
		rec.mu.Unlock()
		m.finish(rec, StateCancelled, nil, "")
		return
	}
	rec.State = StateRunning
	ctx := rec.ctx
	rec.mu.Unlock()

	m.notify(rec)

	result, err := rec.work(ctx)
	switch {
	case ctx.Err() != nil:
		m.finish(rec, StateCancelled, nil, "")
	case err != nil:
		m.finish(rec, StateFailed, nil, err.Error())
	default:
		m.finish(rec, StateCompleted, result, "")
	}
}

// finish moves a task to a terminal state, notifies subscribers one last
// time, and closes their sinks. A task only reaches a terminal state once:
// a second transition (worker dequeueing an already-cancelled task) is a
// no-op.
func (m *Manager) finish(rec *Record, state State, result interface{}, errMsg string) {
	rec.mu.Lock()
	if rec.State.Terminal() {
		rec.mu.Unlock()
		return
	}
	rec.State = state
	rec.DoneAt = time.Now()
	if state == StateCompleted {
		rec.Progress = 100
		rec.Result = result
	}
	rec.Err = errMsg
	subs := rec.subscribers
	rec.subscribers = nil
	update := rec.updateLocked()
	rec.mu.Unlock()

	for _, sub := range subs {
		sub.send(update)
		close(sub.ch)
	}
	m.log.Info().Str("task_id", rec.ID).Str("state", string(state)).Msg("Task finished")
}

// UpdateProgress stores the task's progress and fans it out to subscribers
// with per-subscriber drop-newest back-pressure.
func (m *Manager) UpdateProgress(taskID string, percent int) {
	rec := m.get(taskID)
	if rec == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	rec.mu.Lock()
	rec.Progress = percent
	rec.mu.Unlock()
	m.notify(rec)
}

// Subscribe attaches a push sink: the current state is delivered
// immediately, every transition and progress update follows, and the sink
// closes once the task reaches a terminal state.
func (m *Manager) Subscribe(taskID string) (<-chan Update, error) {
	rec := m.get(taskID)
	if rec == nil {
		return nil, ErrTaskNotFound
	}

	sub := &subscriber{ch: make(chan Update, subscriberCapacity)}

	rec.mu.Lock()
	update := rec.updateLocked()
	terminal := rec.State.Terminal()
	if !terminal {
		rec.subscribers = append(rec.subscribers, sub)
	}
	rec.mu.Unlock()

	sub.send(update)
	if terminal {
		close(sub.ch)
	}
	return sub.ch, nil
}

// Cancel requests cooperative cancellation: pending tasks terminate without
// running; running tasks observe their context at the next suspension
// point. Blocked I/O is not aborted forcibly.
func (m *Manager) Cancel(taskID string) error {
	rec := m.get(taskID)
	if rec == nil {
		return ErrTaskNotFound
	}
	rec.mu.Lock()
	pending := rec.State == StatePending
	rec.cancelled = true
	rec.mu.Unlock()
	rec.cancel()

	// A pending task has no worker to observe the context; it reaches its
	// terminal state here, and the dequeueing worker later skips it.
	if pending {
		m.finish(rec, StateCancelled, nil, "")
	}
	m.log.Info().Str("task_id", taskID).Msg("Task cancellation requested")
	return nil
}

// Get returns a snapshot of the task state.
func (m *Manager) Get(taskID string) (Update, error) {
	rec := m.get(taskID)
	if rec == nil {
		return Update{}, ErrTaskNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.updateLocked(), nil
}

// List returns snapshots of every tracked task, newest first.
func (m *Manager) List() []Update {
	m.mu.Lock()
	recs := make([]*Record, 0, len(m.tasks))
	for _, rec := range m.tasks {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })

	out := make([]Update, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.updateLocked())
		rec.mu.Unlock()
	}
	return out
}

// Cleanup evicts terminal tasks past the TTL. Runs on the cron sweep and
// may be called directly.
func (m *Manager) Cleanup() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.tasks {
		rec.mu.Lock()
		evict := rec.State.Terminal() && !rec.DoneAt.IsZero() && rec.DoneAt.Before(cutoff)
		rec.mu.Unlock()
		if evict {
			delete(m.tasks, id)
			m.log.Debug().Str("task_id", id).Msg("Task evicted after TTL")
		}
	}
}

// evictOverflowLocked keeps the task map bounded, dropping the oldest
// terminal tasks first. Caller holds m.mu.
func (m *Manager) evictOverflowLocked() {
	if len(m.tasks) <= m.maxKeep {
		return
	}
	var terminal []*Record
	for _, rec := range m.tasks {
		rec.mu.Lock()
		if rec.State.Terminal() {
			terminal = append(terminal, rec)
		}
		rec.mu.Unlock()
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].DoneAt.Before(terminal[j].DoneAt) })
	for _, rec := range terminal {
		if len(m.tasks) <= m.maxKeep {
			break
		}
		delete(m.tasks, rec.ID)
	}
}

// get looks a record up.
func (m *Manager) get(taskID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskID]
}

// notify fans the current state out to all subscribers.
func (m *Manager) notify(rec *Record) {
	rec.mu.Lock()
	update := rec.updateLocked()
	subs := make([]*subscriber, len(rec.subscribers))
	copy(subs, rec.subscribers)
	rec.mu.Unlock()

	for _, sub := range subs {
		sub.send(update)
	}
}

// updateLocked builds a snapshot. Caller holds rec.mu.
func (r *Record) updateLocked() Update {
	return Update{
		TaskID:   r.ID,
		Kind:     r.Kind,
		Status:   r.State,
		Progress: r.Progress,
		Result:   r.Result,
		Error:    r.Err,
	}
}

// send delivers with drop-newest semantics.
func (s *subscriber) send(u Update) {
	select {
	case s.ch <- u:
	default:
		s.dropped.Add(1)
	}
}
