package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"timecard/api/internal/config"
)

var (
	ErrEngineStopped = errors.New("timer engine stopped")
	ErrNoActiveTimer = errors.New("no active timer to toggle")
)

// Backend is the server the engine syncs against.
type Backend interface {
	GetElapsedTime(ctx context.Context, projectID string) (Snapshot, error)
	CheckIn(ctx context.Context, projectID string) error
	PauseOrResume(ctx context.Context, projectID string) (ToggleSnapshot, error)
	CheckOut(ctx context.Context, projectID string) (CheckOutSnapshot, error)
}

type Options struct {
	TickInterval     time.Duration
	FastPollInterval time.Duration
	HardSyncInterval time.Duration
	StaleThreshold   time.Duration
	Retry            RetryPolicy
	Clock            func() time.Time
}

// OptionsFromConfig builds engine options from the service configuration so
// clients deployed next to the API share its sync cadence.
func OptionsFromConfig(cfg config.Config) Options {
	retry := DefaultRetryPolicy()
	if cfg.SyncRetryAttempts > 0 {
		retry.MaxAttempts = cfg.SyncRetryAttempts
	}
	return Options{
		FastPollInterval: cfg.FastPollInterval,
		HardSyncInterval: cfg.HardSyncInterval,
		StaleThreshold:   cfg.HardSyncInterval,
		Retry:            retry,
	}
}

func (o *Options) withDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.FastPollInterval <= 0 {
		o.FastPollInterval = 30 * time.Second
	}
	if o.HardSyncInterval <= 0 {
		o.HardSyncInterval = 120 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 120 * time.Second
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Engine is the per-project predictive clock. All state lives on a single
// loop goroutine; callers interact through commands and read published views,
// so tick reads and sync-driven rebases can never interleave mid-update.
type Engine struct {
	projectID string
	backend   Backend
	opts      Options

	cmds     chan func()
	done     chan struct{}
	stopOnce sync.Once

	// loop-owned
	st           timerState
	syncInFlight bool

	mu         sync.RWMutex
	view       View
	lastFailed bool
}

func NewEngine(projectID string, backend Backend, opts Options) *Engine {
	opts.withDefaults()
	e := &Engine{
		projectID: projectID,
		backend:   backend,
		opts:      opts,
		cmds:      make(chan func()),
		done:      make(chan struct{}),
		st:        timerState{state: StateIdle},
	}
	e.publish()
	go e.loop()
	// Adopt whatever the server already knows about this project.
	e.TriggerSync()
	return e
}

func (e *Engine) ProjectID() string {
	return e.projectID
}

// Stop tears the engine down. Both the tick loop and the sync cadence stop
// deterministically; a dangling tick after teardown is a defect.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *Engine) loop() {
	tick := time.NewTicker(e.opts.TickInterval)
	fastPoll := time.NewTicker(e.opts.FastPollInterval)
	hardSync := time.NewTicker(e.opts.HardSyncInterval)
	defer tick.Stop()
	defer fastPoll.Stop()
	defer hardSync.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-tick.C:
			e.onTick()
		case <-fastPoll.C:
			e.pollIfRunning()
		case <-hardSync.C:
			// Independent of the fast poll: bounds drift accumulation even
			// when fast polls are being collapsed.
			e.pollIfRunning()
		case fn := <-e.cmds:
			fn()
		}
	}
}

// run executes fn on the loop goroutine and waits for it.
func (e *Engine) run(fn func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		fn()
		close(doneCh)
	}
	select {
	case e.cmds <- wrapped:
	case <-e.done:
		return ErrEngineStopped
	}
	select {
	case <-doneCh:
		return nil
	case <-e.done:
		return ErrEngineStopped
	}
}

func (e *Engine) onTick() {
	if e.st.state != StateRunning || e.st.localStart.IsZero() {
		return
	}
	now := e.opts.Clock()
	elapsed := int64(now.Sub(e.st.localStart) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	e.st.elapsed = elapsed
	e.publish()
}

func (e *Engine) pollIfRunning() {
	if e.st.state != StateRunning {
		return
	}
	e.startSync()
}

// startSync launches one background fetch unless one is already in flight.
// Loop-owned; call only from the loop goroutine.
func (e *Engine) startSync() {
	if e.syncInFlight {
		return
	}
	e.syncInFlight = true
	go func() {
		snapshot, err := e.fetchWithRetry(context.Background())
		_ = e.run(func() {
			e.syncInFlight = false
			if err != nil {
				e.st.lastSyncFailed = true
				e.publish()
				return
			}
			e.reconcile(snapshot)
		})
	}()
}

// TriggerSync requests an asynchronous resync. Safe to call any time; it
// cancels no other loop.
func (e *Engine) TriggerSync() {
	_ = e.run(e.startSync)
}

// Resync fetches a fresh snapshot and reconciles it before returning.
func (e *Engine) Resync(ctx context.Context) error {
	snapshot, err := e.fetchWithRetry(ctx)
	if err != nil {
		_ = e.run(func() {
			e.st.lastSyncFailed = true
			e.publish()
		})
		return err
	}
	return e.run(func() { e.reconcile(snapshot) })
}

// fetchWithRetry applies the bounded backoff policy to transient failures.
// API-level rejections surface immediately.
func (e *Engine) fetchWithRetry(ctx context.Context) (Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < e.opts.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.opts.Retry.Delay(attempt - 1)):
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			case <-e.done:
				return Snapshot{}, ErrEngineStopped
			}
		}
		snapshot, err := e.backend.GetElapsedTime(ctx, e.projectID)
		if err == nil {
			return snapshot, nil
		}
		if !retryable(err) {
			return Snapshot{}, err
		}
		lastErr = err
	}
	return Snapshot{}, lastErr
}

// reconcile fully replaces the derived timing fields from a server snapshot.
// Idempotent: replaying the same snapshot is a no-op. Loop-owned.
func (e *Engine) reconcile(snapshot Snapshot) {
	now := e.opts.Clock()

	switch {
	case snapshot.CheckInTime == nil:
		// No entry on the server: back to a clean slate.
		e.st.state = StateIdle
		e.st.elapsed = 0
		e.st.localStart = time.Time{}
		e.st.pausedDuration = 0
		e.st.lastPause = time.Time{}
		e.st.drift = 0

	case snapshot.IsCheckedOut:
		e.st.state = StateCheckedOut
		if snapshot.TotalDuration > 0 {
			e.st.elapsed = snapshot.TotalDuration
		} else {
			e.st.elapsed = snapshot.ElapsedTime
		}
		e.st.localStart = time.Time{}
		e.st.lastPause = time.Time{}

	case snapshot.IsRunning:
		serverElapsed := snapshot.ElapsedTime
		if !e.st.localStart.IsZero() {
			e.st.drift = serverElapsed - int64(now.Sub(e.st.localStart)/time.Second)
		} else {
			e.st.drift = 0
		}
		// Rebase rather than keep a standing correction: the local start is
		// moved so plain wall-clock extrapolation reproduces the server's
		// elapsed exactly at the sync instant.
		e.st.state = StateRunning
		e.st.localStart = now.Add(-time.Duration(serverElapsed) * time.Second)
		e.st.pausedDuration = snapshot.PausedDuration
		e.st.elapsed = serverElapsed
		e.st.lastPause = time.Time{}

	default:
		e.st.state = StatePaused
		e.st.elapsed = snapshot.ElapsedTime
		e.st.pausedDuration = snapshot.PausedDuration
		e.st.lastPause = now
		e.st.localStart = time.Time{}
	}

	e.st.lastSync = now
	e.st.lastSyncFailed = false
	e.publish()
}

// publish snapshots loop-owned state for readers. Loop-owned.
func (e *Engine) publish() {
	view := View{
		ProjectID:             e.projectID,
		State:                 e.st.state,
		ElapsedSeconds:        e.st.elapsed,
		PausedDurationSeconds: e.st.pausedDuration,
		DriftSeconds:          e.st.drift,
		LastServerSync:        e.st.lastSync,
		FormattedTime:         FormatHMS(e.st.elapsed),
	}
	e.mu.Lock()
	failed := e.st.lastSyncFailed
	e.view = view
	e.lastFailed = failed
	e.mu.Unlock()
}

// View returns the engine's current state. Connection health is derived at
// read time from sync recency and the last call's outcome.
func (e *Engine) View() View {
	e.mu.RLock()
	view := e.view
	failed := e.lastFailed
	e.mu.RUnlock()

	switch {
	case failed:
		view.Connection = StatusError
	case view.LastServerSync.IsZero():
		view.Connection = StatusConnecting
	case e.opts.Clock().Sub(view.LastServerSync) > e.opts.StaleThreshold:
		view.Connection = StatusStale
	default:
		view.Connection = StatusConnected
	}
	return view
}
