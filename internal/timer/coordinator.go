package timer

import (
	"context"
	"time"
)

// CheckIn starts a new tracking session. The running state is applied
// optimistically and rolled back exactly if the server rejects it.
func (e *Engine) CheckIn(ctx context.Context) error {
	var prev timerState
	if err := e.run(func() {
		prev = e.st
		now := e.opts.Clock()
		e.st.state = StateRunning
		e.st.elapsed = 0
		e.st.localStart = now
		e.st.pausedDuration = 0
		e.st.lastPause = time.Time{}
		e.publish()
	}); err != nil {
		return err
	}

	if err := e.backend.CheckIn(ctx, e.projectID); err != nil {
		_ = e.run(func() {
			e.st = prev
			e.publish()
		})
		return err
	}
	e.TriggerSync()
	return nil
}

// PauseOrResume toggles between running and paused. The local transition is
// applied first so the display freezes (or resumes) immediately; the server's
// answer then replaces the predicted values.
func (e *Engine) PauseOrResume(ctx context.Context) error {
	var (
		prev    timerState
		refused error
	)
	if err := e.run(func() {
		prev = e.st
		now := e.opts.Clock()
		switch e.st.state {
		case StateRunning:
			if !e.st.localStart.IsZero() {
				elapsed := int64(now.Sub(e.st.localStart) / time.Second)
				if elapsed < 0 {
					elapsed = 0
				}
				e.st.elapsed = elapsed
			}
			e.st.state = StatePaused
			e.st.lastPause = now
			e.st.localStart = time.Time{}
		case StatePaused:
			if !e.st.lastPause.IsZero() {
				gap := int64(now.Sub(e.st.lastPause) / time.Second)
				if gap > 0 {
					e.st.pausedDuration += gap
				}
			}
			e.st.state = StateRunning
			e.st.localStart = now.Add(-time.Duration(e.st.elapsed) * time.Second)
			e.st.lastPause = time.Time{}
		default:
			refused = ErrNoActiveTimer
			return
		}
		e.publish()
	}); err != nil {
		return err
	}
	if refused != nil {
		return refused
	}

	toggled, err := e.backend.PauseOrResume(ctx, e.projectID)
	if err != nil {
		_ = e.run(func() {
			e.st = prev
			e.publish()
		})
		return err
	}

	return e.run(func() {
		now := e.opts.Clock()
		e.st.elapsed = toggled.ElapsedTime
		e.st.pausedDuration = toggled.PausedDuration
		if toggled.IsRunning {
			e.st.state = StateRunning
			e.st.localStart = now.Add(-time.Duration(toggled.ElapsedTime) * time.Second)
			e.st.lastPause = time.Time{}
		} else {
			e.st.state = StatePaused
			e.st.localStart = time.Time{}
			e.st.lastPause = now
		}
		e.st.lastSync = now
		e.st.lastSyncFailed = false
		e.publish()
	})
}

// CheckOut finalizes the session. On success the server's total replaces the
// prediction and all polling for this engine goes quiet.
func (e *Engine) CheckOut(ctx context.Context) (CheckOutSnapshot, error) {
	var (
		prev    timerState
		refused error
	)
	if err := e.run(func() {
		prev = e.st
		if e.st.state != StateRunning && e.st.state != StatePaused {
			refused = ErrNoActiveTimer
			return
		}
		now := e.opts.Clock()
		if e.st.state == StateRunning && !e.st.localStart.IsZero() {
			elapsed := int64(now.Sub(e.st.localStart) / time.Second)
			if elapsed < 0 {
				elapsed = 0
			}
			e.st.elapsed = elapsed
		}
		e.st.state = StateCheckedOut
		e.st.localStart = time.Time{}
		e.st.lastPause = time.Time{}
		e.publish()
	}); err != nil {
		return CheckOutSnapshot{}, err
	}
	if refused != nil {
		return CheckOutSnapshot{}, refused
	}

	result, err := e.backend.CheckOut(ctx, e.projectID)
	if err != nil {
		_ = e.run(func() {
			e.st = prev
			e.publish()
		})
		return CheckOutSnapshot{}, err
	}

	err = e.run(func() {
		e.st.elapsed = result.TotalDuration
		e.st.lastSync = e.opts.Clock()
		e.st.lastSyncFailed = false
		e.publish()
	})
	return result, err
}
