// Package timer implements the client-side predictive clock for tracked
// projects: a per-project engine that ticks locally between server syncs,
// reconciles against authoritative snapshots, and applies mutations
// optimistically with rollback.
package timer

import (
	"fmt"
	"time"
)

type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCheckedOut State = "checked_out"
)

// ConnectionStatus is advisory UI state derived from sync recency, not a
// correctness mechanism.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
	StatusStale      ConnectionStatus = "stale"
	StatusError      ConnectionStatus = "error"
)

// Snapshot is the authoritative elapsed view fetched from the server.
type Snapshot struct {
	IsRunning      bool       `json:"isRunning"`
	IsCheckedOut   bool       `json:"isCheckedOut"`
	ElapsedTime    int64      `json:"elapsedTime"`
	PausedDuration int64      `json:"pausedDuration"`
	CheckInTime    *time.Time `json:"checkInTime"`
	TotalDuration  int64      `json:"totalDuration"`
}

// ToggleSnapshot is the server's answer to a pause/resume mutation.
type ToggleSnapshot struct {
	IsRunning      bool  `json:"isRunning"`
	ElapsedTime    int64 `json:"elapsedTime"`
	PausedDuration int64 `json:"pausedDuration"`
}

// CheckOutSnapshot is the server's answer to a check-out mutation.
type CheckOutSnapshot struct {
	TotalDuration int64     `json:"totalDuration"`
	FormattedTime string    `json:"formattedTime"`
	CheckOutTime  time.Time `json:"checkOutTime"`
}

// timerState is the engine's mutable state. Only the loop goroutine touches
// it; everyone else reads published View copies.
type timerState struct {
	state          State
	elapsed        int64
	localStart     time.Time
	pausedDuration int64
	lastPause      time.Time
	drift          int64
	lastSync       time.Time
	lastSyncFailed bool
}

// View is an immutable copy of one engine's state at a point in time.
type View struct {
	ProjectID             string
	State                 State
	ElapsedSeconds        int64
	PausedDurationSeconds int64
	DriftSeconds          int64
	LastServerSync        time.Time
	Connection            ConnectionStatus
	FormattedTime         string
}

// FormatHMS renders seconds as the zero-padded HH:MM:SS wall display.
func FormatHMS(seconds int64) string {
	if seconds < 0 {
		seconds = -seconds
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
