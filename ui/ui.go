// Package ui provides optional live status displays fed from scheduler
// snapshots. The plain progress printer remains the primary output; a
// status UI is an extra consumer enabled with --status-ui.
package ui

import "pmerge/stats"

// StatusUI displays run progress. Implementations must be safe to
// update from the scheduler goroutine.
type StatusUI interface {
	// Start initializes the UI (e.g. takes over the terminal).
	Start() error

	// Stop cleanly shuts down the UI (e.g. restores the terminal).
	Stop()

	// OnUpdate receives a snapshot on every scheduler status tick.
	// Part of the stats.Consumer interface.
	OnUpdate(info stats.Snapshot)

	// LogEvent appends one event line (job started, completed, failed).
	LogEvent(message string)
}
