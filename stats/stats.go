// Package stats provides run statistics for the install driver: the
// system load averages used by the --load-average gate and the status
// line, a snapshot of scheduler counters fanned out to status consumers,
// and an atomically written monitor file for external watchers.
package stats

import (
	"fmt"
	"time"
)

// Snapshot is the unified status payload shared by all consumers (status
// line, status UI, monitor file).
type Snapshot struct {
	// Queue totals
	Pending  int `json:"pending"`  // nodes still in the graph
	Ready    int `json:"ready"`    // nodes ready to dispatch
	Running  int `json:"running"`  // dispatched jobs
	Retrying int `json:"retrying"` // once-failed jobs awaiting retry
	Total    int `json:"total"`    // total merge jobs this run

	// Outcome totals
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Timing and system state
	Elapsed time.Duration `json:"elapsed"`
	Load    [3]float64    `json:"load"`
}

// Consumer receives snapshots on every scheduler status tick.
type Consumer interface {
	OnUpdate(Snapshot)
}

// FormatElapsed renders elapsed time the way status lines expect.
func FormatElapsed(d time.Duration) string {
	seconds := d.Seconds()
	return fmt.Sprintf("%dm%.1fs", int(seconds)/60, seconds-float64(int(seconds)/60*60))
}

// FormatLoad renders the three load averages for the status line.
func FormatLoad(load [3]float64) string {
	return fmt.Sprintf("%.2f %.2f %.2f", load[0], load[1], load[2])
}
