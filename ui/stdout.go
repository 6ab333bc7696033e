package ui

import (
	"fmt"
	"sync"
	"time"

	"pmerge/stats"
)

// StdoutUI prints a condensed status line to stdout, throttled so the
// job output stays readable.
type StdoutUI struct {
	mu        sync.Mutex
	lastPrint time.Time
}

// NewStdoutUI creates a stdout-based status display.
func NewStdoutUI() *StdoutUI {
	return &StdoutUI{}
}

// Start is a no-op for stdout.
func (ui *StdoutUI) Start() error {
	return nil
}

// Stop prints a final newline so the cursor does not stay on the
// status line.
func (ui *StdoutUI) Stop() {
	fmt.Println()
}

// OnUpdate prints a condensed status line every 5 seconds.
func (ui *StdoutUI) OnUpdate(info stats.Snapshot) {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	now := time.Now()
	if now.Sub(ui.lastPrint) < 5*time.Second {
		return
	}
	ui.lastPrint = now

	fmt.Printf("[%s] Pending %d Running %d Done %d Failed %d Load %.2f\n",
		stats.FormatElapsed(info.Elapsed), info.Pending, info.Running,
		info.Succeeded, info.Failed, info.Load[0])
}

// LogEvent prints an event line.
func (ui *StdoutUI) LogEvent(message string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	fmt.Println(message)
}
