package stats

import (
	"encoding/json"
	"time"

	"github.com/google/renameio"
)

// MonitorWriter exports each snapshot as JSON to a file, written
// atomically so an external watcher never reads a torn update.
type MonitorWriter struct {
	Path string
}

type monitorRecord struct {
	Snapshot
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	WrittenAt      time.Time `json:"written_at"`
}

// OnUpdate implements Consumer. Write errors are ignored; the monitor
// file is best effort and must never stall the scheduler.
func (w *MonitorWriter) OnUpdate(snap Snapshot) {
	rec := monitorRecord{
		Snapshot:       snap,
		ElapsedSeconds: snap.Elapsed.Seconds(),
		WrittenAt:      time.Now(),
	}
	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return
	}
	_ = renameio.WriteFile(w.Path, append(data, '\n'), 0644)
}
