package printer

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pmerge/worker"
)

func TestLinePrinter(t *testing.T) {
	var out bytes.Buffer
	seek := make(map[string]int64)

	if err := (LinePrinter{Line: "hello"}).Print(&out, seek); err != nil {
		t.Fatalf("Print failed: %v", err)
	}
	if out.String() != "hello\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestJobPrinterCursor(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "vim-1.log")
	if err := os.WriteFile(logPath, []byte("line one\nline two\npartial"), 0644); err != nil {
		t.Fatal(err)
	}

	job := worker.JobState{
		Target:    "editors/vim-1",
		PkgName:   "vim-1",
		LogPath:   logPath,
		StartTime: time.Now().Add(-65 * time.Second),
	}
	seek := make(map[string]int64)
	var out bytes.Buffer

	if err := (JobPrinter{Job: job}).Print(&out, seek); err != nil {
		t.Fatalf("Print failed: %v", err)
	}
	first := out.String()
	if !strings.Contains(first, "=== Start output for job vim-1") {
		t.Fatalf("missing start banner:\n%s", first)
	}
	if !strings.Contains(first, "vim-1: line one\n") || !strings.Contains(first, "vim-1: line two\n") {
		t.Fatalf("missing log lines:\n%s", first)
	}
	if !strings.Contains(first, "vim-1: partial\n") {
		t.Fatalf("partial line not shown:\n%s", first)
	}
	if !strings.Contains(first, "=== Still running: job vim-1") {
		t.Fatalf("missing still-running trailer:\n%s", first)
	}
	// Cursor stops at the last complete line.
	if want := int64(len("line one\nline two\n")); seek[logPath] != want {
		t.Fatalf("cursor = %d, want %d", seek[logPath], want)
	}

	// The job makes progress; a later report continues where the last
	// complete line ended.
	if err := os.WriteFile(logPath, []byte("line one\nline two\npartial done\n"), 0644); err != nil {
		t.Fatal(err)
	}
	job.Done = true
	out.Reset()
	if err := (JobPrinter{Job: job, Unlink: true}).Print(&out, seek); err != nil {
		t.Fatalf("second Print failed: %v", err)
	}
	second := out.String()
	if !strings.Contains(second, "=== Continue output for job vim-1") {
		t.Fatalf("missing continue banner:\n%s", second)
	}
	if !strings.Contains(second, "vim-1: partial done\n") {
		t.Fatalf("continued line missing:\n%s", second)
	}
	if strings.Contains(second, "line one") {
		t.Fatalf("already-printed line repeated:\n%s", second)
	}
	if !strings.Contains(second, "=== Complete: job vim-1") {
		t.Fatalf("missing complete trailer:\n%s", second)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("log file not unlinked")
	}
}

func TestPrinterRunAndJoin(t *testing.T) {
	var out bytes.Buffer
	p := New(&out)
	p.Start()

	p.Send(LinePrinter{Line: "one"})
	p.Send(LinePrinter{Line: "two"})
	p.Flush()

	if got := out.String(); got != "one\ntwo\n" {
		t.Fatalf("output = %q", got)
	}

	p.Close()
	p.Close() // idempotent
	if err := p.Join(); err != nil {
		t.Fatalf("Join = %v", err)
	}

	// Sends after close are dropped, not panics.
	p.Send(LinePrinter{Line: "three"})
	p.Flush()
}

func TestPrinterMissingLogFileAborts(t *testing.T) {
	var out bytes.Buffer
	p := New(&out)
	p.Start()

	p.Send(JobPrinter{Job: worker.JobState{PkgName: "x", LogPath: "/nonexistent/x.log"}})
	p.Close()
	if err := p.Join(); err == nil {
		t.Fatalf("expected IO error to propagate")
	}
}
