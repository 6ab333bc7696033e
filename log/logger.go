package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger manages the per-run list files under the log directory. The
// results file carries the full timeline; the numbered lists are flat
// package lists that scripts can consume.
type Logger struct {
	dir         string
	resultsFile *os.File
	successFile *os.File
	failureFile *os.File
	retriedFile *os.File
	mu          sync.Mutex
}

// NewLogger creates the log directory and opens the list files.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	l := &Logger{dir: dir}

	var err error
	l.resultsFile, err = os.Create(filepath.Join(dir, "00_last_results.log"))
	if err != nil {
		return nil, err
	}
	l.successFile, err = os.Create(filepath.Join(dir, "01_success_list.log"))
	if err != nil {
		return nil, err
	}
	l.failureFile, err = os.Create(filepath.Join(dir, "02_failure_list.log"))
	if err != nil {
		return nil, err
	}
	l.retriedFile, err = os.Create(filepath.Join(dir, "03_retried_list.log"))
	if err != nil {
		return nil, err
	}

	l.writeHeaders()

	return l, nil
}

// Close closes all list files.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range []*os.File{l.resultsFile, l.successFile, l.failureFile, l.retriedFile} {
		if f != nil {
			f.Close()
		}
	}
}

func (l *Logger) writeHeaders() {
	timestamp := time.Now().Format(time.RFC3339)

	fmt.Fprintf(l.resultsFile, "pmerge install log - %s\n", timestamp)
	fmt.Fprintf(l.resultsFile, "%s\n\n", strings.Repeat("=", 70))

	fmt.Fprintf(l.successFile, "Successful installs - %s\n\n", timestamp)
	fmt.Fprintf(l.failureFile, "Failed installs - %s\n\n", timestamp)
	fmt.Fprintf(l.retriedFile, "Retried installs - %s\n\n", timestamp)
}

// Success logs a successful install.
func (l *Logger) Success(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.resultsFile, "[%s] SUCCESS: %s\n", timestamp, target)
	l.successFile.WriteString(target + "\n")

	l.resultsFile.Sync()
	l.successFile.Sync()
}

// Failed logs a failed install.
func (l *Logger) Failed(target string, retcode int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.resultsFile, "[%s] FAILED: %s (retcode %d)\n", timestamp, target, retcode)
	fmt.Fprintf(l.failureFile, "%s (retcode %d)\n", target, retcode)

	l.resultsFile.Sync()
	l.failureFile.Sync()
}

// Retried logs a package that failed once and succeeded on retry.
func (l *Logger) Retried(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.resultsFile, "[%s] RETRIED: %s\n", timestamp, target)
	l.retriedFile.WriteString(target + "\n")

	l.resultsFile.Sync()
	l.retriedFile.Sync()
}

// Info logs an informational message to the results file.
func (l *Logger) Info(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.resultsFile, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
	l.resultsFile.Sync()
}

// Debug is a no-op for the file logger; debug output is test-only.
func (l *Logger) Debug(format string, args ...any) {}

// Warn logs a warning message to the results file.
func (l *Logger) Warn(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.resultsFile, "[%s] WARN: %s\n", timestamp, fmt.Sprintf(format, args...))
	l.resultsFile.Sync()
}

// Error logs an error message to the results file.
func (l *Logger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(l.resultsFile, "[%s] ERROR: %s\n", timestamp, fmt.Sprintf(format, args...))
	l.resultsFile.Sync()
}

// ResultsWriter returns a locked writer onto the results file. Used to
// redirect the progress printer when a full-screen status UI owns the
// terminal.
func (l *Logger) ResultsWriter() io.Writer {
	return &lockedWriter{l: l}
}

type lockedWriter struct {
	l *Logger
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.l.resultsFile.Write(p)
}

// WriteSummary appends the end-of-run totals to the results file.
func (l *Logger) WriteSummary(total, success, failed, retried int, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.resultsFile, "\n%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.resultsFile, "INSTALL SUMMARY\n")
	fmt.Fprintf(l.resultsFile, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(l.resultsFile, "Total merges:      %d\n", total)
	fmt.Fprintf(l.resultsFile, "Success:           %d\n", success)
	fmt.Fprintf(l.resultsFile, "Failed:            %d\n", failed)
	fmt.Fprintf(l.resultsFile, "Retried:           %d\n", retried)
	fmt.Fprintf(l.resultsFile, "Duration:          %s\n", duration)
	fmt.Fprintf(l.resultsFile, "%s\n", strings.Repeat("=", 70))

	l.resultsFile.Sync()
}
