// Package printer serializes all terminal output for the driver. It is
// the single consumer of the print channel: status lines from the
// scheduler and captured job output from the workers both pass through
// here, so two job reports are never interleaved line by line.
//
// Per-file read cursors are kept across messages, so partial output from
// a long job can be continued in a later report without repeating lines.
package printer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"pmerge/worker"
)

// Message is one unit of output. Print receives the shared seek-cursor
// map keyed by log path.
type Message interface {
	Print(out io.Writer, seek map[string]int64) error
}

// LinePrinter prints a single line.
type LinePrinter struct {
	Line string
}

func (m LinePrinter) Print(out io.Writer, seek map[string]int64) error {
	_, err := fmt.Fprintln(out, m.Line)
	return err
}

// JobPrinter prints the output of a job accumulated since the last
// report. Job is a snapshot copy; the scheduler keeps the live state.
// When Unlink is set the log file is deleted after printing.
type JobPrinter struct {
	Job    worker.JobState
	Unlink bool
	Now    time.Time
}

func (m JobPrinter) Print(out io.Writer, seek map[string]int64) error {
	job := m.Job
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}
	info := worker.FormatJob(&job, now)

	lastSeek := seek[job.LogPath]
	if lastSeek > 0 {
		fmt.Fprintf(out, "=== Continue output for %s ===\n", info)
	} else {
		fmt.Fprintf(out, "=== Start output for %s ===\n", info)
	}

	f, err := os.Open(job.LogPath)
	if err != nil {
		return err
	}
	if _, err := f.Seek(lastSeek, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	prefix := job.PkgName + ":"
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if strings.HasSuffix(line, "\n") {
				// Only complete lines advance the cursor; a partial tail
				// is reprinted by the next report once it completes.
				lastSeek += int64(len(line))
				line = line[:len(line)-1]
			}
			fmt.Fprintf(out, "%s %s\n", prefix, line)
		}
		if err != nil {
			if err != io.EOF {
				f.Close()
				return err
			}
			break
		}
	}
	f.Close()

	seek[job.LogPath] = lastSeek

	if job.Done {
		fmt.Fprintf(out, "=== Complete: %s ===\n", info)
	} else {
		fmt.Fprintf(out, "=== Still running: %s ===\n", info)
	}

	if m.Unlink {
		os.Remove(job.LogPath)
	}
	return nil
}

// Printer consumes messages until its channel is closed.
type Printer struct {
	ch     chan Message
	out    io.Writer
	seek   map[string]int64
	done   chan struct{}
	err    error
	mu     sync.Mutex
	closed bool
}

// New creates a printer writing to out. The channel is buffered so
// workers and the scheduler rarely block on terminal IO.
func New(out io.Writer) *Printer {
	return &Printer{
		ch:   make(chan Message, 256),
		out:  out,
		done: make(chan struct{}),
	}
}

// Send posts a message unless the printer is already closed. Safe to
// call from the signal handler while the scheduler is tearing down.
func (p *Printer) Send(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.ch <- msg
}

// Flush blocks until every message posted so far has been printed.
func (p *Printer) Flush() {
	token := flushMsg{ch: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.ch <- token
	p.mu.Unlock()
	select {
	case <-token.ch:
	case <-p.done:
	}
}

// flushMsg is an internal barrier message.
type flushMsg struct {
	ch chan struct{}
}

func (m flushMsg) Print(out io.Writer, seek map[string]int64) error {
	close(m.ch)
	return nil
}

// Start launches the consumer goroutine.
func (p *Printer) Start() {
	go p.run()
}

func (p *Printer) run() {
	defer close(p.done)
	for msg := range p.ch {
		if err := msg.Print(p.out, p.seekLocations()); err != nil {
			// A signal can interrupt terminal IO mid-write; keep going.
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			p.err = err
			// Drain remaining messages so senders never block; flush
			// barriers are still honored.
			for m := range p.ch {
				if f, ok := m.(flushMsg); ok {
					close(f.ch)
				}
			}
			return
		}
	}
}

// seekLocations lazily initializes the cursor map, which lives for the
// printer's lifetime.
func (p *Printer) seekLocations() map[string]int64 {
	if p.seek == nil {
		p.seek = make(map[string]int64)
	}
	return p.seek
}

// Close closes the print channel; no more messages may be sent.
// Idempotent.
func (p *Printer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}

// Join waits for the consumer to finish and reports any fatal IO error.
func (p *Printer) Join() error {
	<-p.done
	return p.err
}
