// Package proc owns process-group and signal lifecycle for the driver.
// The controller places the process in its own group before any worker
// child is forked, watches for interrupt/terminate signals, and exposes
// the shared kill flag observed by the scheduler, workers and printer.
//
// First signal: the kill flag is set and the registered handler runs
// (flush job logs, announce, orderly teardown). A second signal
// hard-kills the whole process group.
package proc

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Controller coordinates shutdown across the scheduler, the worker pool
// and the printer.
type Controller struct {
	killed  atomic.Bool
	sigCh   chan os.Signal
	stopped chan struct{}
}

// New creates a controller and detaches the driver into a fresh process
// group, so a later hard-kill fans out to every install child without
// touching the invoking shell. Must run before the first worker starts.
func New() *Controller {
	// Session leaders fail Setsid; fall back to a plain process group.
	if _, err := unix.Setsid(); err != nil {
		_ = unix.Setpgid(0, 0)
	}
	return &Controller{
		sigCh:   make(chan os.Signal, 2),
		stopped: make(chan struct{}),
	}
}

// Watch installs the signal handlers. onFirst runs on the first
// interrupt or terminate signal, after the kill flag is set; it is
// expected not to return (orderly teardown then exit). Any further
// signal kills the process group outright.
func (c *Controller) Watch(onFirst func(sig os.Signal)) {
	signal.Notify(c.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		first := true
		for {
			select {
			case sig := <-c.sigCh:
				if first {
					first = false
					c.killed.Store(true)
					go onFirst(sig)
					continue
				}
				c.KillGroup()
			case <-c.stopped:
				return
			}
		}
	}()
}

// Stop removes the signal handlers on orderly completion.
func (c *Controller) Stop() {
	signal.Stop(c.sigCh)
	close(c.stopped)
}

// Kill sets the kill flag without a signal (used by tests and by the
// status UI's interrupt handler).
func (c *Controller) Kill() {
	c.killed.Store(true)
}

// Killed reports whether shutdown has been requested.
func (c *Controller) Killed() bool {
	return c.killed.Load()
}

// KillGroup sends SIGKILL to the whole process group, including every
// install child. Does not return an error; there is nothing left to do
// with one.
func (c *Controller) KillGroup() {
	_ = unix.Kill(-unix.Getpgrp(), unix.SIGKILL)
}
