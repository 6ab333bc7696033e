// Package sched dispatches install jobs according to the dependency
// graph. It owns the mutable graph, the priority-ordered ready set, the
// in-flight job table, the retry list and the failure set. Jobs go out
// on the task channel, completions come back on the result channel, and
// all human-facing output travels through the print channel.
package sched

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pmerge/graph"
	"pmerge/histdb"
	"pmerge/log"
	"pmerge/printer"
	"pmerge/proc"
	"pmerge/stats"
	"pmerge/worker"
)

// ErrKilled is returned when a signal aborted the run.
var ErrKilled = errors.New("exiting on signal")

// ErrDeadlock is returned when the graph is non-empty but no work can be
// made ready and nothing failed.
var ErrDeadlock = errors.New("deadlock! circular dependencies")

// FailedError reports packages that could not be installed.
type FailedError struct {
	Targets []string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("packages failed: %s", strings.Join(e.Targets, " ,"))
}

// Joiner is the worker pool as seen by the scheduler.
type Joiner interface {
	Join()
}

// PrintJoiner is the printer as seen by the scheduler.
type PrintJoiner interface {
	Close()
	Join() error
}

// Options configures a Scheduler.
type Options struct {
	// Procs caps in-flight jobs; clamped to the number of merge jobs.
	Procs int

	// LoadAvgCap, when > 0, caps in-flight jobs at 1 while the 1-minute
	// load average exceeds it.
	LoadAvgCap float64

	// ShowOutput shortens the progress intervals and dumps every
	// finished job's log instead of only failures.
	ShowOutput bool

	// Prints receives all status lines and job reports.
	Prints chan<- printer.Message

	// Send, when set, is used instead of Prints for every message. Wire
	// it to Printer.Send so the signal path never races a channel close.
	Send func(printer.Message)

	// Out is where diagnostics go once the printer is torn down
	// (deadlock graph dump). Defaults to os.Stdout.
	Out io.Writer

	// Ctl carries the shared kill flag.
	Ctl *proc.Controller

	// Logger receives library diagnostics; NoOpLogger if nil.
	Logger log.LibraryLogger

	// Results records per-package outcomes to the list files; may be nil.
	Results *log.Logger

	// History records install attempts; best effort, may be nil.
	History *histdb.DB

	// RunID tags history records with the invocation they belong to.
	RunID string

	// Consumers receive a stats snapshot on every status tick.
	Consumers []stats.Consumer

	// Events, when set, receives one line per job lifecycle event
	// (started, completed, failed, retrying) for the status UI.
	Events func(string)

	// LoadFn overrides the load-average source (tests).
	LoadFn func() [3]float64

	// PollTimeout overrides the 5 s result-channel poll (tests).
	PollTimeout time.Duration
}

// Scheduler holds all mutable install-run state. Not safe for use from
// multiple goroutines except where noted (DumpJobs).
type Scheduler struct {
	deps       graph.Graph
	ready      readyHeap
	retryQueue []string
	failed     map[string]bool
	retried    map[string]bool
	succeeded  int

	mu   sync.Mutex
	jobs map[string]*worker.JobState // nil value = dispatched, not started

	totalJobs  int
	procs      int
	loadAvgCap float64
	showOutput bool

	tasks       chan string
	results     chan *worker.JobState
	tasksClosed bool

	prints    chan<- printer.Message
	send      func(printer.Message)
	out       io.Writer
	ctl       *proc.Controller
	logger    log.LibraryLogger
	resLog    *log.Logger
	history   *histdb.DB
	runID     string
	consumers []stats.Consumer
	events    func(string)

	pool  Joiner
	print PrintJoiner

	attemptIDs  map[string]string
	loadFn      func() [3]float64
	pollTimeout time.Duration
	startTime   time.Time
}

// New builds a scheduler over the sanitized graph. The task and result
// channels are created here, sized so that posting never blocks; wire
// them into a worker pool and call AttachPool before Run.
func New(deps graph.Graph, opts Options) *Scheduler {
	total := deps.MergeCount()
	procs := opts.Procs
	if procs < 1 {
		procs = 1
	}
	if total > 0 && procs > total {
		procs = total
	}

	s := &Scheduler{
		deps:        deps,
		failed:      make(map[string]bool),
		retried:     make(map[string]bool),
		jobs:        make(map[string]*worker.JobState),
		totalJobs:   total,
		procs:       procs,
		loadAvgCap:  opts.LoadAvgCap,
		showOutput:  opts.ShowOutput,
		tasks:       make(chan string, len(deps)+procs+1),
		results:     make(chan *worker.JobState, 2*len(deps)+4),
		prints:      opts.Prints,
		send:        opts.Send,
		out:         opts.Out,
		ctl:         opts.Ctl,
		logger:      opts.Logger,
		resLog:      opts.Results,
		history:     opts.History,
		runID:       opts.RunID,
		consumers:   opts.Consumers,
		events:      opts.Events,
		attemptIDs:  make(map[string]string),
		loadFn:      opts.LoadFn,
		pollTimeout: opts.PollTimeout,
		startTime:   time.Now(),
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.logger == nil {
		s.logger = log.NoOpLogger{}
	}
	if s.ctl == nil {
		s.ctl = &proc.Controller{}
	}
	if s.loadFn == nil {
		s.loadFn = func() [3]float64 {
			load, _ := stats.LoadAverages()
			return load
		}
	}
	if s.pollTimeout <= 0 {
		s.pollTimeout = 5 * time.Second
	}

	// Everything with no unmet needs, or allowed to merge early, is
	// ready from the start.
	for target, node := range deps {
		if node.NoDeps || len(node.Needs) == 0 {
			s.ready = append(s.ready, scoreNode(target, node))
		}
	}
	heap.Init(&s.ready)

	return s
}

// Tasks is the channel the worker pool consumes from.
func (s *Scheduler) Tasks() <-chan string { return s.tasks }

// Results is the channel the worker pool reports on.
func (s *Scheduler) Results() chan<- *worker.JobState { return s.results }

// Procs returns the effective parallelism cap.
func (s *Scheduler) Procs() int { return s.procs }

// AttachPool hands the scheduler the pool and printer to join during
// teardown.
func (s *Scheduler) AttachPool(pool Joiner, print PrintJoiner) {
	s.pool = pool
	s.print = print
}

// Stats returns the run totals for the epilog and the history record.
func (s *Scheduler) Stats() histdb.RunStats {
	return histdb.RunStats{
		Total:     s.totalJobs,
		Succeeded: s.succeeded,
		Failed:    len(s.failed),
		Retried:   len(s.retried),
	}
}

// DumpJobs posts a report of every in-flight job to the print channel.
// Safe to call from the signal handler goroutine.
func (s *Scheduler) DumpJobs(unlink bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, target := range sortedKeys(s.jobs) {
		if job := s.jobs[target]; job != nil {
			s.emit(printer.JobPrinter{Job: *job, Unlink: unlink})
		}
	}
}

// Run drives the install to completion. It returns nil on full success,
// ErrDeadlock or a *FailedError on a doomed run, and ErrKilled when the
// kill flag aborted the run. The pool and printer are joined before Run
// returns.
func (s *Scheduler) Run() error {
	s.scheduleLoop()
	s.status()

	for len(s.deps) > 0 {
		if s.ctl.Killed() {
			s.exit()
			return ErrKilled
		}

		// Check that we are actually waiting for something.
		if len(s.tasks) == 0 && len(s.results) == 0 &&
			s.jobCount() == 0 && s.ready.Len() == 0 {
			if len(s.retryQueue) > 0 {
				s.retry()
			} else {
				return s.fail()
			}
		}

		job, ok := s.poll()
		if !ok {
			// Print an update every few poll timeouts.
			s.status()
			continue
		}

		s.handle(job)
		s.scheduleLoop()
		s.status()
	}

	s.epilog()
	s.printLine("Merge complete")
	s.exit()
	return nil
}

// poll waits for a completion event, refilling the ready queue on each
// timeout. Reports false when three timeouts pass without an event.
func (s *Scheduler) poll() (*worker.JobState, bool) {
	for i := 0; i < 3; i++ {
		timer := time.NewTimer(s.pollTimeout)
		select {
		case job := <-s.results:
			timer.Stop()
			return job, true
		case <-timer.C:
			s.scheduleLoop()
		}
	}
	return nil, false
}

// handle processes one worker event.
func (s *Scheduler) handle(job *worker.JobState) {
	target := job.Target

	if !job.Done {
		s.setJob(target, job)
		s.printLine(fmt.Sprintf("Started %s (logged in %s)", target, job.LogPath))
		s.event(fmt.Sprintf("started %s", target))
		s.historyStart(job)
		return
	}

	// Print output of job. A job that could not even open its log file
	// has nothing to show.
	if job.LogPath != "" {
		if s.showOutput || job.Retcode != 0 {
			s.emit(printer.JobPrinter{Job: *job, Unlink: true})
		} else {
			os.Remove(job.LogPath)
		}
	}
	s.deleteJob(target)

	details := fmt.Sprintf("%s (in %s)", target, stats.FormatElapsed(time.Since(job.StartTime)))
	previouslyFailed := s.failed[target]

	if job.Retcode != 0 {
		s.historyFinish(job, histdb.StatusFailed)
		s.logger.Error("install failed: %s (retcode %d)", target, job.Retcode)
		if s.resLog != nil {
			s.resLog.Failed(target, job.Retcode)
		}
		if previouslyFailed {
			// Second failure of the same package: the build is doomed.
			// Nothing re-queues the target, so the run drains and the
			// quiescence check reports the failure set.
			s.printLine(fmt.Sprintf("Failed %s. Your build has failed.", details))
			s.event(fmt.Sprintf("failed twice %s", target))
		} else {
			// Queue up this build to try again after a long while.
			s.retried[target] = true
			s.retryQueue = append(s.retryQueue, target)
			s.failed[target] = true
			s.printLine(fmt.Sprintf("Failed %s, retrying later.", details))
			s.event(fmt.Sprintf("failed %s, queued for retry", target))
		}
		return
	}

	s.historyFinish(job, histdb.StatusSuccess)
	s.succeeded++
	if s.resLog != nil {
		s.resLog.Success(target)
	}

	if previouslyFailed {
		delete(s.failed, target)
		if s.resLog != nil {
			s.resLog.Retried(target)
		}
	}

	s.printLine(fmt.Sprintf("Completed %s", details))
	s.event(fmt.Sprintf("completed %s", target))
	s.finish(target)

	if previouslyFailed && len(s.retryQueue) > 0 {
		// A retried package succeeded and more are waiting; kick the
		// next one. Only one retry runs at a time.
		s.retry()
	}
}

// schedule dispatches one target. A nomerge node is finished in place;
// a merge node is reserved in the job table and posted to the workers.
// Reports whether a job was actually dispatched.
func (s *Scheduler) schedule(target string) bool {
	// The graph tracks every dep; if this one no longer needs to be
	// installed, just free up its dependents and continue. It is
	// possible to reinstall deps of deps without reinstalling first
	// level deps (app (merge) -> tool (nomerge) -> lib (merge)).
	node := s.deps[target]
	switch {
	case node == nil:
	case node.Action == graph.ActionNoMerge:
		s.finish(target)
	case !s.hasJob(target):
		s.setJob(target, nil)
		s.tasks <- target
		return true
	}
	return false
}

// scheduleLoop fills the job table up to the parallelism cap. While the
// load average exceeds the configured ceiling, only one job may be in
// flight.
func (s *Scheduler) scheduleLoop() {
	needed := s.procs
	if s.loadAvgCap > 0 && s.loadFn()[0] > s.loadAvgCap {
		needed = 1
	}

	for s.ready.Len() > 0 && s.jobCount() < needed {
		item := heap.Pop(&s.ready).(readyItem)
		if !s.failed[item.target] {
			s.schedule(item.target)
		}
	}
}

// finish marks targets as completed and unblocks their dependents.
func (s *Scheduler) finish(target string) {
	work := []string{target}
	for len(work) > 0 {
		pkg := work[0]
		work = work[1:]

		node := s.deps[pkg]
		if node == nil {
			continue
		}
		if len(node.Needs) > 0 && node.NoDeps {
			// Installed early; dependents must still wait until this
			// node's own needs are fully met.
			node.Action = graph.ActionNoMerge
			continue
		}

		deps := make([]string, 0, len(node.Provides))
		for dep := range node.Provides {
			deps = append(deps, dep)
		}
		sort.Strings(deps)

		for _, dep := range deps {
			depNode := s.deps[dep]
			if depNode == nil {
				continue
			}
			delete(depNode.Needs, pkg)
			if len(depNode.Needs) > 0 {
				continue
			}
			if depNode.NoDeps && depNode.Action == graph.ActionNoMerge {
				work = append(work, dep)
			} else {
				heap.Push(&s.ready, scoreNode(dep, depNode))
			}
		}
		delete(s.deps, pkg)
	}
}

// retry dispatches the next queued retry, if any can be scheduled.
func (s *Scheduler) retry() {
	for len(s.retryQueue) > 0 {
		target := s.retryQueue[0]
		s.retryQueue = s.retryQueue[1:]
		if s.schedule(target) {
			s.printLine(fmt.Sprintf("Retrying install of %s.", target))
			s.event(fmt.Sprintf("retrying %s", target))
			break
		}
	}
}

// status reports progress: dump long-silent job logs, nudge about
// still-running jobs, or print the one-line queue summary. Also fans a
// snapshot out to the registered consumers.
func (s *Scheduler) status() {
	now := time.Now()
	noOutput := true

	// Print interim output every minute under --show-output. Otherwise
	// notify about running packages every 2 minutes and dump full output
	// for jobs silent for an hour or more.
	var interval, notifyInterval time.Duration
	if s.showOutput {
		interval = time.Minute
	} else {
		interval = time.Hour
		notifyInterval = 2 * time.Minute
	}

	s.mu.Lock()
	for _, target := range sortedKeys(s.jobs) {
		job := s.jobs[target]
		if job == nil {
			continue
		}
		last := job.StartTime
		if job.LastOutput.After(last) {
			last = job.LastOutput
		}
		if now.Sub(last) > interval {
			s.emit(printer.JobPrinter{Job: *job, Now: now})
			job.LastOutput = now
			noOutput = false
		} else if notifyInterval > 0 && now.Sub(job.LastNotify) > notifyInterval {
			s.emit(printer.LinePrinter{Line: fmt.Sprintf(
				"Still building %s (%s). Logs in %s",
				job.PkgName, stats.FormatElapsed(now.Sub(job.StartTime)), job.LogPath)})
			job.LastNotify = now
			noOutput = false
		}
	}
	s.mu.Unlock()

	snap := s.snapshot(now)
	if noOutput {
		s.printLine(fmt.Sprintf(
			"Pending %d, Ready %d, Running %d, Retrying %d, Total %d [Time %s Load %s]",
			snap.Pending, snap.Ready, snap.Running, snap.Retrying, snap.Total,
			stats.FormatElapsed(snap.Elapsed), stats.FormatLoad(snap.Load)))
	}
	for _, c := range s.consumers {
		c.OnUpdate(snap)
	}
}

func (s *Scheduler) snapshot(now time.Time) stats.Snapshot {
	return stats.Snapshot{
		Pending:   len(s.deps),
		Ready:     s.ready.Len(),
		Running:   s.jobCount(),
		Retrying:  len(s.retryQueue),
		Total:     s.totalJobs,
		Succeeded: s.succeeded,
		Failed:    len(s.failed),
		Elapsed:   now.Sub(s.startTime),
		Load:      s.loadFn(),
	}
}

// epilog warns about packages that only succeeded on retry; their
// declared dependencies are suspect.
func (s *Scheduler) epilog() {
	if len(s.retried) == 0 {
		return
	}
	s.printLine("")
	s.printLine("WARNING: The following packages failed the first time,")
	s.printLine("but succeeded upon retry. This might indicate incorrect")
	s.printLine("dependencies.")
	for _, target := range sortedKeys(s.retried) {
		s.printLine("  " + target)
	}
	s.printLine("")
}

// fail tears down after a doomed run: the dependency map is dumped for
// debugging, then either the failure set or a deadlock is reported.
func (s *Scheduler) fail() error {
	s.exit()

	for _, line := range s.deps.DumpLines() {
		fmt.Fprintln(s.out, line)
	}

	if len(s.failed) > 0 {
		return &FailedError{Targets: sortedKeys(s.failed)}
	}
	return ErrDeadlock
}

// exit signals the workers to stop, joins the pool, then drains and
// closes the print channel and joins the printer. Safe to call twice.
func (s *Scheduler) exit() {
	if !s.tasksClosed {
		close(s.tasks)
		s.tasksClosed = true
	}
	if s.pool != nil {
		s.pool.Join()
		s.pool = nil
	}
	if s.print != nil {
		s.print.Close()
		if err := s.print.Join(); err != nil {
			s.logger.Error("printer: %v", err)
		}
		s.print = nil
	}
}

func (s *Scheduler) emit(msg printer.Message) {
	if s.send != nil {
		s.send(msg)
		return
	}
	s.prints <- msg
}

func (s *Scheduler) printLine(line string) {
	s.emit(printer.LinePrinter{Line: line})
}

// event mirrors a lifecycle line to the status UI, when one is attached.
func (s *Scheduler) event(line string) {
	if s.events != nil {
		s.events(line)
	}
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) hasJob(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[target]
	return ok
}

func (s *Scheduler) setJob(target string, job *worker.JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[target] = job
}

func (s *Scheduler) deleteJob(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, target)
}

// historyStart records a running attempt; best effort.
func (s *Scheduler) historyStart(job *worker.JobState) {
	if s.history == nil {
		return
	}
	id := uuid.New().String()
	s.attemptIDs[job.Target] = id
	rec := &histdb.AttemptRecord{
		UUID:      id,
		RunID:     s.runID,
		Target:    job.Target,
		Status:    histdb.StatusRunning,
		Retry:     s.failed[job.Target],
		LogPath:   job.LogPath,
		StartTime: job.StartTime,
	}
	if err := s.history.SaveAttempt(rec); err != nil {
		s.logger.Error("history: %v", err)
	}
}

// historyFinish closes out an attempt record; best effort.
func (s *Scheduler) historyFinish(job *worker.JobState, status string) {
	if s.history == nil {
		return
	}
	id := s.attemptIDs[job.Target]
	if id == "" {
		return
	}
	delete(s.attemptIDs, job.Target)
	rec := &histdb.AttemptRecord{
		UUID:      id,
		RunID:     s.runID,
		Target:    job.Target,
		Status:    status,
		Retry:     s.failed[job.Target],
		Retcode:   job.Retcode,
		LogPath:   job.LogPath,
		StartTime: job.StartTime,
		EndTime:   time.Now(),
	}
	if err := s.history.SaveAttempt(rec); err != nil {
		s.logger.Error("history: %v", err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
