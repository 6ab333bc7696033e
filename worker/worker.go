// Package worker runs install jobs. A fixed pool of workers consumes
// package ids from the task channel, runs the external install executor
// in a supervised child process with its output captured to a per-job
// log file, and reports start/completion events on the result channel.
package worker

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"pmerge/graph"
	"pmerge/proc"
)

// JobState describes one dispatched install job. A state with Done=false
// is a start event; Done=true carries the final return code.
type JobState struct {
	// Target is the full package id being merged.
	Target string

	// PkgName is the short name used in log prefixes.
	PkgName string

	// Done reports whether the job has finished.
	Done bool

	// LogPath is the file the job's output is captured in.
	LogPath string

	// StartTime is when the job was dispatched to the executor.
	StartTime time.Time

	// LastNotify is the last time the scheduler mentioned the job in a
	// "still building" notice. Starts at StartTime.
	LastNotify time.Time

	// LastOutput is the last time the job's log was dumped to the
	// terminal. Zero until the first dump.
	LastOutput time.Time

	// LastOutputSeek is not updated by the pool or the scheduler; the
	// printer keeps its per-log read cursors in its own seek map.
	LastOutputSeek int64

	// Retcode is the job's exit code, valid once Done is true.
	Retcode int
}

// Executor runs the install of a single package and returns its exit
// code. Failures to even start the child are written to the log file and
// reported as exit code 1; Run never returns an error.
type Executor interface {
	Run(target string, logFile *os.File) int
}

// Pool is a fixed-size set of install workers.
type Pool struct {
	tasks   <-chan string
	results chan<- *JobState
	exec    Executor
	ctl     *proc.Controller
	tmpDir  string
	group   errgroup.Group
}

// NewPool starts n workers consuming from tasks and reporting on
// results. Workers exit when the task channel is closed or the
// controller's kill flag is set. Call Join to wait for them.
func NewPool(n int, tasks <-chan string, results chan<- *JobState, exec Executor, ctl *proc.Controller) *Pool {
	p := &Pool{
		tasks:   tasks,
		results: results,
		exec:    exec,
		ctl:     ctl,
		tmpDir:  os.TempDir(),
	}
	for i := 0; i < n; i++ {
		p.group.Go(p.run)
	}
	return p
}

// Join blocks until every worker has exited.
func (p *Pool) Join() {
	// Workers never return errors; failures travel as retcodes.
	_ = p.group.Wait()
}

func (p *Pool) run() error {
	for target := range p.tasks {
		if p.ctl.Killed() {
			return nil
		}
		p.merge(target)
		if p.ctl.Killed() {
			return nil
		}
	}
	return nil
}

// merge runs one install job: create the log file, announce the start,
// run the executor child, and report the result.
func (p *Pool) merge(target string) {
	pkgname := graph.ShortName(target)

	logFile, err := os.CreateTemp(p.tmpDir, pkgname+"-")
	if err != nil {
		// Without a log file there is nothing to capture into; report
		// the failure with an empty log path.
		now := time.Now()
		p.results <- &JobState{
			Target:     target,
			PkgName:    pkgname,
			Done:       true,
			StartTime:  now,
			LastNotify: now,
			Retcode:    1,
		}
		return
	}

	start := time.Now()
	p.results <- &JobState{
		Target:     target,
		PkgName:    pkgname,
		LogPath:    logFile.Name(),
		StartTime:  start,
		LastNotify: start,
	}

	if p.ctl.Killed() {
		logFile.Close()
		return
	}

	retcode := p.exec.Run(target, logFile)
	logFile.Close()

	if p.ctl.Killed() {
		return
	}

	p.results <- &JobState{
		Target:     target,
		PkgName:    pkgname,
		Done:       true,
		LogPath:    logFile.Name(),
		StartTime:  start,
		LastNotify: start,
		Retcode:    retcode,
	}
}

// FormatJob renders the "job name (XmY.Ys)" tag used in printer banners.
func FormatJob(job *JobState, now time.Time) string {
	seconds := now.Sub(job.StartTime).Seconds()
	return fmt.Sprintf("job %s (%dm%.1fs)", job.PkgName, int(seconds)/60, seconds-float64(int(seconds)/60*60))
}
