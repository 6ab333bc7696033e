// Package cmd wires the pmerge components together behind the CLI. Flag
// handling is deliberately manual: pmerge scrapes its own options out of
// the command line and passes everything else through to the install
// executor, so cobra's flag parsing is disabled.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pmerge/config"
	"pmerge/graph"
	"pmerge/histdb"
	"pmerge/log"
	"pmerge/printer"
	"pmerge/proc"
	"pmerge/resolver"
	"pmerge/sched"
	"pmerge/stats"
	"pmerge/ui"
	"pmerge/worker"
)

var rootCmd = &cobra.Command{
	Use:   "pmerge [options] [atoms...]",
	Short: "Parallel package-install driver",
	Long: `pmerge installs packages in parallel. It asks the resolver for the
full dependency graph up front, then runs mutually independent install
jobs concurrently while respecting ordering constraints.

Options pmerge does not recognize are passed through to the install
executor unchanged.`,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE:               runRoot,
}

// Execute runs the CLI. All hard failures exit 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pmerge: %v\n", err)
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" {
			return cmd.Help()
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ParseArgs(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Atoms) == 0 && cfg.PlanFile == "" {
		return fmt.Errorf("no packages specified")
	}

	plan, err := loadPlan(cfg)
	if err != nil {
		return err
	}

	fmt.Println("Calculating deps...")
	deps := graph.Build(plan, log.StdoutLogger{})

	if cfg.Pretend {
		lines, err := deps.InstallPlan()
		if err != nil {
			for _, line := range deps.DumpLines() {
				fmt.Println(line)
			}
			return err
		}
		for _, target := range lines {
			node := deps[target]
			fmt.Printf("[%s] %s\n", node.Action, target)
		}
		fmt.Println("Skipping merge because of --pretend mode.")
		return nil
	}

	return runInstall(cfg, deps)
}

func loadPlan(cfg *config.Config) (*resolver.Plan, error) {
	if cfg.PlanFile != "" {
		return resolver.ReadPlanFile(cfg.PlanFile)
	}
	r := resolver.NewCmdResolver(cfg.ResolverCmd, cfg.ExecEnv())
	return r.Resolve(context.Background(), cfg.Atoms)
}

func runInstall(cfg *config.Config, deps graph.Graph) error {
	// The process group must be ours before the first worker forks, so
	// the hard kill can fan out without touching the invoking shell.
	ctl := proc.New()
	startTime := time.Now()

	resLog, err := log.NewLogger(cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pmerge: results logging disabled: %v\n", err)
		resLog = nil
	}

	var history *histdb.DB
	runID := uuid.New().String()
	if cfg.HistoryDBPath != "" {
		history, err = histdb.Open(cfg.HistoryDBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pmerge: history disabled: %v\n", err)
			history = nil
		} else if err := history.StartRun(runID, time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "pmerge: history: %v\n", err)
		}
	}

	var statusUI ui.StatusUI
	var printOut io.Writer = os.Stdout
	if cfg.StatusUI {
		if resLog != nil {
			// The curses display owns the terminal; job output and
			// status lines go to the results log instead.
			statusUI = ui.NewCursesUI()
			printOut = resLog.ResultsWriter()
		} else {
			// Without a results log to absorb the printer there is no
			// terminal to give away; fall back to throttled lines.
			statusUI = ui.NewStdoutUI()
		}
	}

	pr := printer.New(printOut)
	pr.Start()

	var consumers []stats.Consumer
	if statusUI != nil {
		consumers = append(consumers, statusUI)
	}
	if cfg.MonitorFile != "" {
		consumers = append(consumers, &stats.MonitorWriter{Path: cfg.MonitorFile})
	}

	var logger log.LibraryLogger = log.NoOpLogger{}
	if resLog != nil {
		logger = resLog
	}

	opts := sched.Options{
		Procs:      cfg.Jobs,
		LoadAvgCap: cfg.LoadAverage,
		ShowOutput: cfg.ShowOutput,
		Send:       pr.Send,
		Ctl:        ctl,
		Logger:     logger,
		Results:    resLog,
		History:    history,
		RunID:      runID,
		Consumers:  consumers,
	}
	if statusUI != nil {
		opts.Events = statusUI.LogEvent
	}
	s := sched.New(deps, opts)

	exec := &worker.CmdExecutor{Argv: cfg.ExecutorArgv(), Env: cfg.ExecEnv()}
	pool := worker.NewPool(s.Procs(), s.Tasks(), s.Results(), exec, ctl)
	s.AttachPool(pool, pr)

	// First signal: flush in-flight job logs, announce, and take the
	// whole process group down. A second signal hard-kills immediately.
	ctl.Watch(func(sig os.Signal) {
		s.DumpJobs(true)
		pr.Send(printer.LinePrinter{Line: fmt.Sprintf("Exiting on signal %v", sig)})
		pr.Flush()
		if statusUI != nil {
			statusUI.Stop()
		}
		ctl.KillGroup()
		os.Exit(1)
	})

	if statusUI != nil {
		if err := statusUI.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "pmerge: status UI disabled: %v\n", err)
			statusUI = nil
		} else if cui, ok := statusUI.(*ui.CursesUI); ok {
			cui.SetInterruptHandler(func() {
				ctl.Kill()
				ctl.KillGroup()
				os.Exit(1)
			})
		}
	}

	runErr := s.Run()
	ctl.Stop()
	if statusUI != nil {
		statusUI.Stop()
	}

	totals := s.Stats()
	if resLog != nil {
		resLog.WriteSummary(totals.Total, totals.Succeeded, totals.Failed, totals.Retried, time.Since(startTime))
		resLog.Close()
	}
	if history != nil {
		if err := history.FinishRun(runID, totals, time.Now(), runErr != nil); err != nil {
			fmt.Fprintf(os.Stderr, "pmerge: history: %v\n", err)
		}
		history.Close()
	}

	return runErr
}
