package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Options the serial executor supports but this driver cannot honor.
var unsupportedOpts = []string{"--ask", "--ask-enter-invalid", "--resume", "--skipfirst"}

// Packages that take so long to build that automatic rebuilds triggered
// by a recompiled dependency are not worth it.
var rebuildExcludes = []string{
	"chromeos-base/chromeos-chrome",
	"media-plugins/o3d",
	"dev-java/icedtea",
}

// ParseArgs scrapes the driver's own flags out of argv and translates
// the rest into executor arguments. Anything that is not ours passes
// through unchanged; arguments without a leading dash are package atoms.
func (cfg *Config) ParseArgs(argv []string) error {
	for _, arg := range argv {
		switch {
		case strings.HasPrefix(arg, "--board="):
			cfg.Board = strings.TrimPrefix(arg, "--board=")
		case strings.HasPrefix(arg, "--workon="):
			// Forced rebuilds: reinstall the atoms and refuse their
			// prebuilt packages.
			atoms := strings.TrimPrefix(arg, "--workon=")
			cfg.ExecutorArgs = append(cfg.ExecutorArgs,
				"--reinstall-atoms="+atoms,
				"--usepkg-exclude="+atoms)
		case strings.HasPrefix(arg, "--force-remote-binary="):
			atoms := strings.TrimPrefix(arg, "--force-remote-binary=")
			cfg.ExecutorArgs = append(cfg.ExecutorArgs, "--useoldpkg-atoms="+atoms)
		case arg == "--show-output":
			cfg.ShowOutput = true
		case arg == "--rebuild":
			cfg.ExecutorArgs = append(cfg.ExecutorArgs, "--rebuild-if-unbuilt")
		case arg == "--pretend":
			cfg.Pretend = true
			cfg.ExecutorArgs = append(cfg.ExecutorArgs, arg)
		case strings.HasPrefix(arg, "--jobs="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "--jobs="))
			if err != nil || n < 1 {
				return fmt.Errorf("invalid --jobs value %q", strings.TrimPrefix(arg, "--jobs="))
			}
			cfg.Jobs = n
		case strings.HasPrefix(arg, "--load-average="):
			f, err := strconv.ParseFloat(strings.TrimPrefix(arg, "--load-average="), 64)
			if err != nil || f <= 0 {
				return fmt.Errorf("invalid --load-average value %q", strings.TrimPrefix(arg, "--load-average="))
			}
			cfg.LoadAverage = f
		case strings.HasPrefix(arg, "--plan-file="):
			cfg.PlanFile = strings.TrimPrefix(arg, "--plan-file=")
		case strings.HasPrefix(arg, "--resolver-cmd="):
			cfg.ResolverCmd = splitCommand(strings.TrimPrefix(arg, "--resolver-cmd="))
		case strings.HasPrefix(arg, "--executor-cmd="):
			cfg.ExecutorCmd = splitCommand(strings.TrimPrefix(arg, "--executor-cmd="))
		case strings.HasPrefix(arg, "--log-dir="):
			cfg.LogDir = strings.TrimPrefix(arg, "--log-dir=")
		case strings.HasPrefix(arg, "--history-db="):
			cfg.HistoryDBPath = strings.TrimPrefix(arg, "--history-db=")
		case strings.HasPrefix(arg, "--monitor-file="):
			cfg.MonitorFile = strings.TrimPrefix(arg, "--monitor-file=")
		case arg == "--status-ui":
			cfg.StatusUI = true
		case !strings.HasPrefix(arg, "-"):
			cfg.Atoms = append(cfg.Atoms, arg)
		default:
			// Not one of our options; pass through to the executor.
			for _, opt := range unsupportedOpts {
				if arg == opt || strings.HasPrefix(arg, opt+"=") {
					return fmt.Errorf("%s is not supported by pmerge", opt)
				}
			}
			cfg.ExecutorArgs = append(cfg.ExecutorArgs, arg)
		}
	}

	for _, pkg := range rebuildExcludes {
		cfg.ExecutorArgs = append(cfg.ExecutorArgs, "--rebuild-exclude="+pkg)
	}

	return nil
}

// ExecutorArgv assembles the full executor command line, minus the
// per-job target appended by the worker.
func (cfg *Config) ExecutorArgv() []string {
	return append(append([]string{}, cfg.ExecutorCmd...), cfg.ExecutorArgs...)
}
