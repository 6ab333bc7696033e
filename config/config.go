// Package config holds all pmerge configuration: the driver's own flags
// scraped from the command line, the arguments passed through to the
// install executor, the optional INI config file, and the environment
// composed for executor children.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/ini.v1"
)

// Config holds all pmerge configuration.
type Config struct {
	// Driver flags
	Board       string  // install target root under /build
	ShowOutput  bool    // shorter progress intervals, dump all job logs
	Pretend     bool    // print the plan, never fork install children
	Jobs        int     // parallelism cap; default = CPU count
	LoadAverage float64 // 1-minute load ceiling; 0 = no gate

	// Paths and external commands
	LogDir        string
	HistoryDBPath string   // empty disables history recording
	MonitorFile   string   // empty disables the monitor export
	PlanFile      string   // read the resolver plan from a file
	ExecutorCmd   []string // install executor command
	ResolverCmd   []string // dependency resolver command

	// Display
	StatusUI bool

	// ExecutorArgs are the pass-through arguments for the executor,
	// already translated (see ParseArgs).
	ExecutorArgs []string

	// Atoms are the package atoms requested on the command line.
	Atoms []string
}

// Default locations probed for the config file.
var configPaths = []string{
	"/etc/pmerge/pmerge.ini",
	"/usr/local/etc/pmerge/pmerge.ini",
}

// Load builds a Config from defaults and the optional config file.
func Load() (*Config, error) {
	cfg := &Config{
		Jobs:        runtime.NumCPU(),
		ExecutorCmd: []string{"emerge"},
		ResolverCmd: []string{"emerge-resolve"},
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}

	path := os.Getenv("PMERGE_CONFIG")
	if path == "" {
		for _, candidate := range configPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.LogDir == "" {
		cfg.LogDir = "/var/log/pmerge"
	}
	if cfg.HistoryDBPath == "" {
		cfg.HistoryDBPath = filepath.Join(cfg.LogDir, "history.db")
	}

	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return err
	}

	section := file.Section("pmerge")
	if key := section.Key("jobs"); key.String() != "" {
		if n, err := key.Int(); err == nil && n > 0 {
			cfg.Jobs = n
		}
	}
	if key := section.Key("load_average"); key.String() != "" {
		if f, err := key.Float64(); err == nil && f > 0 {
			cfg.LoadAverage = f
		}
	}
	if v := section.Key("log_dir").String(); v != "" {
		cfg.LogDir = v
	}
	if v := section.Key("history_db").String(); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := section.Key("monitor_file").String(); v != "" {
		cfg.MonitorFile = v
	}
	if v := section.Key("executor").String(); v != "" {
		cfg.ExecutorCmd = splitCommand(v)
	}
	if v := section.Key("resolver").String(); v != "" {
		cfg.ResolverCmd = splitCommand(v)
	}
	if key := section.Key("status_ui"); key.String() != "" {
		cfg.StatusUI = key.MustBool(false)
	}

	return nil
}

// Validate checks configuration validity before the run starts.
func (cfg *Config) Validate() error {
	if cfg.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1")
	}
	if cfg.Jobs > 1024 {
		return fmt.Errorf("jobs is too large (max 1024)")
	}
	if len(cfg.ExecutorCmd) == 0 {
		return fmt.Errorf("no executor command configured")
	}
	if !cfg.Pretend && os.Geteuid() != 0 {
		return fmt.Errorf("superuser access is required")
	}
	return nil
}

func splitCommand(s string) []string {
	var out []string
	field := ""
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if field != "" {
				out = append(out, field)
				field = ""
			}
			continue
		}
		field += string(r)
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}
