package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ExecEnv composes the environment for executor children once, at
// startup. Children inherit exactly what the pool hands them; the
// driver never mutates its own environment ad hoc mid-run.
func (cfg *Config) ExecEnv() []string {
	env := environMap()

	// Point the executor's tools at the board root and set up cross
	// compiles for it.
	if cfg.Board != "" {
		root := "/build/" + cfg.Board
		env["PORTAGE_CONFIGROOT"] = root
		env["PORTAGE_SYSROOT"] = root
		env["SYSROOT"] = root
	}

	// Turn off interactive delays.
	env["EBEEP_IGNORE"] = "1"
	env["EPAUSE_IGNORE"] = "1"
	env["UNMERGE_DELAY"] = "0"

	// The executor's service user, when the environment does not name
	// one already.
	if env["PORTAGE_USERNAME"] == "" {
		if sudoUser := env["SUDO_USER"]; sudoUser != "" {
			env["PORTAGE_USERNAME"] = sudoUser
		} else if home := env["HOME"]; home != "" {
			env["PORTAGE_USERNAME"] = filepath.Base(home)
		}
	}

	// collision-protect fails on conflicting files even when they were
	// left behind by an earlier failed install, so turn it off and rely
	// on the default protect-owned. parallel-install is the executor's
	// contract that concurrent install phases are safe.
	features := strings.TrimSpace(env["FEATURES"] + " -collision-protect parallel-install")

	// Board packages are cross-compiled and never run during the build,
	// so unofficial board installs can skip install locking and defer
	// env updates to the end.
	if cfg.Board != "" && env["CHROMEOS_OFFICIAL"] != "1" {
		if env["PORTAGE_LOCKS"] == "" {
			env["PORTAGE_LOCKS"] = "false"
		}
		features += " -ebuild-locks no-env-update"
	}
	env["FEATURES"] = features

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
