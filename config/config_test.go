package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Jobs:        runtime.NumCPU(),
		ExecutorCmd: []string{"emerge"},
		ResolverCmd: []string{"emerge-resolve"},
	}
}

func TestParseArgsTranslations(t *testing.T) {
	cfg := &Config{Jobs: 4, ExecutorCmd: []string{"emerge"}}

	err := cfg.ParseArgs([]string{
		"--board=amd64-generic",
		"--workon=cat/foo,cat/bar",
		"--force-remote-binary=cat/baz",
		"--rebuild",
		"--show-output",
		"--jobs=8",
		"--load-average=3.5",
		"--usepkg",
		"cat/app",
	})
	require.NoError(t, err)

	assert.Equal(t, "amd64-generic", cfg.Board)
	assert.True(t, cfg.ShowOutput)
	assert.Equal(t, 8, cfg.Jobs)
	assert.InDelta(t, 3.5, cfg.LoadAverage, 1e-9)
	assert.Equal(t, []string{"cat/app"}, cfg.Atoms)

	args := strings.Join(cfg.ExecutorArgs, " ")
	assert.Contains(t, args, "--reinstall-atoms=cat/foo,cat/bar")
	assert.Contains(t, args, "--usepkg-exclude=cat/foo,cat/bar")
	assert.Contains(t, args, "--useoldpkg-atoms=cat/baz")
	assert.Contains(t, args, "--rebuild-if-unbuilt")
	assert.Contains(t, args, "--usepkg")
	// Long builds are shielded from automatic rebuilds.
	assert.Contains(t, args, "--rebuild-exclude=chromeos-base/chromeos-chrome")
	// Driver-only flags never reach the executor.
	assert.NotContains(t, args, "--jobs")
	assert.NotContains(t, args, "--load-average")
	assert.NotContains(t, args, "--board")
	assert.NotContains(t, args, "--show-output")
}

func TestParseArgsUnsupported(t *testing.T) {
	for _, opt := range []string{"--ask", "--resume", "--skipfirst", "--ask-enter-invalid"} {
		cfg := &Config{}
		err := cfg.ParseArgs([]string{opt})
		require.Error(t, err, opt)
		assert.Contains(t, err.Error(), "not supported")
	}
}

func TestParseArgsBadValues(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.ParseArgs([]string{"--jobs=zero"}))
	require.Error(t, cfg.ParseArgs([]string{"--jobs=0"}))
	require.Error(t, cfg.ParseArgs([]string{"--load-average=none"}))
}

func TestParseArgsPretendPassesThrough(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.ParseArgs([]string{"--pretend", "cat/app"}))
	assert.True(t, cfg.Pretend)
	assert.Contains(t, cfg.ExecutorArgs, "--pretend")
}

func TestExecEnvBoard(t *testing.T) {
	t.Setenv("FEATURES", "userpriv")
	t.Setenv("CHROMEOS_OFFICIAL", "")
	t.Setenv("PORTAGE_LOCKS", "")
	t.Setenv("PORTAGE_USERNAME", "")
	t.Setenv("SUDO_USER", "builder")

	cfg := &Config{Board: "arm-generic"}
	env := envMapOf(cfg.ExecEnv())

	assert.Equal(t, "/build/arm-generic", env["PORTAGE_CONFIGROOT"])
	assert.Equal(t, "/build/arm-generic", env["PORTAGE_SYSROOT"])
	assert.Equal(t, "/build/arm-generic", env["SYSROOT"])
	assert.Equal(t, "1", env["EBEEP_IGNORE"])
	assert.Equal(t, "1", env["EPAUSE_IGNORE"])
	assert.Equal(t, "0", env["UNMERGE_DELAY"])
	assert.Equal(t, "builder", env["PORTAGE_USERNAME"])
	assert.Contains(t, env["FEATURES"], "userpriv")
	assert.Contains(t, env["FEATURES"], "-collision-protect")
	assert.Contains(t, env["FEATURES"], "parallel-install")
	// Unofficial board installs skip install locking.
	assert.Equal(t, "false", env["PORTAGE_LOCKS"])
	assert.Contains(t, env["FEATURES"], "-ebuild-locks no-env-update")
}

func TestExecEnvOfficialBoardKeepsLocks(t *testing.T) {
	t.Setenv("CHROMEOS_OFFICIAL", "1")
	t.Setenv("PORTAGE_LOCKS", "")

	cfg := &Config{Board: "arm-generic"}
	env := envMapOf(cfg.ExecEnv())

	assert.Empty(t, env["PORTAGE_LOCKS"])
	assert.NotContains(t, env["FEATURES"], "no-env-update")
}

func TestExecEnvNoBoard(t *testing.T) {
	t.Setenv("PORTAGE_CONFIGROOT", "")
	cfg := &Config{}
	env := envMapOf(cfg.ExecEnv())
	assert.Empty(t, env["PORTAGE_CONFIGROOT"])
	assert.Contains(t, env["FEATURES"], "parallel-install")
}

func TestExecEnvUsernameFromHome(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	t.Setenv("PORTAGE_USERNAME", "")
	t.Setenv("HOME", "/home/chronos")

	cfg := &Config{}
	env := envMapOf(cfg.ExecEnv())
	assert.Equal(t, "chronos", env["PORTAGE_USERNAME"])
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pmerge.ini")
	content := `[pmerge]
jobs = 12
load_average = 6.5
log_dir = /tmp/pmerge-logs
executor = emerge --quiet
status_ui = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("PMERGE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Jobs)
	assert.InDelta(t, 6.5, cfg.LoadAverage, 1e-9)
	assert.Equal(t, "/tmp/pmerge-logs", cfg.LogDir)
	assert.Equal(t, []string{"emerge", "--quiet"}, cfg.ExecutorCmd)
	assert.True(t, cfg.StatusUI)
}

func TestValidateJobs(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Pretend = true

	cfg.Jobs = 0
	assert.Error(t, cfg.Validate())
	cfg.Jobs = 2000
	assert.Error(t, cfg.Validate())
	cfg.Jobs = runtime.NumCPU()
	assert.NoError(t, cfg.Validate())
}

func TestValidateSuperuser(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Jobs = 1

	if os.Geteuid() == 0 {
		assert.NoError(t, cfg.Validate())
		return
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "superuser")
	cfg.Pretend = true
	assert.NoError(t, cfg.Validate())
}

func envMapOf(env []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
