package ops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/medicore/emrctl/internal/config"
)

// CommandRunner executes a command in a directory and returns its combined
// output. The exec-backed implementation is the only place a subprocess is
// spawned; everything above it works through the capability interfaces.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec with the caller's context bounding
// each invocation.
type ExecRunner struct {
	// Env entries are appended to the subprocess environment.
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(out), fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return string(out), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Git is the exec-backed VersionControl.
type Git struct {
	Dir    string
	Runner CommandRunner
}

func (g Git) Pull(ctx context.Context) (string, error) {
	out, err := g.Runner.Run(ctx, g.Dir, "git", "pull", "--ff-only")
	if err != nil {
		return out, fmt.Errorf("git pull: %w", err)
	}
	return out, nil
}

func (g Git) Log(ctx context.Context, n int) (string, error) {
	out, err := g.Runner.Run(ctx, g.Dir, "git", "log", "--oneline", "-n", strconv.Itoa(n))
	if err != nil {
		return out, fmt.Errorf("git log: %w", err)
	}
	return out, nil
}

// Pip installs the dependency manifest inside the configured virtualenv.
type Pip struct {
	ProjectDir string
	VenvDir    string
	Runner     CommandRunner
}

func (p Pip) Sync(ctx context.Context) error {
	pip := filepath.Join(p.VenvDir, "bin", "pip")
	if _, err := p.Runner.Run(ctx, p.ProjectDir, pip, "install", "-r", "requirements.txt"); err != nil {
		return fmt.Errorf("pip install: %w", err)
	}
	return nil
}

// Manage drives Django's manage.py with a fixed settings profile.
type Manage struct {
	ProjectDir     string
	VenvDir        string
	SettingsModule string
	Runner         CommandRunner
}

func (m Manage) python() string { return filepath.Join(m.VenvDir, "bin", "python") }

func (m Manage) CollectStatic(ctx context.Context) error {
	_, err := m.Runner.Run(ctx, m.ProjectDir, m.python(), "manage.py", "collectstatic",
		"--noinput", "--settings="+m.SettingsModule)
	if err != nil {
		return fmt.Errorf("collectstatic: %w", err)
	}
	return nil
}

func (m Manage) Migrate(ctx context.Context) error {
	_, err := m.Runner.Run(ctx, m.ProjectDir, m.python(), "manage.py", "migrate",
		"--noinput", "--settings="+m.SettingsModule)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Systemctl is the exec-backed ServiceManager.
type Systemctl struct {
	Runner CommandRunner
}

func (s Systemctl) Restart(ctx context.Context, unit string) error {
	if _, err := s.Runner.Run(ctx, "", "systemctl", "restart", unit); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return nil
}

func (s Systemctl) Reload(ctx context.Context, unit string) error {
	if _, err := s.Runner.Run(ctx, "", "systemctl", "reload", unit); err != nil {
		return fmt.Errorf("reload %s: %w", unit, err)
	}
	return nil
}

func (s Systemctl) Stop(ctx context.Context, unit string) error {
	if _, err := s.Runner.Run(ctx, "", "systemctl", "stop", unit); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	return nil
}

func (s Systemctl) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := s.Runner.Run(ctx, "", "systemctl", "is-active", unit)
	if err != nil {
		// is-active exits non-zero for every inactive state; report the
		// state, not an error, so the caller can name the failed check.
		return false, nil
	}
	return strings.TrimSpace(out) == "active", nil
}

// MySQL is the exec-backed DatabaseClient. Dumps stream to the target file
// and restores stream from it; credentials go through MYSQL_PWD so they
// never appear on the process command line.
type MySQL struct {
	DB config.Database

	// Password is passed to the client via environment.
	Password string
}

func (m MySQL) env() []string {
	env := os.Environ()
	if m.Password != "" {
		env = append(env, "MYSQL_PWD="+m.Password)
	}
	return env
}

func (m MySQL) Dump(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	defer f.Close()
	cmd := exec.CommandContext(ctx, "mysqldump", "--user", m.DB.User, m.DB.Name)
	cmd.Env = m.env()
	cmd.Stdout = f
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Leave no truncated artifact behind.
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("mysqldump: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (m MySQL) Restore(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	defer f.Close()
	cmd := exec.CommandContext(ctx, "mysql", "--user", m.DB.User, m.DB.Name)
	cmd.Env = m.env()
	cmd.Stdin = f
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mysql restore: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	log.Debug().Str("path", path).Msg("database restored")
	return nil
}
