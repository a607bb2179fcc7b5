package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Services names the systemd units the orchestrator manages.
type Services struct {
	App   string `yaml:"app"`
	Proxy string `yaml:"proxy"`
}

// Database identifies the application database for dump/restore.
type Database struct {
	Name string `yaml:"name"`
	User string `yaml:"user"`
}

// Offsite configures optional backup replication over SFTP.
// Replication is disabled unless Host is set.
type Offsite struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

func (o Offsite) Enabled() bool { return o.Host != "" }

// Config holds every path and identifier the orchestrator needs. It is
// constructed once at startup and passed in explicitly; nothing reads
// configuration globals at run time.
type Config struct {
	ProjectDir         string   `yaml:"project_dir"`
	VenvDir            string   `yaml:"venv_dir"`
	BackupDir          string   `yaml:"backup_dir"`
	LogFile            string   `yaml:"log_file"`
	LockFile           string   `yaml:"lock_file"`
	HistoryDB          string   `yaml:"history_db"`
	SettingsModule     string   `yaml:"settings_module"`
	HealthURL          string   `yaml:"health_url"`
	Services           Services `yaml:"services"`
	Database           Database `yaml:"database"`
	StepTimeoutSeconds int      `yaml:"step_timeout_seconds"`
	Offsite            Offsite  `yaml:"offsite"`

	// Secrets merged from secrets.env, never from YAML.
	DBPassword string `yaml:"-"`
}

// StepTimeout returns the per-step timeout as a duration.
func (c Config) StepTimeout() time.Duration {
	if c.StepTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// Default returns the documented defaults for a standard host install.
func Default() Config {
	return Config{
		ProjectDir:         "/srv/emr",
		VenvDir:            "/srv/emr/venv",
		BackupDir:          "/var/backups/emr",
		LogFile:            "/var/log/emrctl.log",
		LockFile:           "/tmp/emrctl.lock",
		HistoryDB:          "/var/lib/emrctl/history.db",
		SettingsModule:     "emr_project.settings_production",
		HealthURL:          "http://127.0.0.1:8000/",
		Services:           Services{App: "gunicorn", Proxy: "nginx"},
		Database:           Database{Name: "emr", User: "emr"},
		StepTimeoutSeconds: 300,
	}
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/emrctl/config.yaml or ~/.config/emrctl/config.yaml; a
// missing default file is not an error and yields the documented defaults.
// Environment variables (EMRCTL_*) override file values, and secrets.env is
// merged for credentials that must not live in YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "emrctl", "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			applyOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyOverrides(&cfg)
	return cfg, nil
}

// applyOverrides merges secrets.env and EMRCTL_* environment variables.
func applyOverrides(cfg *Config) {
	secrets, _ := LoadSecretsEnv("")
	if v, ok := secrets["DB_PASSWORD"]; ok && v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("EMRCTL_DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("EMRCTL_PROJECT_DIR"); v != "" {
		cfg.ProjectDir = v
	}
	if v := os.Getenv("EMRCTL_VENV_DIR"); v != "" {
		cfg.VenvDir = v
	}
	if v := os.Getenv("EMRCTL_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("EMRCTL_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("EMRCTL_HEALTH_URL"); v != "" {
		cfg.HealthURL = v
	}
	if v := os.Getenv("EMRCTL_SETTINGS_MODULE"); v != "" {
		cfg.SettingsModule = v
	}
}
