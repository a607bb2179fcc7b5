package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/medicore/emrctl/internal/config"
	"github.com/medicore/emrctl/internal/deploy"
	"github.com/medicore/emrctl/internal/ops"
	"github.com/medicore/emrctl/internal/sshx"
	"github.com/medicore/emrctl/internal/store"
)

// buildOrchestrator loads configuration, attaches the persistent log file,
// and wires the exec-backed capabilities into the pipeline.
func buildOrchestrator(cmd *cobra.Command) (*deploy.Orchestrator, config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	attachLogFile(cfg.LogFile)

	runner := ops.ExecRunner{}
	caps := deploy.Capabilities{
		VCS:      ops.Git{Dir: cfg.ProjectDir, Runner: runner},
		Deps:     ops.Pip{ProjectDir: cfg.ProjectDir, VenvDir: cfg.VenvDir, Runner: runner},
		App:      ops.Manage{ProjectDir: cfg.ProjectDir, VenvDir: cfg.VenvDir, SettingsModule: cfg.SettingsModule, Runner: runner},
		Services: ops.Systemctl{Runner: runner},
		DB:       ops.MySQL{DB: cfg.Database, Password: cfg.DBPassword},
		Probe:    ops.NewHTTPProbe(cfg.HealthURL, 10*time.Second),
	}
	return deploy.New(cfg, caps), cfg, nil
}

// attachLogFile tees log output into the append-only log file so post-mortem
// analysis does not require re-running the tool. Console-only on failure.
func attachLogFile(path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Cannot open log file, logging to console only")
		return
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
}

// recordRun persists the run outcome; history is best-effort and never fails
// the command it records.
func recordRun(cfg config.Config, res deploy.Result) {
	st, err := store.Open(cfg.HistoryDB)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot open history store")
		return
	}
	defer st.Close()

	run := store.Run{
		Kind:     res.Kind,
		Status:   "succeeded",
		Started:  res.Started,
		Finished: res.Finished,
	}
	if !res.Succeeded() {
		run.Status = "failed"
	}
	for _, s := range res.Steps {
		run.Steps = append(run.Steps, store.StepRecord{
			Name:     s.Name,
			Status:   string(s.Status),
			Error:    s.Err,
			Duration: s.Duration,
		})
	}
	if _, err := st.RecordRun(context.Background(), run); err != nil {
		log.Warn().Err(err).Msg("Cannot record run history")
	}
}

func runDeploy(cmd *cobra.Command) error {
	orch, cfg, err := buildOrchestrator(cmd)
	if err != nil {
		return err
	}
	lock, err := deploy.AcquireLock(cfg.LockFile)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	res, err := orch.Deploy(cmd.Context())
	recordRun(cfg, res)
	return err
}

// Run the full pipeline
func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Run the full deployment pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd)
		},
	}
}

// Roll back to the latest backup
func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Stop the app, restore the latest backup, restart services",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cfg, err := buildOrchestrator(cmd)
			if err != nil {
				return err
			}
			lock, err := deploy.AcquireLock(cfg.LockFile)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			res, err := orch.Rollback(cmd.Context())
			recordRun(cfg, res)
			return err
		},
	}
}

// Inspect configuration and live state
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, recent commits, and service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(cmd)
			if err != nil {
				return err
			}
			return orch.Status(cmd.Context(), os.Stdout)
		},
	}
}

// Run the backup step only
func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Create a timestamped database backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cfg, err := buildOrchestrator(cmd)
			if err != nil {
				return err
			}
			lock, err := deploy.AcquireLock(cfg.LockFile)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			path, res, err := orch.Backup(cmd.Context())
			recordRun(cfg, res)
			if err != nil {
				// Standalone backup mirrors the forward path: warn, exit 0.
				log.Warn().Err(err).Msg("Backup failed")
				return nil
			}
			fmt.Printf("backup written to %s\n", path)
			return nil
		},
	}
}

// Record the offsite host key so replication can verify it. The operator
// pastes the key from ssh-keyscan output or the host's /etc/ssh directory;
// nothing here trusts the network.
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host-public-key>",
		Short: "Record the offsite backup host key in known_hosts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Offsite.Enabled() {
				return errors.New("offsite replication is not configured")
			}
			host := cfg.Offsite.Host
			if cfg.Offsite.Port != 0 && cfg.Offsite.Port != 22 {
				host = fmt.Sprintf("[%s]:%d", host, cfg.Offsite.Port)
			}
			key := strings.Join(args, " ")
			if err := sshx.AppendKnownHost(cfg.Offsite.KnownHosts, host, key); err != nil {
				return err
			}
			log.Info().Str("host", host).Str("path", cfg.Offsite.KnownHosts).Msg("Offsite host key recorded")
			return nil
		},
	}
}

// List recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deploy and rollback runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			st, err := store.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%d\t%s\t%s\t%s\n", r.ID, r.Kind, r.Status, r.Started.Format(time.RFC3339))
				for _, s := range r.Steps {
					fmt.Printf("\t%s\t%s\t%s\n", s.Name, s.Status, s.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "number of runs to show")
	return cmd
}
