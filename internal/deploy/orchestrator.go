package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/medicore/emrctl/internal/config"
	"github.com/medicore/emrctl/internal/metrics"
	"github.com/medicore/emrctl/internal/ops"
)

// Step names, in forward pipeline order.
const (
	StepBackup        = "backup"
	StepUpdateCode    = "update_code"
	StepUpdateDeps    = "update_dependencies"
	StepCollectStatic = "collect_static"
	StepMigrate       = "run_migrations"
	StepRestart       = "restart_services"
	StepCheck         = "check_services"

	StepStopServices = "stop_services"
	StepLocateBackup = "locate_backup"
	StepRestoreDB    = "restore_database"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step of a run.
type StepResult struct {
	Name     string
	Status   StepStatus
	Err      string
	Started  time.Time
	Duration time.Duration
}

// Result is the outcome of a whole deploy or rollback invocation.
type Result struct {
	Kind     string
	Started  time.Time
	Finished time.Time
	Steps    []StepResult
}

// Succeeded reports whether no fatal step failed. Only the forward deploy
// path tolerates a failed backup; a standalone backup run that failed to
// dump is a failed run.
func (r Result) Succeeded() bool {
	for _, s := range r.Steps {
		if s.Status != StepFailed {
			continue
		}
		if r.Kind == "deploy" && s.Name == StepBackup {
			continue
		}
		return false
	}
	return true
}

// Capabilities groups the external collaborators the pipeline drives.
type Capabilities struct {
	VCS      ops.VersionControl
	Deps     ops.DependencyManager
	App      ops.AppManager
	Services ops.ServiceManager
	DB       ops.DatabaseClient
	Probe    ops.HealthProbe
}

// Orchestrator sequences the deployment pipeline with fail-fast semantics
// and a separate rollback path. It never shells out directly; every external
// effect goes through Capabilities.
type Orchestrator struct {
	cfg  config.Config
	caps Capabilities
	now  func() time.Time
}

func New(cfg config.Config, caps Capabilities) *Orchestrator {
	return &Orchestrator{cfg: cfg, caps: caps, now: time.Now}
}

// stepCtx bounds a single step so a hung subprocess cannot stall the run.
func (o *Orchestrator) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.StepTimeout())
}

// runStep executes fn under the step timeout and appends its result.
func (o *Orchestrator) runStep(ctx context.Context, res *Result, name string, fn func(context.Context) error) error {
	started := o.now()
	sctx, cancel := o.stepCtx(ctx)
	err := fn(sctx)
	cancel()
	dur := o.now().Sub(started)
	metrics.TimerGlobal("emrctl_step_duration", dur, map[string]string{"step": name})

	sr := StepResult{Name: name, Status: StepOK, Started: started, Duration: dur}
	if err != nil {
		sr.Status = StepFailed
		sr.Err = err.Error()
		metrics.CounterGlobal("emrctl_step_failures", 1, map[string]string{"step": name})
	}
	res.Steps = append(res.Steps, sr)
	return err
}

// Deploy runs the full forward pipeline: backup, code update, dependency
// sync, static collection, migrations, service restart, health verification.
// Backup failure is tolerated; every other failure aborts immediately.
func (o *Orchestrator) Deploy(ctx context.Context) (res Result, err error) {
	res = Result{Kind: "deploy", Started: o.now()}
	defer func() { res.Finished = o.now() }()

	log.Info().Str("project", o.cfg.ProjectDir).Msg("Starting deployment")

	if err := o.runStep(ctx, &res, StepBackup, func(c context.Context) error {
		_, err := o.backup(c)
		return err
	}); err != nil {
		// Backup failure is a gap in safety margin, not a blocker.
		log.Warn().Err(err).Msg("Backup failed, continuing deployment without a fresh restore point")
	}

	if err := o.runStep(ctx, &res, StepUpdateCode, func(c context.Context) error {
		out, err := o.caps.VCS.Pull(c)
		if err != nil {
			return err
		}
		log.Info().Str("output", trimOutput(out)).Msg("Code updated")
		return nil
	}); err != nil {
		return res, fmt.Errorf("%s: %w", StepUpdateCode, err)
	}

	if err := o.runStep(ctx, &res, StepUpdateDeps, o.caps.Deps.Sync); err != nil {
		return res, fmt.Errorf("%s: %w", StepUpdateDeps, err)
	}

	if err := o.runStep(ctx, &res, StepCollectStatic, o.caps.App.CollectStatic); err != nil {
		return res, fmt.Errorf("%s: %w", StepCollectStatic, err)
	}

	if err := o.runStep(ctx, &res, StepMigrate, o.caps.App.Migrate); err != nil {
		return res, fmt.Errorf("%s: %w", StepMigrate, err)
	}

	if err := o.runStep(ctx, &res, StepRestart, o.restartServices); err != nil {
		return res, fmt.Errorf("%s: %w", StepRestart, err)
	}

	if err := o.runStep(ctx, &res, StepCheck, o.checkServices); err != nil {
		return res, fmt.Errorf("%s: %w", StepCheck, err)
	}

	log.Info().Msg("Deployment completed successfully!")
	return res, nil
}

// Rollback stops the app, restores the newest backup if one exists, then
// brings services back up. A missing backup is tolerated; a failed restore
// is not: at that point the operator is already in a recovery, and a silent
// partial restore would be worse than stopping.
func (o *Orchestrator) Rollback(ctx context.Context) (res Result, err error) {
	res = Result{Kind: "rollback", Started: o.now()}
	defer func() { res.Finished = o.now() }()

	log.Info().Msg("Starting rollback")

	if err := o.runStep(ctx, &res, StepStopServices, func(c context.Context) error {
		return o.caps.Services.Stop(c, o.cfg.Services.App)
	}); err != nil {
		log.Warn().Err(err).Msg("Stopping application service failed, continuing rollback")
	}

	// An unreadable backup dir is not the same as an empty one: backups may
	// exist that we cannot see, so restoring nothing and exiting clean would
	// misreport the recovery.
	var backupPath string
	if err := o.runStep(ctx, &res, StepLocateBackup, func(c context.Context) error {
		p, err := LatestBackup(o.cfg.BackupDir)
		if err != nil {
			return err
		}
		backupPath = p
		return nil
	}); err != nil {
		return res, fmt.Errorf("%s: %w", StepLocateBackup, err)
	}

	if backupPath == "" {
		log.Warn().Str("dir", o.cfg.BackupDir).Msg("No backup found, skipping database restore")
		res.Steps = append(res.Steps, StepResult{Name: StepRestoreDB, Status: StepSkipped, Started: o.now()})
	} else {
		log.Info().Str("backup", backupPath).Msg("Restoring database from latest backup")
		if err := o.runStep(ctx, &res, StepRestoreDB, func(c context.Context) error {
			return o.caps.DB.Restore(c, backupPath)
		}); err != nil {
			return res, fmt.Errorf("%s: %w", StepRestoreDB, err)
		}
	}

	if err := o.runStep(ctx, &res, StepRestart, o.restartServices); err != nil {
		log.Warn().Err(err).Msg("Service restart after rollback reported failure")
	}

	log.Info().Msg("Rollback completed")
	return res, nil
}

// Backup runs the backup step standalone. The returned path is empty when
// the dump failed; the error is reported but callers treat it as a warning.
func (o *Orchestrator) Backup(ctx context.Context) (path string, res Result, err error) {
	res = Result{Kind: "backup", Started: o.now()}
	defer func() { res.Finished = o.now() }()

	err = o.runStep(ctx, &res, StepBackup, func(c context.Context) error {
		p, err := o.backup(c)
		path = p
		return err
	})
	return path, res, err
}

// backup dumps the database into a timestamped artifact and optionally
// replicates it offsite. Replication failure never fails the backup.
func (o *Orchestrator) backup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(o.cfg.BackupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(o.cfg.BackupDir, BackupFileName(o.now()))
	if err := o.caps.DB.Dump(ctx, path); err != nil {
		return "", err
	}
	log.Info().Str("path", path).Msg("Backup created")

	if o.cfg.Offsite.Enabled() {
		if err := Replicate(ctx, o.cfg.Offsite, path); err != nil {
			log.Warn().Err(err).Msg("Offsite backup replication failed")
		} else {
			log.Info().Str("host", o.cfg.Offsite.Host).Msg("Backup replicated offsite")
		}
	}
	return path, nil
}

func (o *Orchestrator) restartServices(ctx context.Context) error {
	if err := o.caps.Services.Restart(ctx, o.cfg.Services.App); err != nil {
		return err
	}
	return o.caps.Services.Reload(ctx, o.cfg.Services.Proxy)
}

// checkServices verifies the app unit, the proxy unit, then the HTTP health
// endpoint, in that order. The first failing check aborts with its identity.
func (o *Orchestrator) checkServices(ctx context.Context) error {
	for _, unit := range []string{o.cfg.Services.App, o.cfg.Services.Proxy} {
		active, err := o.caps.Services.IsActive(ctx, unit)
		if err != nil {
			return fmt.Errorf("query %s: %w", unit, err)
		}
		if !active {
			return fmt.Errorf("service %s is not active", unit)
		}
		log.Info().Str("service", unit).Msg("Service is active")
	}
	if err := o.caps.Probe.Check(ctx); err != nil {
		return err
	}
	log.Info().Str("url", o.cfg.HealthURL).Msg("Health endpoint responding")
	return nil
}

// Status prints configured paths, recent history, and live service state.
// It performs no mutation.
func (o *Orchestrator) Status(ctx context.Context, w io.Writer) error {
	fmt.Fprintf(w, "project:  %s\n", o.cfg.ProjectDir)
	fmt.Fprintf(w, "venv:     %s\n", o.cfg.VenvDir)
	fmt.Fprintf(w, "backups:  %s\n", o.cfg.BackupDir)
	fmt.Fprintf(w, "log:      %s\n", o.cfg.LogFile)
	fmt.Fprintf(w, "health:   %s\n", o.cfg.HealthURL)

	sctx, cancel := o.stepCtx(ctx)
	defer cancel()

	if out, err := o.caps.VCS.Log(sctx, 10); err == nil {
		fmt.Fprintf(w, "\nrecent commits:\n%s", out)
	} else {
		fmt.Fprintf(w, "\nrecent commits: unavailable (%v)\n", err)
	}

	fmt.Fprintln(w)
	for _, unit := range []string{o.cfg.Services.App, o.cfg.Services.Proxy} {
		active, err := o.caps.Services.IsActive(sctx, unit)
		switch {
		case err != nil:
			fmt.Fprintf(w, "service %s: unknown (%v)\n", unit, err)
		case active:
			fmt.Fprintf(w, "service %s: active\n", unit)
		default:
			fmt.Fprintf(w, "service %s: inactive\n", unit)
		}
	}
	return nil
}

func trimOutput(s string) string {
	const max = 400
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
