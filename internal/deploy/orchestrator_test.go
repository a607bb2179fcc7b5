package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/medicore/emrctl/internal/config"
)

// fakeOps implements every capability interface and records the call order.
type fakeOps struct {
	calls []string

	pullErr    error
	syncErr    error
	staticErr  error
	migrateErr error
	restartErr error
	reloadErr  error
	stopErr    error
	dumpErr    error
	restoreErr error
	probeErr   error

	active   map[string]bool
	restored []string
}

func newFakeOps() *fakeOps {
	return &fakeOps{active: map[string]bool{"gunicorn": true, "nginx": true}}
}

func (f *fakeOps) Pull(ctx context.Context) (string, error) {
	f.calls = append(f.calls, "pull")
	return "Fast-forward", f.pullErr
}

func (f *fakeOps) Log(ctx context.Context, n int) (string, error) {
	f.calls = append(f.calls, "log")
	return "abc1234 fix appointment form\n", nil
}

func (f *fakeOps) Sync(ctx context.Context) error {
	f.calls = append(f.calls, "sync")
	return f.syncErr
}

func (f *fakeOps) CollectStatic(ctx context.Context) error {
	f.calls = append(f.calls, "collectstatic")
	return f.staticErr
}

func (f *fakeOps) Migrate(ctx context.Context) error {
	f.calls = append(f.calls, "migrate")
	return f.migrateErr
}

func (f *fakeOps) Restart(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "restart "+unit)
	return f.restartErr
}

func (f *fakeOps) Reload(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "reload "+unit)
	return f.reloadErr
}

func (f *fakeOps) Stop(ctx context.Context, unit string) error {
	f.calls = append(f.calls, "stop "+unit)
	return f.stopErr
}

func (f *fakeOps) IsActive(ctx context.Context, unit string) (bool, error) {
	f.calls = append(f.calls, "is-active "+unit)
	return f.active[unit], nil
}

func (f *fakeOps) Dump(ctx context.Context, path string) error {
	f.calls = append(f.calls, "dump")
	if f.dumpErr != nil {
		return f.dumpErr
	}
	return os.WriteFile(path, []byte("-- dump\n"), 0644)
}

func (f *fakeOps) Restore(ctx context.Context, path string) error {
	f.calls = append(f.calls, "restore")
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, path)
	return nil
}

func (f *fakeOps) Check(ctx context.Context) error {
	f.calls = append(f.calls, "probe")
	return f.probeErr
}

func (f *fakeOps) called(name string) bool {
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func newTestOrchestrator(t *testing.T, f *fakeOps) (*Orchestrator, config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.BackupDir = t.TempDir()
	cfg.StepTimeoutSeconds = 5
	caps := Capabilities{VCS: f, Deps: f, App: f, Services: f, DB: f, Probe: f}
	return New(cfg, caps), cfg
}

func TestDeployHappyPath(t *testing.T) {
	f := newFakeOps()
	o, cfg := newTestOrchestrator(t, f)

	res, err := o.Deploy(context.Background())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected run to succeed, steps: %+v", res.Steps)
	}

	want := []string{
		"dump", "pull", "sync", "collectstatic", "migrate",
		"restart gunicorn", "reload nginx",
		"is-active gunicorn", "is-active nginx", "probe",
	}
	if len(f.calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(f.calls), f.calls)
	}
	for i, w := range want {
		if f.calls[i] != w {
			t.Fatalf("call %d: expected %q, got %q", i, w, f.calls[i])
		}
	}

	entries, err := os.ReadDir(cfg.BackupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one backup file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".sql") {
		t.Fatalf("unexpected backup name %q", name)
	}
}

func TestDeployFailFast(t *testing.T) {
	f := newFakeOps()
	f.syncErr = os.ErrPermission
	o, _ := newTestOrchestrator(t, f)

	res, err := o.Deploy(context.Background())
	if err == nil {
		t.Fatalf("expected deploy to fail")
	}
	if res.Succeeded() {
		t.Fatalf("expected run marked failed")
	}
	for _, later := range []string{"collectstatic", "migrate", "restart gunicorn", "probe"} {
		if f.called(later) {
			t.Fatalf("step %q ran after fatal failure", later)
		}
	}
}

func TestDeployBackupFailureTolerated(t *testing.T) {
	f := newFakeOps()
	f.dumpErr = os.ErrPermission
	o, _ := newTestOrchestrator(t, f)

	res, err := o.Deploy(context.Background())
	if err != nil {
		t.Fatalf("deploy should tolerate backup failure, got: %v", err)
	}
	if !f.called("pull") {
		t.Fatalf("code update skipped after backup failure")
	}
	if res.Steps[0].Name != StepBackup || res.Steps[0].Status != StepFailed {
		t.Fatalf("expected failed backup step first, got %+v", res.Steps[0])
	}
	if !res.Succeeded() {
		t.Fatalf("backup failure must not fail the run")
	}
}

func TestDeployOffsiteFailureTolerated(t *testing.T) {
	f := newFakeOps()
	cfg := config.Default()
	cfg.BackupDir = t.TempDir()
	cfg.StepTimeoutSeconds = 5
	cfg.Offsite = config.Offsite{
		Host:       "backup.example.com",
		User:       "emr",
		KeyPath:    filepath.Join(cfg.BackupDir, "no-such-key"),
		KnownHosts: filepath.Join(cfg.BackupDir, "known_hosts"),
		RemoteDir:  "/srv/backups",
	}
	o := New(cfg, Capabilities{VCS: f, Deps: f, App: f, Services: f, DB: f, Probe: f})

	res, err := o.Deploy(context.Background())
	if err != nil {
		t.Fatalf("deploy should tolerate replication failure, got: %v", err)
	}
	if res.Steps[0].Name != StepBackup || res.Steps[0].Status != StepOK {
		t.Fatalf("backup step should stay ok when replication fails, got %+v", res.Steps[0])
	}
	if !f.called("pull") {
		t.Fatalf("pipeline stalled after replication failure: %v", f.calls)
	}

	entries, err := os.ReadDir(cfg.BackupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	var artifacts int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "backup_") && strings.HasSuffix(e.Name(), ".sql") {
			artifacts++
		}
	}
	if artifacts != 1 {
		t.Fatalf("expected the local artifact to survive, got %d", artifacts)
	}
}

func TestStandaloneBackupFailureMarksRunFailed(t *testing.T) {
	f := newFakeOps()
	f.dumpErr = os.ErrPermission
	o, _ := newTestOrchestrator(t, f)

	path, res, err := o.Backup(context.Background())
	if err == nil {
		t.Fatalf("expected dump failure to surface")
	}
	if path != "" {
		t.Fatalf("no artifact should be reported, got %q", path)
	}
	if res.Succeeded() {
		t.Fatalf("failed standalone backup recorded as succeeded: %+v", res.Steps)
	}
}

func TestDeployRestartFailureFatal(t *testing.T) {
	f := newFakeOps()
	f.restartErr = os.ErrPermission
	o, _ := newTestOrchestrator(t, f)

	_, err := o.Deploy(context.Background())
	if err == nil {
		t.Fatalf("expected restart failure to abort deploy")
	}
	if f.called("is-active gunicorn") || f.called("probe") {
		t.Fatalf("health checks ran after restart failure: %v", f.calls)
	}
}

func TestCheckServicesFirstFailureWins(t *testing.T) {
	f := newFakeOps()
	f.active["gunicorn"] = false
	o, _ := newTestOrchestrator(t, f)

	_, err := o.Deploy(context.Background())
	if err == nil {
		t.Fatalf("expected health check failure")
	}
	if !strings.Contains(err.Error(), "gunicorn") {
		t.Fatalf("error should name the failed check, got: %v", err)
	}
	if f.called("is-active nginx") || f.called("probe") {
		t.Fatalf("later checks ran after first failure: %v", f.calls)
	}
}

func TestRollbackSelectsLatestBackup(t *testing.T) {
	f := newFakeOps()
	o, cfg := newTestOrchestrator(t, f)
	for _, name := range []string{
		"backup_20240101_010000.sql",
		"backup_20240115_090000.sql",
		"backup_20240110_120000.sql",
	} {
		if err := os.WriteFile(filepath.Join(cfg.BackupDir, name), []byte("-- dump\n"), 0644); err != nil {
			t.Fatalf("write backup: %v", err)
		}
	}

	_, err := o.Rollback(context.Background())
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(f.restored) != 1 {
		t.Fatalf("expected one restore, got %d", len(f.restored))
	}
	if filepath.Base(f.restored[0]) != "backup_20240115_090000.sql" {
		t.Fatalf("restored wrong backup: %s", f.restored[0])
	}
	if !f.called("stop gunicorn") || !f.called("restart gunicorn") || !f.called("reload nginx") {
		t.Fatalf("missing service transitions: %v", f.calls)
	}
}

func TestRollbackWithoutBackups(t *testing.T) {
	f := newFakeOps()
	o, _ := newTestOrchestrator(t, f)

	res, err := o.Rollback(context.Background())
	if err != nil {
		t.Fatalf("rollback with empty backup dir must succeed, got: %v", err)
	}
	if f.called("restore") {
		t.Fatalf("restore ran with no backups")
	}
	if !f.called("restart gunicorn") {
		t.Fatalf("services not restarted: %v", f.calls)
	}
	skipped := false
	for _, s := range res.Steps {
		if s.Name == StepRestoreDB && s.Status == StepSkipped {
			skipped = true
		}
	}
	if !skipped {
		t.Fatalf("expected restore step marked skipped, steps: %+v", res.Steps)
	}
}

func TestRollbackAbortsWhenBackupDirUnreadable(t *testing.T) {
	f := newFakeOps()
	cfg := config.Default()
	cfg.StepTimeoutSeconds = 5
	// A regular file where the directory should be: listing fails without
	// os.IsNotExist, so backups may exist that we cannot see.
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")
	if err := os.WriteFile(cfg.BackupDir, []byte("not a dir"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	o := New(cfg, Capabilities{VCS: f, Deps: f, App: f, Services: f, DB: f, Probe: f})

	_, err := o.Rollback(context.Background())
	if err == nil {
		t.Fatalf("expected unreadable backup dir to abort rollback")
	}
	if !strings.Contains(err.Error(), StepLocateBackup) {
		t.Fatalf("error should name the locate step, got: %v", err)
	}
	if f.called("restore") || f.called("restart gunicorn") {
		t.Fatalf("rollback continued past the failed locate: %v", f.calls)
	}
}

func TestRollbackRestoreFailureFatal(t *testing.T) {
	f := newFakeOps()
	f.restoreErr = os.ErrPermission
	o, cfg := newTestOrchestrator(t, f)
	if err := os.WriteFile(filepath.Join(cfg.BackupDir, "backup_20240101_010000.sql"), []byte("-- dump\n"), 0644); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	_, err := o.Rollback(context.Background())
	if err == nil {
		t.Fatalf("expected restore failure to abort rollback")
	}
	if f.called("restart gunicorn") {
		t.Fatalf("services restarted after failed restore: %v", f.calls)
	}
}

func TestStatusPerformsNoMutation(t *testing.T) {
	f := newFakeOps()
	o, _ := newTestOrchestrator(t, f)

	var sb strings.Builder
	if err := o.Status(context.Background(), &sb); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, mutating := range []string{"dump", "restore", "pull", "sync", "migrate", "restart gunicorn", "stop gunicorn"} {
		if f.called(mutating) {
			t.Fatalf("status performed mutation %q", mutating)
		}
	}
	out := sb.String()
	if !strings.Contains(out, "service gunicorn: active") {
		t.Fatalf("status missing service state:\n%s", out)
	}
}

func TestRefuseElevated(t *testing.T) {
	if err := RefuseElevated(0); err == nil {
		t.Fatalf("expected error for euid 0")
	}
	if err := RefuseElevated(1000); err != nil {
		t.Fatalf("unexpected error for euid 1000: %v", err)
	}
}
