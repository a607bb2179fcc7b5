package ops

import "context"

// Each external collaborator sits behind a small interface so the pipeline
// can be exercised against fakes without shelling out.

// VersionControl updates and inspects the application working tree.
type VersionControl interface {
	// Pull fast-forwards the working tree to the latest upstream revision.
	Pull(ctx context.Context) (string, error)
	// Log returns the last n commit lines.
	Log(ctx context.Context, n int) (string, error)
}

// DependencyManager synchronizes the app's dependency set inside its venv.
type DependencyManager interface {
	Sync(ctx context.Context) error
}

// AppManager drives the web framework's management interface.
type AppManager interface {
	CollectStatic(ctx context.Context) error
	Migrate(ctx context.Context) error
}

// ServiceManager controls and queries the host's service units.
type ServiceManager interface {
	Restart(ctx context.Context, unit string) error
	Reload(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	IsActive(ctx context.Context, unit string) (bool, error)
}

// DatabaseClient dumps and restores the application database.
type DatabaseClient interface {
	Dump(ctx context.Context, path string) error
	Restore(ctx context.Context, path string) error
}

// HealthProbe verifies the application answers on its health endpoint.
type HealthProbe interface {
	Check(ctx context.Context) error
}
