package task

import (
	"context"
	"time"

	"tiger/internal/judge/coordinator"
	"tiger/internal/judge/fetcher"
	"tiger/internal/judge/model"
	"tiger/internal/judge/sandbox"
	"tiger/internal/judge/sandbox/observer"
)

// Coordinator is an authenticated coordinator session.
type Coordinator interface {
	Claim(ctx context.Context, domain, record, taskID string) (model.JobCredentials, error)
	SubmitCase(ctx context.Context, domain, record string, caseIndex int, res model.ExecuteResult) error
	SubmitRecord(ctx context.Context, domain, record string, res model.SubmitResult) error
	Expired(skew time.Duration) bool
}

// LoginFunc authenticates against the coordinator at baseURL.
type LoginFunc func(ctx context.Context, baseURL string) (Coordinator, error)

// CoordinatorLogin builds a fresh client per job and logs in.
func CoordinatorLogin(cfg coordinator.Config, opts ...coordinator.Option) LoginFunc {
	return func(ctx context.Context, baseURL string) (Coordinator, error) {
		authed, err := coordinator.New(baseURL, cfg, opts...).Login(ctx)
		if err != nil {
			return nil, err
		}
		return authed, nil
	}
}

// ArtifactFetcher downloads the problem configuration and the submission.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, creds model.JobCredentials, workDir string) (fetcher.Artifacts, error)
}

// Sandbox is the part of a sandbox session the orchestrator drives.
type Sandbox interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	AddFiles(ctx context.Context, hostPaths []string, opts sandbox.FileOptions) error
	RunShell(ctx context.Context, command string, opts sandbox.CommandOptions) (*model.CompletedCommand, error)
}

// SandboxFactory creates an unopened sandbox running image.
type SandboxFactory func(image string) (Sandbox, error)

// DockerSandboxes creates docker-backed sessions. An empty image keeps the
// configured default.
func DockerSandboxes(api sandbox.DockerAPI, cfg sandbox.Config, metrics observer.MetricsRecorder) SandboxFactory {
	return func(image string) (Sandbox, error) {
		c := cfg
		if image != "" {
			c.Image = image
		}
		var opts []sandbox.Option
		if metrics != nil {
			opts = append(opts, sandbox.WithMetrics(metrics))
		}
		return sandbox.NewSession(api, sandbox.NewName(), c, opts...)
	}
}

// StateRecorder persists task snapshots.
type StateRecorder interface {
	Save(ctx context.Context, snap model.TaskSnapshot) error
}
