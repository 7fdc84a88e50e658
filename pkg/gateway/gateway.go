// Package gateway defines the collaborator interfaces the build pipeline
// depends on: the build backend, the dependency resolver, and the gating
// service. Implementations are injected so tests substitute fakes.
package gateway

import (
	"context"
	"errors"

	"github.com/vyvo/modulebuild/pkg/build"
)

// TaskState is the backend's view of a task.
type TaskState string

const (
	TaskFree     TaskState = "free"
	TaskOpen     TaskState = "open"
	TaskClosed   TaskState = "closed"
	TaskCanceled TaskState = "canceled"
	TaskFailed   TaskState = "failed"
)

// Terminal reports whether the backend will not advance this task further.
func (s TaskState) Terminal() bool {
	return s == TaskClosed || s == TaskCanceled || s == TaskFailed
}

// TaskStatus is a point-in-time snapshot of a backend task.
type TaskStatus struct {
	TaskID int64     `json:"task_id"`
	State  TaskState `json:"state"`
	Reason string    `json:"reason,omitempty"`
	NVR    string    `json:"nvr,omitempty"`
}

// Gateway is the build backend surface the pipeline and sweeps call. All
// mutating operations must be idempotent; cancel on an already-cancelled
// task is a no-op.
type Gateway interface {
	// Submit starts a build task for one artifact.
	Submit(ctx context.Context, artifact, source string) (TaskStatus, error)
	// Cancel stops a task if it is still running.
	Cancel(ctx context.Context, taskID int64) error
	// Finalize releases the buildroot resources behind tag.
	Finalize(ctx context.Context, tag string, succeeded bool) error
	// BuildrootAddDependencies makes resolved module dependencies
	// available in the build root behind tag.
	BuildrootAddDependencies(ctx context.Context, tag string, deps map[string][]string) error
	// TaskStatus reads the backend's current view of a task.
	TaskStatus(ctx context.Context, taskID int64) (TaskStatus, error)
	// RequestRepoRegeneration asks for an asynchronous buildroot repo
	// rebuild and returns the task handle, or ErrRepoRegenUnsupported.
	RequestRepoRegeneration(ctx context.Context, tag string) (int64, error)
	// UntagArtifacts removes the given NVRs from tag.
	UntagArtifacts(ctx context.Context, tag string, nvrs []string) error
	// RecoverOrphanedArtifact looks for a matching artifact left behind by
	// a prior partial attempt and adopts it instead of resubmitting.
	RecoverOrphanedArtifact(ctx context.Context, tag, artifact string) (TaskStatus, bool, error)
	// ListTagged returns the NVRs currently tagged into tag.
	ListTagged(ctx context.Context, tag string) ([]string, error)
	// DeleteBuildTarget removes a backend build target by name.
	DeleteBuildTarget(ctx context.Context, name string) error
}

// ErrRepoRegenUnsupported signals that the backend cannot regenerate repos
// asynchronously; the caller synthesizes the repo-ready event inline.
var ErrRepoRegenUnsupported = errors.New("repo regeneration not supported by backend")

// ErrUnresolvable is returned by a Resolver when the module's declared
// dependencies cannot be satisfied. It is a user error, not a transient one.
var ErrUnresolvable = errors.New("module dependencies are unresolvable")

// Resolver resolves a module's declared build dependencies into concrete
// module references, keyed by backend tag.
type Resolver interface {
	Resolve(ctx context.Context, name, stream, version, context string, strict bool) (map[string][]string, error)
}

// Gating is the promotion policy check between done and ready. An error
// means the gating service could not be queried, which is distinct from a
// negative verdict.
type Gating interface {
	Check(ctx context.Context, mb *build.ModuleBuild) (bool, error)
}
