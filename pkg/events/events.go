// Package events carries the module build lifecycle events between
// producers (the HTTP surface, handlers, reconciliation sweeps) and the
// worker pool that dispatches them to the state machine.
package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/vyvo/modulebuild/pkg/build"
)

// Type enumerates the closed set of lifecycle events. Behavior is keyed on
// this tag, never on free-form payload inspection.
type Type string

const (
	// TypeInitRequested fires once per new build request.
	TypeInitRequested Type = "init_requested"
	// TypeWaitEntered fires when a build reaches the wait state.
	TypeWaitEntered Type = "wait_entered"
	// TypeComponentBuilt fires when the backend finishes a component task.
	TypeComponentBuilt Type = "component_built"
	// TypeComponentTagged fires when a component artifact lands in the tag.
	TypeComponentTagged Type = "component_tagged"
	// TypeRepoDone fires when the buildroot repo has been regenerated.
	TypeRepoDone Type = "repo_done"
	// TypeBuildCompleted fires when the module's packages are fully built
	// and tagged.
	TypeBuildCompleted Type = "build_completed"
	// TypeBuildFailed drives a build into the failed state.
	TypeBuildFailed Type = "build_failed"
)

// Event is one unit of work for the state machine. ID exists for logging
// and tracing only; FromState is the state the producer believed the build
// was in, which the handler re-checks against the store.
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	BuildID   string      `json:"build_id"`
	FromState build.State `json:"from_state,omitempty"`

	// Component event payload.
	ComponentID string `json:"component_id,omitempty"`
	TaskID      *int64 `json:"task_id,omitempty"`
	TaskState   string `json:"task_state,omitempty"`
	NVR         string `json:"nvr,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// FailureType accompanies TypeBuildFailed when the producer decided
	// the classification (for example the stuck-build sweep).
	FailureType build.FailureType `json:"failure_type,omitempty"`
}

// New builds an event with a fresh message id.
func New(t Type, buildID string, fromState build.State) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		BuildID:   buildID,
		FromState: fromState,
	}
}

// Publisher is the producer half of the queue: fire-and-forget enqueue of a
// follow-on event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Queue is the full transport: handlers and sweeps publish, the worker
// pool consumes. Delivery is at-least-once; handlers are idempotent.
type Queue interface {
	Publisher
	// Consume blocks briefly for the next event. A nil event with nil
	// error means nothing was available.
	Consume(ctx context.Context) (*Event, error)
	Close() error
}
