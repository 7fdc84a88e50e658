package build

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a build or component does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract for module and component builds. It is
// the only shared mutable state in the system: every handler and sweep
// performs one load-mutate-save cycle per module build against it.
type Store interface {
	CreateBuild(ctx context.Context, mb *ModuleBuild) error
	GetBuild(ctx context.Context, id string) (*ModuleBuild, error)
	// SaveBuild persists the build row as-is. Callers stamp time_modified
	// through Transition or Touch before saving.
	SaveBuild(ctx context.Context, mb *ModuleBuild) error
	// ListBuilds returns builds in any of the given states, all builds when
	// none are given.
	ListBuilds(ctx context.Context, states ...State) ([]*ModuleBuild, error)
	// ListStaleBuilds returns builds in the given states whose
	// time_modified is older than before.
	ListStaleBuilds(ctx context.Context, before time.Time, states ...State) ([]*ModuleBuild, error)
	// ListCompletedBefore returns builds in the given states whose
	// time_completed is older than before.
	ListCompletedBefore(ctx context.Context, before time.Time, states ...State) ([]*ModuleBuild, error)
	// TouchBuild bumps time_modified to now without any other change.
	TouchBuild(ctx context.Context, id string) error
	// LatestPriorBuild returns the most recent non-scratch done or ready
	// build of name:stream other than excludeID, or ErrNotFound.
	LatestPriorBuild(ctx context.Context, name, stream, excludeID string) (*ModuleBuild, error)

	CreateComponent(ctx context.Context, cb *ComponentBuild) error
	SaveComponent(ctx context.Context, cb *ComponentBuild) error
	GetComponent(ctx context.Context, id string) (*ComponentBuild, error)
	ComponentsForBuild(ctx context.Context, moduleID string) ([]*ComponentBuild, error)

	Close() error
}
