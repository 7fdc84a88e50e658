package build

import "time"

// State is the lifecycle state of a module build.
type State string

const (
	StateInit    State = "init"
	StateWait    State = "wait"
	StateBuild   State = "build"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateReady   State = "ready"
	StateGarbage State = "garbage"
)

// stateRank orders states along the forward-only pipeline. Failed and
// garbage sort above every productive state so a build never regresses
// out of them.
var stateRank = map[State]int{
	StateInit:    0,
	StateWait:    1,
	StateBuild:   2,
	StateDone:    3,
	StateReady:   4,
	StateFailed:  5,
	StateGarbage: 6,
}

// Rank returns the pipeline position of the state, or -1 for unknown states.
func (s State) Rank() int {
	r, ok := stateRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further productive transition exists.
// Done is terminal only for scratch builds, which is decided by the caller.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateGarbage
}

// CanTransition reports whether a build may move from s to next without
// violating monotonicity. Failed is reachable from any non-terminal state,
// garbage only from failed.
func (s State) CanTransition(next State) bool {
	switch next {
	case StateFailed:
		return !s.Terminal()
	case StateGarbage:
		return s == StateFailed
	default:
		return next.Rank() == s.Rank()+1 && !s.Terminal()
	}
}

// FailureType classifies why a build failed.
type FailureType string

const (
	FailureNone  FailureType = "none"
	FailureUser  FailureType = "user"
	FailureInfra FailureType = "infra"
)

// ModuleBuild is one requested build of a name+stream+version+context.
type ModuleBuild struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Stream  string `json:"stream"`
	Version string `json:"version"`
	Context string `json:"context"`

	State       State       `json:"state"`
	StateReason string      `json:"state_reason,omitempty"`
	FailureType FailureType `json:"failure_type"`

	KojiTag        string `json:"koji_tag,omitempty"`
	CGBuildKojiTag string `json:"cg_build_koji_tag,omitempty"`
	NewRepoTaskID  *int64 `json:"new_repo_task_id,omitempty"`

	// Batch is the current wave number. It starts at 0 and only ever grows.
	Batch   int  `json:"batch"`
	Scratch bool `json:"scratch"`

	// Modulemd holds the normalized module stream document, persisted once
	// the init handler succeeds.
	Modulemd string `json:"modulemd,omitempty"`
	// Arches is the computed architecture list.
	Arches []string `json:"arches,omitempty"`
	// ConflictExcludes records cross-module RPM conflict exclusions.
	ConflictExcludes []string `json:"conflict_excludes,omitempty"`

	TimeModified  time.Time  `json:"time_modified"`
	TimeCompleted *time.Time `json:"time_completed,omitempty"`
}

// NSVC returns the canonical name:stream:version:context identifier.
func (m *ModuleBuild) NSVC() string {
	return m.Name + ":" + m.Stream + ":" + m.Version + ":" + m.Context
}

// Transition moves the build to next, recording the reason and stamping
// time_modified. It returns false and leaves the build untouched when the
// move would regress the pipeline.
func (m *ModuleBuild) Transition(next State, reason string) bool {
	if !m.State.CanTransition(next) {
		return false
	}
	m.State = next
	m.StateReason = reason
	m.TimeModified = time.Now().UTC()
	if next.Terminal() || (next == StateDone && m.Scratch) {
		t := m.TimeModified
		m.TimeCompleted = &t
	}
	return true
}

// Retry re-enters a failed build at the top of the pipeline. This is the
// only sanctioned backward move: operators resubmit a build after an
// infrastructure outage is fixed.
func (m *ModuleBuild) Retry(reason string) bool {
	if m.State != StateFailed {
		return false
	}
	m.State = StateInit
	m.StateReason = reason
	m.FailureType = FailureNone
	m.Batch = 0
	m.NewRepoTaskID = nil
	m.TimeModified = time.Now().UTC()
	m.TimeCompleted = nil
	return true
}

// Fail transitions to failed with the given classification.
func (m *ModuleBuild) Fail(ft FailureType, reason string) bool {
	if !m.Transition(StateFailed, reason) {
		// Re-asserting failed on an already failed build keeps the
		// original classification.
		return m.State == StateFailed
	}
	m.FailureType = ft
	return true
}

// ComponentState mirrors the build backend's task state for one component.
type ComponentState string

const (
	ComponentFree     ComponentState = "FREE"
	ComponentBuilding ComponentState = "BUILDING"
	ComponentComplete ComponentState = "COMPLETE"
	ComponentFailed   ComponentState = "FAILED"
	ComponentCanceled ComponentState = "CANCELED"
)

// Terminal reports whether the backend will not advance this state further.
func (s ComponentState) Terminal() bool {
	return s == ComponentComplete || s == ComponentFailed || s == ComponentCanceled
}

// ComponentBuild is the build of one package belonging to a module build.
type ComponentBuild struct {
	ID       string `json:"id"`
	ModuleID string `json:"module_id"`
	Package  string `json:"package"`
	Batch    int    `json:"batch"`

	TaskID *int64         `json:"task_id,omitempty"`
	State  ComponentState `json:"state"`
	Reason string         `json:"reason,omitempty"`
	NVR    string         `json:"nvr,omitempty"`

	// Ref is the normalized source reference the component builds from.
	Ref string `json:"ref,omitempty"`

	ReusedComponentID string `json:"reused_component_id,omitempty"`

	Tagged        bool `json:"tagged"`
	TaggedInFinal bool `json:"tagged_in_final"`
	BuildTimeOnly bool `json:"build_time_only"`
}

// Reused reports whether the component was satisfied from a prior build
// instead of a live backend task.
func (c *ComponentBuild) Reused() bool {
	return c.ReusedComponentID != ""
}
