// Package reconciler runs the periodic sweeps that repair state drift
// caused by lost messages, crashed workers, or backend failures. Every
// state-advancing side effect the event path can trigger has a sweep here
// that can trigger the same effect by asking the backend directly.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
	"github.com/vyvo/modulebuild/pkg/gateway"
	"github.com/vyvo/modulebuild/pkg/pipeline"
)

// Config holds the per-sweep intervals and thresholds. All intervals and
// durations must be positive; the scheduler validates before starting.
type Config struct {
	NudgeInterval  time.Duration
	NudgeThreshold time.Duration

	ComponentSweepInterval time.Duration

	ResumeInterval  time.Duration
	ResumeThreshold time.Duration

	RepoRegenInterval time.Duration

	TargetSweepInterval   time.Duration
	TargetRetention       time.Duration
	AllowedTargetPrefixes []string

	FailureCleanupInterval time.Duration
	FailureRetention       time.Duration

	StuckInterval time.Duration
	StuckStates   []build.State
	StuckLimit    time.Duration

	TagSyncInterval  time.Duration
	TagSyncThreshold time.Duration

	GatingInterval time.Duration
}

// Reconciler owns the sweep goroutines. Each sweep is individually
// invocable; Start puts each one on its own ticker.
type Reconciler struct {
	store  build.Store
	gw     gateway.Gateway
	pub    events.Publisher
	pipe   *pipeline.Pipeline
	cfg    Config
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(store build.Store, gw gateway.Gateway, pub events.Publisher, pipe *pipeline.Pipeline, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		gw:     gw,
		pub:    pub,
		pipe:   pipe,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

type sweep struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

// Start launches one ticker goroutine per sweep.
func (r *Reconciler) Start(ctx context.Context) {
	sweeps := []sweep{
		{"nudge_stuck", r.cfg.NudgeInterval, r.NudgeStuck},
		{"fail_lost_components", r.cfg.ComponentSweepInterval, r.FailLostComponents},
		{"resume_paused", r.cfg.ResumeInterval, r.ResumePaused},
		{"retrigger_repo_regen", r.cfg.RepoRegenInterval, r.RetriggerRepoRegen},
		{"delete_stale_targets", r.cfg.TargetSweepInterval, r.DeleteStaleTargets},
		{"cleanup_stale_failures", r.cfg.FailureCleanupInterval, r.CleanupStaleFailures},
		{"cancel_stuck_builds", r.cfg.StuckInterval, r.CancelStuckBuilds},
		{"sync_tag_state", r.cfg.TagSyncInterval, r.SyncTagState},
		{"poll_gating", r.cfg.GatingInterval, r.PollGating},
	}
	for _, s := range sweeps {
		r.wg.Add(1)
		go r.loop(ctx, s)
	}
	r.logger.Info("reconciler started", "sweeps", len(sweeps))
}

// Stop signals every sweep loop and waits for them to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context, s sweep) {
	defer r.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.run(ctx); err != nil {
				// Sweeps retry on their next tick.
				r.logger.Error("sweep failed", "sweep", s.name, "error", err)
			}
		}
	}
}

// NudgeStuck re-emits the entry event for builds sitting in init or wait
// past the staleness threshold. Touching time_modified first keeps a build
// from being nudged again on the very next tick.
func (r *Reconciler) NudgeStuck(ctx context.Context) error {
	before := time.Now().UTC().Add(-r.cfg.NudgeThreshold)
	builds, err := r.store.ListStaleBuilds(ctx, before, build.StateInit, build.StateWait)
	if err != nil {
		return fmt.Errorf("listing stale init/wait builds: %w", err)
	}
	for _, mb := range builds {
		if err := r.store.TouchBuild(ctx, mb.ID); err != nil {
			r.logger.Error("touching stuck build", "build_id", mb.ID, "error", err)
			continue
		}
		entry := events.TypeInitRequested
		if mb.State == build.StateWait {
			entry = events.TypeWaitEntered
		}
		r.logger.Info("nudging stuck build",
			"build_id", mb.ID, "nsvc", mb.NSVC(), "state", mb.State)
		if err := r.pub.Publish(ctx, events.New(entry, mb.ID, mb.State)); err != nil {
			r.logger.Error("publishing nudge event", "build_id", mb.ID, "error", err)
		}
	}
	return nil
}

// FailLostComponents asks the backend directly about component tasks whose
// completion message may have been lost, and drives the normal completion
// path with what it learns. Components without a task and reused components
// are skipped.
func (r *Reconciler) FailLostComponents(ctx context.Context) error {
	builds, err := r.store.ListBuilds(ctx, build.StateBuild)
	if err != nil {
		return fmt.Errorf("listing building modules: %w", err)
	}
	for _, mb := range builds {
		comps, err := r.store.ComponentsForBuild(ctx, mb.ID)
		if err != nil {
			r.logger.Error("loading components", "build_id", mb.ID, "error", err)
			continue
		}
		for _, cb := range comps {
			if cb.State != build.ComponentBuilding || cb.TaskID == nil || cb.Reused() {
				continue
			}
			status, err := r.gw.TaskStatus(ctx, *cb.TaskID)
			if err != nil {
				r.logger.Error("querying component task",
					"build_id", mb.ID, "package", cb.Package, "task_id", *cb.TaskID, "error", err)
				continue
			}
			if !status.State.Terminal() {
				continue
			}
			r.logger.Info("recovering lost component verdict",
				"build_id", mb.ID, "package", cb.Package, "task_state", status.State)
			ev := events.New(events.TypeComponentBuilt, mb.ID, build.StateBuild)
			ev.ComponentID = cb.ID
			ev.TaskID = cb.TaskID
			ev.TaskState = string(status.State)
			ev.NVR = status.NVR
			ev.Reason = status.Reason
			if err := r.pub.Publish(ctx, ev); err != nil {
				r.logger.Error("publishing component verdict", "build_id", mb.ID, "error", err)
			}
		}
	}
	return nil
}

// ResumePaused re-enters the batch driver for builds that went quiet in the
// build state: a missed repo regeneration completion, or a fully-reused
// build whose completion event was lost. Batch 0 builds qualify, their
// components never run a task.
func (r *Reconciler) ResumePaused(ctx context.Context) error {
	before := time.Now().UTC().Add(-r.cfg.ResumeThreshold)
	builds, err := r.store.ListStaleBuilds(ctx, before, build.StateBuild)
	if err != nil {
		return fmt.Errorf("listing stale building modules: %w", err)
	}
	for _, mb := range builds {
		comps, err := r.store.ComponentsForBuild(ctx, mb.ID)
		if err != nil {
			r.logger.Error("loading components", "build_id", mb.ID, "error", err)
			continue
		}
		anyBuilding := false
		for _, cb := range comps {
			if cb.State == build.ComponentBuilding {
				anyBuilding = true
				break
			}
		}
		if anyBuilding {
			continue
		}
		if mb.NewRepoTaskID != nil {
			status, err := r.gw.TaskStatus(ctx, *mb.NewRepoTaskID)
			if err != nil {
				r.logger.Error("querying repo regen task",
					"build_id", mb.ID, "task_id", *mb.NewRepoTaskID, "error", err)
				continue
			}
			if !status.State.Terminal() {
				continue
			}
		}
		r.logger.Info("resuming paused build", "build_id", mb.ID, "batch", mb.Batch)
		if err := r.pipe.StartNextBatch(ctx, mb); err != nil {
			r.logger.Error("resuming build", "build_id", mb.ID, "error", err)
		}
	}
	return nil
}

// RetriggerRepoRegen resubmits repo regeneration for builds whose recorded
// regen task the backend reports dead.
func (r *Reconciler) RetriggerRepoRegen(ctx context.Context) error {
	builds, err := r.store.ListBuilds(ctx, build.StateBuild)
	if err != nil {
		return fmt.Errorf("listing building modules: %w", err)
	}
	for _, mb := range builds {
		if mb.NewRepoTaskID == nil {
			continue
		}
		status, err := r.gw.TaskStatus(ctx, *mb.NewRepoTaskID)
		if err != nil {
			r.logger.Error("querying repo regen task",
				"build_id", mb.ID, "task_id", *mb.NewRepoTaskID, "error", err)
			continue
		}
		if status.State != gateway.TaskCanceled && status.State != gateway.TaskFailed {
			continue
		}
		taskID, err := r.gw.RequestRepoRegeneration(ctx, mb.KojiTag)
		if err != nil {
			r.logger.Error("resubmitting repo regeneration",
				"build_id", mb.ID, "tag", mb.KojiTag, "error", err)
			continue
		}
		r.logger.Info("repo regeneration resubmitted",
			"build_id", mb.ID, "tag", mb.KojiTag, "task_id", taskID)
		mb.NewRepoTaskID = &taskID
		mb.TimeModified = time.Now().UTC()
		if err := r.store.SaveBuild(ctx, mb); err != nil {
			r.logger.Error("persisting repo regen handle", "build_id", mb.ID, "error", err)
		}
	}
	return nil
}

// DeleteStaleTargets removes backend build targets of long-finished builds.
// A target whose name matches no allowed prefix is never touched; that is
// the guard against acting on targets this service does not own.
func (r *Reconciler) DeleteStaleTargets(ctx context.Context) error {
	before := time.Now().UTC().Add(-r.cfg.TargetRetention)
	builds, err := r.store.ListCompletedBefore(ctx, before,
		build.StateReady, build.StateFailed, build.StateGarbage, build.StateDone)
	if err != nil {
		return fmt.Errorf("listing finished builds: %w", err)
	}
	for _, mb := range builds {
		if mb.State == build.StateDone && !mb.Scratch {
			continue
		}
		if mb.KojiTag == "" {
			continue
		}
		if !r.targetAllowed(mb.KojiTag) {
			r.logger.Error("stale target outside allowed prefixes, refusing to delete",
				"build_id", mb.ID, "target", mb.KojiTag)
			continue
		}
		if err := r.gw.DeleteBuildTarget(ctx, mb.KojiTag); err != nil {
			r.logger.Error("deleting stale target",
				"build_id", mb.ID, "target", mb.KojiTag, "error", err)
			continue
		}
		r.logger.Info("stale target deleted", "build_id", mb.ID, "target", mb.KojiTag)
	}
	return nil
}

func (r *Reconciler) targetAllowed(name string) bool {
	for _, prefix := range r.cfg.AllowedTargetPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// CleanupStaleFailures untags the artifacts of old failed builds and moves
// them to garbage.
func (r *Reconciler) CleanupStaleFailures(ctx context.Context) error {
	before := time.Now().UTC().Add(-r.cfg.FailureRetention)
	builds, err := r.store.ListCompletedBefore(ctx, before, build.StateFailed)
	if err != nil {
		return fmt.Errorf("listing stale failed builds: %w", err)
	}
	for _, mb := range builds {
		comps, err := r.store.ComponentsForBuild(ctx, mb.ID)
		if err != nil {
			r.logger.Error("loading components", "build_id", mb.ID, "error", err)
			continue
		}
		var tagged []*build.ComponentBuild
		var nvrs []string
		for _, cb := range comps {
			if cb.Tagged && cb.NVR != "" {
				tagged = append(tagged, cb)
				nvrs = append(nvrs, cb.NVR)
			}
		}
		if len(nvrs) > 0 && mb.KojiTag != "" {
			if err := r.gw.UntagArtifacts(ctx, mb.KojiTag, nvrs); err != nil {
				r.logger.Error("untagging stale failure artifacts",
					"build_id", mb.ID, "tag", mb.KojiTag, "error", err)
				continue
			}
			for _, cb := range tagged {
				cb.Tagged = false
				cb.TaggedInFinal = false
				if err := r.store.SaveComponent(ctx, cb); err != nil {
					r.logger.Error("persisting untag",
						"build_id", mb.ID, "package", cb.Package, "error", err)
				}
			}
		}
		if !mb.Transition(build.StateGarbage, "stale failed build garbage collected") {
			continue
		}
		if err := r.store.SaveBuild(ctx, mb); err != nil {
			r.logger.Error("persisting garbage transition", "build_id", mb.ID, "error", err)
			continue
		}
		r.logger.Info("stale failed build garbage collected", "build_id", mb.ID, "nsvc", mb.NSVC())
	}
	return nil
}

// CancelStuckBuilds force-fails builds that sat in a configured state past
// the limit. The transition is written unconditionally; backend cleanup
// happens in the failed handler triggered by the published event.
func (r *Reconciler) CancelStuckBuilds(ctx context.Context) error {
	if len(r.cfg.StuckStates) == 0 {
		return nil
	}
	before := time.Now().UTC().Add(-r.cfg.StuckLimit)
	builds, err := r.store.ListStaleBuilds(ctx, before, r.cfg.StuckStates...)
	if err != nil {
		return fmt.Errorf("listing stuck builds: %w", err)
	}
	for _, mb := range builds {
		reason := fmt.Sprintf("build stuck in state %q for more than %s, canceled", mb.State, r.cfg.StuckLimit)
		if !mb.Fail(build.FailureUser, reason) {
			continue
		}
		if err := r.store.SaveBuild(ctx, mb); err != nil {
			r.logger.Error("persisting stuck cancellation", "build_id", mb.ID, "error", err)
			continue
		}
		r.logger.Info("stuck build canceled", "build_id", mb.ID, "nsvc", mb.NSVC())
		ev := events.New(events.TypeBuildFailed, mb.ID, build.StateFailed)
		ev.Reason = reason
		ev.FailureType = build.FailureUser
		if err := r.pub.Publish(ctx, ev); err != nil {
			r.logger.Error("publishing stuck cancellation", "build_id", mb.ID, "error", err)
		}
	}
	return nil
}

// SyncTagState reconciles the store's tag bookkeeping with the backend's
// actual tag membership. The backend is the source of truth for tag facts;
// when it reports an artifact tagged that the store thinks is not, the
// tagged event is synthesized to catch the store up.
func (r *Reconciler) SyncTagState(ctx context.Context) error {
	before := time.Now().UTC().Add(-r.cfg.TagSyncThreshold)
	builds, err := r.store.ListStaleBuilds(ctx, before, build.StateBuild)
	if err != nil {
		return fmt.Errorf("listing stale building modules: %w", err)
	}
	for _, mb := range builds {
		if mb.KojiTag == "" {
			continue
		}
		comps, err := r.store.ComponentsForBuild(ctx, mb.ID)
		if err != nil {
			r.logger.Error("loading components", "build_id", mb.ID, "error", err)
			continue
		}
		var pending []*build.ComponentBuild
		for _, cb := range comps {
			if cb.State == build.ComponentComplete && !cb.Tagged && cb.NVR != "" {
				pending = append(pending, cb)
			}
		}
		if len(pending) == 0 {
			continue
		}
		nvrs, err := r.gw.ListTagged(ctx, mb.KojiTag)
		if err != nil {
			r.logger.Error("listing tag membership",
				"build_id", mb.ID, "tag", mb.KojiTag, "error", err)
			continue
		}
		taggedSet := make(map[string]bool, len(nvrs))
		for _, nvr := range nvrs {
			taggedSet[nvr] = true
		}
		for _, cb := range pending {
			if !taggedSet[cb.NVR] {
				continue
			}
			r.logger.Info("backend reports artifact tagged, syncing store",
				"build_id", mb.ID, "package", cb.Package, "nvr", cb.NVR)
			ev := events.New(events.TypeComponentTagged, mb.ID, build.StateBuild)
			ev.ComponentID = cb.ID
			ev.NVR = cb.NVR
			if err := r.pub.Publish(ctx, ev); err != nil {
				r.logger.Error("publishing tag sync event", "build_id", mb.ID, "error", err)
			}
		}
	}
	return nil
}

// PollGating re-drives the done handler for non-scratch builds waiting in
// done, so a gating verdict that was unavailable or negative is re-checked
// every tick.
func (r *Reconciler) PollGating(ctx context.Context) error {
	builds, err := r.store.ListBuilds(ctx, build.StateDone)
	if err != nil {
		return fmt.Errorf("listing done builds: %w", err)
	}
	for _, mb := range builds {
		if mb.Scratch {
			continue
		}
		if err := r.pub.Publish(ctx, events.New(events.TypeBuildCompleted, mb.ID, build.StateDone)); err != nil {
			r.logger.Error("publishing gating poll event", "build_id", mb.ID, "error", err)
		}
	}
	return nil
}
