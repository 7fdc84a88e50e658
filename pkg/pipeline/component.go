package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
	"github.com/vyvo/modulebuild/pkg/gateway"
)

// handleRepoDone fires when the buildroot repo has been regenerated. The
// repo task handle is cleared and the next wave is driven.
func (p *Pipeline) handleRepoDone(ctx context.Context, ev events.Event) error {
	mb, err := p.observe(ctx, ev)
	if err != nil {
		return p.notFoundOK(err)
	}
	if mb.State != build.StateBuild {
		p.logger.Info("repo done outside build state ignored",
			"build_id", mb.ID, "state", mb.State)
		return nil
	}

	if mb.NewRepoTaskID != nil {
		mb.NewRepoTaskID = nil
		mb.TimeModified = nowStamp()
		if err := p.store.SaveBuild(ctx, mb); err != nil {
			return fmt.Errorf("clearing repo task handle: %w", err)
		}
	}
	return p.StartNextBatch(ctx, mb)
}

// handleComponentBuilt records the backend's terminal verdict on one
// component task and continues the wave.
func (p *Pipeline) handleComponentBuilt(ctx context.Context, ev events.Event) error {
	mb, err := p.observe(ctx, ev)
	if err != nil {
		return p.notFoundOK(err)
	}

	cb, err := p.store.GetComponent(ctx, ev.ComponentID)
	if errors.Is(err, build.ErrNotFound) {
		p.logger.Info("component vanished, dropping event", "component_id", ev.ComponentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load component %s: %w", ev.ComponentID, err)
	}
	if cb.Reused() {
		// Reused components never ran a live task; a stray event for one
		// is an accepted race.
		p.logger.Info("ignoring task event for reused component",
			"build_id", mb.ID, "package", cb.Package)
		return nil
	}

	state := componentStateFromTask(gateway.TaskState(ev.TaskState))
	if cb.State.Terminal() && cb.State == state {
		return p.StartNextBatch(ctx, mb)
	}
	cb.State = state
	cb.Reason = ev.Reason
	if ev.NVR != "" {
		cb.NVR = ev.NVR
	}
	if ev.TaskID != nil && cb.TaskID == nil {
		cb.TaskID = ev.TaskID
	}
	if err := p.store.SaveComponent(ctx, cb); err != nil {
		return fmt.Errorf("persist component %s: %w", cb.Package, err)
	}

	switch state {
	case build.ComponentFailed, build.ComponentCanceled:
		reason := fmt.Sprintf("component %s failed: %s", cb.Package, ev.Reason)
		return p.failBuild(ctx, mb.ID, build.UserErrorf("%s", reason))
	default:
		return p.StartNextBatch(ctx, mb)
	}
}

// handleComponentTagged synchronizes tag bookkeeping with the backend and
// completes the module once every shippable component is tagged in final.
func (p *Pipeline) handleComponentTagged(ctx context.Context, ev events.Event) error {
	mb, err := p.observe(ctx, ev)
	if err != nil {
		return p.notFoundOK(err)
	}

	cb, err := p.store.GetComponent(ctx, ev.ComponentID)
	if errors.Is(err, build.ErrNotFound) {
		p.logger.Info("component vanished, dropping tag event", "component_id", ev.ComponentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load component %s: %w", ev.ComponentID, err)
	}

	changed := false
	if !cb.Tagged {
		cb.Tagged = true
		changed = true
	}
	if !cb.BuildTimeOnly && !cb.TaggedInFinal {
		cb.TaggedInFinal = true
		changed = true
	}
	if changed {
		if err := p.store.SaveComponent(ctx, cb); err != nil {
			return fmt.Errorf("persist component tag state: %w", err)
		}
	}
	return p.completeIfFullyTagged(ctx, mb)
}

// StartNextBatch is the wave driver: it submits unstarted components of
// the current batch up to the concurrency ceiling, advances the batch
// number when the current wave is fully complete, and synthesizes the
// completion event once nothing is left to build. Sweeps re-enter it when
// a lost message paused the build.
func (p *Pipeline) StartNextBatch(ctx context.Context, mb *build.ModuleBuild) error {
	if mb.State != build.StateBuild {
		return nil
	}
	comps, err := p.store.ComponentsForBuild(ctx, mb.ID)
	if err != nil {
		return fmt.Errorf("loading components: %w", err)
	}

	building := 0
	var free []*build.ComponentBuild
	allDone := true
	currentDone := true
	maxBatch := 0
	for _, cb := range comps {
		if cb.Batch > maxBatch {
			maxBatch = cb.Batch
		}
		switch cb.State {
		case build.ComponentComplete:
		case build.ComponentBuilding:
			building++
			allDone = false
			if cb.Batch <= mb.Batch {
				currentDone = false
			}
		default:
			allDone = false
			if cb.Batch <= mb.Batch {
				currentDone = false
				if cb.State == build.ComponentFree {
					free = append(free, cb)
				}
			}
		}
	}

	if allDone {
		return p.completeIfFullyTagged(ctx, mb)
	}

	// Current wave finished, open the next one. Batch only ever grows.
	if currentDone && len(free) == 0 && building == 0 && mb.Batch < maxBatch {
		mb.Batch++
		mb.TimeModified = nowStamp()
		if err := p.store.SaveBuild(ctx, mb); err != nil {
			return fmt.Errorf("advancing batch: %w", err)
		}
		p.logger.Info("starting next batch", "build_id", mb.ID, "batch", mb.Batch)
		for _, cb := range comps {
			if cb.Batch == mb.Batch && cb.State == build.ComponentFree {
				free = append(free, cb)
			}
		}
	}

	for _, cb := range free {
		if building >= p.opts.NumConcurrentComponents {
			p.logger.Info("component concurrency ceiling reached",
				"build_id", mb.ID, "in_flight", building)
			break
		}
		if err := p.submitComponent(ctx, mb, cb); err != nil {
			return p.failBuild(ctx, mb.ID, err)
		}
		building++
	}
	return nil
}

// submitComponent starts one component task, adopting an orphaned artifact
// from a prior crashed attempt when the backend still has one.
func (p *Pipeline) submitComponent(ctx context.Context, mb *build.ModuleBuild, cb *build.ComponentBuild) error {
	status, found, err := p.gw.RecoverOrphanedArtifact(ctx, mb.KojiTag, cb.Package)
	if err != nil {
		return build.WrapInfra("checking for orphaned artifact", err)
	}
	if !found {
		status, err = p.gw.Submit(ctx, cb.Package, componentSource(cb))
		if err != nil {
			return build.WrapInfra("submitting component "+cb.Package, err)
		}
	}

	cb.TaskID = &status.TaskID
	cb.State = componentStateFromTask(status.State)
	if cb.State == build.ComponentFree {
		cb.State = build.ComponentBuilding
	}
	cb.NVR = status.NVR
	if err := p.store.SaveComponent(ctx, cb); err != nil {
		return build.WrapInfra("persisting component "+cb.Package, err)
	}
	p.logger.Info("component submitted",
		"build_id", mb.ID, "package", cb.Package, "batch", cb.Batch, "task_id", status.TaskID)
	return nil
}

// completeIfFullyTagged publishes the module completion event once every
// component is complete and every shippable one is tagged in final.
// Build-time-only components are exempt from the final-tag requirement.
func (p *Pipeline) completeIfFullyTagged(ctx context.Context, mb *build.ModuleBuild) error {
	if mb.State != build.StateBuild {
		return nil
	}
	comps, err := p.store.ComponentsForBuild(ctx, mb.ID)
	if err != nil {
		return fmt.Errorf("loading components: %w", err)
	}
	for _, cb := range comps {
		if cb.State != build.ComponentComplete {
			return nil
		}
		if !cb.BuildTimeOnly && !cb.TaggedInFinal {
			return nil
		}
	}
	return p.pub.Publish(ctx, events.New(events.TypeBuildCompleted, mb.ID, build.StateBuild))
}

// componentSource addresses the component's normalized source reference.
func componentSource(cb *build.ComponentBuild) string {
	return fmt.Sprintf("git://pkgs/%s#%s", cb.Package, cb.Ref)
}
