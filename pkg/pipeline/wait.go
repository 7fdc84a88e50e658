package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
	"github.com/vyvo/modulebuild/pkg/gateway"
	"github.com/vyvo/modulebuild/pkg/modulemd"
)

// BootstrapComponent is the build-environment macros artifact seeded into
// batch 1 before any real component builds.
const BootstrapComponent = "module-build-macros"

// handleWait makes a build ready for component submission: dependency
// resolution, tag assignment, buildroot setup, and either one of the two
// short-circuits (empty module, whole-build reuse) or the bootstrap
// component of batch 1.
func (p *Pipeline) handleWait(ctx context.Context, ev events.Event) error {
	mb, err := p.observe(ctx, ev)
	if err != nil {
		return p.notFoundOK(err)
	}
	if mb.State.Rank() > build.StateWait.Rank() {
		p.logger.Info("wait already handled", "build_id", mb.ID, "state", mb.State)
		return nil
	}

	deps, err := p.resolver.Resolve(ctx, mb.Name, mb.Stream, mb.Version, mb.Context, true)
	if err != nil {
		// The retrying resolver already classified the failure.
		return p.failBuild(ctx, mb.ID, err)
	}

	mb.KojiTag = buildTag(mb)
	if !mb.Scratch {
		mb.CGBuildKojiTag = p.cgTag(deps)
	}
	// The tag must be on the row before the backend learns about it, or a
	// failure past this point leaves the failed handler nothing to clean up.
	mb.TimeModified = nowStamp()
	if err := p.store.SaveBuild(ctx, mb); err != nil {
		return fmt.Errorf("persisting build tags: %w", err)
	}

	if err := p.gw.BuildrootAddDependencies(ctx, mb.KojiTag, deps); err != nil {
		return p.failBuild(ctx, mb.ID, build.WrapInfra("populating buildroot", err))
	}

	doc, err := modulemd.Parse([]byte(mb.Modulemd))
	if err != nil {
		return p.failBuild(ctx, mb.ID, build.UserErrorf("stored module stream unreadable: %v", err))
	}
	comps := doc.ComponentsInOrder()

	// Empty module: nothing to submit, synthesize completion so the
	// pipeline still reaches done.
	if len(comps) == 0 {
		return p.advance(ctx, mb, build.StateBuild, "no components to build", events.TypeBuildCompleted)
	}

	reusable, allReusable, err := p.reusableComponents(ctx, mb, comps)
	if err != nil {
		return p.failBuild(ctx, mb.ID, build.WrapInfra("computing component reuse", err))
	}

	if allReusable {
		if err := p.recordComponents(ctx, mb, comps, reusable, false); err != nil {
			return p.failBuild(ctx, mb.ID, build.WrapInfra("recording reused components", err))
		}
		if err := p.advance(ctx, mb, build.StateBuild, "all components reused from previous module build", ""); err != nil {
			return err
		}
		// No task will ever finish for this build, so completion is driven
		// from here instead of from a component verdict.
		return p.completeIfFullyTagged(ctx, mb)
	}

	if mb.Batch < 1 {
		mb.Batch = 1
	}
	if err := p.recordComponents(ctx, mb, comps, reusable, true); err != nil {
		return p.failBuild(ctx, mb.ID, build.WrapInfra("recording component builds", err))
	}
	if err := p.startBootstrap(ctx, mb); err != nil {
		return p.failBuild(ctx, mb.ID, err)
	}

	repoTask, regenErr := p.gw.RequestRepoRegeneration(ctx, mb.KojiTag)
	unsupported := errors.Is(regenErr, gateway.ErrRepoRegenUnsupported)
	if regenErr != nil && !unsupported {
		return p.failBuild(ctx, mb.ID, build.WrapInfra("requesting buildroot repo regeneration", regenErr))
	}
	if !unsupported {
		mb.NewRepoTaskID = &repoTask
	}

	if err := p.advance(ctx, mb, build.StateBuild, "bootstrap component submitted", ""); err != nil {
		return err
	}
	if unsupported {
		ev := events.New(events.TypeRepoDone, mb.ID, build.StateBuild)
		return p.pub.Publish(ctx, ev)
	}
	return nil
}

// recordComponents creates the component rows for the build, skipping any
// that already exist from a prior partial attempt. Reused components are
// written as complete and tagged; the rest start unsubmitted in their
// buildorder wave. withBootstrap additionally seeds batch 1.
func (p *Pipeline) recordComponents(ctx context.Context, mb *build.ModuleBuild, comps []modulemd.NamedComponent, reusable map[string]*build.ComponentBuild, withBootstrap bool) error {
	existing, err := p.store.ComponentsForBuild(ctx, mb.ID)
	if err != nil {
		return err
	}
	byPackage := make(map[string]bool, len(existing))
	for _, cb := range existing {
		byPackage[cb.Package] = true
		// Rows left behind by a failed earlier attempt go back to
		// unsubmitted so a retried build runs them again.
		if cb.State == build.ComponentFailed || cb.State == build.ComponentCanceled {
			cb.State = build.ComponentFree
			cb.TaskID = nil
			cb.Reason = ""
			cb.NVR = ""
			if err := p.store.SaveComponent(ctx, cb); err != nil {
				return err
			}
		}
	}

	if withBootstrap && !byPackage[BootstrapComponent] {
		err := p.store.CreateComponent(ctx, &build.ComponentBuild{
			ID:            uuid.NewString(),
			ModuleID:      mb.ID,
			Package:       BootstrapComponent,
			Batch:         1,
			State:         build.ComponentFree,
			BuildTimeOnly: true,
		})
		if err != nil {
			return err
		}
	}

	wave := waveByBuildorder(comps)
	for _, c := range comps {
		if byPackage[c.Name] {
			continue
		}
		cb := &build.ComponentBuild{
			ID:            uuid.NewString(),
			ModuleID:      mb.ID,
			Package:       c.Name,
			Batch:         wave[c.Buildorder],
			State:         build.ComponentFree,
			Ref:           c.Ref,
			BuildTimeOnly: c.Buildonly,
		}
		if prior, ok := reusable[c.Name]; ok {
			cb.State = build.ComponentComplete
			cb.NVR = prior.NVR
			cb.Reason = "reused from build " + prior.ModuleID
			cb.ReusedComponentID = reuseOrigin(prior)
			cb.Tagged = true
			cb.TaggedInFinal = !c.Buildonly
		}
		if err := p.store.CreateComponent(ctx, cb); err != nil {
			return err
		}
	}
	return nil
}

// startBootstrap submits the macros component, first asking the backend
// whether a matching artifact survived a prior crashed attempt so the task
// is never double-submitted.
func (p *Pipeline) startBootstrap(ctx context.Context, mb *build.ModuleBuild) error {
	comps, err := p.store.ComponentsForBuild(ctx, mb.ID)
	if err != nil {
		return build.WrapInfra("loading components", err)
	}
	var boot *build.ComponentBuild
	for _, cb := range comps {
		if cb.Package == BootstrapComponent {
			boot = cb
			break
		}
	}
	if boot == nil {
		return build.InfraErrorf("bootstrap component row missing for build %s", mb.ID)
	}
	if boot.TaskID != nil || boot.State == build.ComponentComplete {
		// Crash recovery re-entered wait; the task is already live.
		return nil
	}

	status, found, err := p.gw.RecoverOrphanedArtifact(ctx, mb.KojiTag, BootstrapComponent)
	if err != nil {
		return build.WrapInfra("checking for orphaned bootstrap artifact", err)
	}
	if found {
		p.logger.Info("adopted orphaned bootstrap artifact",
			"build_id", mb.ID, "task_id", status.TaskID)
	} else {
		status, err = p.gw.Submit(ctx, BootstrapComponent, macrosSource(mb))
		if err != nil {
			return build.WrapInfra("submitting bootstrap component", err)
		}
	}

	boot.TaskID = &status.TaskID
	boot.State = componentStateFromTask(status.State)
	boot.NVR = status.NVR
	if err := p.store.SaveComponent(ctx, boot); err != nil {
		return build.WrapInfra("persisting bootstrap component", err)
	}
	return nil
}

// reusableComponents matches this build's components against the latest
// prior compatible build. A component is reusable when an equivalent one
// (same package, same normalized ref) completed in that build.
func (p *Pipeline) reusableComponents(ctx context.Context, mb *build.ModuleBuild, comps []modulemd.NamedComponent) (map[string]*build.ComponentBuild, bool, error) {
	prior, err := p.store.LatestPriorBuild(ctx, mb.Name, mb.Stream, mb.ID)
	if errors.Is(err, build.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	priorComps, err := p.store.ComponentsForBuild(ctx, prior.ID)
	if err != nil {
		return nil, false, err
	}
	byPackage := make(map[string]*build.ComponentBuild, len(priorComps))
	for _, cb := range priorComps {
		if cb.State == build.ComponentComplete && cb.Package != BootstrapComponent {
			byPackage[cb.Package] = cb
		}
	}

	reusable := make(map[string]*build.ComponentBuild)
	all := true
	for _, c := range comps {
		priorCB, ok := byPackage[c.Name]
		if ok && priorCB.Ref == c.Ref {
			reusable[c.Name] = priorCB
		} else {
			all = false
		}
	}
	return reusable, all, nil
}

// reuseOrigin follows a reuse chain back to the component that actually
// built the artifact.
func reuseOrigin(cb *build.ComponentBuild) string {
	if cb.ReusedComponentID != "" {
		return cb.ReusedComponentID
	}
	return cb.ID
}

// waveByBuildorder assigns each distinct buildorder to a wave number.
// Batch 1 is reserved for the bootstrap component.
func waveByBuildorder(comps []modulemd.NamedComponent) map[int]int {
	wave := make(map[int]int)
	next := 2
	for _, c := range comps { // comps are sorted by buildorder
		if _, ok := wave[c.Buildorder]; !ok {
			wave[c.Buildorder] = next
			next++
		}
	}
	return wave
}

// macrosSource addresses the build-time macro overrides recorded in the
// normalized module stream; the backend reads them from the document.
func macrosSource(mb *build.ModuleBuild) string {
	return "macros://" + mb.NSVC()
}
