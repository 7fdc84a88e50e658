package pipeline

import (
	"context"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
)

// handleDone moves a finished build out of the build state. Scratch builds
// terminate at done; everything else is promoted to ready as soon as
// gating allows it. A gating verdict that cannot be obtained leaves the
// build in done for the gating sweep to retry.
func (p *Pipeline) handleDone(ctx context.Context, ev events.Event) error {
	mb, err := p.observe(ctx, ev)
	if err != nil {
		return p.notFoundOK(err)
	}

	if mb.State == build.StateBuild {
		if err := p.advance(ctx, mb, build.StateDone, "all components built and tagged", ""); err != nil {
			return err
		}
	}
	if mb.State != build.StateDone {
		p.logger.Info("done event outside done state ignored",
			"build_id", mb.ID, "state", mb.State)
		return nil
	}
	if mb.Scratch {
		// Scratch results are never shipped, done is their terminal state.
		return nil
	}
	return p.promoteIfGated(ctx, mb)
}

// promoteIfGated asks the gating service for a verdict and promotes the
// build to ready on pass. With gating disabled the build promotes
// unconditionally.
func (p *Pipeline) promoteIfGated(ctx context.Context, mb *build.ModuleBuild) error {
	if p.gating == nil {
		return p.advance(ctx, mb, build.StateReady, "gating disabled", "")
	}

	passed, err := p.gating.Check(ctx, mb)
	if err != nil {
		p.logger.Info("gating could not be queried, staying in done",
			"build_id", mb.ID, "error", err)
		mb.StateReason = "gating could not be queried"
		mb.TimeModified = nowStamp()
		if serr := p.store.SaveBuild(ctx, mb); serr != nil {
			return serr
		}
		return nil
	}
	if !passed {
		p.logger.Info("gating has not passed yet", "build_id", mb.ID)
		mb.StateReason = "waiting for gating to pass"
		mb.TimeModified = nowStamp()
		return p.store.SaveBuild(ctx, mb)
	}
	return p.advance(ctx, mb, build.StateReady, "gating passed", "")
}
