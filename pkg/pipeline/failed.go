package pipeline

import (
	"context"
	"fmt"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
)

// handleFailed cleans up backend resources after a build has been marked
// failed: pending component tasks and the repo regeneration task are
// canceled, unbuilt components are closed out, and the build tag is
// finalized as not shippable. The whole handler is idempotent; a redelivery
// finds nothing left to cancel.
func (p *Pipeline) handleFailed(ctx context.Context, ev events.Event) error {
	mb, err := p.observe(ctx, ev)
	if err != nil {
		return p.notFoundOK(err)
	}
	if mb.State != build.StateFailed {
		p.logger.Info("failure cleanup on non-failed build ignored",
			"build_id", mb.ID, "state", mb.State)
		return nil
	}

	// A build that failed before tag assignment never touched the backend.
	if mb.KojiTag == "" {
		return nil
	}

	comps, err := p.store.ComponentsForBuild(ctx, mb.ID)
	if err != nil {
		return fmt.Errorf("loading components for cleanup: %w", err)
	}
	reason := "canceled: module build failed"
	for _, cb := range comps {
		switch cb.State {
		case build.ComponentBuilding:
			if cb.TaskID != nil {
				if err := p.gw.Cancel(ctx, *cb.TaskID); err != nil {
					p.logger.Error("canceling component task",
						"build_id", mb.ID, "package", cb.Package,
						"task_id", *cb.TaskID, "error", err)
				}
			}
			fallthrough
		case build.ComponentFree:
			cb.State = build.ComponentFailed
			cb.Reason = reason
			if err := p.store.SaveComponent(ctx, cb); err != nil {
				return fmt.Errorf("closing out component %s: %w", cb.Package, err)
			}
		}
	}

	if mb.NewRepoTaskID != nil {
		if err := p.gw.Cancel(ctx, *mb.NewRepoTaskID); err != nil {
			p.logger.Error("canceling repo regeneration task",
				"build_id", mb.ID, "task_id", *mb.NewRepoTaskID, "error", err)
		}
		mb.NewRepoTaskID = nil
		mb.TimeModified = nowStamp()
		if err := p.store.SaveBuild(ctx, mb); err != nil {
			return fmt.Errorf("clearing repo task handle: %w", err)
		}
	}

	if err := p.gw.Finalize(ctx, mb.KojiTag, false); err != nil {
		return fmt.Errorf("finalizing failed build tag %s: %w", mb.KojiTag, err)
	}
	p.logger.Info("failure cleanup finished", "build_id", mb.ID, "tag", mb.KojiTag)
	return nil
}
