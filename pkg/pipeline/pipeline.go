// Package pipeline implements the module build state machine: one handler
// per lifecycle event, the batch scheduler, and the wave progression
// driver. Every collaborator is injected; handlers perform one
// load-mutate-save cycle per invocation and never let an error escape a
// build's boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
	"github.com/vyvo/modulebuild/pkg/gateway"
)

// Options are the normalization and scheduling knobs the handlers need.
type Options struct {
	DefaultArches       []string
	DefaultComponentRef string
	BaseBuildrootTag    string
	BaseModuleNames     []string
	CGDefaultModule     string
	// NumConcurrentComponents caps in-flight component builds per module.
	NumConcurrentComponents int
}

// Pipeline dispatches lifecycle events to their handlers.
type Pipeline struct {
	store    build.Store
	gw       gateway.Gateway
	resolver gateway.Resolver
	// gating is nil when gating is disabled; done then promotes straight
	// to ready.
	gating gateway.Gating
	pub    events.Publisher
	opts   Options
	logger *slog.Logger
}

func New(store build.Store, gw gateway.Gateway, resolver gateway.Resolver, gating gateway.Gating, pub events.Publisher, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NumConcurrentComponents < 1 {
		opts.NumConcurrentComponents = 1
	}
	return &Pipeline{
		store:    store,
		gw:       gw,
		resolver: resolver,
		gating:   gating,
		pub:      pub,
		opts:     opts,
		logger:   logger,
	}
}

// Handle routes one event through the handler table.
func (p *Pipeline) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeInitRequested:
		return p.handleInit(ctx, ev)
	case events.TypeWaitEntered:
		return p.handleWait(ctx, ev)
	case events.TypeRepoDone:
		return p.handleRepoDone(ctx, ev)
	case events.TypeComponentBuilt:
		return p.handleComponentBuilt(ctx, ev)
	case events.TypeComponentTagged:
		return p.handleComponentTagged(ctx, ev)
	case events.TypeBuildCompleted:
		return p.handleDone(ctx, ev)
	case events.TypeBuildFailed:
		return p.handleFailed(ctx, ev)
	default:
		p.logger.Error("unknown event type", "message_id", ev.ID, "type", ev.Type)
		return nil
	}
}

// observe loads the build and applies the shared race policy: when the
// persisted state differs from the state the producer believed the build
// was in, log at info level and continue against the persisted state.
func (p *Pipeline) observe(ctx context.Context, ev events.Event) (*build.ModuleBuild, error) {
	mb, err := p.store.GetBuild(ctx, ev.BuildID)
	if err != nil {
		return nil, fmt.Errorf("load build %s: %w", ev.BuildID, err)
	}
	if ev.FromState != "" && mb.State != ev.FromState {
		p.logger.Info("build state moved since event was produced",
			"message_id", ev.ID,
			"build_id", mb.ID,
			"expected_state", ev.FromState,
			"current_state", mb.State,
		)
	}
	return mb, nil
}

// failBuild discards any in-memory mutations by reloading the row, writes
// the failed transition with the classified reason, and schedules the
// failed handler for backend cleanup.
func (p *Pipeline) failBuild(ctx context.Context, buildID string, cause error) error {
	ft, reason := build.Classify(cause)

	mb, err := p.store.GetBuild(ctx, buildID)
	if err != nil {
		return fmt.Errorf("load build %s for failure: %w", buildID, err)
	}
	if !mb.Fail(ft, reason) {
		p.logger.Info("build already terminal, not failing",
			"build_id", mb.ID, "state", mb.State)
		return nil
	}
	if err := p.store.SaveBuild(ctx, mb); err != nil {
		return fmt.Errorf("persist failed transition: %w", err)
	}

	p.logger.Error("module build failed",
		"build_id", mb.ID,
		"nsvc", mb.NSVC(),
		"failure_type", ft,
		"reason", reason,
	)

	ev := events.New(events.TypeBuildFailed, mb.ID, build.StateFailed)
	ev.Reason = reason
	ev.FailureType = ft
	return p.pub.Publish(ctx, ev)
}

// advance persists the transition to next and schedules the follow-on
// event when one is given.
func (p *Pipeline) advance(ctx context.Context, mb *build.ModuleBuild, next build.State, reason string, followOn events.Type) error {
	if !mb.Transition(next, reason) {
		p.logger.Info("transition skipped, build already past state",
			"build_id", mb.ID, "state", mb.State, "target", next)
		return nil
	}
	if err := p.store.SaveBuild(ctx, mb); err != nil {
		return fmt.Errorf("persist %s transition: %w", next, err)
	}
	p.logger.Info("module build advanced",
		"build_id", mb.ID, "nsvc", mb.NSVC(), "state", next)

	if followOn == "" {
		return nil
	}
	return p.pub.Publish(ctx, events.New(followOn, mb.ID, next))
}

func (p *Pipeline) notFoundOK(err error) error {
	if errors.Is(err, build.ErrNotFound) {
		p.logger.Info("build vanished, dropping event")
		return nil
	}
	return err
}
