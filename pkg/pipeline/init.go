package pipeline

import (
	"context"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
	"github.com/vyvo/modulebuild/pkg/modulemd"
)

// handleInit validates and normalizes the module stream document of a new
// build request. Everything is computed in memory and written in a single
// save so a failure can never leave a half-normalized document behind with
// state=wait.
func (p *Pipeline) handleInit(ctx context.Context, ev events.Event) error {
	mb, err := p.observe(ctx, ev)
	if err != nil {
		return p.notFoundOK(err)
	}
	if mb.State.Terminal() {
		p.logger.Info("init on terminal build ignored", "build_id", mb.ID, "state", mb.State)
		return nil
	}

	doc, err := modulemd.Parse([]byte(mb.Modulemd))
	if err != nil {
		return p.failBuild(ctx, mb.ID, build.UserErrorf("invalid module stream document: %v", err))
	}
	if err := doc.Validate(); err != nil {
		return p.failBuild(ctx, mb.ID, build.UserErrorf("module stream validation failed: %v", err))
	}
	if doc.Data.Name != mb.Name || doc.Data.Stream != mb.Stream {
		return p.failBuild(ctx, mb.ID, build.UserErrorf(
			"module stream document is for %s:%s, build requested %s:%s",
			doc.Data.Name, doc.Data.Stream, mb.Name, mb.Stream))
	}

	doc.Normalize(modulemd.Defaults{
		Ref:    p.opts.DefaultComponentRef,
		Arches: p.opts.DefaultArches,
	})

	excludes, err := p.conflictExcludes(ctx, doc)
	if err != nil {
		return p.failBuild(ctx, mb.ID, build.WrapInfra("computing rpm conflict exclusions", err))
	}

	normalized, err := doc.Marshal()
	if err != nil {
		return p.failBuild(ctx, mb.ID, build.WrapInfra("re-encoding module stream", err))
	}

	mb.Modulemd = normalized
	mb.Arches = doc.Data.Arches
	mb.ConflictExcludes = excludes
	return p.advance(ctx, mb, build.StateWait, "module stream normalized", events.TypeWaitEntered)
}

// conflictExcludes finds base-buildroot packages that shadow this module's
// own components. Those names are recorded so the module's built RPMs stay
// preferred over same-named base-system RPMs.
func (p *Pipeline) conflictExcludes(ctx context.Context, doc *modulemd.Document) ([]string, error) {
	if p.opts.BaseBuildrootTag == "" || len(doc.Data.Components.RPMs) == 0 {
		return nil, nil
	}
	nvrs, err := p.gw.ListTagged(ctx, p.opts.BaseBuildrootTag)
	if err != nil {
		return nil, err
	}

	base := make(map[string]bool, len(nvrs))
	for _, nvr := range nvrs {
		base[packageFromNVR(nvr)] = true
	}

	var excludes []string
	for _, c := range doc.ComponentsInOrder() {
		if base[c.Name] {
			excludes = append(excludes, c.Name)
		}
	}
	return excludes, nil
}
