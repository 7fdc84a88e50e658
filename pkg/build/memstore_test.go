package build

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStoreBuildRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	mb := &ModuleBuild{ID: "b1", Name: "nodejs", Stream: "18", Version: "1", Context: "c1", State: StateInit}
	if err := s.CreateBuild(ctx, mb); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetBuild(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NSVC() != "nodejs:18:1:c1" {
		t.Fatalf("unexpected nsvc %s", got.NSVC())
	}

	// Mutating the returned copy must not leak into the store.
	got.State = StateReady
	again, err := s.GetBuild(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.State != StateInit {
		t.Fatalf("store row mutated through returned copy")
	}

	if _, err := s.GetBuild(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveBuild(ctx, &ModuleBuild{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on save, got %v", err)
	}
}

func TestMemStoreListStaleBuilds(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	old := &ModuleBuild{ID: "old", State: StateWait, TimeModified: time.Now().UTC().Add(-time.Hour)}
	fresh := &ModuleBuild{ID: "fresh", State: StateWait, TimeModified: time.Now().UTC()}
	building := &ModuleBuild{ID: "building", State: StateBuild, TimeModified: time.Now().UTC().Add(-time.Hour)}
	for _, mb := range []*ModuleBuild{old, fresh, building} {
		if err := s.CreateBuild(ctx, mb); err != nil {
			t.Fatalf("create %s: %v", mb.ID, err)
		}
	}

	stale, err := s.ListStaleBuilds(ctx, time.Now().UTC().Add(-time.Minute), StateInit, StateWait)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("unexpected stale set: %#v", stale)
	}

	if err := s.TouchBuild(ctx, "old"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	stale, err = s.ListStaleBuilds(ctx, time.Now().UTC().Add(-time.Minute), StateInit, StateWait)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("touched build still listed as stale")
	}
}

func TestMemStoreListCompletedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	past := time.Now().UTC().Add(-48 * time.Hour)
	done := &ModuleBuild{ID: "f1", State: StateFailed, TimeCompleted: &past}
	open := &ModuleBuild{ID: "f2", State: StateFailed}
	for _, mb := range []*ModuleBuild{done, open} {
		if err := s.CreateBuild(ctx, mb); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	out, err := s.ListCompletedBefore(ctx, time.Now().UTC().Add(-24*time.Hour), StateFailed)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(out) != 1 || out[0].ID != "f1" {
		t.Fatalf("unexpected result: %#v", out)
	}
}

func TestMemStoreLatestPriorBuild(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	builds := []*ModuleBuild{
		{ID: "b1", Name: "nodejs", Stream: "18", State: StateReady},
		{ID: "b2", Name: "nodejs", Stream: "18", State: StateDone},
		{ID: "b3", Name: "nodejs", Stream: "18", State: StateFailed},
		{ID: "b4", Name: "nodejs", Stream: "18", State: StateReady, Scratch: true},
		{ID: "b5", Name: "nodejs", Stream: "20", State: StateReady},
	}
	for _, mb := range builds {
		if err := s.CreateBuild(ctx, mb); err != nil {
			t.Fatalf("create %s: %v", mb.ID, err)
		}
	}

	prior, err := s.LatestPriorBuild(ctx, "nodejs", "18", "current")
	if err != nil {
		t.Fatalf("latest prior: %v", err)
	}
	// b2 is the most recently created eligible build; failed and scratch
	// rows never qualify.
	if prior.ID != "b2" {
		t.Fatalf("expected b2, got %s", prior.ID)
	}

	// The build being scheduled must never match itself.
	prior, err = s.LatestPriorBuild(ctx, "nodejs", "18", "b2")
	if err != nil {
		t.Fatalf("latest prior: %v", err)
	}
	if prior.ID != "b1" {
		t.Fatalf("expected b1, got %s", prior.ID)
	}

	if _, err := s.LatestPriorBuild(ctx, "ruby", "3.1", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreCreateComponentOnePerPackage(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	first := &ComponentBuild{ID: "c1", ModuleID: "m", Package: "nodejs", Batch: 2, State: ComponentFree}
	if err := s.CreateComponent(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Two workers handling the same redelivered event both pass the
	// existence check and insert; the second row must be dropped.
	dup := &ComponentBuild{ID: "c2", ModuleID: "m", Package: "nodejs", Batch: 3, State: ComponentFree}
	if err := s.CreateComponent(ctx, dup); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	other := &ComponentBuild{ID: "c3", ModuleID: "other", Package: "nodejs", Batch: 2, State: ComponentFree}
	if err := s.CreateComponent(ctx, other); err != nil {
		t.Fatalf("create for other module: %v", err)
	}

	out, err := s.ComponentsForBuild(ctx, "m")
	if err != nil {
		t.Fatalf("components: %v", err)
	}
	if len(out) != 1 || out[0].ID != "c1" || out[0].Batch != 2 {
		t.Fatalf("expected the first row to win, got %#v", out)
	}
}

func TestMemStoreComponentsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	comps := []*ComponentBuild{
		{ID: "c3", ModuleID: "m", Package: "zlib", Batch: 2},
		{ID: "c1", ModuleID: "m", Package: "module-build-macros", Batch: 1},
		{ID: "c2", ModuleID: "m", Package: "acl", Batch: 2},
		{ID: "cx", ModuleID: "other", Package: "bash", Batch: 1},
	}
	for _, cb := range comps {
		if err := s.CreateComponent(ctx, cb); err != nil {
			t.Fatalf("create component: %v", err)
		}
	}

	out, err := s.ComponentsForBuild(ctx, "m")
	if err != nil {
		t.Fatalf("components: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 components, got %d", len(out))
	}
	order := []string{"module-build-macros", "acl", "zlib"}
	for i, want := range order {
		if out[i].Package != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, out[i].Package)
		}
	}
}
