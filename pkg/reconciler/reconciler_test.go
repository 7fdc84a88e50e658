package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vyvo/modulebuild/pkg/build"
	"github.com/vyvo/modulebuild/pkg/events"
	"github.com/vyvo/modulebuild/pkg/gateway"
	"github.com/vyvo/modulebuild/pkg/pipeline"
)

type stubGateway struct {
	mu       sync.Mutex
	submits  []string
	deleted  []string
	untagged map[string][]string
	regens   []string

	tasks    map[int64]gateway.TaskStatus
	tagged   map[string][]string
	nextTask int64
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		untagged: map[string][]string{},
		tasks:    map[int64]gateway.TaskStatus{},
		tagged:   map[string][]string{},
		nextTask: 500,
	}
}

func (g *stubGateway) Submit(ctx context.Context, artifact, source string) (gateway.TaskStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextTask++
	g.submits = append(g.submits, artifact)
	status := gateway.TaskStatus{TaskID: g.nextTask, State: gateway.TaskOpen}
	g.tasks[g.nextTask] = status
	return status, nil
}

func (g *stubGateway) Cancel(ctx context.Context, taskID int64) error { return nil }

func (g *stubGateway) Finalize(ctx context.Context, tag string, succeeded bool) error { return nil }

func (g *stubGateway) BuildrootAddDependencies(ctx context.Context, tag string, deps map[string][]string) error {
	return nil
}

func (g *stubGateway) TaskStatus(ctx context.Context, taskID int64) (gateway.TaskStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.tasks[taskID]
	if !ok {
		return gateway.TaskStatus{}, fmt.Errorf("unknown task %d", taskID)
	}
	return status, nil
}

func (g *stubGateway) RequestRepoRegeneration(ctx context.Context, tag string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regens = append(g.regens, tag)
	g.nextTask++
	g.tasks[g.nextTask] = gateway.TaskStatus{TaskID: g.nextTask, State: gateway.TaskOpen}
	return g.nextTask, nil
}

func (g *stubGateway) UntagArtifacts(ctx context.Context, tag string, nvrs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.untagged[tag] = append(g.untagged[tag], nvrs...)
	return nil
}

func (g *stubGateway) RecoverOrphanedArtifact(ctx context.Context, tag, artifact string) (gateway.TaskStatus, bool, error) {
	return gateway.TaskStatus{}, false, nil
}

func (g *stubGateway) ListTagged(ctx context.Context, tag string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tagged[tag], nil
}

func (g *stubGateway) DeleteBuildTarget(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, name)
	return nil
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, name, stream, version, mctx string, strict bool) (map[string][]string, error) {
	return map[string][]string{"module-el9-build": {"platform:el9:1:00000000"}}, nil
}

type stubGating struct {
	verdicts []bool
	errs     []error
	calls    int
}

func (f *stubGating) Check(ctx context.Context, mb *build.ModuleBuild) (bool, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return false, f.errs[i]
	}
	if i < len(f.verdicts) {
		return f.verdicts[i], nil
	}
	return false, fmt.Errorf("unexpected gating call %d", i)
}

func testConfig() Config {
	return Config{
		NudgeInterval:          time.Minute,
		NudgeThreshold:         10 * time.Minute,
		ComponentSweepInterval: time.Minute,
		ResumeInterval:         time.Minute,
		ResumeThreshold:        10 * time.Minute,
		RepoRegenInterval:      time.Minute,
		TargetSweepInterval:    time.Hour,
		TargetRetention:        24 * time.Hour,
		AllowedTargetPrefixes:  []string{"module-", "scrmod-"},
		FailureCleanupInterval: time.Hour,
		FailureRetention:       24 * time.Hour,
		StuckInterval:          time.Minute,
		StuckStates:            []build.State{build.StateInit, build.StateWait, build.StateBuild},
		StuckLimit:             24 * time.Hour,
		TagSyncInterval:        time.Minute,
		TagSyncThreshold:       10 * time.Minute,
		GatingInterval:         time.Minute,
	}
}

type recEnv struct {
	store *build.MemStore
	gw    *stubGateway
	queue *events.MemQueue
	pipe  *pipeline.Pipeline
	rec   *Reconciler
}

func newRecEnv(t *testing.T, gating gateway.Gating) *recEnv {
	t.Helper()
	store := build.NewMemStore()
	gw := newStubGateway()
	queue := events.NewMemQueue(64)
	pipe := pipeline.New(store, gw, stubResolver{}, gating, queue, pipeline.Options{
		DefaultArches:           []string{"x86_64"},
		DefaultComponentRef:     "main",
		BaseModuleNames:         []string{"platform"},
		CGDefaultModule:         "platform",
		NumConcurrentComponents: 5,
	}, nil)
	rec := New(store, gw, queue, pipe, testConfig(), nil)
	return &recEnv{store: store, gw: gw, queue: queue, pipe: pipe, rec: rec}
}

func (e *recEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		evs := e.queue.Drain()
		if len(evs) == 0 {
			return
		}
		for _, ev := range evs {
			if err := e.pipe.Handle(context.Background(), ev); err != nil {
				t.Fatalf("handle %s: %v", ev.Type, err)
			}
		}
	}
	t.Fatalf("event loop did not quiesce")
}

func (e *recEnv) addBuild(t *testing.T, mb *build.ModuleBuild) {
	t.Helper()
	if err := e.store.CreateBuild(context.Background(), mb); err != nil {
		t.Fatalf("create build: %v", err)
	}
}

func TestNudgeStuckEmitsOncePerTick(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()
	e.addBuild(t, &build.ModuleBuild{
		ID: "b1", Name: "nodejs", Stream: "18", State: build.StateWait,
		TimeModified: time.Now().UTC().Add(-time.Hour),
	})

	if err := e.rec.NudgeStuck(ctx); err != nil {
		t.Fatalf("nudge: %v", err)
	}
	evs := e.queue.Drain()
	if len(evs) != 1 || evs[0].Type != events.TypeWaitEntered {
		t.Fatalf("expected one wait_entered, got %#v", evs)
	}

	// time_modified was touched, so the next tick stays quiet.
	if err := e.rec.NudgeStuck(ctx); err != nil {
		t.Fatalf("nudge: %v", err)
	}
	if evs := e.queue.Drain(); len(evs) != 0 {
		t.Fatalf("touched build nudged again: %#v", evs)
	}
}

func TestFailLostComponentsRecoversVerdict(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()
	e.addBuild(t, &build.ModuleBuild{ID: "b1", State: build.StateBuild, Batch: 2, KojiTag: "module-x"})

	taskID := int64(42)
	e.gw.tasks[taskID] = gateway.TaskStatus{TaskID: taskID, State: gateway.TaskClosed, NVR: "nodejs-1.0-1"}
	comps := []*build.ComponentBuild{
		{ID: "c1", ModuleID: "b1", Package: "nodejs", Batch: 2, State: build.ComponentBuilding, TaskID: &taskID},
		{ID: "c2", ModuleID: "b1", Package: "npm", Batch: 2, State: build.ComponentBuilding},
		{ID: "c3", ModuleID: "b1", Package: "acl", Batch: 2, State: build.ComponentBuilding, TaskID: &taskID, ReusedComponentID: "old"},
	}
	for _, cb := range comps {
		if err := e.store.CreateComponent(ctx, cb); err != nil {
			t.Fatalf("create component: %v", err)
		}
	}

	if err := e.rec.FailLostComponents(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	evs := e.queue.Drain()
	// Only c1 qualifies: c2 has no task yet, c3 is reused.
	if len(evs) != 1 || evs[0].ComponentID != "c1" || evs[0].NVR != "nodejs-1.0-1" {
		t.Fatalf("unexpected events: %#v", evs)
	}
}

func TestCancelStuckBuilds(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()
	e.addBuild(t, &build.ModuleBuild{
		ID: "stuck", State: build.StateBuild,
		TimeModified: time.Now().UTC().Add(-48 * time.Hour),
	})
	e.addBuild(t, &build.ModuleBuild{
		ID: "active", State: build.StateBuild,
		TimeModified: time.Now().UTC(),
	})

	if err := e.rec.CancelStuckBuilds(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := e.store.GetBuild(ctx, "stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != build.StateFailed || got.FailureType != build.FailureUser {
		t.Fatalf("expected failed/user, got %s/%s", got.State, got.FailureType)
	}
	active, _ := e.store.GetBuild(ctx, "active")
	if active.State != build.StateBuild {
		t.Fatalf("active build must be untouched, got %s", active.State)
	}
	evs := e.queue.Drain()
	if len(evs) != 1 || evs[0].Type != events.TypeBuildFailed {
		t.Fatalf("expected build_failed event, got %#v", evs)
	}
}

func TestDeleteStaleTargetsHonorsAllowList(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	e.addBuild(t, &build.ModuleBuild{
		ID: "owned", State: build.StateReady, KojiTag: "module-nodejs-18-1-c1", TimeCompleted: &old,
	})
	e.addBuild(t, &build.ModuleBuild{
		ID: "foreign", State: build.StateReady, KojiTag: "epel-build-target", TimeCompleted: &old,
	})
	fresh := time.Now().UTC()
	e.addBuild(t, &build.ModuleBuild{
		ID: "recent", State: build.StateReady, KojiTag: "module-ruby-3.1-1-c1", TimeCompleted: &fresh,
	})

	if err := e.rec.DeleteStaleTargets(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(e.gw.deleted) != 1 || e.gw.deleted[0] != "module-nodejs-18-1-c1" {
		t.Fatalf("unexpected deletions: %#v", e.gw.deleted)
	}
}

func TestCleanupStaleFailures(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	e.addBuild(t, &build.ModuleBuild{
		ID: "f1", State: build.StateFailed, KojiTag: "module-x", TimeCompleted: &old,
	})
	if err := e.store.CreateComponent(ctx, &build.ComponentBuild{
		ID: "c1", ModuleID: "f1", Package: "nodejs", State: build.ComponentComplete,
		NVR: "nodejs-1.0-1", Tagged: true, TaggedInFinal: true,
	}); err != nil {
		t.Fatalf("create component: %v", err)
	}

	if err := e.rec.CleanupStaleFailures(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := e.store.GetBuild(ctx, "f1")
	if got.State != build.StateGarbage {
		t.Fatalf("expected garbage, got %s", got.State)
	}
	if nvrs := e.gw.untagged["module-x"]; len(nvrs) != 1 || nvrs[0] != "nodejs-1.0-1" {
		t.Fatalf("unexpected untag calls: %#v", e.gw.untagged)
	}
	cb, _ := e.store.GetComponent(ctx, "c1")
	if cb.Tagged || cb.TaggedInFinal {
		t.Fatalf("component still marked tagged: %#v", cb)
	}
}

func TestSyncTagStateSynthesizesTaggedEvent(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()
	e.addBuild(t, &build.ModuleBuild{
		ID: "b1", State: build.StateBuild, Batch: 2, KojiTag: "module-x",
		TimeModified: time.Now().UTC().Add(-time.Hour),
	})
	if err := e.store.CreateComponent(ctx, &build.ComponentBuild{
		ID: "c1", ModuleID: "b1", Package: "nodejs", Batch: 2,
		State: build.ComponentComplete, NVR: "nodejs-1.0-1",
	}); err != nil {
		t.Fatalf("create component: %v", err)
	}
	e.gw.tagged["module-x"] = []string{"nodejs-1.0-1"}

	if err := e.rec.SyncTagState(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	e.drain(t)

	cb, _ := e.store.GetComponent(ctx, "c1")
	if !cb.Tagged || !cb.TaggedInFinal {
		t.Fatalf("store not caught up with backend tag view: %#v", cb)
	}
}

func TestRetriggerRepoRegen(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()

	deadTask := int64(300)
	e.gw.tasks[deadTask] = gateway.TaskStatus{TaskID: deadTask, State: gateway.TaskFailed}
	e.addBuild(t, &build.ModuleBuild{
		ID: "b1", State: build.StateBuild, KojiTag: "module-x", NewRepoTaskID: &deadTask,
	})

	if err := e.rec.RetriggerRepoRegen(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(e.gw.regens) != 1 || e.gw.regens[0] != "module-x" {
		t.Fatalf("unexpected regen calls: %#v", e.gw.regens)
	}
	got, _ := e.store.GetBuild(ctx, "b1")
	if got.NewRepoTaskID == nil || *got.NewRepoTaskID == deadTask {
		t.Fatalf("repo task handle not replaced: %#v", got.NewRepoTaskID)
	}
}

func TestResumePausedStartsNextBatch(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()
	e.addBuild(t, &build.ModuleBuild{
		ID: "b1", State: build.StateBuild, Batch: 1, KojiTag: "module-x",
		TimeModified: time.Now().UTC().Add(-time.Hour),
	})
	comps := []*build.ComponentBuild{
		{ID: "c1", ModuleID: "b1", Package: "module-build-macros", Batch: 1, State: build.ComponentComplete, Tagged: true, BuildTimeOnly: true},
		{ID: "c2", ModuleID: "b1", Package: "nodejs", Batch: 2, State: build.ComponentFree, Ref: "main"},
	}
	for _, cb := range comps {
		if err := e.store.CreateComponent(ctx, cb); err != nil {
			t.Fatalf("create component: %v", err)
		}
	}

	if err := e.rec.ResumePaused(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(e.gw.submits) != 1 || e.gw.submits[0] != "nodejs" {
		t.Fatalf("expected nodejs submitted, got %#v", e.gw.submits)
	}
	got, _ := e.store.GetBuild(ctx, "b1")
	if got.Batch != 2 {
		t.Fatalf("expected batch advanced to 2, got %d", got.Batch)
	}
}

func TestResumePausedCompletesFullyReusedBuild(t *testing.T) {
	e := newRecEnv(t, nil)
	ctx := context.Background()

	// A fully-reused build never advances past batch 0 and never gets a
	// component verdict. If its completion event is lost, this sweep is
	// the only way it finishes.
	e.addBuild(t, &build.ModuleBuild{
		ID: "b1", Name: "nodejs", Stream: "18", Version: "1", Context: "c1",
		State: build.StateBuild, Batch: 0, KojiTag: "module-nodejs-18-1-c1",
		TimeModified: time.Now().UTC().Add(-time.Hour),
	})
	comps := []*build.ComponentBuild{
		{ID: "c1", ModuleID: "b1", Package: "nodejs", Batch: 2, State: build.ComponentComplete,
			NVR: "nodejs-1.0-1", ReusedComponentID: "old-1", Tagged: true, TaggedInFinal: true},
		{ID: "c2", ModuleID: "b1", Package: "npm", Batch: 3, State: build.ComponentComplete,
			NVR: "npm-1.0-1", ReusedComponentID: "old-2", Tagged: true, TaggedInFinal: true},
	}
	for _, cb := range comps {
		if err := e.store.CreateComponent(ctx, cb); err != nil {
			t.Fatalf("create component: %v", err)
		}
	}

	if err := e.rec.ResumePaused(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	e.drain(t)

	got, _ := e.store.GetBuild(ctx, "b1")
	if got.State != build.StateReady {
		t.Fatalf("expected ready, got %s (%s)", got.State, got.StateReason)
	}
	if len(e.gw.submits) != 0 {
		t.Fatalf("reused components must never be submitted, got %#v", e.gw.submits)
	}
}

func TestPollGatingThreeTicks(t *testing.T) {
	gating := &stubGating{verdicts: []bool{false, false, true}}
	e := newRecEnv(t, gating)
	ctx := context.Background()
	e.addBuild(t, &build.ModuleBuild{
		ID: "b1", Name: "nodejs", Stream: "18", State: build.StateDone,
	})
	e.addBuild(t, &build.ModuleBuild{
		ID: "scratch", State: build.StateDone, Scratch: true,
	})

	for tick := 1; tick <= 3; tick++ {
		if err := e.rec.PollGating(ctx); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		e.drain(t)
		got, _ := e.store.GetBuild(ctx, "b1")
		if tick < 3 && got.State != build.StateDone {
			t.Fatalf("tick %d: promoted early to %s", tick, got.State)
		}
		if tick == 3 && got.State != build.StateReady {
			t.Fatalf("tick 3: expected ready, got %s (%s)", got.State, got.StateReason)
		}
	}
	if gating.calls != 3 {
		t.Fatalf("expected 3 gating checks, got %d", gating.calls)
	}

	scratch, _ := e.store.GetBuild(ctx, "scratch")
	if scratch.State != build.StateDone {
		t.Fatalf("scratch build must never be polled for gating, got %s", scratch.State)
	}
}
