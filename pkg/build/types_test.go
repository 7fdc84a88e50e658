package build

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateInit, StateWait, true},
		{StateWait, StateBuild, true},
		{StateBuild, StateDone, true},
		{StateDone, StateReady, true},
		{StateInit, StateBuild, false},
		{StateWait, StateInit, false},
		{StateReady, StateWait, false},
		{StateInit, StateFailed, true},
		{StateBuild, StateFailed, true},
		{StateDone, StateFailed, true},
		{StateReady, StateFailed, false},
		{StateGarbage, StateFailed, false},
		{StateFailed, StateGarbage, true},
		{StateDone, StateGarbage, false},
		{StateFailed, StateWait, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionStampsCompletion(t *testing.T) {
	mb := &ModuleBuild{ID: "b1", State: StateDone}
	if !mb.Transition(StateReady, "gating passed") {
		t.Fatalf("done -> ready rejected")
	}
	if mb.TimeCompleted == nil {
		t.Fatalf("expected time_completed set on terminal transition")
	}

	scratch := &ModuleBuild{ID: "b2", State: StateBuild, Scratch: true}
	if !scratch.Transition(StateDone, "all components built") {
		t.Fatalf("build -> done rejected")
	}
	if scratch.TimeCompleted == nil {
		t.Fatalf("expected time_completed set for scratch build at done")
	}

	regular := &ModuleBuild{ID: "b3", State: StateBuild}
	if !regular.Transition(StateDone, "all components built") {
		t.Fatalf("build -> done rejected")
	}
	if regular.TimeCompleted != nil {
		t.Fatalf("non-scratch done is not terminal, time_completed must stay nil")
	}
}

func TestFailKeepsOriginalClassification(t *testing.T) {
	mb := &ModuleBuild{ID: "b1", State: StateBuild}
	if !mb.Fail(FailureInfra, "backend unreachable") {
		t.Fatalf("fail on build state rejected")
	}
	if mb.FailureType != FailureInfra {
		t.Fatalf("unexpected failure type %s", mb.FailureType)
	}

	// Re-asserting failed must not rewrite the classification.
	if !mb.Fail(FailureUser, "later verdict") {
		t.Fatalf("re-asserting failed should report success")
	}
	if mb.FailureType != FailureInfra {
		t.Fatalf("failure type rewritten to %s", mb.FailureType)
	}

	ready := &ModuleBuild{ID: "b2", State: StateReady}
	if ready.Fail(FailureUser, "too late") {
		t.Fatalf("ready build must not be failable")
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	mb := &ModuleBuild{ID: "b1", State: StateBuild, Batch: 2}
	if mb.Retry("nope") {
		t.Fatalf("retry must be rejected outside failed")
	}

	now := time.Now().UTC()
	mb.Fail(FailureInfra, "backend outage")
	mb.TimeCompleted = &now
	if !mb.Retry("outage resolved") {
		t.Fatalf("retry from failed rejected")
	}
	if mb.State != StateInit || mb.FailureType != FailureNone {
		t.Fatalf("retry did not reset the build: %s/%s", mb.State, mb.FailureType)
	}
	if mb.Batch != 0 || mb.TimeCompleted != nil {
		t.Fatalf("retry did not clear progress: batch=%d", mb.Batch)
	}
}

func TestStateNeverRegresses(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	allStates := []State{StateInit, StateWait, StateBuild, StateDone, StateReady, StateFailed, StateGarbage}
	genState := gen.OneConstOf(StateInit, StateWait, StateBuild, StateDone, StateReady, StateFailed, StateGarbage)

	properties := gopter.NewProperties(parameters)
	properties.Property("rank is non-decreasing under any transition sequence", prop.ForAll(
		func(start int, attempts []int) bool {
			mb := &ModuleBuild{ID: "p", State: allStates[start%len(allStates)]}
			prev := mb.State.Rank()
			for _, a := range attempts {
				mb.Transition(allStates[a%len(allStates)], "attempt")
				if mb.State.Rank() < prev {
					return false
				}
				prev = mb.State.Rank()
			}
			return true
		},
		gen.IntRange(0, len(allStates)-1),
		gen.SliceOf(gen.IntRange(0, len(allStates)-1)),
	))
	properties.Property("terminal states accept no productive transition", prop.ForAll(
		func(next State) bool {
			for _, s := range []State{StateReady, StateGarbage} {
				mb := &ModuleBuild{ID: "p", State: s}
				if mb.Transition(next, "attempt") {
					return false
				}
			}
			return true
		},
		genState,
	))
	properties.TestingRun(t)
}
