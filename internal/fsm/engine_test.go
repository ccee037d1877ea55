package fsm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "tasks"))
	require.NoError(t, err)
	e := NewEngine(store)
	t.Cleanup(e.Close)
	return e
}

func TestEngineTaskLifecycle(t *testing.T) {
	e := newTestEngine(t)

	task, err := e.Create("Agent-3", CreateTask{ID: "T1", Title: "build the thing", Priority: PriorityHigh})
	require.NoError(t, err)
	require.Equal(t, StateNew, task.State)

	_, err = e.Claim("T1", "Agent-3")
	require.NoError(t, err)
	_, err = e.Start("T1", "Agent-3")
	require.NoError(t, err)
	_, err = e.SubmitForReview("T1", "Agent-3")
	require.NoError(t, err)
	task, err = e.Approve("T1", "Agent-3")
	require.NoError(t, err)

	require.Equal(t, StateCompleted, task.State)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, 100, task.ProgressPct)

	require.GreaterOrEqual(t, len(task.Evidence), 5)
	for _, ev := range task.Evidence {
		require.Equal(t, "Agent-3", ev.Actor)
	}
}

func TestEngineDependencyGate(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Create("system", CreateTask{ID: "T1", Title: "first"})
	require.NoError(t, err)
	_, err = e.Create("system", CreateTask{ID: "T2", Title: "second", Dependencies: []string{"T1"}})
	require.NoError(t, err)

	_, err = e.Claim("T1", "Agent-1")
	require.NoError(t, err)
	_, err = e.Start("T1", "Agent-1")
	require.NoError(t, err)

	_, err = e.Claim("T2", "Agent-2")
	require.NoError(t, err)

	// T1 is in_progress, not completed; T2 cannot start.
	_, err = e.Start("T2", "Agent-2")
	require.ErrorIs(t, err, ErrDependencyUnmet)

	task, err := e.Get("T2")
	require.NoError(t, err)
	require.Equal(t, StateClaimed, task.State)

	_, err = e.SubmitForReview("T1", "Agent-1")
	require.NoError(t, err)
	_, err = e.Approve("T1", "Agent-1")
	require.NoError(t, err)

	_, err = e.Start("T2", "Agent-2")
	require.NoError(t, err)
}

func TestEngineMissingDependencyBlocksStart(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create("system", CreateTask{ID: "T1", Title: "x", Dependencies: []string{"ghost"}})
	require.NoError(t, err)
	_, err = e.Claim("T1", "Agent-1")
	require.NoError(t, err)

	_, err = e.Start("T1", "Agent-1")
	require.ErrorIs(t, err, ErrDependencyUnmet)
}

func TestEngineContractClaim(t *testing.T) {
	e := newTestEngine(t)
	future := time.Now().Add(time.Hour)

	_, err := e.Create("system", CreateTask{
		ID: "C1", Title: "contract work",
		Contract: &Contract{ClaimableBy: []string{"Agent-1", "Agent-2"}, ClaimDeadline: &future},
	})
	require.NoError(t, err)

	_, err = e.Claim("C1", "Agent-9")
	require.ErrorIs(t, err, ErrNotClaimable)

	task, err := e.Claim("C1", "Agent-2")
	require.NoError(t, err)
	require.Equal(t, "Agent-2", task.Owner)
}

func TestEngineContractDeadline(t *testing.T) {
	e := newTestEngine(t)
	past := time.Now().Add(-time.Hour)

	_, err := e.Create("system", CreateTask{
		ID: "C1", Title: "stale contract",
		Contract: &Contract{ClaimableBy: []string{ClaimableByAnyone}, ClaimDeadline: &past},
	})
	require.NoError(t, err)

	_, err = e.Claim("C1", "Agent-1")
	require.ErrorIs(t, err, ErrClaimExpired)

	task, err := e.Get("C1")
	require.NoError(t, err)
	require.Equal(t, StateNew, task.State)
	require.Empty(t, task.Owner)
}

func TestEngineWildcardContract(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create("system", CreateTask{
		ID: "C1", Title: "open contract",
		Contract: &Contract{ClaimableBy: []string{ClaimableByAnyone}},
	})
	require.NoError(t, err)

	_, err = e.Claim("C1", "Agent-7")
	require.NoError(t, err)
}

func TestEngineIllegalTransitions(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create("system", CreateTask{ID: "T1", Title: "x"})
	require.NoError(t, err)

	// Cannot start or review from new.
	_, err = e.Start("T1", "Agent-1")
	require.Error(t, err)
	_, err = e.SubmitForReview("T1", "Agent-1")
	require.Error(t, err)
	_, err = e.Approve("T1", "Agent-1")
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Terminal states reject everything.
	_, err = e.Cancel("T1", "system", "scope cut")
	require.NoError(t, err)
	_, err = e.Claim("T1", "Agent-1")
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, err = e.Cancel("T1", "system", "again")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestEngineOwnershipGuard(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create("system", CreateTask{ID: "T1", Title: "x"})
	require.NoError(t, err)
	_, err = e.Claim("T1", "Agent-1")
	require.NoError(t, err)

	_, err = e.Start("T1", "Agent-2")
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestEngineBlockUnblockFail(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create("system", CreateTask{ID: "T1", Title: "x"})
	require.NoError(t, err)
	_, err = e.Claim("T1", "Agent-1")
	require.NoError(t, err)
	_, err = e.Start("T1", "Agent-1")
	require.NoError(t, err)

	task, err := e.Block("T1", "Agent-1", "waiting on schema")
	require.NoError(t, err)
	require.Equal(t, StateBlocked, task.State)
	require.Contains(t, task.Evidence[len(task.Evidence)-1].Note, "waiting on schema")

	task, err = e.Unblock("T1", "Agent-1")
	require.NoError(t, err)
	require.Equal(t, StateInProgress, task.State)

	task, err = e.Fail("T1", "Agent-1", "toolchain broken")
	require.NoError(t, err)
	require.Equal(t, StateFailed, task.State)
}

func TestEngineRequestChangesLoop(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create("system", CreateTask{ID: "T1", Title: "x"})
	require.NoError(t, err)
	_, err = e.Claim("T1", "Agent-1")
	require.NoError(t, err)
	_, err = e.Start("T1", "Agent-1")
	require.NoError(t, err)
	_, err = e.SubmitForReview("T1", "Agent-1")
	require.NoError(t, err)

	task, err := e.RequestChanges("T1", "Agent-2", "missing tests")
	require.NoError(t, err)
	require.Equal(t, StateInProgress, task.State)

	_, err = e.SubmitForReview("T1", "Agent-1")
	require.NoError(t, err)
	task, err = e.Approve("T1", "Agent-2")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, task.State)
}

func TestEngineListFilter(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create("system", CreateTask{ID: "T1", Title: "a"})
	require.NoError(t, err)
	_, err = e.Create("system", CreateTask{ID: "T2", Title: "b"})
	require.NoError(t, err)
	_, err = e.Claim("T2", "Agent-1")
	require.NoError(t, err)

	tasks, err := e.List(Filter{States: []State{StateNew}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "T1", tasks[0].ID)

	tasks, err = e.List(Filter{Owner: "Agent-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "T2", tasks[0].ID)
}

func TestEngineAvailableContracts(t *testing.T) {
	e := newTestEngine(t)
	past := time.Now().Add(-time.Hour)

	_, err := e.Create("system", CreateTask{ID: "plain", Title: "x"})
	require.NoError(t, err)
	_, err = e.Create("system", CreateTask{
		ID: "open", Title: "y", Contract: &Contract{ClaimableBy: []string{ClaimableByAnyone}},
	})
	require.NoError(t, err)
	_, err = e.Create("system", CreateTask{
		ID: "stale", Title: "z",
		Contract: &Contract{ClaimableBy: []string{ClaimableByAnyone}, ClaimDeadline: &past},
	})
	require.NoError(t, err)

	contracts, err := e.AvailableContracts()
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	require.Equal(t, "open", contracts[0].ID)
}

func TestEngineEmitsEvents(t *testing.T) {
	e := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := e.Events(ctx)

	_, err := e.Create("system", CreateTask{ID: "T1", Title: "x"})
	require.NoError(t, err)
	_, err = e.Claim("T1", "Agent-1")
	require.NoError(t, err)

	var kinds []EventKind
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Payload.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	require.Equal(t, []EventKind{EventCreated, EventClaimed}, kinds)
}

// Property: every issued transition either moves the task along a legal
// edge or errors with the record unchanged.
func TestEngineTransitionLegalityProperty(t *testing.T) {
	type op struct {
		name string
		run  func(e *Engine) error
	}

	rapid.Check(t, func(rt *rapid.T) {
		store, err := NewStore(filepath.Join(t.TempDir(), "tasks"))
		require.NoError(rt, err)
		e := NewEngine(store)
		defer e.Close()

		_, err = e.Create("system", CreateTask{ID: "T1", Title: "prop"})
		require.NoError(rt, err)

		ops := []op{
			{"claim", func(e *Engine) error { _, err := e.Claim("T1", "Agent-1"); return err }},
			{"start", func(e *Engine) error { _, err := e.Start("T1", "Agent-1"); return err }},
			{"block", func(e *Engine) error { _, err := e.Block("T1", "Agent-1", "r"); return err }},
			{"unblock", func(e *Engine) error { _, err := e.Unblock("T1", "Agent-1"); return err }},
			{"submit", func(e *Engine) error { _, err := e.SubmitForReview("T1", "Agent-1"); return err }},
			{"approve", func(e *Engine) error { _, err := e.Approve("T1", "Agent-2"); return err }},
			{"changes", func(e *Engine) error { _, err := e.RequestChanges("T1", "Agent-2", "n"); return err }},
			{"cancel", func(e *Engine) error { _, err := e.Cancel("T1", "system", ""); return err }},
			{"fail", func(e *Engine) error { _, err := e.Fail("T1", "Agent-1", "x"); return err }},
		}

		steps := rapid.IntRange(1, 15).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			before, err := e.Get("T1")
			require.NoError(rt, err)

			chosen := rapid.SampledFrom(ops).Draw(rt, "op")
			err = chosen.run(e)

			after, getErr := e.Get("T1")
			require.NoError(rt, getErr)

			if err != nil {
				require.Equal(rt, before.State, after.State, "failed op %s must not move state", chosen.name)
				require.Len(rt, after.Evidence, len(before.Evidence), "failed op %s must not add evidence", chosen.name)
				continue
			}
			if after.State != before.State {
				require.True(rt, CanTransition(before.State, after.State),
					"op %s made illegal move %s -> %s", chosen.name, before.State, after.State)
			}
		}
	})
}
