package task

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, nil, nil)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestStore_CreateAssignsMonotonicIDsPerWorkspace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "/tmp/ws1")
	require.NoError(t, err)

	first, err := store.Create(ctx, "ws1", CreateRequest{Title: "first"})
	require.NoError(t, err)
	second, err := store.Create(ctx, "ws1", CreateRequest{Title: "second"})
	require.NoError(t, err)

	require.Equal(t, int64(1), first.ID)
	require.Equal(t, int64(2), second.ID)
	require.Equal(t, PhaseBacklog, first.Phase)
}

func TestStore_CreateDedupesAcceptanceCriteria(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "/tmp/ws1")
	require.NoError(t, err)

	created, err := store.Create(ctx, "ws1", CreateRequest{
		Title:              "t",
		AcceptanceCriteria: []string{"Do X", " do x ", "", "Do Y"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Do X", "Do Y"}, created.AcceptanceCriteria)
}

func TestStore_MoveRejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "/tmp/ws1")
	require.NoError(t, err)
	created, err := store.Create(ctx, "ws1", CreateRequest{Title: "t"})
	require.NoError(t, err)

	_, err = store.Move(ctx, "ws1", created.ID, PhaseExecuting, "user", "skip planning")
	require.Error(t, err)
}

func TestStore_MoveToReadyRequiresAcceptanceCriteria(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "/tmp/ws1")
	require.NoError(t, err)
	created, err := store.Create(ctx, "ws1", CreateRequest{Title: "t"})
	require.NoError(t, err)

	_, err = store.Move(ctx, "ws1", created.ID, PhaseReady, "user", "")
	require.Error(t, err)

	_, err = store.Update(ctx, "ws1", created.ID, UpdatePatch{AcceptanceCriteria: []string{"done"}})
	require.NoError(t, err)

	moved, err := store.Move(ctx, "ws1", created.ID, PhaseReady, "user", "")
	require.NoError(t, err)
	require.Equal(t, PhaseReady, moved.Phase)
	require.Len(t, moved.History, 1)
}

func TestStore_ReorderRejectsTaskFromAnotherPhase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "/tmp/ws1")
	require.NoError(t, err)
	a, err := store.Create(ctx, "ws1", CreateRequest{Title: "a"})
	require.NoError(t, err)
	b, err := store.Create(ctx, "ws1", CreateRequest{Title: "b"})
	require.NoError(t, err)

	err = store.Reorder(ctx, "ws1", PhaseBacklog, []int64{b.ID, a.ID})
	require.NoError(t, err)

	tasks, err := store.List(ctx, "ws1", ScopeActive)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, b.ID, tasks[0].ID)
	require.Equal(t, a.ID, tasks[1].ID)

	err = store.Reorder(ctx, "ws1", PhaseReady, []int64{a.ID})
	require.Error(t, err, "task a belongs to backlog, not ready")
}

func TestStore_DeleteIsSoftAndExcludedFromActiveScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "/tmp/ws1")
	require.NoError(t, err)
	created, err := store.Create(ctx, "ws1", CreateRequest{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "ws1", created.ID))

	tasks, err := store.List(ctx, "ws1", ScopeActive)
	require.NoError(t, err)
	require.Empty(t, tasks)

	_, err = store.Get(ctx, "ws1", created.ID)
	require.Error(t, err)
}

func TestStore_SavePlanDedupesAndCapsAcceptanceCriteria(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "/tmp/ws1")
	require.NoError(t, err)
	created, err := store.Create(ctx, "ws1", CreateRequest{Title: "t"})
	require.NoError(t, err)

	saved, err := store.SavePlan(ctx, "ws1", created.ID,
		[]string{"a", "A", "b", "c", "d"},
		Plan{Goal: "goal", Steps: []string{"s1"}},
		3,
	)
	require.NoError(t, err)
	require.Len(t, saved.AcceptanceCriteria, 3)
	require.Equal(t, PlanningCompleted, saved.PlanningStatus)
	require.Equal(t, "goal", saved.Plan.Goal)
}
