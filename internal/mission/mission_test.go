package mission

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/filelock"
	"github.com/taskmesh-ai/taskmesh/internal/lifecycle"
	"github.com/taskmesh-ai/taskmesh/internal/models"
	"github.com/taskmesh-ai/taskmesh/internal/resourcepool"
	"github.com/taskmesh-ai/taskmesh/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return store.OpenWithDB(sqlxDB, "postgres"), mock
}

func newOrchestrator(t *testing.T, st *store.Store, bus *eventbus.Bus, now time.Time, decompose Decomposer, opts ...Option) *Orchestrator {
	t.Helper()
	lc := lifecycle.New(st, resourcepool.New(), filelock.New(), bus,
		lifecycle.WithClock(func() time.Time { return now }),
		lifecycle.WithIDFunc(func() string { return "fixed-task-id" }),
	)
	base := []Option{
		WithClock(func() time.Time { return now }),
		WithIDFunc(func() string { return "fixed-mission-id" }),
	}
	return New(st, lc, bus, decompose, append(base, opts...)...)
}

func TestCreate_AwaitingApprovalWhenNotAutoApproved(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO missions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE missions SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	bus := eventbus.New()
	decompose := func(ctx context.Context, prompt, language string) ([]models.SubtaskSpec, error) {
		return []models.SubtaskSpec{{Title: "Write function", Description: "Implement it.", TaskType: models.TaskTypeCode}}, nil
	}

	o := newOrchestrator(t, st, bus, time.Now(), decompose)
	m, err := o.Create(context.Background(), CreateParams{Prompt: "build a thing", AutoApprove: false})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, models.MissionAwaitingApproval, m.Status)
	assert.Len(t, m.SubtaskIDs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecognizeApprovalPhrase(t *testing.T) {
	cases := map[string]string{
		"approve":     "approve",
		"Yes!":        "approve",
		"LGTM":        "approve",
		"looks good.": "approve",
		"reject":      "reject",
		"No":          "reject",
		"cancel.":     "reject",
		"maybe later": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, RecognizeApprovalPhrase(in), "input %q", in)
	}
}

// TestAdvanceFrontier_SkipsTaskWithIncompleteDependency confirms a
// pending subtask whose dependsOn edge is not yet completed is never
// handed to lifecycle.Assign — only ListTasksByParent and
// ListDependenciesForTasks are expected, no task/agent lookups.
func TestAdvanceFrontier_SkipsTaskWithIncompleteDependency(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	taskCols := []string{
		"id", "title", "description", "task_type", "priority", "required_agent",
		"max_iterations", "current_iteration", "complexity", "complexity_source",
		"status", "assigned_agent_id", "assigned_at", "completed_at", "time_spent_ms",
		"error", "parent_task_id", "validation_command", "model_tier", "model_name",
		"created_at", "updated_at",
	}
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE parent_task_id = \$1`).WithArgs("m1").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow("t1", "First", "D", models.TaskTypeCode, 0, "",
				3, 0, 5, models.ComplexitySourceRouter,
				models.TaskInProgress, nil, nil, nil, 0,
				"", strPtr("m1"), "", models.TierLocal, "qwen-coder:16k",
				now, now).
			AddRow("t2", "Second", "D", models.TaskTypeCode, 0, "",
				3, 0, 5, models.ComplexitySourceRouter,
				models.TaskPending, nil, nil, nil, 0,
				"", strPtr("m1"), "", models.TierLocal, "qwen-coder:16k",
				now, now))

	depCols := []string{"task_id", "depends_on_task_id"}
	mock.ExpectQuery(`SELECT task_id, depends_on_task_id FROM task_dependencies WHERE task_id IN`).
		WillReturnRows(sqlmock.NewRows(depCols).AddRow("t2", "t1"))

	bus := eventbus.New()
	o := newOrchestrator(t, st, bus, now, nil)
	err := o.advanceFrontier(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func strPtr(s string) *string { return &s }

func TestApprove_RejectsFromWrongStatus(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	missionCols := []string{
		"id", "prompt", "language", "status", "priority_tier", "total_cost_cents",
		"completed_count", "failed_count", "review_score", "conversation_id",
		"created_at", "updated_at",
	}
	mock.ExpectQuery(`SELECT \* FROM missions WHERE id = \$1`).WithArgs("m1").
		WillReturnRows(sqlmock.NewRows(missionCols).AddRow(
			"m1", "prompt", "en", models.MissionExecuting, "", int64(0),
			0, 0, 0.0, "",
			now, now,
		))

	bus := eventbus.New()
	o := newOrchestrator(t, st, bus, now, nil)
	err := o.Approve(context.Background(), "m1")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
