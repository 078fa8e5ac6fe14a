package recovery

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

var taskCols = []string{
	"id", "title", "description", "task_type", "priority", "required_agent",
	"max_iterations", "current_iteration", "complexity", "complexity_source",
	"status", "assigned_agent_id", "assigned_at", "completed_at", "time_spent_ms",
	"error", "parent_task_id", "validation_command", "model_tier", "model_name",
	"created_at", "updated_at",
}

func TestTriggerCheck_RecoversTimedOutTask(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	assignedAt := now.Add(-20 * time.Minute)

	mock.ExpectQuery(`SELECT \* FROM tasks WHERE status IN`).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(
			"t1", "T", "D", models.TaskTypeCode, 1, "",
			3, 0, 5, models.ComplexitySourceRouter,
			models.TaskAssigned, nil, assignedAt, nil, 0,
			"", nil, "", "", "",
			now.Add(-time.Hour), now.Add(-time.Hour),
		))
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(
			"t1", "T", "D", models.TaskTypeCode, 1, "",
			3, 0, 5, models.ComplexitySourceRouter,
			models.TaskAssigned, nil, assignedAt, nil, 0,
			"", nil, "", "", "",
			now.Add(-time.Hour), now.Add(-time.Hour),
		))
	mock.ExpectExec(`UPDATE tasks SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	bus := eventbus.New()
	sub := bus.Subscribe([]string{eventbus.TypeTaskUpdated}, "")
	defer sub.Close()

	sw := recoverySweeper(t, st, bus, 10*time.Minute, now)
	recovered, err := sw.TriggerCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, recovered)

	select {
	case evt := <-sub.Events:
		assert.Equal(t, "t1", evt.Payload["task_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_updated event")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerCheck_SkipsTaskWithinTimeout(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	assignedAt := now.Add(-1 * time.Minute)

	mock.ExpectQuery(`SELECT \* FROM tasks WHERE status IN`).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(
			"t1", "T", "D", models.TaskTypeCode, 1, "",
			3, 0, 5, models.ComplexitySourceRouter,
			models.TaskAssigned, nil, assignedAt, nil, 0,
			"", nil, "", "", "",
			now, now,
		))

	sw := recoverySweeper(t, st, nil, 10*time.Minute, now)
	recovered, err := sw.TriggerCheck(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recovered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func recoverySweeper(t *testing.T, st *store.Store, bus *eventbus.Bus, timeout time.Duration, now time.Time) *Sweeper {
	t.Helper()
	return New(st, resourcepool.New(), filelock.New(), bus,
		WithTimeout(timeout),
		WithClock(func() time.Time { return now }),
	)
}
