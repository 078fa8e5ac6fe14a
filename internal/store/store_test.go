package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh-ai/taskmesh/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return OpenWithDB(sqlxDB, "postgres"), mock
}

func TestGetTask_ReturnsNilOnNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	task, err := s.GetTask(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, task)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask_ReturnsRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cols := []string{
		"id", "title", "description", "task_type", "priority", "required_agent",
		"max_iterations", "current_iteration", "complexity", "complexity_source",
		"status", "assigned_agent_id", "assigned_at", "completed_at", "time_spent_ms",
		"error", "parent_task_id", "validation_command", "model_tier", "model_name",
		"created_at", "updated_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"t1", "Title", "Desc", models.TaskTypeCode, 5, "",
		3, 0, 4, models.ComplexitySourceRouter,
		models.TaskPending, nil, nil, nil, 0,
		"", nil, "", "", "",
		now, now,
	)
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).WithArgs("t1").WillReturnRows(rows)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, models.TaskPending, task.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask_DecodesLockedFilesAndResult(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cols := []string{
		"id", "title", "description", "task_type", "priority", "required_agent",
		"max_iterations", "current_iteration", "complexity", "complexity_source",
		"status", "assigned_agent_id", "assigned_at", "completed_at", "time_spent_ms",
		"error", "parent_task_id", "validation_command", "model_tier", "model_name",
		"locked_files", "result", "created_at", "updated_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"t1", "Title", "Desc", models.TaskTypeCode, 5, "",
		3, 0, 4, models.ComplexitySourceRouter,
		models.TaskPending, nil, nil, nil, 0,
		"", nil, "", "", "",
		`["double.py"]`, `{"ok":true}`, now, now,
	)
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).WithArgs("t1").WillReturnRows(rows)

	task, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, []string{"double.py"}, task.LockedFiles)
	assert.Equal(t, map[string]interface{}{"ok": true}, task.Result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTask_EncodesLockedFilesAndResult(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(1, 1))

	task := &models.Task{
		ID:          "t1",
		Title:       "Title",
		Description: "Desc",
		TaskType:    models.TaskTypeCode,
		Status:      models.TaskPending,
		LockedFiles: []string{"double.py"},
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	assert.Equal(t, `["double.py"]`, task.LockedFilesJSON)
	assert.False(t, task.ResultJSON.Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := s.WithTransaction(context.Background(), func(tx *sqlx.Tx) error {
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := assert.AnError
	err := s.WithTransaction(context.Background(), func(tx *sqlx.Tx) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDependenciesForTasks_GroupsByTask(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"task_id", "depends_on_task_id"}
	mock.ExpectQuery(`SELECT task_id, depends_on_task_id FROM task_dependencies WHERE task_id IN`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("t2", "t1").
			AddRow("t3", "t1").
			AddRow("t3", "t2"))

	deps, err := s.ListDependenciesForTasks(context.Background(), []string{"t2", "t3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, deps["t2"])
	assert.ElementsMatch(t, []string{"t1", "t2"}, deps["t3"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDependenciesForTasks_EmptyInputReturnsEmptyMap(t *testing.T) {
	s, _ := newMockStore(t)
	deps, err := s.ListDependenciesForTasks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, deps)
}
