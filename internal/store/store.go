// Package store implements the Store Gateway: the single authoritative
// persistence layer behind the Task Queue, Resource Pool-adjacent
// metadata, and Mission Orchestrator. Grounded on Kocoro-lab/Shannon's
// internal/db.Client — sqlx over a dual Postgres/SQLite driver, with
// WithTransaction wrapping the same read-modify-write-commit shape used
// throughout the teacher's lifecycle transitions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskmesh-ai/taskmesh/internal/models"
)

// Store wraps a sqlx.DB for either Postgres ("postgres://...") or SQLite
// ("file:...", ":memory:") connection strings, selected by the scheme of
// DatabaseURL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to databaseURL, inferring the driver from its scheme:
// "postgres://" or "postgresql://" selects lib/pq; anything else
// (a file path, ":memory:", or "file:") selects mattn/go-sqlite3.
func Open(databaseURL string) (*Store, error) {
	driver := "sqlite3"
	dsn := databaseURL
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	}
	if databaseURL == "" {
		driver = "sqlite3"
		dsn = ":memory:"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// OpenWithDB wraps an already-open sqlx.DB (used by tests with sqlmock).
func OpenWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the active driver name ("postgres" or "sqlite3").
func (s *Store) Driver() string {
	return s.driver
}

// Migrate creates the schema if it does not already exist. Column types
// are written portably across Postgres and SQLite (TEXT/INTEGER/REAL),
// matching the teacher's pragmatic dual-driver schema style in
// internal/db rather than driver-specific DDL.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			task_type TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			required_agent TEXT,
			max_iterations INTEGER NOT NULL DEFAULT 1,
			current_iteration INTEGER NOT NULL DEFAULT 0,
			complexity INTEGER NOT NULL DEFAULT 0,
			complexity_source TEXT,
			status TEXT NOT NULL,
			assigned_agent_id TEXT,
			assigned_at TIMESTAMP,
			completed_at TIMESTAMP,
			time_spent_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			parent_task_id TEXT,
			validation_command TEXT,
			model_tier TEXT,
			model_name TEXT,
			locked_files TEXT NOT NULL DEFAULT '[]',
			result TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_task_id TEXT,
			preferred_tier TEXT,
			concurrency_cap INTEGER NOT NULL DEFAULT 1,
			auto_retry BOOLEAN NOT NULL DEFAULT false,
			context_budget INTEGER NOT NULL DEFAULT 0,
			inflight INTEGER NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_locks (
			file_path TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			language TEXT,
			status TEXT NOT NULL,
			priority_tier TEXT,
			total_cost_cents INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			review_score REAL NOT NULL DEFAULT 0,
			conversation_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			action TEXT NOT NULL,
			model_used TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			cost_cents REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on_task_id TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on_task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON execution_logs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_task ON task_dependencies(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// WithTransaction runs fn inside a transaction, committing on nil error
// and rolling back otherwise — the same "acquire state, perform I/O,
// reacquire to commit" boundary Shannon's db.Client.WithTransactionCB
// enforces around lifecycle transitions.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// encodeTaskJSON serializes LockedFiles/Result into the task's persisted
// JSON text columns ahead of an insert or update. LockedFiles always
// encodes to at least "[]"; Result stays NULL when unset.
func encodeTaskJSON(t *models.Task) error {
	lf := t.LockedFiles
	if lf == nil {
		lf = []string{}
	}
	b, err := json.Marshal(lf)
	if err != nil {
		return fmt.Errorf("encode locked_files: %w", err)
	}
	t.LockedFilesJSON = string(b)

	if t.Result == nil {
		t.ResultJSON = sql.NullString{}
		return nil
	}
	b, err = json.Marshal(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	t.ResultJSON = sql.NullString{String: string(b), Valid: true}
	return nil
}

// decodeTaskJSON populates LockedFiles/Result from the task's persisted
// JSON text columns after a read.
func decodeTaskJSON(t *models.Task) error {
	if t.LockedFilesJSON == "" {
		t.LockedFiles = nil
	} else if err := json.Unmarshal([]byte(t.LockedFilesJSON), &t.LockedFiles); err != nil {
		return fmt.Errorf("decode locked_files: %w", err)
	}
	if !t.ResultJSON.Valid || t.ResultJSON.String == "" {
		t.Result = nil
		return nil
	}
	if err := json.Unmarshal([]byte(t.ResultJSON.String), &t.Result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func decodeTasksJSON(tasks []models.Task) error {
	for i := range tasks {
		if err := decodeTaskJSON(&tasks[i]); err != nil {
			return err
		}
	}
	return nil
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if err := encodeTaskJSON(t); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (
			id, title, description, task_type, priority, required_agent,
			max_iterations, current_iteration, complexity, complexity_source,
			status, assigned_agent_id, assigned_at, completed_at, time_spent_ms,
			error, parent_task_id, validation_command, model_tier, model_name,
			locked_files, result, created_at, updated_at
		) VALUES (
			:id, :title, :description, :task_type, :priority, :required_agent,
			:max_iterations, :current_iteration, :complexity, :complexity_source,
			:status, :assigned_agent_id, :assigned_at, :completed_at, :time_spent_ms,
			:error, :parent_task_id, :validation_command, :model_tier, :model_name,
			:locked_files, :result, :created_at, :updated_at
		)`, t)
	return err
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := decodeTaskJSON(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListPendingTasksOrdered returns pending tasks ordered by priority DESC,
// createdAt ASC — the ordering the Task Queue's assign() uses to pick
// the next eligible candidate.
func (s *Store) ListPendingTasksOrdered(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE status = $1 ORDER BY priority DESC, created_at ASC`,
		models.TaskPending)
	if err != nil {
		return nil, err
	}
	if err := decodeTasksJSON(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListAllTasks returns every task, newest first.
func (s *Store) ListAllTasks(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.SelectContext(ctx, &tasks, `SELECT * FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	if err := decodeTasksJSON(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListTasksByStatus returns tasks in any of the given statuses.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses []string) ([]models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM tasks WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	var tasks []models.Task
	err = s.db.SelectContext(ctx, &tasks, query, args...)
	if err != nil {
		return nil, err
	}
	if err := decodeTasksJSON(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask persists the full row (used at every lifecycle transition).
func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	if err := encodeTaskJSON(t); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE tasks SET
			title=:title, description=:description, task_type=:task_type,
			priority=:priority, required_agent=:required_agent,
			max_iterations=:max_iterations, current_iteration=:current_iteration,
			complexity=:complexity, complexity_source=:complexity_source,
			status=:status, assigned_agent_id=:assigned_agent_id,
			assigned_at=:assigned_at, completed_at=:completed_at,
			time_spent_ms=:time_spent_ms, error=:error,
			parent_task_id=:parent_task_id, validation_command=:validation_command,
			model_tier=:model_tier, model_name=:model_name,
			locked_files=:locked_files, result=:result, updated_at=:updated_at
		WHERE id=:id`, t)
	return err
}

// UpdateTaskTx is UpdateTask scoped to an in-flight transaction, used by
// lifecycle operations that must update Task, Agent, and FileLock rows
// atomically.
func (s *Store) UpdateTaskTx(ctx context.Context, tx *sqlx.Tx, t *models.Task) error {
	if err := encodeTaskJSON(t); err != nil {
		return err
	}
	_, err := tx.NamedExecContext(ctx, `
		UPDATE tasks SET
			title=:title, description=:description, task_type=:task_type,
			priority=:priority, required_agent=:required_agent,
			max_iterations=:max_iterations, current_iteration=:current_iteration,
			complexity=:complexity, complexity_source=:complexity_source,
			status=:status, assigned_agent_id=:assigned_agent_id,
			assigned_at=:assigned_at, completed_at=:completed_at,
			time_spent_ms=:time_spent_ms, error=:error,
			parent_task_id=:parent_task_id, validation_command=:validation_command,
			model_tier=:model_tier, model_name=:model_name,
			locked_files=:locked_files, result=:result, updated_at=:updated_at
		WHERE id=:id`, t)
	return err
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agents (
			id, type, status, current_task_id, preferred_tier, concurrency_cap,
			auto_retry, context_budget, inflight, tasks_completed, created_at, updated_at
		) VALUES (
			:id, :type, :status, :current_task_id, :preferred_tier, :concurrency_cap,
			:auto_retry, :context_budget, :inflight, :tasks_completed, :created_at, :updated_at
		)`, a)
	return err
}

// GetAgent fetches one agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM agents WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListAgents returns every agent row.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.SelectContext(ctx, &agents, `SELECT * FROM agents`)
	return agents, err
}

// UpdateAgent updates an agent row outside of any transaction, for
// standalone compensating actions (e.g. Stuck-Task Recovery) that are
// themselves idempotent and don't need to commit atomically with a Task
// row update.
func (s *Store) UpdateAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE agents SET
			type=:type, status=:status, current_task_id=:current_task_id,
			preferred_tier=:preferred_tier, concurrency_cap=:concurrency_cap,
			auto_retry=:auto_retry, context_budget=:context_budget,
			inflight=:inflight, tasks_completed=:tasks_completed, updated_at=:updated_at
		WHERE id=:id`, a)
	return err
}

// UpdateAgentTx updates an agent row scoped to an in-flight transaction.
func (s *Store) UpdateAgentTx(ctx context.Context, tx *sqlx.Tx, a *models.Agent) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE agents SET
			type=:type, status=:status, current_task_id=:current_task_id,
			preferred_tier=:preferred_tier, concurrency_cap=:concurrency_cap,
			auto_retry=:auto_retry, context_budget=:context_budget,
			inflight=:inflight, tasks_completed=:tasks_completed, updated_at=:updated_at
		WHERE id=:id`, a)
	return err
}

// DeleteAgent removes an agent row.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return err
}

// InsertFileLockTx inserts a file-lock row scoped to an in-flight
// transaction (used by the assign() transition alongside task/agent
// updates).
func (s *Store) InsertFileLockTx(ctx context.Context, tx *sqlx.Tx, l *models.FileLock) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO file_locks (file_path, agent_id, task_id, acquired_at, expires_at)
		VALUES (:file_path, :agent_id, :task_id, :acquired_at, :expires_at)`, l)
	return err
}

// DeleteFileLocksForTaskTx removes all file-lock rows for a task, scoped
// to an in-flight transaction.
func (s *Store) DeleteFileLocksForTaskTx(ctx context.Context, tx *sqlx.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM file_locks WHERE task_id = $1`, taskID)
	return err
}

// InsertTaskDependency records that taskID depends on dependsOnTaskID,
// used by the Mission Orchestrator to persist DAG edges at
// decomposition time.
func (s *Store) InsertTaskDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES ($1, $2)`,
		taskID, dependsOnTaskID)
	return err
}

// ListDependenciesForTasks returns, for every task in taskIDs that has
// at least one dependency, the IDs of the tasks it depends on.
func (s *Store) ListDependenciesForTasks(ctx context.Context, taskIDs []string) (map[string][]string, error) {
	result := make(map[string][]string)
	if len(taskIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(
		`SELECT task_id, depends_on_task_id FROM task_dependencies WHERE task_id IN (?)`, taskIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dependsOn string
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return nil, err
		}
		result[taskID] = append(result[taskID], dependsOn)
	}
	return result, rows.Err()
}

// CreateMission inserts a new mission row.
func (s *Store) CreateMission(ctx context.Context, m *models.Mission) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO missions (
			id, prompt, language, status, priority_tier, total_cost_cents,
			completed_count, failed_count, review_score, conversation_id,
			created_at, updated_at
		) VALUES (
			:id, :prompt, :language, :status, :priority_tier, :total_cost_cents,
			:completed_count, :failed_count, :review_score, :conversation_id,
			:created_at, :updated_at
		)`, m)
	return err
}

// GetMission fetches one mission by ID.
func (s *Store) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	var m models.Mission
	if err := s.db.GetContext(ctx, &m, `SELECT * FROM missions WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// UpdateMission persists the full mission row.
func (s *Store) UpdateMission(ctx context.Context, m *models.Mission) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE missions SET
			prompt=:prompt, language=:language, status=:status,
			priority_tier=:priority_tier, total_cost_cents=:total_cost_cents,
			completed_count=:completed_count, failed_count=:failed_count,
			review_score=:review_score, conversation_id=:conversation_id,
			updated_at=:updated_at
		WHERE id=:id`, m)
	return err
}

// ListMissions returns every mission, most recently created first.
func (s *Store) ListMissions(ctx context.Context) ([]models.Mission, error) {
	var missions []models.Mission
	err := s.db.SelectContext(ctx, &missions, `SELECT * FROM missions ORDER BY created_at DESC`)
	return missions, err
}

// ListTasksByParent returns the subtasks belonging to a mission.
func (s *Store) ListTasksByParent(ctx context.Context, missionID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.SelectContext(ctx, &tasks, `SELECT * FROM tasks WHERE parent_task_id = $1`, missionID)
	if err != nil {
		return nil, err
	}
	if err := decodeTasksJSON(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// AppendExecutionLog inserts an execution-log row.
func (s *Store) AppendExecutionLog(ctx context.Context, l *models.ExecutionLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO execution_logs (
			id, task_id, agent_id, timestamp, action, model_used,
			input_tokens, output_tokens, duration_ms, cost_cents
		) VALUES (
			:id, :task_id, :agent_id, :timestamp, :action, :model_used,
			:input_tokens, :output_tokens, :duration_ms, :cost_cents
		)`, l)
	return err
}

// AppendExecutionLogTx is AppendExecutionLog scoped to an in-flight
// transaction, used by handleTaskCompletion/handleTaskFailure.
func (s *Store) AppendExecutionLogTx(ctx context.Context, tx *sqlx.Tx, l *models.ExecutionLog) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO execution_logs (
			id, task_id, agent_id, timestamp, action, model_used,
			input_tokens, output_tokens, duration_ms, cost_cents
		) VALUES (
			:id, :task_id, :agent_id, :timestamp, :action, :model_used,
			:input_tokens, :output_tokens, :duration_ms, :cost_cents
		)`, l)
	return err
}

// ListExecutionLogsForTask returns every log row for a task, oldest first.
func (s *Store) ListExecutionLogsForTask(ctx context.Context, taskID string) ([]models.ExecutionLog, error) {
	var logs []models.ExecutionLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM execution_logs WHERE task_id = $1 ORDER BY timestamp ASC`, taskID)
	return logs, err
}

// ListExecutionLogsForMission returns every log row across a mission's
// subtasks, for cost aggregation.
func (s *Store) ListExecutionLogsForMission(ctx context.Context, missionID string) ([]models.ExecutionLog, error) {
	var logs []models.ExecutionLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT el.* FROM execution_logs el
		JOIN tasks t ON t.id = el.task_id
		WHERE t.parent_task_id = $1
		ORDER BY el.timestamp ASC`, missionID)
	return logs, err
}

// ListExecutionLogsSince returns every log row at or after since, for
// the cost-metrics reporting endpoints. A zero since returns every row.
func (s *Store) ListExecutionLogsSince(ctx context.Context, since time.Time) ([]models.ExecutionLog, error) {
	var logs []models.ExecutionLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM execution_logs WHERE timestamp >= $1 ORDER BY timestamp ASC`, since)
	return logs, err
}

// TaskTypeByID returns the task_type for every task ID in taskIDs, for
// grouping execution logs by the type of task they belong to.
func (s *Store) TaskTypeByID(ctx context.Context, taskIDs []string) (map[string]string, error) {
	result := make(map[string]string)
	if len(taskIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT id, task_type FROM tasks WHERE id IN (?)`, taskIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, taskType string
		if err := rows.Scan(&id, &taskType); err != nil {
			return nil, err
		}
		result[id] = taskType
	}
	return result, rows.Err()
}
