// Package models defines the entity types shared across TaskMesh's task
// lifecycle engine, grounded on the plain-struct entity style of
// Kocoro-lab/Shannon's internal/models package.
package models

import (
	"database/sql"
	"time"
)

// Task type tags.
const (
	TaskTypeCode         = "code"
	TaskTypeTest         = "test"
	TaskTypeReview       = "review"
	TaskTypeDebug        = "debug"
	TaskTypeRefactor     = "refactor"
	TaskTypeDecomposition = "decomposition"
)

// Task lifecycle states.
const (
	TaskPending     = "pending"
	TaskAssigned    = "assigned"
	TaskInProgress  = "in_progress"
	TaskNeedsHuman  = "needs_human"
	TaskCompleted   = "completed"
	TaskFailed      = "failed"
	TaskAborted     = "aborted"
)

// Complexity sources.
const (
	ComplexitySourceRouter = "router"
	ComplexitySourceDual   = "dual"
	ComplexitySourceHaiku  = "haiku"
	ComplexitySourceManual = "manual"
)

// Agent status values.
const (
	AgentIdle    = "idle"
	AgentBusy    = "busy"
	AgentStuck   = "stuck" // synonym for "paused" per spec open question
	AgentPaused  = "paused"
	AgentOffline = "offline"
)

// Model tiers.
const (
	TierLocal       = "local"
	TierRemoteLocal = "remote_local"
	TierCloud       = "cloud"
	TierGrok        = "grok"
	TierHaiku       = "haiku"
	TierSonnet      = "sonnet"
	TierOpus        = "opus"
	TierFree        = "free"
)

// Mission statuses.
const (
	MissionDecomposing      = "decomposing"
	MissionAwaitingApproval = "awaiting_approval"
	MissionExecuting        = "executing"
	MissionReviewing        = "reviewing"
	MissionApproved         = "approved"
	MissionRejected         = "rejected"
	MissionFailed           = "failed"
)

// Task is the unit of work routed, admitted, assigned, and driven to a
// terminal state by the Task Queue / Lifecycle state machine.
type Task struct {
	ID                string                 `json:"id" db:"id"`
	Title             string                 `json:"title" db:"title"`
	Description       string                 `json:"description" db:"description"`
	TaskType          string                 `json:"task_type" db:"task_type"`
	Priority          int                    `json:"priority" db:"priority"`
	RequiredAgent     string                 `json:"required_agent,omitempty" db:"required_agent"`
	LockedFiles       []string               `json:"locked_files" db:"-"`
	MaxIterations     int                    `json:"max_iterations" db:"max_iterations"`
	CurrentIteration  int                    `json:"current_iteration" db:"current_iteration"`
	Complexity        int                    `json:"complexity" db:"complexity"`
	ComplexitySource  string                 `json:"complexity_source" db:"complexity_source"`
	Status            string                 `json:"status" db:"status"`
	AssignedAgentID   *string                `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	AssignedAt        *time.Time             `json:"assigned_at,omitempty" db:"assigned_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	TimeSpentMs       int64                  `json:"time_spent_ms" db:"time_spent_ms"`
	Result            map[string]interface{} `json:"result,omitempty" db:"-"`
	Error             string                 `json:"error,omitempty" db:"error"`
	// LockedFilesJSON and ResultJSON are the Store Gateway's persisted
	// encoding of LockedFiles/Result: the dynamic-shape opaque blobs
	// spec section 9 calls for are carried here as JSON text columns
	// rather than given a fixed relational schema. Populated/consumed
	// only by internal/store; callers use LockedFiles/Result.
	LockedFilesJSON string         `json:"-" db:"locked_files"`
	ResultJSON      sql.NullString `json:"-" db:"result"`
	ParentTaskID      *string                `json:"parent_task_id,omitempty" db:"parent_task_id"`
	ValidationCommand string                 `json:"validation_command,omitempty" db:"validation_command"`
	ModelTier         string                 `json:"model_tier,omitempty" db:"model_tier"`
	ModelName         string                 `json:"model_name,omitempty" db:"model_name"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" db:"updated_at"`
}

// Agent is a persistent worker capable of executing tasks of a type.
type Agent struct {
	ID              string    `json:"id" db:"id"`
	Type            string    `json:"type" db:"type"`
	Status          string    `json:"status" db:"status"`
	CurrentTaskID   *string   `json:"current_task_id,omitempty" db:"current_task_id"`
	PreferredTier   string    `json:"preferred_tier,omitempty" db:"preferred_tier"`
	ConcurrencyCap  int       `json:"concurrency_cap" db:"concurrency_cap"`
	AutoRetry       bool      `json:"auto_retry" db:"auto_retry"`
	ContextBudget   int       `json:"context_budget" db:"context_budget"`
	Inflight        int       `json:"inflight" db:"inflight"`
	TasksCompleted  int       `json:"tasks_completed" db:"tasks_completed"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// FileLock is an exclusive, TTL-bound claim on a file path tied to a task.
type FileLock struct {
	FilePath   string    `json:"file_path" db:"file_path"`
	AgentID    string    `json:"agent_id" db:"agent_id"`
	TaskID     string    `json:"task_id" db:"task_id"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// Mission is a user-prompted goal decomposed into a DAG of Tasks.
type Mission struct {
	ID             string    `json:"id" db:"id"`
	Prompt         string    `json:"prompt" db:"prompt"`
	Language       string    `json:"language" db:"language"`
	Status         string    `json:"status" db:"status"`
	PriorityTier   string    `json:"priority_tier,omitempty" db:"priority_tier"`
	SubtaskIDs     []string  `json:"subtask_ids" db:"-"`
	TotalCostCents int64     `json:"total_cost_cents" db:"total_cost_cents"`
	CompletedCount int       `json:"completed_count" db:"completed_count"`
	FailedCount    int       `json:"failed_count" db:"failed_count"`
	ReviewScore    float64   `json:"review_score" db:"review_score"`
	ConversationID string    `json:"conversation_id,omitempty" db:"conversation_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// SubtaskSpec is a single decomposition unit returned by the external
// decomposition model call, prior to being persisted as a Task.
type SubtaskSpec struct {
	Title               string   `json:"title"`
	Description          string   `json:"description"`
	TaskType             string   `json:"task_type"`
	RequiredAgent        string   `json:"required_agent,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty"`
	Complexity           int      `json:"complexity,omitempty"`
	FilePaths            []string `json:"file_paths,omitempty"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
}

// ExecutionLog is an append-only record of one agent-runtime invocation.
type ExecutionLog struct {
	ID           string    `json:"id" db:"id"`
	TaskID       string    `json:"task_id" db:"task_id"`
	AgentID      string    `json:"agent_id" db:"agent_id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Action       string    `json:"action" db:"action"`
	ModelUsed    string    `json:"model_used" db:"model_used"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	DurationMs   int64     `json:"duration_ms" db:"duration_ms"`
	CostCents    float64   `json:"cost_cents" db:"cost_cents"`
}
