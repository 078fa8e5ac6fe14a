// Package lifecycle implements the Task Queue / Lifecycle state machine
// (spec section 4.5): it drives a Task through pending -> assigned ->
// in_progress -> {completed, failed, aborted, needs_human}, coordinating
// Resource Pool admission, File Lock acquisition, Agent Cooling, Budget
// Ledger charges, and Event Bus publication around each transition.
//
// Grounded on Kocoro-lab/Shannon's internal/db.Client.WithTransactionCB
// read-modify-write-commit shape (internal/store.WithTransaction, used
// here for every multi-row transition) and the idempotent
// force-terminal-transition idiom in its workflow timeout activities
// (internal/recovery.Sweeper already applies the same idiom to the
// timeout path; this package applies it to every other terminal path).
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh-ai/taskmesh/internal/agentsvc"
	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/budget"
	"github.com/taskmesh-ai/taskmesh/internal/cooling"
	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/filelock"
	"github.com/taskmesh-ai/taskmesh/internal/metrics"
	"github.com/taskmesh-ai/taskmesh/internal/models"
	"github.com/taskmesh-ai/taskmesh/internal/policy"
	"github.com/taskmesh-ai/taskmesh/internal/pricing"
	"github.com/taskmesh-ai/taskmesh/internal/ratecontrol"
	"github.com/taskmesh-ai/taskmesh/internal/resourcepool"
	"github.com/taskmesh-ai/taskmesh/internal/router"
	"github.com/taskmesh-ai/taskmesh/internal/store"
	"github.com/taskmesh-ai/taskmesh/internal/validation"
)

// Queue is the Task Queue / Lifecycle state machine.
type Queue struct {
	store     *store.Store
	pool      *resourcepool.Pool
	fileLocks *filelock.Manager
	bus       *eventbus.Bus

	cooler     *cooling.Cooler
	ledger     *budget.Ledger
	rate       *ratecontrol.Governor
	agents     *agentsvc.Client
	validation *validation.Pipeline
	policy     *policy.Engine

	autoCodeReview bool
	now            func() time.Time
	newID          func() string
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithCooler wires Agent Cooling into task completion/failure handling.
func WithCooler(c *cooling.Cooler) Option { return func(q *Queue) { q.cooler = c } }

// WithBudget wires the Budget Ledger so completions charge cost and
// assign-time cloud admission consults IsCloudBlocked.
func WithBudget(l *budget.Ledger) Option { return func(q *Queue) { q.ledger = l } }

// WithRateGovernor wires the Rate Governor so Dispatch waits for
// capacity before calling the external agent runtime on a cloud tier.
func WithRateGovernor(g *ratecontrol.Governor) Option { return func(q *Queue) { q.rate = g } }

// WithAgentClient wires the external agent-runtime client so Dispatch
// and AbortTask can make outbound calls.
func WithAgentClient(c *agentsvc.Client) Option { return func(q *Queue) { q.agents = c } }

// WithValidation wires the Async Validation pipeline so completions
// carrying a validationCommand are submitted for background validation.
func WithValidation(p *validation.Pipeline) Option { return func(q *Queue) { q.validation = p } }

// WithPolicy wires the OPA-backed policy Engine so cloud-tier admission
// is additionally gated by its allow/deny decision, alongside the
// Budget Ledger's own cloud-block check.
func WithPolicy(e *policy.Engine) Option { return func(q *Queue) { q.policy = e } }

// WithAutoCodeReview enables enqueuing a review subtask after a
// completion, per spec 4.5's "if post-completion review is enabled".
func WithAutoCodeReview(enabled bool) Option {
	return func(q *Queue) { q.autoCodeReview = enabled }
}

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithIDFunc injects a deterministic ID generator for tests.
func WithIDFunc(f func() string) Option { return func(q *Queue) { q.newID = f } }

// New constructs a Queue over st, coordinating admission via pool and
// fileLocks and publishing lifecycle events through bus.
func New(st *store.Store, pool *resourcepool.Pool, fileLocks *filelock.Manager, bus *eventbus.Bus, opts ...Option) *Queue {
	q := &Queue{
		store:     st,
		pool:      pool,
		fileLocks: fileLocks,
		bus:       bus,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// CreateTaskParams is the input to CreateTask: the caller-supplied task
// fields, plus an optional semantic complexity assessor.
type CreateTaskParams struct {
	Task             models.Task
	Override         string // per-agent tier override token, or "auto"/""
	SemanticAssessor router.SemanticAssessor
}

// CreateTask assigns an ID and timestamps, runs the Task Router's
// complexity assessment (heuristic, optionally reconciled against a
// semantic second opinion per the spec's dual rule), resolves the
// tier/model pair, persists the row as pending, and publishes
// task_created. A caller-supplied Complexity above zero (a mission's
// forced or decomposer-estimated value) is kept instead of the router's
// result, with its ComplexitySource (manual when unset).
func (q *Queue) CreateTask(ctx context.Context, p CreateTaskParams) (*models.Task, error) {
	t := p.Task
	if t.ID == "" {
		t.ID = q.newID()
	}
	if t.MaxIterations == 0 {
		t.MaxIterations = 1
	}
	t.Status = models.TaskPending
	t.CurrentIteration = 0

	heuristic := router.HeuristicScore(t.Description)
	var semantic *router.SemanticResult
	if p.SemanticAssessor != nil {
		actx, cancel := context.WithTimeout(ctx, router.AssessmentTimeout)
		raw, err := p.SemanticAssessor(actx, t.Description)
		cancel()
		if err == nil {
			if parsed, perr := router.ParseSemanticResponse(raw); perr == nil {
				semantic = &parsed
			}
		}
	}
	complexity, source, _ := router.ResolveComplexity(heuristic, semantic)
	if t.Complexity > 0 {
		complexity, source = t.Complexity, t.ComplexitySource
		if source == "" {
			source = router.SourceManual
		}
	}
	t.Complexity = complexity
	t.ComplexitySource = source

	sel := router.SelectTier(complexity, p.Override)
	t.ModelTier = sel.Tier
	t.ModelName = sel.Model

	now := q.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := q.store.CreateTask(ctx, &t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksCreated.WithLabelValues(t.TaskType).Inc()
	metrics.TaskTransitions.WithLabelValues(t.Status).Inc()
	q.publishTask(eventbus.TypeTaskCreated, t.ID, map[string]interface{}{"status": t.Status})
	return &t, nil
}

// admissionTier maps a Task's billing/model tier onto the Resource
// Pool's three admission tiers: local and remote_local pass through
// unchanged; every cloud-billed tier (cloud, haiku, sonnet, opus, grok)
// contends for the shared "cloud" resource slots.
func admissionTier(modelTier string) string {
	switch modelTier {
	case models.TierLocal, models.TierRemoteLocal:
		return modelTier
	default:
		return resourcepool.TierCloud
	}
}

func isCloudAdmission(tier string) bool {
	return tier == resourcepool.TierCloud
}

// Assign performs the assign() transition (spec 4.5): select a
// candidate task and agent, check file-lock admission, acquire a
// Resource Pool slot, and atomically commit the task-to-assigned /
// agent-to-busy transition plus any file-lock rows.
//
// If taskID is empty, Assign scans pending tasks in priority DESC,
// createdAt ASC order (the spec's assign() ordering) for the first one
// admissible given agentID's (or any idle agent's) eligibility and the
// current file-lock set, skipping — not failing — conflicting
// candidates. If taskID is given explicitly (the /queue/assign HTTP
// path), only that task is considered and admission failure is
// surfaced as apierr.AdmissionDenied.
func (q *Queue) Assign(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	if taskID != "" {
		return q.assignExplicit(ctx, taskID, agentID)
	}
	return q.assignNext(ctx, agentID)
}

func (q *Queue) assignExplicit(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apierr.NotFound("task", taskID)
	}
	if task.Status != models.TaskPending {
		return nil, apierr.New(apierr.KindInvalidTransition, "task is not pending")
	}

	var agent *models.Agent
	if agentID != "" {
		agent, err = q.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			return nil, apierr.NotFound("agent", agentID)
		}
		if agent.Status != models.AgentIdle {
			return nil, apierr.New(apierr.KindAdmissionDenied, "agent is not idle")
		}
	} else {
		agents, err := q.store.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		picked, ok := router.SelectAgent(agents, task.RequiredAgent)
		if !ok {
			return nil, apierr.New(apierr.KindAdmissionDenied, "no eligible idle agent")
		}
		agent = picked
	}

	ok, err := q.tryAssign(ctx, task, agent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierr.New(apierr.KindAdmissionDenied, "resource or file-lock admission denied")
	}
	return task, nil
}

func (q *Queue) assignNext(ctx context.Context, agentID string) (*models.Task, error) {
	tasks, err := q.store.ListPendingTasksOrdered(ctx)
	if err != nil {
		return nil, err
	}

	var preferredAgent *models.Agent
	if agentID != "" {
		preferredAgent, err = q.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if preferredAgent == nil || preferredAgent.Status != models.AgentIdle {
			return nil, nil
		}
	}
	agents, err := q.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		task := &tasks[i]
		var agent *models.Agent
		if preferredAgent != nil {
			if task.RequiredAgent != "" && task.RequiredAgent != preferredAgent.Type {
				continue
			}
			agent = preferredAgent
		} else {
			picked, ok := router.SelectAgent(agents, task.RequiredAgent)
			if !ok {
				continue
			}
			agent = picked
		}

		ok, err := q.tryAssign(ctx, task, agent)
		if err != nil {
			return nil, err
		}
		if ok {
			return task, nil
		}
		// Admission denied (file-lock conflict or no slot): skip to the
		// next priority-ordered candidate rather than failing outright.
	}
	return nil, nil
}

// tryAssign attempts the full admission + commit sequence for one
// (task, agent) pair. Returns ok=false (no error) when admission is
// denied so callers scanning multiple candidates can continue; returns
// a non-nil error only for unexpected store/transaction failures.
func (q *Queue) tryAssign(ctx context.Context, task *models.Task, agent *models.Agent) (bool, error) {
	tier := admissionTier(task.ModelTier)

	cloudBlocked := isCloudAdmission(tier) && q.ledger != nil && q.ledger.IsCloudBlocked()
	if !cloudBlocked && isCloudAdmission(tier) && q.policy != nil {
		backpressure := ""
		if q.ledger != nil {
			backpressure = q.ledger.GetStatus().BackpressureLevel
		}
		decision, err := q.policy.Evaluate(ctx, policy.Input{
			RequestedTier:     tier,
			CloudBlocked:      false,
			BackpressureLevel: backpressure,
			AgentID:           agent.ID,
			TaskType:          task.TaskType,
		})
		if err != nil {
			return false, fmt.Errorf("evaluate policy for task %s: %w", task.ID, err)
		}
		cloudBlocked = !decision.Allowed
	}

	if cloudBlocked {
		if task.Complexity < 10 {
			fallback := router.SelectTier(task.Complexity, "local")
			task.ModelTier = fallback.Tier
			task.ModelName = fallback.Model
			tier = admissionTier(task.ModelTier)
		} else {
			_ = q.HandleTaskFailure(ctx, task.ID, "budget exceeded")
			return false, apierr.New(apierr.KindBudgetExceeded, "daily budget cap reached; cloud tier unavailable")
		}
	}

	if len(task.LockedFiles) > 0 && q.fileLocks.Conflicts(task.LockedFiles, task.ID) {
		metrics.AssignAttempts.WithLabelValues("denied").Inc()
		return false, nil
	}
	if !q.pool.Acquire(tier, task.ID) {
		metrics.AssignAttempts.WithLabelValues("denied").Inc()
		return false, nil
	}
	if len(task.LockedFiles) > 0 && !q.fileLocks.Acquire(task.LockedFiles, agent.ID, task.ID) {
		q.pool.Release(task.ID)
		metrics.AssignAttempts.WithLabelValues("denied").Inc()
		return false, nil
	}

	now := q.now()
	task.Status = models.TaskAssigned
	task.AssignedAgentID = &agent.ID
	task.AssignedAt = &now
	task.UpdatedAt = now

	agent.Status = models.AgentBusy
	agent.CurrentTaskID = &task.ID
	agent.Inflight++
	agent.UpdatedAt = now

	err := q.store.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := q.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if err := q.store.UpdateAgentTx(ctx, tx, agent); err != nil {
			return err
		}
		if len(task.LockedFiles) > 0 {
			expires := now.Add(filelock.DefaultTTL)
			for _, path := range task.LockedFiles {
				if err := q.store.InsertFileLockTx(ctx, tx, &models.FileLock{
					FilePath: path, AgentID: agent.ID, TaskID: task.ID,
					AcquiredAt: now, ExpiresAt: expires,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		q.pool.Release(task.ID)
		q.fileLocks.Release(task.ID)
		return false, fmt.Errorf("assign task %s: %w", task.ID, err)
	}

	metrics.AssignAttempts.WithLabelValues("admitted").Inc()
	metrics.TaskTransitions.WithLabelValues(task.Status).Inc()
	recordAgentStatusChange(models.AgentIdle, agent.Status)

	q.publishTask(eventbus.TypeTaskUpdated, task.ID, map[string]interface{}{"status": task.Status, "assigned_agent_id": agent.ID})
	q.publishAgent(agent.ID, agent.Status)
	return true, nil
}

// HandleTaskStart performs the assigned -> in_progress transition.
func (q *Queue) HandleTaskStart(ctx context.Context, taskID string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}
	if task.Status != models.TaskAssigned {
		return apierr.New(apierr.KindInvalidTransition, "task is not assigned")
	}

	task.Status = models.TaskInProgress
	task.UpdatedAt = q.now()
	if err := q.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("start task %s: %w", taskID, err)
	}
	q.publishTask(eventbus.TypeTaskUpdated, taskID, map[string]interface{}{"status": task.Status})
	return nil
}

// CompletionOutcome carries the external agent runtime's /execute
// result into HandleTaskCompletion.
type CompletionOutcome struct {
	Result       map[string]interface{}
	ModelUsed    string
	InputTokens  int
	OutputTokens int
	DurationMs   int64
}

// HandleTaskCompletion performs the in_progress -> completed
// transition: records an ExecutionLog entry, charges the Budget
// Ledger, releases the Resource Pool slot and file locks, returns the
// agent to idle (via Agent Cooling's rest delay first, for a local-tier
// coder agent), optionally enqueues a post-completion review task, and
// submits any validationCommand to the Async Validation pipeline.
//
// Idempotent: a task already in a terminal state is a no-op, matching
// the absorbing-terminal-state discipline spec section 9 requires of
// every retry-safe lifecycle operation.
func (q *Queue) HandleTaskCompletion(ctx context.Context, taskID string, outcome CompletionOutcome) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}
	if isTerminal(task.Status) {
		return nil
	}

	now := q.now()
	task.Status = models.TaskCompleted
	task.CompletedAt = &now
	task.TimeSpentMs = outcome.DurationMs
	task.Result = outcome.Result
	task.UpdatedAt = now

	var agent *models.Agent
	coolingEligible := false
	if task.AssignedAgentID != nil {
		agent, err = q.store.GetAgent(ctx, *task.AssignedAgentID)
		if err != nil {
			return err
		}
	}
	if agent != nil {
		coolingEligible = q.cooler != nil && cooling.ShouldCool(task.ModelTier, agent.Type)
		agent.CurrentTaskID = nil
		if coolingEligible {
			agent.Status = models.AgentPaused
		} else {
			agent.Status = models.AgentIdle
		}
		agent.TasksCompleted++
		if agent.Inflight > 0 {
			agent.Inflight--
		}
		agent.UpdatedAt = now
	}

	model := outcome.ModelUsed
	if model == "" {
		model = task.ModelName
	}
	costCents := pricing.CostCents(model, outcome.InputTokens, outcome.OutputTokens)
	logEntry := &models.ExecutionLog{
		ID: q.newID(), TaskID: task.ID, Timestamp: now, Action: "execute",
		ModelUsed: model, InputTokens: outcome.InputTokens, OutputTokens: outcome.OutputTokens,
		DurationMs: outcome.DurationMs, CostCents: costCents,
	}
	if agent != nil {
		logEntry.AgentID = agent.ID
	}

	err = q.store.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := q.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if agent != nil {
			if err := q.store.UpdateAgentTx(ctx, tx, agent); err != nil {
				return err
			}
		}
		return q.store.AppendExecutionLogTx(ctx, tx, logEntry)
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}

	q.pool.Release(task.ID)
	q.fileLocks.Release(task.ID)
	if q.ledger != nil && costCents > 0 {
		q.ledger.Charge(costCents, pricing.TierForModel(model))
	}
	metrics.TaskTransitions.WithLabelValues(task.Status).Inc()
	metrics.TaskDuration.WithLabelValues(task.ModelTier).Observe(float64(task.TimeSpentMs))
	q.publishTask(eventbus.TypeTaskUpdated, task.ID, map[string]interface{}{"status": task.Status})

	if agent != nil {
		recordAgentStatusChange(models.AgentBusy, agent.Status)
		q.settleAgentAfterWork(ctx, agent, coolingEligible)
	}
	if q.autoCodeReview {
		_ = q.enqueueReview(ctx, task)
	}
	if task.ValidationCommand != "" && q.validation != nil {
		q.validation.Submit(task.ID, task.ValidationCommand, task.MaxIterations)
		q.validation.StartRetryQueue(ctx)
	}
	return nil
}

// settleAgentAfterWork publishes the agent's immediate post-task
// status, then — if cooling applies — blocks for the configured rest
// window (no coordination lock is held across this call; the Task and
// Agent rows already committed above) before flipping the agent back
// to idle and publishing the final status change.
func (q *Queue) settleAgentAfterWork(ctx context.Context, agent *models.Agent, coolingEligible bool) {
	q.publishAgent(agent.ID, agent.Status)
	if !coolingEligible {
		return
	}
	q.cooler.Rest(ctx, agent.ID)

	fresh, err := q.store.GetAgent(ctx, agent.ID)
	if err != nil || fresh == nil {
		return
	}
	prevStatus := fresh.Status
	fresh.Status = models.AgentIdle
	fresh.UpdatedAt = q.now()
	if err := q.store.UpdateAgent(ctx, fresh); err != nil {
		return
	}
	recordAgentStatusChange(prevStatus, fresh.Status)
	q.publishAgent(fresh.ID, fresh.Status)
}

// HandleTaskFailure performs the in_progress -> {pending, failed}
// transition: if the task has retries remaining (currentIteration <
// maxIterations) and its agent permits auto-retry, it returns to
// pending with currentIteration incremented; otherwise it terminates as
// failed. Resources and file locks are always released. Idempotent on
// an already-terminal task.
func (q *Queue) HandleTaskFailure(ctx context.Context, taskID, reason string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}
	if isTerminal(task.Status) {
		return nil
	}

	now := q.now()
	var agent *models.Agent
	if task.AssignedAgentID != nil {
		agent, err = q.store.GetAgent(ctx, *task.AssignedAgentID)
		if err != nil {
			return err
		}
	}

	retriesAllowed := agent == nil || agent.AutoRetry
	willRetry := task.CurrentIteration < task.MaxIterations && retriesAllowed

	task.Error = reason
	task.UpdatedAt = now
	if willRetry {
		task.CurrentIteration++
		task.Status = models.TaskPending
		task.AssignedAgentID = nil
		task.AssignedAt = nil
	} else {
		task.Status = models.TaskFailed
		task.CompletedAt = &now
	}

	coolingEligible := false
	if agent != nil {
		coolingEligible = q.cooler != nil && cooling.ShouldCool(task.ModelTier, agent.Type)
		agent.CurrentTaskID = nil
		if coolingEligible {
			agent.Status = models.AgentPaused
		} else {
			agent.Status = models.AgentIdle
		}
		if agent.Inflight > 0 {
			agent.Inflight--
		}
		agent.UpdatedAt = now
	}

	err = q.store.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := q.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if agent != nil {
			return q.store.UpdateAgentTx(ctx, tx, agent)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}

	q.pool.Release(task.ID)
	q.fileLocks.Release(task.ID)
	metrics.TaskTransitions.WithLabelValues(task.Status).Inc()
	q.publishTask(eventbus.TypeTaskUpdated, task.ID, map[string]interface{}{"status": task.Status, "error": reason})
	if agent != nil {
		recordAgentStatusChange(models.AgentBusy, agent.Status)
		q.settleAgentAfterWork(ctx, agent, coolingEligible)
	}
	return nil
}

// AbortTask force-transitions a task to aborted from any non-terminal
// state, best-effort requesting the external agent runtime cancel an
// in-flight execution. Idempotent: aborting an already-aborted (or
// otherwise terminal) task is a no-op.
func (q *Queue) AbortTask(ctx context.Context, taskID, reason string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}
	if isTerminal(task.Status) {
		return nil
	}

	if q.agents != nil && (task.Status == models.TaskInProgress || task.Status == models.TaskAssigned) {
		actx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_ = q.agents.Abort(actx, task.ID, reason)
		cancel()
	}

	now := q.now()
	task.Status = models.TaskAborted
	task.Error = reason
	task.CompletedAt = &now
	task.UpdatedAt = now

	var agent *models.Agent
	if task.AssignedAgentID != nil {
		agent, err = q.store.GetAgent(ctx, *task.AssignedAgentID)
		if err != nil {
			return err
		}
	}
	if agent != nil {
		agent.CurrentTaskID = nil
		agent.Status = models.AgentIdle
		if agent.Inflight > 0 {
			agent.Inflight--
		}
		agent.UpdatedAt = now
	}

	err = q.store.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := q.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if agent != nil {
			return q.store.UpdateAgentTx(ctx, tx, agent)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("abort task %s: %w", taskID, err)
	}

	q.pool.Release(task.ID)
	q.fileLocks.Release(task.ID)
	metrics.TaskTransitions.WithLabelValues(task.Status).Inc()
	q.publishTask(eventbus.TypeTaskUpdated, task.ID, map[string]interface{}{"status": task.Status, "error": reason})
	if agent != nil {
		recordAgentStatusChange(models.AgentBusy, agent.Status)
		q.publishAgent(agent.ID, agent.Status)
	}
	return nil
}

// ReturnToPool performs the returnToPool() transition from {failed,
// aborted} back to pending, clearing assignment while preserving the
// task's history (iteration count, prior error text).
func (q *Queue) ReturnToPool(ctx context.Context, taskID string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}
	if task.Status != models.TaskFailed && task.Status != models.TaskAborted {
		return apierr.New(apierr.KindInvalidTransition, "task is not failed or aborted")
	}

	task.Status = models.TaskPending
	task.AssignedAgentID = nil
	task.AssignedAt = nil
	task.CompletedAt = nil
	task.UpdatedAt = q.now()

	if err := q.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("return task %s to pool: %w", taskID, err)
	}
	q.publishTask(eventbus.TypeTaskUpdated, taskID, map[string]interface{}{"status": task.Status})
	return nil
}

// Escalate performs the in_progress -> needs_human transition. The
// task retains its assignment and resources: a human is expected to
// resolve it via ProvideInput, not to have it reassigned.
func (q *Queue) Escalate(ctx context.Context, taskID, reason string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}
	if task.Status != models.TaskInProgress {
		return apierr.New(apierr.KindInvalidTransition, "task is not in progress")
	}

	task.Status = models.TaskNeedsHuman
	task.Error = reason
	task.UpdatedAt = q.now()
	if err := q.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("escalate task %s: %w", taskID, err)
	}
	q.publishTask(eventbus.TypeTaskUpdated, taskID, map[string]interface{}{"status": task.Status, "error": reason})
	return nil
}

// ProvideInput resolves a needs_human task: resume=true returns it to
// in_progress; resume=false force-aborts it (releasing resources and
// file locks, per AbortTask).
func (q *Queue) ProvideInput(ctx context.Context, taskID string, resume bool, reason string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}
	if task.Status != models.TaskNeedsHuman {
		return apierr.New(apierr.KindInvalidTransition, "task is not awaiting human input")
	}
	if !resume {
		return q.AbortTask(ctx, taskID, reason)
	}

	task.Status = models.TaskInProgress
	task.UpdatedAt = q.now()
	if err := q.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("resume task %s: %w", taskID, err)
	}
	q.publishTask(eventbus.TypeTaskUpdated, taskID, map[string]interface{}{"status": task.Status})
	return nil
}

// Dispatch drives one assigned task through start, the external agent
// runtime call (gated by the Rate Governor when the tier is
// rate-limited), and completion/failure. It is the synchronous,
// blocking counterpart to the otherwise-decoupled assign/start/
// complete operations above, used by a worker loop (the task driver in
// cmd/taskmesh) and by the HTTP /execute endpoint.
func (q *Queue) Dispatch(ctx context.Context, taskID string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return apierr.NotFound("task", taskID)
	}

	if err := q.HandleTaskStart(ctx, taskID); err != nil {
		return err
	}

	rateTier := ratecontrol.ResolveTier(task.ModelName)
	if q.rate != nil && admissionTier(task.ModelTier) == resourcepool.TierCloud {
		if _, err := q.rate.WaitForCapacity(ctx, rateTier, 0, 0); err != nil {
			_ = q.HandleTaskFailure(ctx, taskID, "rate governor wait cancelled")
			return err
		}
	}

	if q.agents == nil {
		return apierr.New(apierr.KindUpstream, "no agent runtime client configured")
	}

	var agentID string
	if task.AssignedAgentID != nil {
		agentID = *task.AssignedAgentID
	}
	resp, err := q.agents.Execute(ctx, agentsvc.ExecuteRequest{
		TaskID: task.ID, Title: task.Title, Description: task.Description,
		Tier: task.ModelTier, Model: task.ModelName, AgentID: agentID,
	})
	if err != nil {
		failErr := q.HandleTaskFailure(ctx, taskID, err.Error())
		if failErr != nil {
			return failErr
		}
		return err
	}

	if q.rate != nil {
		q.rate.RecordUsage(rateTier, resp.InputTokens, resp.OutputTokens)
	}
	return q.HandleTaskCompletion(ctx, taskID, CompletionOutcome{
		Result:       map[string]interface{}{"output": resp.Output},
		ModelUsed:    task.ModelName,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		DurationMs:   resp.DurationMs,
	})
}

// enqueueReview creates a follow-up review Task for a just-completed
// task, per spec 4.5's "if post-completion review is enabled, enqueue a
// review task (separate)".
func (q *Queue) enqueueReview(ctx context.Context, completed *models.Task) error {
	parent := completed.ID
	review := models.Task{
		Title:         "Review: " + completed.Title,
		Description:   "Review the output of completed task " + completed.ID,
		TaskType:      models.TaskTypeReview,
		Priority:      completed.Priority,
		MaxIterations: 1,
		ParentTaskID:  &parent,
	}
	_, err := q.CreateTask(ctx, CreateTaskParams{Task: review})
	return err
}

// recordAgentStatusChange adjusts the AgentsByStatus gauge for a
// transition from oldStatus to newStatus. Callers pass the status the
// agent is assumed to have been in immediately before the transition
// they're recording (idle for freshly-assigned agents, busy for
// completions/failures, paused for cooling).
func recordAgentStatusChange(oldStatus, newStatus string) {
	if oldStatus == newStatus {
		return
	}
	if oldStatus != "" {
		metrics.AgentsByStatus.WithLabelValues(oldStatus).Dec()
	}
	metrics.AgentsByStatus.WithLabelValues(newStatus).Inc()
}

func isTerminal(status string) bool {
	switch status {
	case models.TaskCompleted, models.TaskFailed, models.TaskAborted:
		return true
	default:
		return false
	}
}

func (q *Queue) publishTask(eventType, taskID string, payload map[string]interface{}) {
	if q.bus == nil {
		return
	}
	payload["task_id"] = taskID
	q.bus.Publish(eventbus.Event{
		Type: eventType, EntityKey: "task:" + taskID, Payload: payload, TimestampUTC: q.now().UTC(),
	})
}

func (q *Queue) publishAgent(agentID, status string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{
		Type:         eventbus.TypeAgentStatusChanged,
		EntityKey:    "agent:" + agentID,
		Payload:      map[string]interface{}{"agent_id": agentID, "status": status},
		TimestampUTC: q.now().UTC(),
	})
}
