// Package mission implements the Mission Orchestrator (spec section
// 4.10): it decomposes a user prompt into a DAG of subtasks, advances
// the DAG frontier as each subtask reaches a terminal state, aggregates
// cost and completion counts, and gates execution behind an approval
// step for missions that are not auto-approved.
//
// Grounded on Kocoro-lab/Shannon's internal/validation.
// DetectCyclicDependencies (Kahn's-algorithm topological sort, adapted
// here to double as the frontier computation rather than a one-shot
// validation pass) and internal/activities.DecomposeTask's
// call-an-external-model-then-persist-subtasks shape.
package mission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/lifecycle"
	"github.com/taskmesh-ai/taskmesh/internal/metrics"
	"github.com/taskmesh-ai/taskmesh/internal/models"
	"github.com/taskmesh-ai/taskmesh/internal/pricing"
	"github.com/taskmesh-ai/taskmesh/internal/store"
)

// Decomposer calls the external decomposition model and returns an
// ordered list of subtask specs for prompt, in the target language.
type Decomposer func(ctx context.Context, prompt, language string) ([]models.SubtaskSpec, error)

// ChatPoster posts a message to the mission's conversation, used to
// announce the awaiting_approval gate and terminal outcomes.
type ChatPoster func(ctx context.Context, conversationID, message string) error

// CreateParams is the input to Create, mirroring spec 4.10's inputs.
type CreateParams struct {
	Prompt            string
	Language          string
	AutoApprove       bool
	WaitForCompletion bool
	ForceComplexity   int // 0 means unset
	ConversationID    string
}

// Orchestrator is the Mission Orchestrator.
type Orchestrator struct {
	store      *store.Store
	lifecycle  *lifecycle.Queue
	bus        *eventbus.Bus
	decompose  Decomposer
	postChat   ChatPoster
	autoReview bool

	waitTimeout time.Duration
	pollEvery   time.Duration
	now         func() time.Time
	newID       func() string
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithChatPoster wires the chat subsystem so approval-gate and
// terminal-outcome messages are posted to the mission's conversation.
func WithChatPoster(p ChatPoster) Option { return func(o *Orchestrator) { o.postChat = p } }

// WithAutoReview enables an optional review pass once every subtask
// completes, before a mission is marked approved.
func WithAutoReview(enabled bool) Option { return func(o *Orchestrator) { o.autoReview = enabled } }

// WithWaitTimeout overrides the default 5-minute waitForCompletion cap.
func WithWaitTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.waitTimeout = d } }

// WithPollInterval overrides the default waitForCompletion poll cadence.
func WithPollInterval(d time.Duration) Option { return func(o *Orchestrator) { o.pollEvery = d } }

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithIDFunc injects a deterministic ID generator for tests.
func WithIDFunc(f func() string) Option { return func(o *Orchestrator) { o.newID = f } }

// New constructs an Orchestrator over st and lc, decomposing prompts
// via decompose and publishing through bus.
func New(st *store.Store, lc *lifecycle.Queue, bus *eventbus.Bus, decompose Decomposer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		lifecycle:   lc,
		bus:         bus,
		decompose:   decompose,
		waitTimeout: 5 * time.Minute,
		pollEvery:   500 * time.Millisecond,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create performs spec 4.10's steps 1-4: persist the Mission,
// decompose it into Tasks, and either gate on approval or begin
// execution immediately. If p.WaitForCompletion is true and the
// mission began executing, Create blocks until terminal or the wait
// timeout elapses.
func (o *Orchestrator) Create(ctx context.Context, p CreateParams) (*models.Mission, error) {
	now := o.now()
	m := &models.Mission{
		ID:             o.newID(),
		Prompt:         p.Prompt,
		Language:       p.Language,
		Status:         models.MissionDecomposing,
		ConversationID: p.ConversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}

	specs, err := o.decompose(ctx, p.Prompt, p.Language)
	if err != nil {
		m.Status = models.MissionFailed
		m.UpdatedAt = o.now()
		_ = o.store.UpdateMission(ctx, m)
		return m, fmt.Errorf("decompose mission %s: %w", m.ID, err)
	}

	ids, err := o.persistSubtasks(ctx, m.ID, specs, p.ForceComplexity)
	if err != nil {
		return nil, err
	}
	m.SubtaskIDs = ids

	if !p.AutoApprove {
		m.Status = models.MissionAwaitingApproval
		m.UpdatedAt = o.now()
		if err := o.store.UpdateMission(ctx, m); err != nil {
			return nil, fmt.Errorf("update mission %s: %w", m.ID, err)
		}
		o.announce(ctx, m, fmt.Sprintf("Mission %s is decomposed into %d subtasks and awaiting approval.", m.ID, len(ids)))
		o.publish(m.ID, m.Status)
		return m, nil
	}

	if err := o.begin(ctx, m); err != nil {
		return nil, err
	}

	if p.WaitForCompletion {
		return o.waitForCompletion(ctx, m.ID)
	}
	return m, nil
}

// persistSubtasks creates one Task per spec, parented to missionID, and
// records each spec's dependsOn edges (resolved by title against its
// siblings in the same decomposition response, since the decomposer
// has no other stable identifier to reference before the Tasks exist).
// Complexity is forced to override when non-zero (the spec's
// forceComplexity input); otherwise each subtask keeps its own
// decomposition-supplied estimate, falling back to the heuristic router
// score inside lifecycle.CreateTask when the decomposer left it unset.
func (o *Orchestrator) persistSubtasks(ctx context.Context, missionID string, specs []models.SubtaskSpec, forceComplexity int) ([]string, error) {
	byTitle := make(map[string]string, len(specs))
	ids := make([]string, 0, len(specs))

	for _, spec := range specs {
		task := models.Task{
			Title:         spec.Title,
			Description:   spec.Description,
			TaskType:      spec.TaskType,
			RequiredAgent: spec.RequiredAgent,
			LockedFiles:   spec.FilePaths,
			MaxIterations: 3,
			ParentTaskID:  &missionID,
		}
		if forceComplexity > 0 {
			task.Complexity = forceComplexity
			task.ComplexitySource = models.ComplexitySourceManual
		} else if spec.Complexity > 0 {
			task.Complexity = spec.Complexity
			task.ComplexitySource = models.ComplexitySourceManual
		}

		created, err := o.lifecycle.CreateTask(ctx, lifecycle.CreateTaskParams{Task: task})
		if err != nil {
			return nil, fmt.Errorf("persist subtask %q for mission %s: %w", spec.Title, missionID, err)
		}
		byTitle[spec.Title] = created.ID
		ids = append(ids, created.ID)
	}

	for _, spec := range specs {
		if len(spec.DependsOn) == 0 {
			continue
		}
		taskID := byTitle[spec.Title]
		for _, depTitle := range spec.DependsOn {
			depID, ok := byTitle[depTitle]
			if !ok || depID == taskID {
				continue
			}
			if err := o.store.InsertTaskDependency(ctx, taskID, depID); err != nil {
				return nil, fmt.Errorf("record dependency %q -> %q for mission %s: %w", spec.Title, depTitle, missionID, err)
			}
		}
	}
	return ids, nil
}

// begin transitions a mission to executing and dispatches its initial
// DAG frontier (every subtask with no pending dependency).
func (o *Orchestrator) begin(ctx context.Context, m *models.Mission) error {
	m.Status = models.MissionExecuting
	m.UpdatedAt = o.now()
	if err := o.store.UpdateMission(ctx, m); err != nil {
		return fmt.Errorf("begin mission %s: %w", m.ID, err)
	}
	o.publish(m.ID, m.Status)
	return o.advanceFrontier(ctx, m.ID)
}

// Approve resolves an awaiting_approval mission, starting execution.
func (o *Orchestrator) Approve(ctx context.Context, missionID string) error {
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m == nil {
		return apierr.NotFound("mission", missionID)
	}
	if m.Status != models.MissionAwaitingApproval {
		return apierr.New(apierr.KindInvalidTransition, "mission is not awaiting approval")
	}
	return o.begin(ctx, m)
}

// Reject resolves an awaiting_approval mission by aborting every
// subtask and marking it rejected.
func (o *Orchestrator) Reject(ctx context.Context, missionID string) error {
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m == nil {
		return apierr.NotFound("mission", missionID)
	}
	if m.Status != models.MissionAwaitingApproval {
		return apierr.New(apierr.KindInvalidTransition, "mission is not awaiting approval")
	}

	if err := o.abortSubtasks(ctx, missionID, "mission rejected"); err != nil {
		return err
	}
	m.Status = models.MissionRejected
	m.UpdatedAt = o.now()
	if err := o.store.UpdateMission(ctx, m); err != nil {
		return fmt.Errorf("reject mission %s: %w", missionID, err)
	}
	o.announce(ctx, m, fmt.Sprintf("Mission %s was rejected.", m.ID))
	o.publish(m.ID, m.Status)
	return nil
}

// RecognizeApprovalPhrase matches spec 4.10's chat-approval recognizer:
// case-insensitive {approve,yes,lgtm,looks good} -> approve and
// {reject,no,cancel} -> reject, trimmed of surrounding punctuation and
// whitespace. The empty string return means the message is not a
// recognized approval-gate response.
func RecognizeApprovalPhrase(message string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.Trim(normalized, ".!? ")
	switch normalized {
	case "approve", "yes", "lgtm", "looks good":
		return "approve"
	case "reject", "no", "cancel":
		return "reject"
	default:
		return ""
	}
}

// advanceFrontier dispatches every pending subtask of missionID whose
// dependencies (recorded at decomposition time in task_dependencies)
// have all reached completed. It recomputes the frontier fresh from
// Store state on every call rather than holding a long-lived in-memory
// DAG, so it is safe to call repeatedly as subtasks finish out of
// order or across orchestrator replicas.
func (o *Orchestrator) advanceFrontier(ctx context.Context, missionID string) error {
	tasks, err := o.store.ListTasksByParent(ctx, missionID)
	if err != nil {
		return fmt.Errorf("list subtasks for mission %s: %w", missionID, err)
	}

	completed := make(map[string]bool, len(tasks))
	var pendingIDs []string
	for _, t := range tasks {
		if t.Status == models.TaskCompleted {
			completed[t.ID] = true
		}
		if t.Status == models.TaskPending {
			pendingIDs = append(pendingIDs, t.ID)
		}
	}
	if len(pendingIDs) == 0 {
		return nil
	}

	deps, err := o.store.ListDependenciesForTasks(ctx, pendingIDs)
	if err != nil {
		return fmt.Errorf("list dependencies for mission %s: %w", missionID, err)
	}

	for _, taskID := range pendingIDs {
		blocked := false
		for _, depID := range deps[taskID] {
			if !completed[depID] {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		if _, err := o.lifecycle.Assign(ctx, taskID, ""); err != nil {
			if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindAdmissionDenied {
				continue
			}
			return fmt.Errorf("assign subtask %s: %w", taskID, err)
		}
	}
	return nil
}

// OnSubtaskTerminal is invoked (typically by an Event Bus subscription
// on task_updated) whenever a mission's subtask reaches a terminal
// state. It updates the mission's aggregates, advances the DAG
// frontier, and finalizes the mission once every subtask is terminal.
func (o *Orchestrator) OnSubtaskTerminal(ctx context.Context, missionID string) error {
	m, err := o.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m == nil || m.Status != models.MissionExecuting {
		return nil
	}

	tasks, err := o.store.ListTasksByParent(ctx, missionID)
	if err != nil {
		return err
	}

	completedCount, failedCount := 0, 0
	allTerminal := true
	var logs []models.ExecutionLog
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			completedCount++
		case models.TaskFailed, models.TaskAborted:
			failedCount++
		default:
			allTerminal = false
		}
		taskLogs, err := o.store.ListExecutionLogsForTask(ctx, t.ID)
		if err != nil {
			return err
		}
		logs = append(logs, taskLogs...)
	}

	summary := pricing.Aggregate(logs)
	m.CompletedCount = completedCount
	m.FailedCount = failedCount
	m.TotalCostCents = int64(summary.TotalCostCents)
	m.UpdatedAt = o.now()

	if !allTerminal {
		if err := o.store.UpdateMission(ctx, m); err != nil {
			return err
		}
		return o.advanceFrontier(ctx, missionID)
	}

	if failedCount > 0 {
		m.Status = models.MissionFailed
	} else {
		m.Status = models.MissionReviewing
		if err := o.store.UpdateMission(ctx, m); err != nil {
			return err
		}
		if o.autoReview {
			score, err := o.reviewScore(ctx, tasks)
			if err != nil {
				return fmt.Errorf("review mission %s: %w", missionID, err)
			}
			m.ReviewScore = score
			o.publishReview(m.ID, score)
		}
		m.Status = models.MissionApproved
	}

	if err := o.store.UpdateMission(ctx, m); err != nil {
		return fmt.Errorf("finalize mission %s: %w", missionID, err)
	}
	o.announce(ctx, m, fmt.Sprintf("Mission %s finished with status %s (%d completed, %d failed).",
		m.ID, m.Status, completedCount, failedCount))
	o.publish(m.ID, m.Status)
	return nil
}

// abortSubtasks best-effort aborts every non-terminal subtask of a mission.
func (o *Orchestrator) abortSubtasks(ctx context.Context, missionID, reason string) error {
	tasks, err := o.store.ListTasksByParent(ctx, missionID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := o.lifecycle.AbortTask(ctx, t.ID, reason); err != nil {
			return fmt.Errorf("abort subtask %s: %w", t.ID, err)
		}
	}
	return nil
}

// waitForCompletion polls the mission's status until it reaches a
// terminal state ({approved, rejected, failed}) or o.waitTimeout
// elapses, whichever comes first, matching spec 4.10's "hard timeout
// (5 min default cap)".
func (o *Orchestrator) waitForCompletion(ctx context.Context, missionID string) (*models.Mission, error) {
	deadline := o.now().Add(o.waitTimeout)
	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()

	for {
		m, err := o.store.GetMission(ctx, missionID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, apierr.NotFound("mission", missionID)
		}
		if isMissionTerminal(m.Status) {
			return m, nil
		}
		if o.now().After(deadline) {
			return m, nil
		}

		select {
		case <-ctx.Done():
			return m, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isMissionTerminal(status string) bool {
	switch status {
	case models.MissionApproved, models.MissionRejected, models.MissionFailed:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) announce(ctx context.Context, m *models.Mission, message string) {
	if o.postChat == nil || m.ConversationID == "" {
		return
	}
	_ = o.postChat(ctx, m.ConversationID, message)
}

func (o *Orchestrator) publish(missionID, status string) {
	metrics.MissionsByStatus.WithLabelValues(status).Inc()
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Type:         eventbus.TypeTaskUpdated,
		EntityKey:    "mission:" + missionID,
		Payload:      map[string]interface{}{"mission_id": missionID, "status": status},
		TimestampUTC: o.now().UTC(),
	})
}

// reviewScore aggregates the pass rate of any review-type child tasks
// attached to the mission's subtasks (spawned by the lifecycle queue's
// per-task auto-code-review setting, see lifecycle.Queue.enqueueReview)
// into a single 0-100 mission-level score. Subtasks that spawned no
// review child do not count against the score, since auto-code-review
// is a per-task, not per-mission, setting.
func (o *Orchestrator) reviewScore(ctx context.Context, subtasks []models.Task) (float64, error) {
	var reviewed, passed int
	for _, t := range subtasks {
		children, err := o.store.ListTasksByParent(ctx, t.ID)
		if err != nil {
			return 0, err
		}
		for _, c := range children {
			if c.TaskType != models.TaskTypeReview {
				continue
			}
			reviewed++
			if c.Status == models.TaskCompleted {
				passed++
			}
		}
	}
	if reviewed == 0 {
		return 100, nil
	}
	return 100 * float64(passed) / float64(reviewed), nil
}

// publishReview emits the computed review score as a metrics_updated
// event, keyed to the mission's entity so WebSocket subscribers
// watching "mission:<id>" observe it alongside the mission's other
// lifecycle events.
func (o *Orchestrator) publishReview(missionID string, score float64) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Type:         eventbus.TypeMetricsUpdated,
		EntityKey:    "mission:" + missionID,
		Payload:      map[string]interface{}{"mission_id": missionID, "review_score": score},
		TimestampUTC: o.now().UTC(),
	})
}
