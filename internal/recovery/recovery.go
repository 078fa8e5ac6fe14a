// Package recovery implements Stuck-Task Recovery: a periodic sweep that
// force-aborts tasks stuck in {assigned, in_progress} past a timeout,
// releasing their resources, file locks, and agent assignment. Grounded
// on the periodic-sweeper pattern in Kocoro-lab/Shannon's
// internal/db.Client.healthCheck loop (a ticker-driven goroutine with a
// Stop channel) and the idempotent force-terminal-transition idiom used
// throughout its workflow activities for timeout handling.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/filelock"
	"github.com/taskmesh-ai/taskmesh/internal/models"
	"github.com/taskmesh-ai/taskmesh/internal/resourcepool"
	"github.com/taskmesh-ai/taskmesh/internal/store"
)

// Sweeper periodically force-aborts stuck tasks.
type Sweeper struct {
	store     *store.Store
	pool      *resourcepool.Pool
	fileLocks *filelock.Manager
	bus       *eventbus.Bus

	timeout       time.Duration
	checkInterval time.Duration
	now           func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Sweeper at construction time.
type Option func(*Sweeper)

// WithTimeout overrides the default 600s stuck-task timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.timeout = d }
}

// WithCheckInterval overrides the default 60s sweep interval.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.checkInterval = d }
}

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New constructs a Sweeper over st, releasing slots via pool and locks
// via fileLocks, publishing through bus.
func New(st *store.Store, pool *resourcepool.Pool, fileLocks *filelock.Manager, bus *eventbus.Bus, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:         st,
		pool:          pool,
		fileLocks:     fileLocks,
		bus:           bus,
		timeout:       600 * time.Second,
		checkInterval: 60 * time.Second,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the periodic sweep in the background until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				_ = s.sweep(ctx, false)
			}
		}
	}()
}

// Stop halts the background sweep started by Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// TriggerCheck runs an immediate sweep using the configured timeout,
// returning the IDs of tasks recovered.
func (s *Sweeper) TriggerCheck(ctx context.Context) ([]string, error) {
	return s.sweep(ctx, false)
}

// ForceRecoverAll force-aborts every task in {assigned, in_progress}
// regardless of how long it has been assigned.
func (s *Sweeper) ForceRecoverAll(ctx context.Context) ([]string, error) {
	return s.sweep(ctx, true)
}

func (s *Sweeper) sweep(ctx context.Context, ignoreTimeout bool) ([]string, error) {
	tasks, err := s.store.ListTasksByStatus(ctx, []string{models.TaskAssigned, models.TaskInProgress})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var recovered []string
	for _, t := range tasks {
		if !ignoreTimeout {
			if t.AssignedAt == nil || now.Sub(*t.AssignedAt) < s.timeout {
				continue
			}
		}
		if err := s.recoverOne(ctx, t); err != nil {
			continue
		}
		recovered = append(recovered, t.ID)
	}
	return recovered, nil
}

// recoverOne force-transitions one task to aborted. Idempotent: a task
// already in a terminal state (observed via a fresh read) is skipped.
func (s *Sweeper) recoverOne(ctx context.Context, t models.Task) error {
	fresh, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if fresh == nil || isTerminal(fresh.Status) {
		return nil
	}

	fresh.Status = models.TaskAborted
	fresh.Error = "timed out"
	now := s.now()
	fresh.CompletedAt = &now
	fresh.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, fresh); err != nil {
		return err
	}

	s.pool.Release(fresh.ID)
	s.fileLocks.Release(fresh.ID)

	if fresh.AssignedAgentID != nil {
		if agent, err := s.store.GetAgent(ctx, *fresh.AssignedAgentID); err == nil && agent != nil {
			agent.Status = models.AgentIdle
			agent.CurrentTaskID = nil
			agent.UpdatedAt = now
			_ = s.store.UpdateAgent(ctx, agent) // best-effort: recovery itself remains idempotent on retry
		}
	}

	s.publish(fresh.ID, fresh.AssignedAgentID)
	return nil
}

func isTerminal(status string) bool {
	switch status {
	case models.TaskCompleted, models.TaskFailed, models.TaskAborted:
		return true
	default:
		return false
	}
}

func (s *Sweeper) publish(taskID string, agentID *string) {
	if s.bus == nil {
		return
	}
	payload := map[string]interface{}{"task_id": taskID, "reason": "timed out"}
	if agentID != nil {
		payload["agent_id"] = *agentID
	}
	s.bus.Publish(eventbus.Event{
		Type:         eventbus.TypeTaskUpdated,
		EntityKey:    "task:" + taskID,
		Payload:      payload,
		TimestampUTC: s.now().UTC(),
	})
}
