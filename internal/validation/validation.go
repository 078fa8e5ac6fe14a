// Package validation implements the Async Validation pipeline: tasks
// carrying a validationCommand are validated off the main lifecycle
// loop, with a bounded retry queue. Grounded on Kocoro-lab/Shannon's
// non-blocking background-worker idiom (internal/db.Client's async
// write queue starts a worker pool and returns immediately, callers
// observe completion via polling/metrics rather than blocking).
package validation

import (
	"context"
	"sync"

	"github.com/taskmesh-ai/taskmesh/internal/metrics"
)

// Pipeline states.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// Result is the outcome of validating one task.
type Result struct {
	TaskID  string
	Status  string
	Output  string
	Attempt int
}

// Runner executes a validation command for a task and reports pass/fail.
// In production (cmd/taskmesh) it runs the command through `sh -c` and
// passes on a zero exit status; tests inject a fake.
type Runner func(ctx context.Context, taskID, command string) (passed bool, output string, err error)

// job is one (taskID, command, maxIterations) pending validation.
type job struct {
	taskID        string
	command       string
	maxIterations int
	attempt       int
}

// Pipeline tracks validation state per task and runs a bounded retry
// queue in the background.
type Pipeline struct {
	mu      sync.Mutex
	results map[string]Result
	queue   []job

	run Runner

	wg      sync.WaitGroup
	running bool
}

// New constructs a Pipeline backed by run.
func New(run Runner) *Pipeline {
	return &Pipeline{
		results: make(map[string]Result),
		run:     run,
	}
}

// Submit enqueues a task for validation, initializing its status to
// pending. maxIterations bounds how many times a failing validation may
// be retried.
func (p *Pipeline) Submit(taskID, command string, maxIterations int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[taskID] = Result{TaskID: taskID, Status: StatusPending}
	p.queue = append(p.queue, job{taskID: taskID, command: command, maxIterations: maxIterations})
}

// GetStatus returns the current status for a task, or "" if unknown.
func (p *Pipeline) GetStatus(taskID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[taskID].Status
}

// GetResult returns the full Result for a task and whether it exists.
func (p *Pipeline) GetResult(taskID string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[taskID]
	return r, ok
}

// ClearResults drops all recorded results (not the in-flight queue).
func (p *Pipeline) ClearResults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = make(map[string]Result)
}

// StartRetryQueue drains the pending queue in the background and returns
// immediately; callers poll GetStatus/GetResult. Calling it while a
// drain is already in flight is a no-op — the existing drain will pick
// up anything Submit adds afterward.
func (p *Pipeline) StartRetryQueue(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.drain(ctx)
}

// Wait blocks until the current retry-queue drain (if any) finishes —
// exposed for tests; production callers should prefer polling.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) drain(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.results[j.taskID] = Result{TaskID: j.taskID, Status: StatusRunning, Attempt: j.attempt + 1}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		passed, output, err := p.run(ctx, j.taskID, j.command)
		j.attempt++

		p.mu.Lock()
		if err == nil && passed {
			p.results[j.taskID] = Result{TaskID: j.taskID, Status: StatusPassed, Output: output, Attempt: j.attempt}
			metrics.ValidationOutcomes.WithLabelValues("passed").Inc()
		} else if j.attempt < j.maxIterations {
			p.results[j.taskID] = Result{TaskID: j.taskID, Status: StatusPending, Output: output, Attempt: j.attempt}
			p.queue = append(p.queue, j)
		} else {
			p.results[j.taskID] = Result{TaskID: j.taskID, Status: StatusFailed, Output: output, Attempt: j.attempt}
			metrics.ValidationOutcomes.WithLabelValues("failed").Inc()
		}
		p.mu.Unlock()
	}
}
