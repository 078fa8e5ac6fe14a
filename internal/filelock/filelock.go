// Package filelock implements the File Lock Manager: exclusive,
// TTL-bound claims on file paths tied to a task, grounded on the
// single-lock coordination-structure idiom used throughout
// Kocoro-lab/Shannon's in-process coordination types (budget.Manager,
// the Resource Pool this repo builds in internal/resourcepool).
package filelock

import (
	"sync"
	"time"

	"github.com/taskmesh-ai/taskmesh/internal/models"
)

// DefaultTTL is the lock lifetime the Task Queue grants at assign-time.
const DefaultTTL = 30 * time.Minute

// Manager tracks active file locks, guarded by a single mutex.
type Manager struct {
	mu    sync.Mutex
	locks map[string]models.FileLock // filePath -> lock

	now func() time.Time
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		locks: make(map[string]models.FileLock),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) expiredLocked(l models.FileLock, now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Conflicts reports whether any of filePaths is currently locked by a
// task other than excludeTaskID (expired locks don't count).
func (m *Manager) Conflicts(filePaths []string, excludeTaskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, p := range filePaths {
		lock, ok := m.locks[p]
		if !ok || m.expiredLocked(lock, now) {
			continue
		}
		if lock.TaskID != excludeTaskID {
			return true
		}
	}
	return false
}

// Acquire grants locks on filePaths to (agentID, taskID) with DefaultTTL,
// all-or-nothing: if any path is already held by a different task, no
// locks are granted and ok is false. Re-acquiring paths already held by
// the same taskID is a no-op refresh of their expiry.
func (m *Manager) Acquire(filePaths []string, agentID, taskID string) (ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, p := range filePaths {
		if lock, held := m.locks[p]; held && !m.expiredLocked(lock, now) && lock.TaskID != taskID {
			return false
		}
	}
	expires := now.Add(DefaultTTL)
	for _, p := range filePaths {
		m.locks[p] = models.FileLock{
			FilePath:   p,
			AgentID:    agentID,
			TaskID:     taskID,
			AcquiredAt: now,
			ExpiresAt:  expires,
		}
	}
	return true
}

// Release drops every lock held by taskID. Idempotent.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, l := range m.locks {
		if l.TaskID == taskID {
			delete(m.locks, p)
		}
	}
}

// ReleaseExpired sweeps out locks past their TTL; returns the task IDs
// whose locks were dropped, for the Stuck-Task Recovery sweeper to cross-
// check against its own timeout pass.
func (m *Manager) ReleaseExpired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	seen := make(map[string]bool)
	var taskIDs []string
	for p, l := range m.locks {
		if m.expiredLocked(l, now) {
			delete(m.locks, p)
			if !seen[l.TaskID] {
				seen[l.TaskID] = true
				taskIDs = append(taskIDs, l.TaskID)
			}
		}
	}
	return taskIDs
}

// LockedPaths returns a snapshot of currently-locked file paths for
// diagnostics.
func (m *Manager) LockedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	paths := make([]string, 0, len(m.locks))
	for p, l := range m.locks {
		if !m.expiredLocked(l, now) {
			paths = append(paths, p)
		}
	}
	return paths
}
