package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_InitializesPending(t *testing.T) {
	p := New(func(ctx context.Context, taskID, command string) (bool, string, error) { return true, "", nil })
	p.Submit("t1", "go test ./...", 3)
	assert.Equal(t, StatusPending, p.GetStatus("t1"))
}

func TestStartRetryQueue_PassesOnFirstTry(t *testing.T) {
	p := New(func(ctx context.Context, taskID, command string) (bool, string, error) { return true, "ok", nil })
	p.Submit("t1", "go test ./...", 3)

	p.StartRetryQueue(context.Background())
	p.Wait()

	r, ok := p.GetResult("t1")
	require.True(t, ok)
	assert.Equal(t, StatusPassed, r.Status)
	assert.Equal(t, 1, r.Attempt)
}

func TestStartRetryQueue_RetriesThenFailsAtBound(t *testing.T) {
	p := New(func(ctx context.Context, taskID, command string) (bool, string, error) { return false, "nope", nil })
	p.Submit("t1", "go test ./...", 2)

	p.StartRetryQueue(context.Background())
	p.Wait()

	r, ok := p.GetResult("t1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 2, r.Attempt)
}

func TestStartRetryQueue_NonBlockingReturnsImmediately(t *testing.T) {
	block := make(chan struct{})
	p := New(func(ctx context.Context, taskID, command string) (bool, string, error) {
		<-block
		return true, "", nil
	})
	p.Submit("t1", "cmd", 1)

	done := make(chan struct{})
	go func() {
		p.StartRetryQueue(context.Background())
		close(done)
	}()

	// StartRetryQueue itself must not block the caller goroutine waiting
	// on the runner, which stays blocked until block is closed.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartRetryQueue blocked on the runner")
	}
	// release the runner now so Wait() below can complete.
	close(block)
	p.Wait()
}

func TestClearResults(t *testing.T) {
	p := New(func(ctx context.Context, taskID, command string) (bool, string, error) { return true, "", nil })
	p.Submit("t1", "cmd", 1)
	p.StartRetryQueue(context.Background())
	p.Wait()

	p.ClearResults()
	_, ok := p.GetResult("t1")
	assert.False(t, ok)
}
