// Package agentsvc is the HTTP/JSON client for the external agent
// runtime (spec section 6): dispatching task execution, requesting
// best-effort abort, health checks, and streaming chat. Grounded on
// Kocoro-lab/Shannon's internal/activities HTTP-call-with-retry idiom
// and its per-agent circuit breaker (internal/budget.CircuitBreaker,
// wired here rather than duplicated).
package agentsvc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/budget"
	"github.com/taskmesh-ai/taskmesh/internal/models"
)

// ExecuteRequest is the payload sent to POST /execute.
type ExecuteRequest struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
	Model       string `json:"model"`
	AgentID     string `json:"agent_id"`
}

// ExecuteResponse is the payload returned from a successful /execute call.
type ExecuteResponse struct {
	Output       string                 `json:"output"`
	Metrics      map[string]interface{} `json:"metrics"`
	InputTokens  int                    `json:"input_tokens"`
	OutputTokens int                    `json:"output_tokens"`
	DurationMs   int64                  `json:"duration_ms"`
}

// ChatChunk is one Server-Sent-Events chunk from POST /chat.
type ChatChunk struct {
	Type    string `json:"type"` // chat_message_chunk | chat_message_complete | chat_message_error
	Content string `json:"content"`
}

// Client dispatches requests to the external agent runtime.
type Client struct {
	baseURL  string
	http     *http.Client
	breakers *budget.Breakers
	maxRetry int
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreakers wires a per-agent circuit breaker registry so repeated
// Upstream failures for one agent short-circuit further dispatches.
func WithBreakers(b *budget.Breakers) Option {
	return func(c *Client) { c.breakers = b }
}

// WithMaxRetry overrides the default retry attempt count (3).
func WithMaxRetry(n int) Option {
	return func(c *Client) { c.maxRetry = n }
}

// New constructs a Client against baseURL (e.g. http://agents:9000).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		maxRetry: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute dispatches a task to the agent runtime, retrying transient
// failures with exponential backoff (cenkalti/backoff/v4), and
// respecting the agent's circuit breaker if one is configured.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var breaker *budget.CircuitBreaker
	if c.breakers != nil {
		breaker = c.breakers.For(req.AgentID)
		if !breaker.Allow() {
			return nil, apierr.New(apierr.KindUpstream, "agent circuit breaker open for "+req.AgentID)
		}
	}

	var resp ExecuteResponse
	op := func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			return err // transient: retry
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode >= 500 {
			return fmt.Errorf("agent runtime returned %d", httpResp.StatusCode)
		}
		if httpResp.StatusCode >= 400 {
			return backoff.Permanent(apierr.New(apierr.KindUpstream, fmt.Sprintf("agent runtime returned %d", httpResp.StatusCode)))
		}
		return json.NewDecoder(httpResp.Body).Decode(&resp)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetry))
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))

	if breaker != nil {
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "agent runtime execute failed", err)
	}
	return &resp, nil
}

// Decompose asks the agent runtime's decomposition model to break prompt
// into subtasks, matching the mission package's Decomposer signature so
// a Client can be wired in directly.
func (c *Client) Decompose(ctx context.Context, prompt, language string) ([]models.SubtaskSpec, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt, "language": language})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decompose", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "agent runtime decompose failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apierr.New(apierr.KindUpstream, fmt.Sprintf("agent runtime returned %d", resp.StatusCode))
	}

	var out struct {
		Subtasks []models.SubtaskSpec `json:"subtasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "decode decompose response", err)
	}
	return out.Subtasks, nil
}

// Abort best-effort requests the agent runtime cancel an in-flight task.
// Failures are not retried and not treated as fatal by callers — abort is
// inherently best-effort per spec section 4.5.
func (c *Client) Abort(ctx context.Context, taskID, reason string) error {
	body, _ := json.Marshal(map[string]string{"task_id": taskID, "reason": reason})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute/abort", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "agent runtime abort failed", err)
	}
	defer resp.Body.Close()
	return nil
}

// Health reports whether the agent runtime's GET /health endpoint
// responds 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "agent runtime health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.New(apierr.KindUpstream, fmt.Sprintf("agent runtime unhealthy: %d", resp.StatusCode))
	}
	return nil
}

// Chat streams a conversational response from POST /chat as Server-Sent
// Events, invoking onChunk for each decoded chunk until the stream ends
// or emits chat_message_complete/chat_message_error.
func (c *Client) Chat(ctx context.Context, conversationID, message string, onChunk func(ChatChunk)) error {
	body, _ := json.Marshal(map[string]string{"conversation_id": conversationID, "message": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "agent runtime chat failed", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk ChatChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		onChunk(chunk)
		if chunk.Type == "chat_message_complete" || chunk.Type == "chat_message_error" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return apierr.Wrap(apierr.KindUpstream, "agent runtime chat stream error", err)
	}
	return nil
}
