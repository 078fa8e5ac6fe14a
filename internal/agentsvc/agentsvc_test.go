package agentsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		json.NewEncoder(w).Encode(ExecuteResponse{Output: "done", InputTokens: 10, OutputTokens: 5})
	}))
	defer srv.Close()

	c := New(srv.URL, WithMaxRetry(0))
	resp, err := c.Execute(context.Background(), ExecuteRequest{TaskID: "t1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Output)
}

func TestExecute_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(ExecuteResponse{Output: "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(&http.Client{Timeout: 2 * time.Second}), WithMaxRetry(3))
	resp, err := c.Execute(context.Background(), ExecuteRequest{TaskID: "t1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Output)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestExecute_4xxIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, WithMaxRetry(3))
	_, err := c.Execute(context.Background(), ExecuteRequest{TaskID: "t1", AgentID: "a1"})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestHealth_ReportsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Health(context.Background())
	assert.Error(t, err)
}

func TestChat_StreamsChunksUntilComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []ChatChunk{
			{Type: "chat_message_chunk", Content: "hel"},
			{Type: "chat_message_chunk", Content: "lo"},
			{Type: "chat_message_complete"},
		}
		for _, c := range chunks {
			data, _ := json.Marshal(c)
			w.Write([]byte("data: " + string(data) + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	var received []ChatChunk
	err := c.Chat(context.Background(), "conv-1", "hi", func(ch ChatChunk) {
		received = append(received, ch)
	})
	require.NoError(t, err)
	require.Len(t, received, 3)
	assert.Equal(t, "chat_message_complete", received[2].Type)
}
