package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/storage"
)

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := NewHTTPClient(&Config{Timeout: 0}, zap.NewNop())
	require.Error(t, err)

	c, err := NewHTTPClient(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.config.Timeout)
}

func TestHTTPClient_DisabledWithoutBaseURL(t *testing.T) {
	c, err := NewHTTPClient(DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	_, err = c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestHTTPClient_AuthenticateAndBearer(t *testing.T) {
	var sawBearer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/token":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
		case "/v1/chronicle/events":
			sawBearer = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewHTTPClient(&Config{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	token, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)

	err = c.LogEvent(context.Background(), ChronicleEntry{
		Timestamp: time.Now().UTC(),
		Event:     "tool_invocation",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", sawBearer)
}

func TestHTTPClient_FetchCommunityPatterns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/patterns/community", r.URL.Path)
		json.NewEncoder(w).Encode([]CommunityPattern{
			{ID: "cp-1", Name: "rebase flow", Confidence: 0.8, Adopters: 12},
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(&Config{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	patterns, err := c.FetchCommunityPatterns(context.Background())
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "rebase flow", patterns[0].Name)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(&Config{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	err = c.RegisterLearnedItems(context.Background(), []LearnedItem{{ID: "wf_1"}})
	assert.ErrorContains(t, err, "status 500")
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(&Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.DiscoverTools(context.Background())
	require.Error(t, err)
}

func TestPendingQueue_EnqueueAndRetry(t *testing.T) {
	backend := storage.NewMemory()
	client := NewStubClient()
	client.FailLog = true

	queue, err := NewPendingQueue(backend, client, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(ChronicleEntry{
			Timestamp: time.Now().UTC(),
			Event:     "tool_invocation",
		}))
	}

	n, err := queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Remote still down: nothing sent, everything stays queued.
	sent, err := queue.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	n, err = queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Remote recovers: the queue drains completely.
	client.FailLog = false
	sent, err = queue.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	n, err = queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, client.Logged, 3)
}

func TestPendingQueue_PartialFailureKeepsRemainder(t *testing.T) {
	backend := storage.NewMemory()
	client := NewStubClient()

	queue, err := NewPendingQueue(backend, client, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, queue.Enqueue(ChronicleEntry{Event: "a"}))

	client.FailLog = true
	sent, err := queue.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// The queued entry survives the failed retry byte for byte.
	lines, err := backend.ReadLines(PendingPath)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	var entry ChronicleEntry
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "a", entry.Event)
}

func TestPendingQueue_EmptyIsNoop(t *testing.T) {
	queue, err := NewPendingQueue(storage.NewMemory(), NewStubClient(), zap.NewNop())
	require.NoError(t, err)

	sent, err := queue.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}
