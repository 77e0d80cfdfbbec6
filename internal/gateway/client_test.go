package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejisec/lode/internal/domain"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(ClientConfig{
		BaseURL:       baseURL,
		APIKey:        "test-key",
		Model:         "gpt-4o",
		InvokeTimeout: 2 * time.Second,
		RetryMax:      3,
		RetryBase:     10 * time.Millisecond,
	})
	c.sleep = func(time.Duration) {}
	return c
}

func completionBody(content string) []byte {
	resp := ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Model:   "gpt-4o",
		Choices: []Choice{{Index: 0, Message: &ChatMessage{Role: "assistant", Content: content}, FinishReason: "stop"}},
		Usage:   &domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	b, _ := json.Marshal(resp)
	return b
}

func jsonValidate(content string) error {
	if !json.Valid([]byte(content)) {
		return errors.New("not valid JSON")
	}
	return nil
}

func TestInvokeSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Equal(t, map[string]interface{}{"type": "json_object"}, req.ResponseFormat)
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionBody(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res, err := c.Invoke(context.Background(), Request{
		Role:     domain.RolePlanner,
		Messages: []ChatMessage{{Role: "user", Content: "plan the research"}},
	}, jsonValidate)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, res.Content)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 15, res.Usage.TotalTokens)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestInvokeRetriesProviderError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		w.Write(completionBody(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var delays []time.Duration
	c.sleep = func(d time.Duration) { delays = append(delays, d) }

	res, err := c.Invoke(context.Background(), Request{
		Role:     domain.RoleSearcher,
		Messages: []ChatMessage{{Role: "user", Content: "search"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)

	// Backoff doubles per retry; each delay is jittered into [d/2, d).
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[0], 5*time.Millisecond)
	assert.Less(t, delays[0], 10*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 10*time.Millisecond)
	assert.Less(t, delays[1], 20*time.Millisecond)
}

func TestInvokeProviderErrorExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Invoke(context.Background(), Request{
		Role:     domain.RoleSearcher,
		Messages: []ChatMessage{{Role: "user", Content: "search"}},
	}, nil)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, domain.ErrKindProviderError, f.Kind)
	assert.Equal(t, 3, f.Attempts)
	assert.Contains(t, err.Error(), "LLM API error [500]")
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write(completionBody(`{}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Model: "gpt-4o", RetryMax: 1, RetryBase: time.Millisecond})
	c.sleep = func(time.Duration) {}

	_, err := c.Invoke(context.Background(), Request{
		Role:     domain.RoleSearcher,
		Messages: []ChatMessage{{Role: "user", Content: "search"}},
		Timeout:  20 * time.Millisecond,
	}, nil)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, domain.ErrKindTimeout, f.Kind)
}

func TestInvokeCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(srv.URL)
	_, err := c.Invoke(ctx, Request{
		Role:     domain.RoleClarifier,
		Messages: []ChatMessage{{Role: "user", Content: "clarify"}},
	}, nil)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, domain.ErrKindCancelled, f.Kind)
	assert.False(t, f.Kind.Retryable())
}

func TestInvokeRepairRetry(t *testing.T) {
	var bodies []ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		bodies = append(bodies, req)
		if len(bodies) == 1 {
			w.Write(completionBody("not json at all"))
			return
		}
		w.Write(completionBody(`{"fixed":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res, err := c.Invoke(context.Background(), Request{
		Role:     domain.RoleWriter,
		Messages: []ChatMessage{{Role: "user", Content: "write the report"}},
	}, jsonValidate)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, `{"fixed":true}`, res.Content)

	// The repair attempt carries the bad reply plus a correction instruction.
	require.Len(t, bodies, 2)
	require.Len(t, bodies[1].Messages, 3)
	assert.Equal(t, "assistant", bodies[1].Messages[1].Role)
	assert.Equal(t, "not json at all", bodies[1].Messages[1].Content)
	assert.Contains(t, bodies[1].Messages[2].Content, "corrected JSON")
}

func TestInvokeInvalidResponseAfterRepair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody("still not json"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Invoke(context.Background(), Request{
		Role:     domain.RoleWriter,
		Messages: []ChatMessage{{Role: "user", Content: "write the report"}},
	}, jsonValidate)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, domain.ErrKindInvalidResponse, f.Kind)
	assert.Equal(t, 2, f.Attempts)
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := jitter(base)
		if d < base/2 || d >= base {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
}
