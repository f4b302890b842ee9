package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/phishguard/internal/engine"
	"go.uber.org/zap"
)

func chatBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func newTestLLMClient(t *testing.T, url string, retries int) *LLMClient {
	t.Helper()
	c, err := NewLLMClient(LLMConfig{
		BaseURL:    url,
		APIKey:     "sk-test",
		Model:      "judge-1",
		Timeout:    2 * time.Second,
		MaxRetries: retries,
	}, zap.NewNop())
	require.NoError(t, err)
	c.initialInterval = time.Millisecond
	return c
}

func TestLLMClient_Judge(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, chatBody(`{"score": 0.82, "reasons": ["spoofed sender", "  "]}`))
	}))
	defer srv.Close()

	j, err := newTestLLMClient(t, srv.URL+"/v1", 2).Judge(context.Background(), "sys", "user")
	require.NoError(t, err)

	assert.InDelta(t, 0.82, j.Score, 1e-9)
	assert.Equal(t, []string{"spoofed sender"}, j.Reasons)
	assert.Equal(t, "judge-1", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Content)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestLLMClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, chatBody(`{"score": 0.4, "reasons": []}`))
	}))
	defer srv.Close()

	j, err := newTestLLMClient(t, srv.URL, 2).Judge(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, j.Score, 1e-9)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLLMClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestLLMClient(t, srv.URL, 2).Judge(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, engine.ErrDetectorUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLLMClient_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestLLMClient(t, srv.URL, 2).Judge(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, engine.ErrDetectorUnavailable)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLLMClient_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a client disconnect once the body is consumed.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestLLMClient(t, srv.URL, 2).Judge(ctx, "sys", "user")
	assert.ErrorIs(t, err, engine.ErrDetectorUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestParseJudgement(t *testing.T) {
	j, err := parseJudgement("Here is my answer:\n```json\n{\"score\": 1.7, \"reasons\": [\"x\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, 1.0, j.Score)
	assert.Equal(t, []string{"x"}, j.Reasons)

	j, err = parseJudgement(`{"score": -0.2}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, j.Score)
	assert.NotNil(t, j.Reasons)

	_, err = parseJudgement("I cannot help with that")
	assert.Error(t, err)

	j, err = parseJudgement(`{"score": 0.3, "reasons": null}`)
	require.NoError(t, err)
	assert.Equal(t, []string{}, j.Reasons)
}

func TestParseJudgement_RejectsSchemaMismatch(t *testing.T) {
	for name, answer := range map[string]string{
		"missing score":     `{"reasons": ["looks fine"]}`,
		"score as string":   `{"score": "high", "reasons": []}`,
		"non-string reason": `Sure: {"score": 0.9, "reasons": [42]}`,
		"array answer":      `[0.9]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseJudgement(answer)
			assert.Error(t, err)
		})
	}
}

func TestLLMClient_RetriesSchemaMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, chatBody(`{"verdict": "phishing"}`))
			return
		}
		fmt.Fprint(w, chatBody(`{"score": 0.75, "reasons": ["spoofed sender"]}`))
	}))
	defer srv.Close()

	j, err := newTestLLMClient(t, srv.URL, 2).Judge(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, j.Score, 1e-9)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewLLMClient_RequiresModel(t *testing.T) {
	_, err := NewLLMClient(LLMConfig{BaseURL: "http://x"}, zap.NewNop())
	assert.Error(t, err)
}
