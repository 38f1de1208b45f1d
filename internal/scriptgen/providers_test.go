package scriptgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchengine/internal/domain"
)

func TestOpenAIBackend_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" BRIEF:\nGo build. "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("sk-test", srv.URL+"/v1", "")
	assert.True(t, b.Configured())
	assert.Equal(t, ProviderOpenAI, b.Name())

	out, err := b.Complete(context.Background(), Prompt{System: "sys", User: "user"})
	require.NoError(t, err)
	assert.Equal(t, "BRIEF:\nGo build.", out)
	assert.Equal(t, defaultOpenAIModel, got["model"])
	assert.Len(t, got["messages"], 2)
}

func TestOpenAIBackend_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		code   domain.Code
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, domain.CodeRateLimited},
		{http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, domain.CodeNotConfigured},
		{http.StatusBadRequest, `{"error":{"message":"rejected","type":"invalid_request_error","code":"content_policy_violation"}}`, domain.CodeContentPolicy},
		{http.StatusInternalServerError, `{"error":{"message":"oops","type":"server_error"}}`, domain.CodeProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIBackend("sk-test", srv.URL+"/v1", "").Complete(context.Background(), Prompt{User: "x"})
			require.Error(t, err)
			pe, ok := domain.AsError(err)
			require.True(t, ok, "expected pipeline error, got %v", err)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, ProviderOpenAI, pe.Provider)
		})
	}
}

func TestOpenAIBackend_ProviderRetryHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIBackend("sk-test", srv.URL+"/v1", "").Complete(context.Background(), Prompt{User: "x"})
	pe, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeRateLimited, pe.Code)
	assert.Equal(t, 30*time.Second, pe.RetryAfter)
}

func TestAnthropicBackend_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"STANDARD:\nShip it."}]}`))
	}))
	defer srv.Close()

	b := NewAnthropicBackend("key", srv.URL, "")
	out, err := b.Complete(context.Background(), Prompt{System: "sys", User: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "STANDARD:\nShip it.", out)
}

func TestAnthropicBackend_Overloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicBackend("key", srv.URL, "").Complete(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeProviderUnavailable, domain.CodeOf(err))
	assert.True(t, domain.IsRetryable(err))
	pe, _ := domain.AsError(err)
	assert.Greater(t, pe.RetryAfter, time.Duration(0), "outages carry a default backoff")
}

func TestAnthropicBackend_RetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Too many"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicBackend("key", srv.URL, "").Complete(context.Background(), Prompt{User: "x"})
	pe, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeRateLimited, pe.Code)
	assert.Equal(t, 12*time.Second, pe.RetryAfter)
}

func TestAnthropicBackend_NotConfigured(t *testing.T) {
	assert.False(t, NewAnthropicBackend("", "", "").Configured())
}
