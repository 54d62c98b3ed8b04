package service

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

func completionConfig(baseURL string) LLMConfig {
	return LLMConfig{
		BaseURL: baseURL,
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	}
}

func TestCompletionClient_Complete(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "the answer"}},
			},
		})
	}))
	defer srv.Close()

	client := NewCompletionClient(completionConfig(srv.URL))
	result, err := client.Complete(context.Background(), "be helpful", "what is up")
	require.NoError(t, err)

	assert.Equal(t, "the answer", result)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "be helpful", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Equal(t, "what is up", gotReq.Messages[1].Content)
}

func TestCompletionClient_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewCompletionClient(completionConfig(srv.URL))
	_, err := client.Complete(context.Background(), "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCompletionClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	client := NewCompletionClient(completionConfig(srv.URL))
	_, err := client.Complete(context.Background(), "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
