package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/support-gateway/internal/types"
)

func TestOpenAIProvider_Name(t *testing.T) {
	provider := createTestProvider(t, "")

	if name := provider.Name(); name != "openai" {
		t.Errorf("Expected provider name 'openai', got %s", name)
	}
}

func TestOpenAIProvider_ConvertRequest(t *testing.T) {
	provider := createTestProvider(t, "")
	spec := types.ModelSpec{Provider: "openai", ModelID: "gpt-4o-mini"}

	tests := []struct {
		name          string
		request       *types.SupportOperationRequest
		wantMessages  int
		wantTools     int
		wantMaxTokens int
	}{
		{
			name:          "Basic prompt",
			request:       &types.SupportOperationRequest{Prompt: "Hello"},
			wantMessages:  2,
			wantMaxTokens: defaultMaxTokens,
		},
		{
			name: "Prompt with tools",
			request: &types.SupportOperationRequest{
				Prompt:    "Look up order 42",
				MaxTokens: 200,
				Tools: []types.ToolSpec{
					{Name: "lookup_order", Description: "Find an order"},
				},
			},
			wantMessages:  2,
			wantTools:     1,
			wantMaxTokens: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := provider.convertToOpenAIRequest(spec, tt.request)

			assert.Equal(t, "gpt-4o-mini", req.Model)
			assert.Len(t, req.Messages, tt.wantMessages)
			assert.Len(t, req.Tools, tt.wantTools)
			assert.Equal(t, tt.wantMaxTokens, req.MaxTokens)
			for _, tool := range req.Tools {
				assert.NotNil(t, tool.Function.Parameters, "tools always carry a parameter schema")
			}
		})
	}
}

func TestOpenAIProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "checking",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "lookup_order", "arguments": "{\"id\":42}"}}]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
		}`))
	}))
	defer srv.Close()

	provider := createTestProvider(t, srv.URL+"/v1")
	result, err := provider.Complete(context.Background(),
		types.ModelSpec{Provider: "openai", ModelID: "gpt-4o-mini"},
		&types.SupportOperationRequest{ID: "req-1", Prompt: "Where is order 42?"})
	require.NoError(t, err)

	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, "checking", result.Text)
	assert.Equal(t, 12, result.Usage.InputTokens)
	assert.Equal(t, 8, result.Usage.OutputTokens)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "lookup_order", result.ToolCalls[0].Name)
	assert.JSONEq(t, `{"id":42}`, result.ToolCalls[0].Arguments)
}

func TestOpenAIProvider_Complete_ErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
	}))
	defer srv.Close()

	provider := createTestProvider(t, srv.URL+"/v1")
	_, err := provider.Complete(context.Background(),
		types.ModelSpec{Provider: "openai", ModelID: "gpt-4o"},
		&types.SupportOperationRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProviderError))
}

// Helper functions
func createTestProvider(t *testing.T, baseURL string) *OpenAIProvider {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	config := &OpenAIConfig{
		APIKey:       "test-api-key",
		BaseURL:      baseURL,
		SystemPrompt: "You are a support assistant.",
		Timeout:      30 * time.Second,
	}

	return NewOpenAIProvider(config, logger)
}

func BenchmarkOpenAIProvider_ConvertRequest(b *testing.B) {
	provider := NewOpenAIProvider(&OpenAIConfig{APIKey: "bench"}, logrus.New())
	spec := types.ModelSpec{Provider: "openai", ModelID: "gpt-4o-mini"}
	req := &types.SupportOperationRequest{Prompt: "Hello"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = provider.convertToOpenAIRequest(spec, req)
	}
}
