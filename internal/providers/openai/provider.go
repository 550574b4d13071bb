package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/types"
)

const defaultMaxTokens = 1024

// OpenAIProvider implements the Adapter contract for OpenAI
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	OrgID        string        `yaml:"org_id"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// Name returns the provider id
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends one chat completion for the chosen model
func (p *OpenAIProvider) Complete(ctx context.Context, spec types.ModelSpec, req *types.SupportOperationRequest) (*providers.Result, error) {
	openaiReq := p.convertToOpenAIRequest(spec, req)

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"model":      spec.ModelID,
			"request_id": req.ID,
		}).Error("OpenAI API call failed")
		return nil, fmt.Errorf("openai api call failed: %w: %w", types.ErrProviderError, err)
	}

	return p.convertFromOpenAIResponse(&resp, spec), nil
}

// HealthCheck performs a health check on the OpenAI API
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	// Simple health check using models endpoint
	if _, err := p.client.ListModels(ctx); err != nil {
		p.logger.WithError(err).Error("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w: %w", types.ErrProviderError, err)
	}

	p.logger.Debug("OpenAI health check passed")
	return nil
}

// convertToOpenAIRequest converts our unified request to OpenAI's format
func (p *OpenAIProvider) convertToOpenAIRequest(spec types.ModelSpec, req *types.SupportOperationRequest) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if p.config.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.config.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	openaiReq := openai.ChatCompletionRequest{
		Model:     spec.ModelID,
		Messages:  messages,
		MaxTokens: providers.MaxTokensOrDefault(req, defaultMaxTokens),
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.TenantID != "" {
		openaiReq.User = req.TenantID
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  toolParameters(tool),
				},
			})
		}
		openaiReq.Tools = tools
	}

	return openaiReq
}

// convertFromOpenAIResponse converts OpenAI's response to our format
func (p *OpenAIProvider) convertFromOpenAIResponse(resp *openai.ChatCompletionResponse, spec types.ModelSpec) *providers.Result {
	result := &providers.Result{
		Provider: p.Name(),
		Model:    spec.ModelID,
		Usage: types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if resp.Model != "" {
		result.Model = resp.Model
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Text = choice.Message.Content
		result.FinishReason = string(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}

	return result
}

func toolParameters(tool types.ToolSpec) map[string]interface{} {
	if tool.Parameters != nil {
		return tool.Parameters
	}
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

// Ensure OpenAIProvider implements the adapter contract
var _ providers.Adapter = (*OpenAIProvider)(nil)
