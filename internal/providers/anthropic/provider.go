package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/types"
)

const (
	defaultMaxTokens        = 1024
	defaultHealthCheckModel = "claude-3-haiku-20240307"
)

// AnthropicProvider implements the Adapter contract for Anthropic Claude
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey           string        `yaml:"api_key"`
	BaseURL          string        `yaml:"base_url"`
	SystemPrompt     string        `yaml:"system_prompt"`
	HealthCheckModel string        `yaml:"health_check_model"`
	Timeout          time.Duration `yaml:"timeout"`
}

// NewAnthropicProvider creates a new Anthropic provider instance.
// SDK retries are disabled, retry policy belongs to the routing paths.
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// Name returns the provider id
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends one message request for the chosen model
func (p *AnthropicProvider) Complete(ctx context.Context, spec types.ModelSpec, req *types.SupportOperationRequest) (*providers.Result, error) {
	anthropicReq := p.convertToAnthropicRequest(spec, req)

	resp, err := p.client.Messages.New(ctx, anthropicReq)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"model":      spec.ModelID,
			"request_id": req.ID,
		}).Error("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w: %w", types.ErrProviderError, err)
	}

	return p.convertFromAnthropicResponse(resp, spec), nil
}

// HealthCheck performs a health check on the Anthropic API
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	model := p.config.HealthCheckModel
	if model == "" {
		model = defaultHealthCheckModel
	}

	// Simple health check using a minimal message
	testReq := anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	}

	if _, err := p.client.Messages.New(ctx, testReq); err != nil {
		p.logger.WithError(err).Error("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w: %w", types.ErrProviderError, err)
	}

	p.logger.Debug("Anthropic health check passed")
	return nil
}

// convertToAnthropicRequest converts our unified request to Anthropic's format
func (p *AnthropicProvider) convertToAnthropicRequest(spec types.ModelSpec, req *types.SupportOperationRequest) anthropic.MessageNewParams {
	anthropicReq := anthropic.MessageNewParams{
		Model: anthropic.Model(spec.ModelID),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		// Anthropic requires max_tokens
		MaxTokens: int64(providers.MaxTokensOrDefault(req, defaultMaxTokens)),
	}

	// Claude handles system messages separately
	if p.config.SystemPrompt != "" {
		anthropicReq.System = []anthropic.TextBlockParam{
			{Text: p.config.SystemPrompt},
		}
	}

	if req.Temperature != nil {
		anthropicReq.Temperature = anthropic.Float(float64(*req.Temperature))
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			inputSchema := anthropic.ToolInputSchemaParam{
				Properties: schemaProperties(tool),
			}
			anthropicTool := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
			if tool.Description != "" && anthropicTool.OfTool != nil {
				anthropicTool.OfTool.Description = anthropic.String(tool.Description)
			}
			tools = append(tools, anthropicTool)
		}
		anthropicReq.Tools = tools
	}

	return anthropicReq
}

// convertFromAnthropicResponse converts Anthropic's response to our format
func (p *AnthropicProvider) convertFromAnthropicResponse(resp *anthropic.Message, spec types.ModelSpec) *providers.Result {
	result := &providers.Result{
		Provider:     p.Name(),
		Model:        spec.ModelID,
		FinishReason: string(resp.StopReason),
		Usage: types.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	if resp.Model != "" {
		result.Model = string(resp.Model)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	result.Text = text.String()

	return result
}

// schemaProperties extracts the JSON schema properties of a tool
func schemaProperties(tool types.ToolSpec) interface{} {
	if tool.Parameters == nil {
		return map[string]interface{}{}
	}
	if props, ok := tool.Parameters["properties"]; ok {
		return props
	}
	return map[string]interface{}{}
}

// Ensure AnthropicProvider implements the adapter contract
var _ providers.Adapter = (*AnthropicProvider)(nil)
