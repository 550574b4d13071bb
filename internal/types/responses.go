package types

// RouteDecision is produced once per request by the policy engine
type RouteDecision struct {
	Provider      string   `json:"provider"`
	ModelID       string   `json:"model_id"`
	Justification string   `json:"justification"`
	Path          Path     `json:"path"`
	Score         float64  `json:"score"`
	Candidates    []string `json:"candidates,omitempty"`
}

// Usage reports token counts for a completion
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolCall is a structured function call returned by a model
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// SupportOperationResponse is always returned by the gateway, on success and on failure
type SupportOperationResponse struct {
	RequestID    string     `json:"request_id"`
	Provider     string     `json:"provider,omitempty"`
	ModelID      string     `json:"model_id,omitempty"`
	Path         Path       `json:"path,omitempty"`
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls"`
	LatencyMs    int64      `json:"latency_ms"`
	Usage        Usage      `json:"usage"`
	CostEuro     float64    `json:"cost_euro"`
	CacheHit     bool       `json:"cache_hit"`
	FallbackUsed bool       `json:"fallback_used"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
}

// ErrorDetail is the body of an API error response
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ErrorResponse wraps an ErrorDetail
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	Timestamp int64       `json:"timestamp"`
}
