// Package cache stores gateway responses for repeatable prompts.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// Cache is a response store keyed by content hash
type Cache interface {
	Get(ctx context.Context, key string) (*types.SupportOperationResponse, bool, error)
	Set(ctx context.Context, key string, resp *types.SupportOperationResponse) error
}

// Key hashes everything that changes the answer of a request
func Key(class types.OperationClass, prompt string, tools []types.ToolSpec) string {
	h := sha256.New()
	h.Write([]byte(class))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	if len(tools) > 0 {
		// map keys in tool schemas are marshalled sorted, so this is stable
		encoded, _ := json.Marshal(tools)
		h.Write(encoded)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clone(resp *types.SupportOperationResponse) *types.SupportOperationResponse {
	out := *resp
	if resp.ToolCalls != nil {
		out.ToolCalls = append([]types.ToolCall(nil), resp.ToolCalls...)
	}
	return &out
}
