// Package providers holds the concrete, network-speaking adapters that
// satisfy router.Provider. They are external collaborators to the ARIA
// core: the core depends on the Provider interface, never on this
// package or on net/http directly.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aria-run/aria/pkg/router"
)

// anthropicCostPerMTokIn/Out are rough per-model-family estimates used
// only for budget accounting; they are not billing-accurate.
const (
	anthropicCostPerMTokIn  = 3.0
	anthropicCostPerMTokOut = 15.0
)

type AnthropicProvider struct {
	apiKey string
	model  string
	client *http.Client
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Send(ctx context.Context, req router.Request) (router.NormalizedResponse, error) {
	body := anthropicRequest{Model: p.model, MaxTokens: 4096}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			body.System = m.Text
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Text})
	}
	for _, t := range req.ToolCatalog {
		body.Tools = append(body.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return router.NormalizedResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return router.NormalizedResponse{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return router.NormalizedResponse{}, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return router.NormalizedResponse{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("anthropic: http %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = fmt.Sprintf("anthropic: %s: %s", parsed.Error.Type, parsed.Error.Message)
		}
		return router.NormalizedResponse{}, fmt.Errorf("%s", msg)
	}

	for _, block := range parsed.Content {
		if block.Type == "tool_use" {
			var args map[string]any
			if err := json.Unmarshal(block.Input, &args); err != nil {
				return router.NormalizedResponse{}, fmt.Errorf("anthropic: malformed tool_use input: %w", err)
			}
			return router.NormalizedResponse{
				Kind:     router.ResponseToolCall,
				ToolName: block.Name,
				ToolArgs: args,
				Cost:     estimateAnthropicCost(parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
			}, nil
		}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return router.NormalizedResponse{
		Kind: router.ResponseFinalization,
		Text: text,
		Cost: estimateAnthropicCost(parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
	}, nil
}

func (p *AnthropicProvider) EstimateCost(req router.Request, resp router.NormalizedResponse) float64 {
	return resp.Cost
}

func estimateAnthropicCost(inTok, outTok int) float64 {
	return float64(inTok)/1_000_000*anthropicCostPerMTokIn + float64(outTok)/1_000_000*anthropicCostPerMTokOut
}
