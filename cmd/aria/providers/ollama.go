package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aria-run/aria/pkg/router"
)

// OllamaProvider speaks Ollama's native /api/chat endpoint on the local
// Ollama server. Local inference has no per-token billing,
// so every response reports zero cost.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(model string) *OllamaProvider {
	base := os.Getenv("ARIA_OLLAMA_URL")
	if base == "" {
		base = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: base,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Error string `json:"error"`
}

func (p *OllamaProvider) Send(ctx context.Context, req router.Request) (router.NormalizedResponse, error) {
	body := ollamaRequest{Model: p.model, Stream: false}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ollamaMessage{Role: m.Role, Content: m.Text})
	}
	for _, t := range req.ToolCatalog {
		ot := ollamaTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		body.Tools = append(body.Tools, ot)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return router.NormalizedResponse{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return router.NormalizedResponse{}, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return router.NormalizedResponse{}, err
	}
	defer resp.Body.Close()

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return router.NormalizedResponse{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	if parsed.Error != "" {
		return router.NormalizedResponse{}, fmt.Errorf("ollama: %s", parsed.Error)
	}

	if len(parsed.Message.ToolCalls) > 0 {
		tc := parsed.Message.ToolCalls[0]
		return router.NormalizedResponse{
			Kind:     router.ResponseToolCall,
			ToolName: tc.Function.Name,
			ToolArgs: tc.Function.Arguments,
		}, nil
	}

	return router.NormalizedResponse{Kind: router.ResponseFinalization, Text: parsed.Message.Content}, nil
}

func (p *OllamaProvider) EstimateCost(req router.Request, resp router.NormalizedResponse) float64 {
	return 0
}
