package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/httpkit"
)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to any OpenAI-compatible /chat/completions
// endpoint (OpenAI, OpenRouter, a local llama.cpp or Ollama server).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for baseURL, which should include
// the version prefix (for example "https://api.openai.com/v1").
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger.With("provider", ProviderOpenAI),
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

// Submit sends a chat completion request.
func (c *OpenAIClient) Submit(ctx context.Context, model string, msgs []chat.Message) (string, error) {
	req := openAIRequest{Model: model, Messages: make([]openAIMessage, 0, len(msgs))}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openAIMessage{Role: openAIRole(m.Role), Content: m.Text})
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{
			Provider: ProviderOpenAI,
			Code:     resp.StatusCode,
			Body:     httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"finish_reason", out.Choices[0].FinishReason,
	)
	return out.Choices[0].Message.Content, nil
}

func openAIRole(r chat.Role) string {
	switch r {
	case chat.RoleModel:
		return "assistant"
	case chat.RoleSystem:
		return "system"
	default:
		return "user"
	}
}
