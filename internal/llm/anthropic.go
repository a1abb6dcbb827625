package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty url uses
// the public endpoint.
func NewAnthropicClient(url, apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = anthropicAPIURL
	}
	// Long prompts can take a while before headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		url:    url,
		apiKey: apiKey,
		logger: logger.With("provider", ProviderAnthropic),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Submit sends a non-streaming Messages request.
func (c *AnthropicClient) Submit(ctx context.Context, model string, msgs []chat.Message) (string, error) {
	converted, system := convertToAnthropic(msgs)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(converted),
		"system_len", len(system),
	)

	jsonData, err := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  converted,
		System:    system,
		MaxTokens: anthropicMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{
			Provider: ProviderAnthropic,
			Code:     resp.StatusCode,
			Body:     httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"stop_reason", out.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", text.String())

	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyReply
	}
	return text.String(), nil
}

// convertToAnthropic extracts system messages into the system prompt
// and merges consecutive same-role turns, which the Messages API
// rejects.
func convertToAnthropic(msgs []chat.Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, m := range msgs {
		var role string
		switch m.Role {
		case chat.RoleSystem:
			systemParts = append(systemParts, m.Text)
			continue
		case chat.RoleModel:
			role = "assistant"
		default:
			role = "user"
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content += "\n\n" + m.Text
			continue
		}
		result = append(result, anthropicMessage{Role: role, Content: m.Text})
	}

	return result, strings.Join(systemParts, "\n\n")
}
