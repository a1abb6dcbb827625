package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nugget/loom/internal/chat"
)

// GeminiClient submits conversations through the Gemini API.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client for apiKey. A non-empty
// baseURL overrides the API endpoint.
func NewGeminiClient(ctx context.Context, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client: client,
		logger: logger.With("provider", ProviderGemini),
	}, nil
}

// Submit sends a generateContent request.
func (c *GeminiClient) Submit(ctx context.Context, model string, msgs []chat.Message) (string, error) {
	contents, system := convertToGemini(msgs)

	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(contents),
		"system_len", len(system),
	)

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	c.logger.Log(ctx, LevelTrace, "response content", "content", text)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// convertToGemini maps messages onto Gemini contents. System messages,
// if any survived normalization, become the system instruction.
func convertToGemini(msgs []chat.Message) ([]*genai.Content, string) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			systemParts = append(systemParts, m.Text)
		case chat.RoleModel:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleUser))
		}
	}
	return contents, strings.Join(systemParts, "\n\n")
}
