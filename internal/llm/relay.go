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

const providerRelay = "relay"

// RelayClient forwards a conversation to an intermediary service that
// holds its own credentials. The wire shape is
//
//	POST {url}  {"model": "...", "messages": [{"role": "user", "text": "..."}]}
//	200         {"reply": "..."}
type RelayClient struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRelayClient creates a relay client. token, if set, is sent as a
// bearer credential.
func NewRelayClient(url, token string, logger *slog.Logger) *RelayClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayClient{
		url:        url,
		token:      token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("provider", providerRelay),
	}
}

type relayMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type relayRequest struct {
	Model    string         `json:"model,omitempty"`
	Messages []relayMessage `json:"messages"`
}

type relayResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// Submit forwards msgs through the relay.
func (c *RelayClient) Submit(ctx context.Context, model string, msgs []chat.Message) (string, error) {
	req := relayRequest{Model: model, Messages: make([]relayMessage, 0, len(msgs))}
	for _, m := range msgs {
		req.Messages = append(req.Messages, relayMessage{Role: m.Role.String(), Text: m.Text})
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{
			Provider: providerRelay,
			Code:     resp.StatusCode,
			Body:     httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	var out relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode relay response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("relay: %s", out.Error)
	}
	if strings.TrimSpace(out.Reply) == "" {
		return "", ErrEmptyReply
	}

	c.logger.Debug("relay response received", "model", model, "reply_len", len(out.Reply))
	return out.Reply, nil
}
