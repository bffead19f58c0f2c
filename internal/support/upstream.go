package support

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned when no upstream credential is configured.
var ErrMissingAPIKey = errors.New("missing OPENAI_API_KEY")

// ChatMessage is a chat-completions message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer returns the model's text for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// UpstreamError carries a non-success upstream response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Upstream error: %s", e.Body)
}

// OpenAIConfig configures the chat-completions client.
type OpenAIConfig struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultOpenAIConfig returns the compact-reply defaults.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		URL:         "https://api.openai.com/v1/chat/completions",
		APIKey:      apiKey,
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   220,
		Timeout:     30 * time.Second,
	}
}

// OpenAIClient calls an OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. An empty API key fails every call with
// ErrMissingAPIKey.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements Completer. An empty string means the upstream had no text.
func (c *OpenAIClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrMissingAPIKey
	}

	body, err := json.Marshal(completionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close completion body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		txt, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		msg := strings.TrimSpace(string(txt))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: msg}
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

var _ Completer = (*OpenAIClient)(nil)
