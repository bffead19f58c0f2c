package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/caremate/internal/domain"
)

const maxErrorBody = 4 << 10

// HTTPClient posts the history as JSON to a support endpoint.
type HTTPClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates a client for url. timeout bounds each request.
func NewHTTPClient(url string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Reply implements Responder.
func (c *HTTPClient) Reply(ctx context.Context, history []domain.WireMessage) (domain.SupportReply, error) {
	body, err := json.Marshal(domain.SupportRequest{Messages: history})
	if err != nil {
		return domain.SupportReply{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.SupportReply{}, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.SupportReply{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close responder body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		txt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.SupportReply{}, fmt.Errorf("%w: API error %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(txt)))
	}

	return decodeReply(resp.Body)
}

// decodeReply requires a string "reply"; "risk_flag" is optional.
func decodeReply(r io.Reader) (domain.SupportReply, error) {
	var payload struct {
		Reply    *string `json:"reply"`
		RiskFlag *bool   `json:"risk_flag"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return domain.SupportReply{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload.Reply == nil {
		return domain.SupportReply{}, fmt.Errorf("%w: missing reply", ErrMalformed)
	}
	out := domain.SupportReply{Reply: *payload.Reply}
	if payload.RiskFlag != nil {
		out.RiskFlag = *payload.RiskFlag
	}
	return out, nil
}

var _ Responder = (*HTTPClient)(nil)
