package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/metrics"
	"github.com/2amu/PES-FIB/internal/models"
)

// Client is a wrapper around the chat history REST endpoint.
// Unlike the chat socket, it authenticates with an Authorization header.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a history client. host is host[:port]; secure selects https.
func NewClient(host string, secure bool, timeout time.Duration, logger zerolog.Logger) *Client {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return NewClientWithBaseURL(fmt.Sprintf("%s://%s", scheme, host), timeout, logger)
}

// NewClientWithBaseURL creates a history client for a full base URL such as
// "http://127.0.0.1:8080".
func NewClientWithBaseURL(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// doRequest executes an authenticated GET and returns the body.
func (c *Client) doRequest(ctx context.Context, endpoint, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("history error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// Fetch returns the conversation's recent messages, oldest first.
// Entries without content or sender are skipped.
func (c *Client) Fetch(ctx context.Context, conversationID int, token string) ([]models.Message, error) {
	endpoint := fmt.Sprintf("/api/chat/%d/", conversationID)
	respBody, err := c.doRequest(ctx, endpoint, token)
	if err != nil {
		metrics.HistoryFetches.WithLabelValues("error").Inc()
		return nil, err
	}

	var entries []models.HistoryEntry
	if err := json.Unmarshal(respBody, &entries); err != nil {
		metrics.HistoryFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}

	messages := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Contenido) == "" {
			c.logger.Warn().Int64("id", e.ID).Int("conversation", conversationID).Msg("skipping empty history entry")
			continue
		}
		if e.UserID == "" {
			c.logger.Warn().Int64("id", e.ID).Int("conversation", conversationID).Msg("skipping history entry without sender")
			continue
		}
		messages = append(messages, e.Message())
	}

	metrics.HistoryFetches.WithLabelValues("ok").Inc()
	return messages, nil
}
