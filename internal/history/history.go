// Package history fetches the canonical turn log from the agent backend. The
// live event stream is best-effort; this log is the authority the
// reconciliation loop converges on.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/strandlabs/strand/internal/conversation"
	"github.com/strandlabs/strand/internal/protocol"
)

// DefaultLimit bounds a fetch when the caller does not specify one.
const DefaultLimit = 200

// Fetcher retrieves the canonical turn list for a project.
type Fetcher interface {
	FetchTurns(ctx context.Context, projectID, sessionID string, limit int) ([]*conversation.Turn, error)
}

// Client is an HTTP Fetcher against the backend's history API.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient creates a history client. baseURL is the backend root, e.g.
// "https://agent.example.com".
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchTurns retrieves up to limit turns for the project, oldest first. A
// non-empty sessionID narrows the fetch to one agent session.
func (c *Client) FetchTurns(ctx context.Context, projectID, sessionID string, limit int) ([]*conversation.Turn, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	endpoint := fmt.Sprintf("%s/api/v1/projects/%s/turns?%s", c.baseURL, url.PathEscape(projectID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch turns: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("history API returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	return parseTurns(body)
}

// turnsResponse matches the relevant fields of the history API response.
type turnsResponse struct {
	Turns []wireTurn `json:"turns"`
}

type wireTurn struct {
	ID            string         `json:"id"`
	UserMessage   string         `json:"user_message"`
	AssistantText string         `json:"assistant_text"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	Tokens        wireTokens     `json:"tokens"`
	ToolCalls     []wireToolCall `json:"tool_calls"`
}

type wireTokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

type wireToolCall struct {
	ID       string          `json:"id"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
	Result   *string         `json:"result"`
	IsError  bool            `json:"is_error"`
}

// parseTurns maps the wire representation onto the conversation model. The
// backend only ever returns finalized turns; anything it reports as still
// streaming is normalized to an error, since events for it will never reach
// this client.
func parseTurns(data []byte) ([]*conversation.Turn, error) {
	var resp turnsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse history response: %w", err)
	}

	turns := make([]*conversation.Turn, 0, len(resp.Turns))
	for _, wt := range resp.Turns {
		t := &conversation.Turn{
			ID:            wt.ID,
			UserMessage:   wt.UserMessage,
			AssistantText: wt.AssistantText,
			Status:        mapStatus(wt.Status),
			CreatedAt:     wt.CreatedAt,
			Tokens: conversation.TokenTotals{
				Input:  wt.Tokens.Input,
				Output: wt.Tokens.Output,
			},
		}
		for _, wc := range wt.ToolCalls {
			t.ToolCalls = append(t.ToolCalls, &conversation.ToolCall{
				ID:       wc.ID,
				ToolName: wc.ToolName,
				RawInput: wc.Input,
				Category: protocol.ClassifyTool(wc.ToolName),
				Result:   wc.Result,
				IsError:  wc.IsError,
			})
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func mapStatus(s string) conversation.Status {
	switch conversation.Status(s) {
	case conversation.StatusDone, conversation.StatusError, conversation.StatusCancelled:
		return conversation.Status(s)
	default:
		return conversation.StatusError
	}
}
