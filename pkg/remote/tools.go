package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ToolClient executes tools against the commerce tool gateway.
type ToolClient struct {
	baseURL string
	http    *http.Client
}

var _ ToolExecutor = (*ToolClient)(nil)

func NewToolClient(baseURL string, timeout time.Duration) *ToolClient {
	return &ToolClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Execute returns the gateway's raw response body as the tool output.
func (c *ToolClient) Execute(ctx context.Context, conversationID, name string, args map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"args":            args,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/"+url.PathEscape(name), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", statusError("tool gateway", res)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read tool output: %w", err)
	}
	return string(body), nil
}
