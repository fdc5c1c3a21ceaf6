// Package remote holds the HTTP adapters for the services the router talks
// to: the specialist handler service, the tool gateway and the customer
// identity directory.
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

	"github.com/sirupsen/logrus"

	"conversation-router/pkg/constants"
	"conversation-router/pkg/intent"
	"conversation-router/pkg/metrics"
	"conversation-router/pkg/models"
	"conversation-router/pkg/orchestrator"
)

// ToolExecutor runs one tool call. Arguments arrive already resolved.
type ToolExecutor interface {
	Execute(ctx context.Context, conversationID, name string, args map[string]any) (string, error)
}

// HandlerClient drives a capability on the handler service. The service
// answers either with text or with tool calls; tool calls are executed here
// and their masked results are sent back until text comes out.
type HandlerClient struct {
	baseURL   string
	http      *http.Client
	tools     ToolExecutor
	maxRounds int
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

var _ orchestrator.HandlerPort = (*HandlerClient)(nil)

func NewHandlerClient(baseURL string, timeout time.Duration, tools ToolExecutor, logger *logrus.Logger, metrics *metrics.Metrics) *HandlerClient {
	return &HandlerClient{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: timeout},
		tools:     tools,
		maxRounds: constants.MaxToolRounds,
		logger:    logger,
		metrics:   metrics,
	}
}

type toolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output"`
}

type runRequest struct {
	Capability  intent.Capability           `json:"capability"`
	Context     *orchestrator.PromptContext `json:"context"`
	ToolResults []toolResult                `json:"tool_results,omitempty"`
}

type runResponse struct {
	Text      string     `json:"text"`
	ToolCalls []toolCall `json:"tool_calls"`
}

func (c *HandlerClient) Run(ctx context.Context, capability intent.Capability, pc *orchestrator.PromptContext) (orchestrator.HandlerResult, error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.HandlerDispatchDuration.WithLabelValues(string(capability)).Observe(time.Since(start).Seconds())
		}
	}()

	var (
		result  orchestrator.HandlerResult
		results []toolResult
	)

	for round := 0; round < c.maxRounds; round++ {
		resp, err := c.post(ctx, capability, runRequest{
			Capability:  capability,
			Context:     pc,
			ToolResults: results,
		})
		if err != nil {
			return orchestrator.HandlerResult{}, err
		}

		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Text
			return result, nil
		}

		for _, call := range resp.ToolCalls {
			output, err := c.tools.Execute(ctx, pc.ConversationID, call.Name, pc.ResolveToolArgs(call.Args))
			if err != nil {
				if ctx.Err() != nil {
					return orchestrator.HandlerResult{}, fmt.Errorf("failed to execute tool %s: %w", call.Name, err)
				}
				c.logger.WithError(err).WithFields(logrus.Fields{
					"conversation_id": pc.ConversationID,
					"tool":            call.Name,
				}).Warn("Tool call failed")
				output = errorOutput(models.ToolErrorFailed)
			}

			result.ToolInvocations = append(result.ToolInvocations, models.ToolInvocation{
				Name:   call.Name,
				Args:   call.Args,
				Output: output,
			})
			results = append(results, toolResult{
				CallID: call.ID,
				Name:   call.Name,
				Output: pc.MaskToolOutput(output),
			})
		}
	}

	return orchestrator.HandlerResult{}, fmt.Errorf("handler %s did not answer within %d tool rounds", capability, c.maxRounds)
}

func (c *HandlerClient) post(ctx context.Context, capability intent.Capability, body runRequest) (*runResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handler request: %w", err)
	}

	endpoint := c.baseURL + "/capabilities/" + url.PathEscape(string(capability)) + "/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build handler request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call handler %s: %w", capability, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, statusError("handler", res)
	}

	var resp runResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode handler response: %w", err)
	}
	return &resp, nil
}

func statusError(service string, res *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return fmt.Errorf("%s returned status %d: %s", service, res.StatusCode, bytes.TrimSpace(snippet))
}

func errorOutput(code string) string {
	out, _ := json.Marshal(map[string]string{"error": code})
	return string(out)
}
