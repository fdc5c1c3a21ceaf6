package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-router/pkg/intent"
	"conversation-router/pkg/metrics"
	"conversation-router/pkg/orchestrator"
	"conversation-router/pkg/pii"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type recordingTools struct {
	calls  []map[string]any
	output string
	err    error
}

func (r *recordingTools) Execute(_ context.Context, _, _ string, args map[string]any) (string, error) {
	r.calls = append(r.calls, args)
	return r.output, r.err
}

func TestHandlerClient_ToolRoundTrip(t *testing.T) {
	var requests []runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/capabilities/order_specialist/run", r.URL.Path)

		var req runRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		w.Header().Set("Content-Type", "application/json")
		if len(req.ToolResults) == 0 {
			json.NewEncoder(w).Encode(map[string]any{
				"tool_calls": []map[string]any{{
					"id":   "call-1",
					"name": "get_order",
					"args": map[string]any{"email": "[EMAIL_1]", "number": "4521"},
				}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "Tu pedido #4521 está en camino."})
	}))
	defer srv.Close()

	tools := &recordingTools{output: `{"id":10,"number":4521,"contact":"ana@example.com"}`}
	client := NewHandlerClient(srv.URL, 5*time.Second, tools, testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))

	pc := &orchestrator.PromptContext{
		ConversationID: "conv-1",
		Message:        "mi mail es [EMAIL_1]",
		PII:            pii.Metadata{"[EMAIL_1]": "ana@example.com"},
	}

	res, err := client.Run(context.Background(), intent.CapabilityOrders, pc)
	require.NoError(t, err)
	assert.Equal(t, "Tu pedido #4521 está en camino.", res.Text)

	require.Len(t, tools.calls, 1)
	assert.Equal(t, "ana@example.com", tools.calls[0]["email"])

	require.Len(t, res.ToolInvocations, 1)
	assert.Equal(t, "get_order", res.ToolInvocations[0].Name)
	assert.Equal(t, "[EMAIL_1]", res.ToolInvocations[0].Args["email"])
	assert.Contains(t, res.ToolInvocations[0].Output, "ana@example.com")

	require.Len(t, requests, 2)
	assert.Equal(t, "mi mail es [EMAIL_1]", requests[0].Context.Message)
	require.Len(t, requests[1].ToolResults, 1)
	assert.Equal(t, "call-1", requests[1].ToolResults[0].CallID)
	assert.NotContains(t, requests[1].ToolResults[0].Output, "ana@example.com")
	assert.Contains(t, requests[1].ToolResults[0].Output, "[EMAIL_1]")
}

func TestHandlerClient_ToolFailureIsReportedToHandler(t *testing.T) {
	var lastResults []toolResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lastResults = req.ToolResults
		if len(req.ToolResults) == 0 {
			json.NewEncoder(w).Encode(map[string]any{
				"tool_calls": []map[string]any{{"id": "c", "name": "search_products"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "No pude buscar ahora."})
	}))
	defer srv.Close()

	tools := &recordingTools{err: errors.New("gateway down")}
	client := NewHandlerClient(srv.URL, 5*time.Second, tools, testLogger(), nil)

	res, err := client.Run(context.Background(), intent.CapabilityProduct, &orchestrator.PromptContext{ConversationID: "c"})
	require.NoError(t, err)
	assert.Equal(t, "No pude buscar ahora.", res.Text)
	require.Len(t, lastResults, 1)
	assert.JSONEq(t, `{"error":"tool_failed"}`, lastResults[0].Output)
}

func TestHandlerClient_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewHandlerClient(srv.URL, 5*time.Second, &recordingTools{}, testLogger(), nil)
		_, err := client.Run(context.Background(), intent.CapabilityGeneral, &orchestrator.PromptContext{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("endless tool calls", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"tool_calls": []map[string]any{{"id": "c", "name": "search_products"}},
			})
		}))
		defer srv.Close()

		tools := &recordingTools{output: `{}`}
		client := NewHandlerClient(srv.URL, 5*time.Second, tools, testLogger(), nil)
		_, err := client.Run(context.Background(), intent.CapabilityProduct, &orchestrator.PromptContext{})
		require.Error(t, err)
		assert.Len(t, tools.calls, client.maxRounds)
	})
}

func TestToolClient_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tools/get_product", r.URL.Path)

		var body struct {
			ConversationID string         `json:"conversation_id"`
			Args           map[string]any `json:"args"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "conv-1", body.ConversationID)
		assert.Equal(t, "144796910", body.Args["id"])

		w.Write([]byte(`{"id":144796910,"name":"JEAN SKINNY STONE BLACK"}`))
	}))
	defer srv.Close()

	out, err := NewToolClient(srv.URL, time.Second).Execute(context.Background(), "conv-1", "get_product", map[string]any{"id": "144796910"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":144796910,"name":"JEAN SKINNY STONE BLACK"}`, out)
}

func TestIdentityClient_FindIdentificationByEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("email") {
		case "ana@example.com":
			json.NewEncoder(w).Encode(map[string]string{"identification": "30.123.456"})
		case "broken@example.com":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewIdentityClient(srv.URL, time.Second)
	ctx := context.Background()

	id, err := client.FindIdentificationByEmail(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "30.123.456", id)

	id, err = client.FindIdentificationByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = client.FindIdentificationByEmail(ctx, "broken@example.com")
	assert.Error(t, err)
}
