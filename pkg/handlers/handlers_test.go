package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-router/pkg/auth"
	"conversation-router/pkg/models"
)

type fakeConversations struct {
	lastID      string
	lastMessage string
	err         error
}

func (f *fakeConversations) ProcessMessage(_ context.Context, conversationID, message string) (*models.AIServiceResponse, error) {
	f.lastID, f.lastMessage = conversationID, message
	if f.err != nil {
		return nil, f.err
	}
	return &models.AIServiceResponse{
		Response: "hola",
		Products: []models.ProductMention{},
		Intent:   string(models.IntentProductInfo),
		Metadata: models.ResponseMetadata{State: models.PhaseActive},
	}, nil
}

func (f *fakeConversations) ConversationState(_ context.Context, conversationID string) (*models.ConversationState, error) {
	if f.err != nil {
		return nil, f.err
	}
	state := models.NewConversationState(conversationID)
	state.LastTopic = "envios"
	return state, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, _, email, lastDigits string) auth.VerifyResult {
	if email == "juan@example.com" && lastDigits == "456" {
		return auth.VerifyResult{Verified: true}
	}
	return auth.VerifyResult{Error: "No pudimos verificar tus datos."}
}

func (fakeVerifier) Status(context.Context, string) (auth.Status, error) {
	return auth.Status{Authenticated: true, RemainingMinutes: 12}, nil
}

type fakeLedger struct{}

func (fakeLedger) ListUnknownCases(_ context.Context, conversationID string) ([]models.UnknownCase, error) {
	if conversationID != "conv-1" {
		return nil, nil
	}
	return []models.UnknownCase{{ID: 1, ConversationID: "conv-1", Intent: models.IntentOthers}}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestHandler(conversations *fakeConversations, deps map[string]Pinger) *Handler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewHandler(conversations, fakeVerifier{}, fakeLedger{}, deps, logger)
}

func serve(handler http.HandlerFunc, method, target, body string, vars map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandler_Message(t *testing.T) {
	conversations := &fakeConversations{}
	h := newTestHandler(conversations, nil)

	rec := serve(h.Message, http.MethodPost, "/conversations/conv-1/messages",
		`{"message":"Busco un jean"}`, map[string]string{"id": "conv-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "conv-1", conversations.lastID)
	assert.Equal(t, "Busco un jean", conversations.lastMessage)

	var body models.AIServiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hola", body.Response)
	assert.Equal(t, models.PhaseActive, body.Metadata.State)
}

func TestHandler_MessageErrors(t *testing.T) {
	conversations := &fakeConversations{}
	h := newTestHandler(conversations, nil)

	rec := serve(h.Message, http.MethodPost, "/", `{not json`, map[string]string{"id": "conv-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h.Message, http.MethodPost, "/", `{"message":"hola"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	conversations.err = errors.New("handler down")
	rec = serve(h.Message, http.MethodPost, "/", `{"message":"hola"}`, map[string]string{"id": "conv-1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_Verification(t *testing.T) {
	h := newTestHandler(&fakeConversations{}, nil)
	vars := map[string]string{"id": "conv-1"}

	rec := serve(h.Verify, http.MethodPost, "/", `{"email":"juan@example.com","last_digits":"456"}`, vars)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"verified":true`)

	rec = serve(h.Verify, http.MethodPost, "/", `{"email":"juan@example.com","last_digits":"999"}`, vars)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "No pudimos verificar")

	rec = serve(h.VerificationStatus, http.MethodGet, "/", "", vars)
	require.Equal(t, http.StatusOK, rec.Code)
	var status auth.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Authenticated)
	assert.Equal(t, 12, status.RemainingMinutes)
}

func TestHandler_StateAndUnknownCases(t *testing.T) {
	h := newTestHandler(&fakeConversations{}, nil)

	rec := serve(h.State, http.MethodGet, "/", "", map[string]string{"id": "conv-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var state models.ConversationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "envios", state.LastTopic)

	rec = serve(h.UnknownCases, http.MethodGet, "/", "", map[string]string{"id": "conv-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"intent":"OTHERS"`)

	rec = serve(h.UnknownCases, http.MethodGet, "/", "", map[string]string{"id": "conv-2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cases":[]`)
}

func TestHandler_Health(t *testing.T) {
	h := newTestHandler(&fakeConversations{}, map[string]Pinger{"redis": pinger{}, "audit": pinger{}})
	rec := serve(h.Health, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	h = newTestHandler(&fakeConversations{}, map[string]Pinger{"redis": pinger{err: errors.New("down")}})
	rec = serve(h.Health, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"unavailable"`)
}
