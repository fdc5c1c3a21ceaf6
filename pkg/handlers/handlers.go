package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"conversation-router/pkg/auth"
	"conversation-router/pkg/models"
)

// Conversations is the turn pipeline behind the message endpoints.
type Conversations interface {
	ProcessMessage(ctx context.Context, conversationID, message string) (*models.AIServiceResponse, error)
	ConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error)
}

// Verifier runs customer identity verification.
type Verifier interface {
	Verify(ctx context.Context, conversationID, email, lastDigits string) auth.VerifyResult
	Status(ctx context.Context, conversationID string) (auth.Status, error)
}

// CaseLedger lists audited unknown cases.
type CaseLedger interface {
	ListUnknownCases(ctx context.Context, conversationID string) ([]models.UnknownCase, error)
}

// Pinger is a dependency probed by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	conversations Conversations
	verifier      Verifier
	ledger        CaseLedger
	dependencies  map[string]Pinger
	logger        *logrus.Logger
}

func NewHandler(conversations Conversations, verifier Verifier, ledger CaseLedger, dependencies map[string]Pinger, logger *logrus.Logger) *Handler {
	return &Handler{
		conversations: conversations,
		verifier:      verifier,
		ledger:        ledger,
		dependencies:  dependencies,
		logger:        logger,
	}
}

func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	var request struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.conversations.ProcessMessage(r.Context(), conversationID, request.Message)
	if err != nil {
		h.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to process message")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, response)

	h.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"intent":          response.Intent,
		"state":           response.Metadata.State,
	}).Debug("Processed customer message")
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	var request struct {
		Email      string `json:"email"`
		LastDigits string `json:"last_digits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result := h.verifier.Verify(r.Context(), conversationID, request.Email, request.LastDigits)

	status := http.StatusOK
	if !result.Verified {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (h *Handler) VerificationStatus(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	status, err := h.verifier.Status(r.Context(), conversationID)
	if err != nil {
		h.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to read verification status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	state, err := h.conversations.ConversationState(r.Context(), conversationID)
	if err != nil {
		h.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to load conversation state")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) UnknownCases(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	cases, err := h.ledger.ListUnknownCases(r.Context(), conversationID)
	if err != nil {
		h.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to list unknown cases")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if cases == nil {
		cases = []models.UnknownCase{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"cases":           cases,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.dependencies))
	healthy := true
	for name, dep := range h.dependencies {
		if err := dep.Ping(r.Context()); err != nil {
			h.logger.WithError(err).WithField("dependency", name).Warn("Health check failed")
			checks[name] = "unavailable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	response := map[string]interface{}{
		"status":    "healthy",
		"checks":    checks,
		"timestamp": time.Now(),
	}
	status := http.StatusOK
	if !healthy {
		response["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
