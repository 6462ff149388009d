package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lyralabs/companion-gateway/internal/auth"
	"github.com/lyralabs/companion-gateway/internal/billing"
	"github.com/lyralabs/companion-gateway/internal/circuitbreaker"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/middleware"
)

// Completer produces a model reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// Handler serves the conversation endpoint.
type Handler struct {
	completer Completer
	history   HistoryStore
	usage     billing.Recorder
	logger    *logger.ComponentLogger
}

// NewHandler creates the chat handler.
func NewHandler(completer Completer, history HistoryStore, usage billing.Recorder) *Handler {
	if usage == nil {
		usage = billing.NopRecorder{}
	}
	return &Handler{
		completer: completer,
		history:   history,
		usage:     usage,
		logger:    logger.Get().WithComponent("chat.handler"),
	}
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	Model          string `json:"model"`
	Usage          Usage  `json:"usage"`
}

// ServeHTTP handles POST /v1/chat.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON.")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "A message is required.")
		return
	}

	ctx := r.Context()
	log := logger.FromContext(ctx, "chat.handler")

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	history, err := h.history.Load(ctx, conversationID)
	if err != nil {
		log.Error("failed to load conversation history", logger.Fields{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "Failed to load conversation.")
		return
	}

	userMsg := Message{Role: "user", Content: req.Message}
	messages := append(history, userMsg)

	completion, err := h.completer.Complete(ctx, messages)
	if err != nil {
		h.writeUpstreamError(w, log, conversationID, err)
		return
	}

	reply := Message{Role: "assistant", Content: completion.Content}
	if err := h.history.Append(ctx, conversationID, userMsg, reply); err != nil {
		// The reply was already produced; losing one history write is
		// preferable to failing the request.
		log.Warn("failed to persist conversation history", logger.Fields{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}

	h.recordUsage(ctx, conversationID, completion)

	middleware.WriteJSON(w, http.StatusOK, chatResponse{
		ConversationID: conversationID,
		Reply:          completion.Content,
		Model:          completion.Model,
		Usage:          completion.Usage,
	})
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, log *logger.ContextLogger, conversationID string, err error) {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		log.Warn("chat upstream circuit open", logger.Fields{
			"conversation_id": conversationID,
		})
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "upstream_unavailable",
			"The chat service is temporarily unavailable. Please try again shortly.")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		middleware.WriteJSONError(w, http.StatusGatewayTimeout, "upstream_timeout",
			"The chat service took too long to respond.")
		return
	}

	log.Error("chat completion failed", logger.Fields{
		"conversation_id": conversationID,
		"error":           err.Error(),
	})
	middleware.WriteJSONError(w, http.StatusBadGateway, "upstream_error",
		"The chat service returned an error.")
}

func (h *Handler) recordUsage(ctx context.Context, conversationID string, completion *Completion) {
	userID := ""
	if user, ok := auth.GetUserContext(ctx); ok {
		userID = user.UserID
	}

	usage := billing.Usage{
		UserID:           userID,
		ConversationID:   conversationID,
		Model:            completion.Model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
	}
	if err := h.usage.RecordUsage(ctx, usage); err != nil {
		h.logger.Warn("failed to record usage", logger.Fields{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}
}
