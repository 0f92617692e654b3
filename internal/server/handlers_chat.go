package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/gateway/internal/mapreduce"
	"github.com/relaygate/gateway/internal/provider"
	"github.com/relaygate/gateway/internal/streaming"
	"github.com/relaygate/gateway/pkg/types"
)

// chatRequestBody mirrors the external /api/chat JSON body.
type chatRequestBody struct {
	Message                string               `json:"message"`
	ModelType              string               `json:"modelType"`
	ConversationID         string               `json:"conversationId"`
	UserID                 string               `json:"userId"`
	DeviceID               string               `json:"deviceId"`
	Mode                   string               `json:"mode"`
	ClientUserMessageID    string               `json:"clientUserMessageId"`
	ClientAssistantMessageID string             `json:"clientAssistantMessageId"`
	QueueToken             string               `json:"queueToken"`
	ResumeFromRound        int                  `json:"resumeFromRound"`
	LongTextMode           bool                 `json:"longTextMode"`
	LongTextOptions        *mapreduce.ChunkConfig `json:"longTextOptions"`
}

// handleChat implements POST /api/chat: validates the request, persists
// the user's message, then hands off to the streaming handler for the
// assistant turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.UserID == "" || body.Message == "" {
		writeError(w, http.StatusBadRequest, "userId and message are required")
		return
	}
	if body.ModelType == "" {
		body.ModelType = "local"
	}

	conversationID := body.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
		_ = s.conversations.Save(r.Context(), &types.Conversation{
			ID:             conversationID,
			UserID:         body.UserID,
			Active:         true,
			LastAccessedAt: time.Now(),
		})
	}

	assistantMessageID := body.ClientAssistantMessageID
	if assistantMessageID == "" {
		assistantMessageID = uuid.NewString()
	}

	userMessageID := body.ClientUserMessageID
	if userMessageID == "" {
		userMessageID = uuid.NewString()
	}
	_ = s.messages.Save(r.Context(), &types.Message{
		ID:             userMessageID,
		ConversationID: conversationID,
		UserID:         body.UserID,
		Role:           types.RoleUser,
		Content:        body.Message,
		Timestamp:      time.Now(),
	})

	history := s.loadHistory(r, conversationID, body.UserID)
	history = append(history, provider.Message{Role: "user", Content: body.Message})

	req := streaming.ChatRequest{
		UserID:             body.UserID,
		ConversationID:     conversationID,
		AssistantMessageID: assistantMessageID,
		RequestID:          uuid.NewString(),
		ModelType:          body.ModelType,
		History:            history,
		ExistingQueueToken: body.QueueToken,
		Mode:               body.Mode,
		ResumeFromRound:    body.ResumeFromRound,
		LongTextMode:       body.LongTextMode,
	}
	if body.LongTextOptions != nil {
		req.LongTextOptions = *body.LongTextOptions
	}

	if s.lru != nil {
		if conv, err := s.conversations.FindByID(r.Context(), conversationID, body.UserID); err == nil {
			_ = s.lru.Touch(r.Context(), conv)
		}
	}

	s.chat.ServeChat(w, r, req)
}

// loadHistory pulls the conversation's prior messages (best effort; a
// storage error here degrades to an empty history rather than failing
// the request) and maps them to the provider's wire shape.
func (s *Server) loadHistory(r *http.Request, conversationID, userID string) []provider.Message {
	page, err := s.messages.FindByConversationID(r.Context(), conversationID, userID, 0, 0)
	if err != nil {
		return nil
	}
	out := make([]provider.Message, 0, len(page.Items))
	for _, m := range page.Items {
		out = append(out, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
