package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	speechhandler "github.com/profai/server/internal/handler/speech"
	"github.com/profai/server/internal/service/ai"
	"github.com/profai/server/pkg/utils"
)

// Handler answers stateless text and voice questions over HTTP.
type Handler struct {
	responder   ai.Responder
	transcriber speechhandler.Transcriber
	timeout     time.Duration
}

// New creates a chat handler. responder and transcriber may be nil; timeout
// bounds answer generation and is ignored when zero.
func New(responder ai.Responder, transcriber speechhandler.Transcriber, timeout time.Duration) *Handler {
	return &Handler{
		responder:   responder,
		transcriber: transcriber,
		timeout:     timeout,
	}
}

// RegisterRoutes registers chat-related routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/ask_text", h.handleAskText)
	r.Post("/ask_voice", h.handleAskVoice)
}

func (h *Handler) handleAskText(w http.ResponseWriter, r *http.Request) {
	if h.responder == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "Chat service not available")
		return
	}

	var payload struct {
		Query    string `json:"query"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Query) == "" {
		utils.RespondError(w, http.StatusBadRequest, "query is required")
		return
	}

	answer, ok := h.answer(w, r, payload.Query, payload.Language)
	if !ok {
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"answer":   answer.Text,
		"language": answer.Language,
		"metadata": answer.Metadata,
	})
}

func (h *Handler) handleAskVoice(w http.ResponseWriter, r *http.Request) {
	if h.responder == nil || h.transcriber == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "Voice chat not available")
		return
	}

	recording, language, ok := speechhandler.ReadUpload(w, r)
	if !ok {
		return
	}

	query, err := h.transcriber.Transcribe(r.Context(), recording, language)
	if err != nil {
		log.Printf("[chat] transcription failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Transcription failed")
		return
	}
	if strings.TrimSpace(query) == "" {
		utils.RespondError(w, http.StatusBadRequest, "Could not transcribe audio")
		return
	}

	answer, ok := h.answer(w, r, query, language)
	if !ok {
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"transcribed_text": query,
		"answer":           answer.Text,
		"language":         answer.Language,
		"metadata":         answer.Metadata,
	})
}

// answer runs the responder and writes the error response when it fails.
func (h *Handler) answer(w http.ResponseWriter, r *http.Request, query, language string) (*ai.Answer, bool) {
	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	answer, err := h.responder.Respond(ctx, query, language)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		utils.RespondError(w, http.StatusGatewayTimeout, "Response generation timeout")
		return nil, false
	case err != nil:
		log.Printf("[chat] respond failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Error processing query: "+err.Error())
		return nil, false
	case answer == nil:
		utils.RespondError(w, http.StatusInternalServerError, "Error processing query: "+ai.ErrEmptyAnswer.Error())
		return nil, false
	}
	return answer, true
}
