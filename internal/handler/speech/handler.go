package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/profai/server/internal/service/audio"
	"github.com/profai/server/pkg/utils"
)

const defaultLanguage = "en-IN"

// Synthesizer renders text into a single audio buffer.
type Synthesizer interface {
	Synthesize(ctx context.Context, req audio.Request) ([]byte, error)
}

// Transcriber turns a complete recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, recording []byte, language string) (string, error)
}

// Handler serves the buffered speech endpoints. Either dependency may be nil.
type Handler struct {
	synth       Synthesizer
	transcriber Transcriber
}

// New creates a speech handler.
func New(synth Synthesizer, transcriber Transcriber) *Handler {
	return &Handler{synth: synth, transcriber: transcriber}
}

// RegisterRoutes registers speech-related routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/generate_audio", h.handleGenerateAudio)
	r.Post("/transcribe", h.handleTranscribe)
	r.Get("/speech/health", h.handleHealth)
}

func (h *Handler) handleGenerateAudio(w http.ResponseWriter, r *http.Request) {
	if h.synth == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "Audio service not available")
		return
	}

	var payload struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Speaker  string `json:"speaker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if payload.Language == "" {
		payload.Language = defaultLanguage
	}

	data, err := h.synth.Synthesize(r.Context(), audio.Request{
		Text:     payload.Text,
		Language: payload.Language,
		Speaker:  payload.Speaker,
	})
	switch {
	case errors.Is(err, audio.ErrEmptyText):
		utils.RespondError(w, http.StatusBadRequest, "text has no speakable content")
		return
	case err != nil:
		log.Printf("[speech] TTS error: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Failed to generate audio")
		return
	case len(data) == 0:
		utils.RespondError(w, http.StatusInternalServerError, "Failed to generate audio")
		return
	}

	utils.RespondAudio(w, "audio/mpeg", data)
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.transcriber == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "Transcription service not available")
		return
	}

	recording, language, ok := ReadUpload(w, r)
	if !ok {
		return
	}

	text, err := h.transcriber.Transcribe(r.Context(), recording, language)
	if err != nil {
		log.Printf("[speech] ASR error: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "speech recognition failed")
		return
	}
	if strings.TrimSpace(text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "Could not transcribe audio")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"transcribed_text": text,
		"language":         language,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"service":       "speech",
		"synthesis":     h.synth != nil,
		"transcription": h.transcriber != nil,
	})
}

// ReadUpload extracts the multipart recording ("audio" or "audio_file") and
// the language field. On failure it has already written the error response.
func ReadUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return nil, "", false
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		file, _, err = r.FormFile("audio_file")
	}
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return nil, "", false
	}
	defer file.Close()

	recording, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio file")
		return nil, "", false
	}
	if len(recording) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "audio file is empty")
		return nil, "", false
	}

	language := r.FormValue("language")
	if language == "" {
		language = defaultLanguage
	}
	return recording, language, true
}
