package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/profai/server/internal/handler/chat"
	"github.com/profai/server/internal/handler/course"
	"github.com/profai/server/internal/handler/realtime"
	"github.com/profai/server/internal/handler/speech"
	"github.com/profai/server/internal/handler/stream"
	courseModel "github.com/profai/server/internal/model/course"
	"github.com/profai/server/internal/service/ai"
	"github.com/profai/server/internal/telemetry"
	"github.com/profai/server/pkg/utils"
)

// AudioService is the audio surface shared by the HTTP handlers.
type AudioService interface {
	stream.Streamer
	speech.Synthesizer
}

// Services carries the process-wide dependencies of the HTTP surface. A nil
// field disables the routes that need it.
type Services struct {
	Realtime    *realtime.Handler
	Responder   ai.Responder
	Teaching    ai.TeachingGenerator
	Audio       AudioService
	Transcriber speech.Transcriber
	Courses     courseModel.Store
	Metrics     *telemetry.Metrics
	ChatTimeout time.Duration
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if svc.Realtime != nil {
		svc.Realtime.RegisterRoutes(r)
	}
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
	}
	r.Get("/health", svc.handleHealth)

	var streamer stream.Streamer
	var synth speech.Synthesizer
	if svc.Audio != nil {
		streamer, synth = svc.Audio, svc.Audio
	}

	chatHandler := chat.New(svc.Responder, svc.Transcriber, svc.ChatTimeout)
	chatHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		if svc.Courses != nil {
			course.New(svc.Courses).RegisterRoutes(api)
		}
		speech.New(synth, svc.Transcriber).RegisterRoutes(api)
		stream.New(streamer, svc.Metrics).RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		api.Get("/chat/status", svc.handleStatus)
	})

	return r
}

func (svc Services) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if svc.Realtime != nil {
		active = svc.Realtime.ActiveSessions()
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         "profai",
		"active_sessions": active,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (svc Services) handleStatus(w http.ResponseWriter, r *http.Request) {
	courseContent := false
	if svc.Courses != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		courses, err := svc.Courses.List(ctx)
		cancel()
		courseContent = err == nil && len(courses) > 0
	}

	chatAvailable := svc.Responder != nil
	audioAvailable := svc.Audio != nil
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"services_available":    chatAvailable && audioAvailable,
		"chat_service":          chatAvailable,
		"audio_service":         audioAvailable,
		"teaching_service":      svc.Teaching != nil,
		"transcription_service": svc.Transcriber != nil,
		"course_content":        courseContent,
	})
}
