package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/profai/server/internal/model/course"
	"github.com/profai/server/internal/service/ai"
	"github.com/profai/server/internal/session"
	"github.com/profai/server/internal/telemetry"
)

const teachingPreviewChars = 500

// Options tunes the request handlers.
type Options struct {
	ChatTimeout       time.Duration
	TeachingTimeout   time.Duration
	TranscribeTimeout time.Duration
	CourseLoadTimeout time.Duration
	Speaker           string
}

func (o Options) withDefaults() Options {
	if o.ChatTimeout <= 0 {
		o.ChatTimeout = 8 * time.Second
	}
	if o.TeachingTimeout <= 0 {
		o.TeachingTimeout = 6 * time.Second
	}
	if o.TranscribeTimeout <= 0 {
		o.TranscribeTimeout = 10 * time.Second
	}
	if o.CourseLoadTimeout <= 0 {
		o.CourseLoadTimeout = 3 * time.Second
	}
	return o
}

// Agent answers the requests of one session. It is driven by a single
// router goroutine and keeps its state unsynchronized.
type Agent struct {
	sess      *session.Session
	caps      Capabilities
	available map[string]bool
	opts      Options
	metrics   *telemetry.Metrics

	language string
	perf     *performance
}

// NewAgent builds the capabilities for sess through factories.
func NewAgent(sess *session.Session, factories Factories, opts Options, metrics *telemetry.Metrics) *Agent {
	caps, available := factories.Build(sess.ID())
	metrics.RecordCapabilities(available)
	return newAgent(sess, caps, available, opts, metrics)
}

func newAgent(sess *session.Session, caps Capabilities, available map[string]bool, opts Options, metrics *telemetry.Metrics) *Agent {
	return &Agent{
		sess:      sess,
		caps:      caps,
		available: available,
		opts:      opts.withDefaults(),
		metrics:   metrics,
		language:  ai.DefaultLanguage,
		perf:      newPerformance(),
	}
}

// Language returns the session's current language.
func (a *Agent) Language() string { return a.language }

// Ready announces the session and its capabilities to the client.
func (a *Agent) Ready() error {
	message := "ProfAI WebSocket connected successfully"
	if a.caps.Basic() {
		message = "ProfAI WebSocket connected (basic mode - services unavailable)"
	}
	return a.sess.Send(session.Frame{
		"type":     "connection_ready",
		"message":  message,
		"services": a.available,
	})
}

// Handle runs one request to completion. Every frame it sends carries the
// request's id.
func (a *Agent) Handle(ctx context.Context, req Request) error {
	if a.caps.Basic() && req.Kind() != KindPing {
		return requestError(ErrKindServiceUnavailable, "Service not available in basic mode: "+string(req.Kind()), nil)
	}

	switch r := req.(type) {
	case *PingRequest:
		return a.handlePing(r)
	case *ChatRequest:
		return a.handleChatWithAudio(ctx, r)
	case *StartClassRequest:
		return a.handleStartClass(ctx, r)
	case *AudioOnlyRequest:
		return a.handleAudioOnly(ctx, r)
	case *TranscribeRequest:
		return a.handleTranscribe(ctx, r)
	case *SetLanguageRequest:
		return a.handleSetLanguage(r)
	case *MetricsRequest:
		return a.handleGetMetrics(r)
	default:
		return fmt.Errorf("no handler for %T", req)
	}
}

func (a *Agent) send(req Request, frame session.Frame) error {
	frame["request_id"] = req.RequestID()
	return a.sess.Send(frame)
}

func (a *Agent) languageFor(requested string) string {
	if lang := strings.TrimSpace(requested); lang != "" {
		return lang
	}
	return a.language
}

func (a *Agent) handlePing(req *PingRequest) error {
	message := "Connection alive"
	if a.caps.Basic() {
		message = "Connection alive (basic mode)"
	}
	return a.send(req, session.Frame{
		"type":        "pong",
		"message":     message,
		"server_time": unixSeconds(time.Now()),
	})
}

func (a *Agent) handleChatWithAudio(ctx context.Context, req *ChatRequest) error {
	if a.caps.Chat == nil || a.caps.Audio == nil {
		return requestError(ErrKindServiceUnavailable, "Chat or audio service not available", nil)
	}
	query := strings.TrimSpace(req.Message)
	if query == "" {
		return requestError(ErrKindInvalidRequest, "Message is required", nil)
	}
	language := a.languageFor(req.Language)

	if err := a.send(req, session.Frame{
		"type":    "processing_started",
		"message": "Generating response...",
	}); err != nil {
		return err
	}

	chatCtx, cancel := context.WithTimeout(ctx, a.opts.ChatTimeout)
	answer, err := a.caps.Chat.Respond(chatCtx, query, language)
	cancel()
	if err != nil {
		return chatError(ctx, err)
	}
	if answer == nil || strings.TrimSpace(answer.Text) == "" {
		return requestError(ErrKindGenerationFailed, "No response generated", nil)
	}

	if err := a.send(req, session.Frame{
		"type":     "text_response",
		"text":     answer.Text,
		"metadata": answer.Metadata,
	}); err != nil {
		return err
	}

	stats, err := a.streamAudio(ctx, req, answer.Text, language, "", "Starting real-time audio streaming...")
	if err != nil {
		return err
	}
	return a.send(req, session.Frame{
		"type":                "audio_generation_complete",
		"total_chunks":        stats.Chunks,
		"total_size":          stats.Bytes,
		"first_chunk_latency": milliseconds(stats.FirstChunkLatency),
	})
}

func chatError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return requestError(ErrKindTimeout, "Response generation timeout", err)
	case errors.Is(err, ai.ErrEmptyAnswer):
		return requestError(ErrKindGenerationFailed, "No response generated", err)
	default:
		return requestError(ErrKindGenerationFailed, "Chat service failed: "+err.Error(), err)
	}
}

func (a *Agent) handleStartClass(ctx context.Context, req *StartClassRequest) error {
	if a.caps.Audio == nil {
		return requestError(ErrKindServiceUnavailable, "Audio service not available", nil)
	}
	if a.caps.Courses == nil {
		return requestError(ErrKindServiceUnavailable, "Course content not available", nil)
	}
	language := a.languageFor(req.Language)

	if err := a.send(req, session.Frame{
		"type":            "class_starting",
		"message":         "Loading course content...",
		"course_id":       string(req.CourseID),
		"module_index":    req.ModuleIndex,
		"sub_topic_index": req.SubTopicIndex,
	}); err != nil {
		return err
	}

	loadCtx, cancel := context.WithTimeout(ctx, a.opts.CourseLoadTimeout)
	lesson, err := a.caps.Courses.Lesson(loadCtx, string(req.CourseID), req.ModuleIndex, req.SubTopicIndex)
	cancel()
	if err != nil {
		return lessonError(ctx, err)
	}

	if err := a.send(req, session.Frame{
		"type":            "course_info",
		"module_title":    lesson.ModuleTitle,
		"sub_topic_title": lesson.SubTopicTitle,
		"message":         "Content loaded, generating teaching material...",
	}); err != nil {
		return err
	}

	content, fallback := a.teachingContent(ctx, lesson, language)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	message := "Teaching content ready, starting audio..."
	if fallback {
		message = "Using fallback content, starting audio..."
	}
	if err := a.send(req, session.Frame{
		"type":           "teaching_content",
		"content":        preview(content, teachingPreviewChars),
		"content_length": utf8.RuneCountInString(content),
		"message":        message,
	}); err != nil {
		return err
	}

	stats, err := a.streamAudio(ctx, req, content, language, "", "Generating class audio...")
	if err != nil {
		return err
	}
	return a.send(req, session.Frame{
		"type":         "class_complete",
		"total_chunks": stats.Chunks,
		"total_size":   stats.Bytes,
		"message":      "Class audio ready to play!",
	})
}

func lessonError(ctx context.Context, err error) error {
	var rangeErr *course.RangeError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &rangeErr):
		return requestError(ErrKindNotFound, rangeErr.Error(), err)
	case errors.Is(err, course.ErrCourseNotFound):
		return requestError(ErrKindNotFound, "Course content not found", err)
	case errors.Is(err, context.DeadlineExceeded):
		return requestError(ErrKindTimeout, "Course content loading timeout", err)
	default:
		return requestError(ErrKindInternal, "Failed to load course content: "+err.Error(), err)
	}
}

// teachingContent generates the lecture for lesson, falling back to the
// template when generation is unavailable, slow, failing or empty.
func (a *Agent) teachingContent(ctx context.Context, lesson course.Lesson, language string) (string, bool) {
	raw := ai.PrepareRawContent(lesson.ModuleTitle, lesson.SubTopicTitle, lesson.Content)
	fallback := func() (string, bool) {
		return ai.FallbackTeachingContent(lesson.ModuleTitle, lesson.SubTopicTitle, raw), true
	}

	if a.caps.Teaching == nil {
		log.Printf("[realtime] %s teaching capability unavailable, using template content", a.sess.ID())
		return fallback()
	}

	genCtx, cancel := context.WithTimeout(ctx, a.opts.TeachingTimeout)
	defer cancel()
	content, err := a.caps.Teaching.Generate(genCtx, lesson.ModuleTitle, lesson.SubTopicTitle, raw, language)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.Printf("[realtime] %s teaching content timed out after %s, using template content", a.sess.ID(), a.opts.TeachingTimeout)
		return fallback()
	case err != nil:
		log.Printf("[realtime] %s teaching content failed: %v", a.sess.ID(), err)
		return fallback()
	case strings.TrimSpace(content) == "":
		return fallback()
	}
	return content, false
}

func (a *Agent) handleAudioOnly(ctx context.Context, req *AudioOnlyRequest) error {
	if a.caps.Audio == nil {
		return requestError(ErrKindServiceUnavailable, "Audio service not available", nil)
	}
	if strings.TrimSpace(req.Text) == "" {
		return requestError(ErrKindInvalidRequest, "Text is required", nil)
	}

	stats, err := a.streamAudio(ctx, req, req.Text, a.languageFor(req.Language), req.Speaker, "Generating audio...")
	if err != nil {
		return err
	}
	return a.send(req, session.Frame{
		"type":                "audio_generation_complete",
		"total_chunks":        stats.Chunks,
		"total_size":          stats.Bytes,
		"first_chunk_latency": milliseconds(stats.FirstChunkLatency),
	})
}

func (a *Agent) handleTranscribe(ctx context.Context, req *TranscribeRequest) error {
	if a.caps.Transcriber == nil {
		return requestError(ErrKindServiceUnavailable, "Transcription service not available", nil)
	}
	encoded := strings.TrimSpace(req.AudioData)
	if encoded == "" {
		return requestError(ErrKindInvalidRequest, "Audio data is required", nil)
	}
	recording, err := decodeAudio(encoded)
	if err != nil {
		return requestError(ErrKindInvalidRequest, "Audio data must be base64 encoded", err)
	}

	if err := a.send(req, session.Frame{
		"type":    "transcription_started",
		"message": "Transcribing audio...",
	}); err != nil {
		return err
	}

	asrCtx, cancel := context.WithTimeout(ctx, a.opts.TranscribeTimeout)
	text, err := a.caps.Transcriber.Transcribe(asrCtx, recording, a.languageFor(req.Language))
	cancel()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return requestError(ErrKindTimeout, "Transcription timeout", err)
	case err != nil:
		return requestError(ErrKindGenerationFailed, "Transcription failed: "+err.Error(), err)
	case strings.TrimSpace(text) == "":
		return requestError(ErrKindGenerationFailed, "Could not transcribe audio", nil)
	}

	return a.send(req, session.Frame{
		"type":             "transcription_complete",
		"transcribed_text": text,
	})
}

// decodeAudio accepts padded and unpadded standard base64, with or without
// a data URL prefix.
func decodeAudio(encoded string) ([]byte, error) {
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	return data, err
}

func (a *Agent) handleSetLanguage(req *SetLanguageRequest) error {
	language := strings.TrimSpace(req.Language)
	if language == "" {
		return requestError(ErrKindInvalidRequest, "Language is required", nil)
	}
	if !ai.SupportedLanguage(language) {
		log.Printf("[realtime] %s switching to unlisted language %q", a.sess.ID(), language)
	}
	a.language = language

	return a.send(req, session.Frame{
		"type":     "language_set",
		"language": language,
		"message":  "Language set to " + language,
	})
}

func (a *Agent) handleGetMetrics(req *MetricsRequest) error {
	stats := a.sess.Stats()
	now := time.Now()

	return a.send(req, session.Frame{
		"type": "metrics_response",
		"metrics": map[string]any{
			"session_metrics": map[string]any{
				"session_duration":  stats.Duration.Seconds(),
				"client_id":         a.sess.ID(),
				"current_language":  a.language,
				"message_count":     stats.MessagesSent,
				"messages_received": stats.MessagesReceived,
				"in_flight":         stats.InFlight,
			},
			"performance_metrics": a.perf.snapshot(),
			"connection_metrics":  a.sess.Monitor().Metrics(),
			"services":            a.available,
			"timestamp":           unixSeconds(now),
		},
	})
}

// record counts a finished request once. Disconnections are not errors.
func (a *Agent) record(kind Kind, elapsed time.Duration, err error) {
	failed := err != nil && a.sess.Alive()
	a.perf.record(kind, elapsed, failed)

	status := "ok"
	switch {
	case err == nil:
	case !a.sess.Alive():
		status = "disconnected"
	default:
		status = "error"
	}
	a.metrics.RecordRequest(string(kind), status, elapsed)
}

func preview(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
