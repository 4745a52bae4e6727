// Package stream delivers synthesized audio over Server-Sent Events for
// clients that cannot hold a WebSocket open.
package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/profai/server/internal/service/audio"
	"github.com/profai/server/internal/telemetry"
	"github.com/profai/server/pkg/utils"
)

// Streamer yields the audio of a request as it is synthesized.
type Streamer interface {
	Stream(ctx context.Context, req audio.Request, alive func() bool) (iter.Seq2[audio.AudioChunk, error], *audio.Stats)
}

// Handler manages audio delivery via Server-Sent Events.
type Handler struct {
	audio   Streamer
	metrics *telemetry.Metrics
}

// New creates a stream handler. metrics may be nil.
func New(streamer Streamer, metrics *telemetry.Metrics) *Handler {
	return &Handler{audio: streamer, metrics: metrics}
}

// RegisterRoutes registers the streaming routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/audio/stream", h.handleAudioStream)
}

// ChunkEvent is the payload of one audio_chunk event.
type ChunkEvent struct {
	ChunkID      int    `json:"chunk_id"`
	SegmentIndex int    `json:"segment_index"`
	AudioData    string `json:"audio_data"`
	Size         int    `json:"size"`
	IsFirstChunk bool   `json:"is_first_chunk"`
}

func (h *Handler) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	if h.audio == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "Audio service not available")
		return
	}

	query := r.URL.Query()
	text := query.Get("text")
	if strings.TrimSpace(text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text query parameter is required")
		return
	}
	language := query.Get("language")
	if language == "" {
		language = "en-IN"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	streamID := "sse_" + uuid.New().String()
	alive := func() bool { return ctx.Err() == nil }

	if err := utils.SendSSEEvent(w, flusher, "start", map[string]any{"stream_id": streamID}); err != nil {
		return
	}

	chunks, stats := h.audio.Stream(ctx, audio.Request{
		SessionID: streamID,
		Text:      text,
		Language:  language,
		Speaker:   query.Get("speaker"),
	}, alive)
	status := "ok"
	defer func() {
		h.metrics.RecordAudio("sse", stats.Chunks, stats.Bytes, stats.FirstChunkLatency, stats.DroppedSegments)
		log.Printf("[stream] %s finished (%s): %d chunks, %d bytes", streamID, status, stats.Chunks, stats.Bytes)
	}()

	for chunk, err := range chunks {
		if err != nil {
			if errors.Is(err, audio.ErrDisconnected) || ctx.Err() != nil {
				status = "disconnected"
				return
			}
			status = "error"
			log.Printf("[stream] %s audio failed: %v", streamID, err)
			utils.SendSSEEvent(w, flusher, "error", map[string]string{"error": "Audio generation failed"})
			return
		}

		if err := utils.SendSSEEvent(w, flusher, "audio_chunk", ChunkEvent{
			ChunkID:      chunk.Sequence,
			SegmentIndex: chunk.Segment,
			AudioData:    base64.StdEncoding.EncodeToString(chunk.Data),
			Size:         len(chunk.Data),
			IsFirstChunk: chunk.First,
		}); err != nil {
			status = "disconnected"
			return
		}
	}

	if stats.Chunks == 0 {
		status = "error"
		utils.SendSSEEvent(w, flusher, "error", map[string]string{"error": "Audio generation failed: no audio produced"})
		return
	}

	utils.SendSSEEvent(w, flusher, "end", map[string]any{
		"total_chunks":        stats.Chunks,
		"total_size":          stats.Bytes,
		"first_chunk_latency": stats.FirstChunkLatency.Milliseconds(),
		"finished":            true,
	})
}
