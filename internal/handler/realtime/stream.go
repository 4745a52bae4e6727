package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"log"

	"github.com/profai/server/internal/service/audio"
	"github.com/profai/server/internal/session"
)

// streamAudio announces an audio stream for req and forwards every chunk of
// text's speech. The completion frame is left to the caller.
func (a *Agent) streamAudio(ctx context.Context, req Request, text, language, speaker, message string) (*audio.Stats, error) {
	if speaker == "" {
		speaker = a.opts.Speaker
	}

	if err := a.send(req, session.Frame{
		"type":    "audio_generation_started",
		"message": message,
	}); err != nil {
		return nil, err
	}

	chunks, stats := a.caps.Audio.Stream(ctx, audio.Request{
		SessionID: a.sess.ID(),
		Text:      text,
		Language:  language,
		Speaker:   speaker,
	}, a.sess.Alive)
	defer func() {
		a.metrics.RecordAudio(string(req.Kind()), stats.Chunks, stats.Bytes, stats.FirstChunkLatency, stats.DroppedSegments)
	}()

	for chunk, err := range chunks {
		if err != nil {
			return stats, a.audioError(err)
		}

		// breaking out of the range cancels pending segments
		if err := a.send(req, session.Frame{
			"type":           "audio_chunk",
			"chunk_id":       chunk.Sequence,
			"segment_index":  chunk.Segment,
			"audio_data":     base64.StdEncoding.EncodeToString(chunk.Data),
			"size":           len(chunk.Data),
			"is_first_chunk": chunk.First,
		}); err != nil {
			log.Printf("[realtime] %s stopped streaming after %d chunks: %v", a.sess.ID(), stats.Chunks, err)
			return stats, err
		}
		a.sess.Monitor().RecordChunkSent(len(chunk.Data))

		if chunk.First {
			log.Printf("[realtime] %s first audio chunk delivered in %s", a.sess.ID(), stats.FirstChunkLatency)
		}
	}

	if stats.Chunks == 0 {
		return stats, requestError(ErrKindGenerationFailed, "Audio generation failed: no audio produced", nil)
	}
	log.Printf("[realtime] %s audio complete: %d chunks, %d bytes, %d segments dropped",
		a.sess.ID(), stats.Chunks, stats.Bytes, stats.DroppedSegments)
	return stats, nil
}

func (a *Agent) audioError(err error) error {
	switch {
	case errors.Is(err, audio.ErrDisconnected):
		log.Printf("[realtime] %s disconnected during audio streaming", a.sess.ID())
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, audio.ErrEmptyText):
		return requestError(ErrKindGenerationFailed, "Audio generation failed: nothing to synthesize", err)
	default:
		return requestError(ErrKindGenerationFailed, "Audio generation failed", err)
	}
}
