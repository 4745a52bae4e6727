package realtime

import (
	"context"
	"iter"
	"log"

	"github.com/profai/server/internal/model/course"
	"github.com/profai/server/internal/service/ai"
	"github.com/profai/server/internal/service/audio"
)

// AudioStreamer turns text into progressively delivered audio.
type AudioStreamer interface {
	Stream(ctx context.Context, req audio.Request, alive func() bool) (iter.Seq2[audio.AudioChunk, error], *audio.Stats)
}

// Transcriber recognizes a complete recording.
type Transcriber interface {
	Transcribe(ctx context.Context, recording []byte, language string) (string, error)
}

// Capabilities are the collaborator handles owned by one session. A nil
// handle is an unavailable capability.
type Capabilities struct {
	Chat        ai.Responder
	Teaching    ai.TeachingGenerator
	Audio       AudioStreamer
	Transcriber Transcriber
	Courses     course.Store
}

// Factories build the capabilities of a new session. Each factory is run
// in isolation: an error or a panic disables that capability only.
type Factories struct {
	Chat        func() (ai.Responder, error)
	Teaching    func() (ai.TeachingGenerator, error)
	Audio       func() (AudioStreamer, error)
	Transcriber func() (Transcriber, error)
	Courses     course.Store
}

// Build runs every factory for clientID and returns the handles together
// with the availability map advertised in connection_ready.
func (f Factories) Build(clientID string) (Capabilities, map[string]bool) {
	caps := Capabilities{Courses: f.Courses}
	available := make(map[string]bool, 3)

	caps.Chat, available["chat"] = initCapability(clientID, "chat", f.Chat)
	caps.Audio, available["audio"] = initCapability(clientID, "audio", f.Audio)
	caps.Teaching, available["teaching"] = initCapability(clientID, "teaching", f.Teaching)
	caps.Transcriber, _ = initCapability(clientID, "transcription", f.Transcriber)

	log.Printf("[realtime] %s capabilities: %v", clientID, available)
	return caps, available
}

// Basic reports whether no capability at all could be initialized.
func (c Capabilities) Basic() bool {
	return c.Chat == nil && c.Audio == nil && c.Teaching == nil && c.Transcriber == nil
}

func initCapability[T any](clientID, name string, factory func() (T, error)) (capability T, ok bool) {
	if factory == nil {
		return capability, false
	}

	defer func() {
		if p := recover(); p != nil {
			log.Printf("[realtime] %s %s capability panicked during init: %v", clientID, name, p)
			var zero T
			capability, ok = zero, false
		}
	}()

	c, err := factory()
	if err != nil {
		log.Printf("[realtime] %s failed to initialize %s capability: %v", clientID, name, err)
		return capability, false
	}
	if any(c) == nil {
		return capability, false
	}
	return c, true
}
