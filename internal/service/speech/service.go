package speech

import (
	"bytes"
	"context"
	"strings"

	"github.com/profai/server/internal/model/speech"
)

// Service is the Volcengine-backed speech capability: streaming synthesis
// for the realtime pipeline, buffered synthesis and recognition for HTTP.
type Service struct {
	config    *speech.SpeechConfig
	ttsClient *VolcengineTTSClient
	asrClient *VolcengineASRClient
}

// NewService creates a speech service instance.
func NewService(config *speech.SpeechConfig) *Service {
	return &Service{
		config:    config,
		ttsClient: NewVolcengineTTSClient(config),
		asrClient: NewVolcengineASRClient(config),
	}
}

// SynthesizeStream relays provider audio packets to emit as they arrive.
func (s *Service) SynthesizeStream(ctx context.Context, req *speech.TTSRequest, emit func([]byte) error) error {
	return s.ttsClient.SynthesizeStream(ctx, req, emit)
}

// SynthesizeSpeech synthesizes the whole request into one buffer.
func (s *Service) SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	return s.ttsClient.SynthesizeSpeechWS(ctx, req)
}

// TranscribeAudio recognizes the audio carried by req.
func (s *Service) TranscribeAudio(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	return s.asrClient.TranscribeAudioWS(ctx, req)
}

// Transcribe recognizes a complete in-memory recording and returns the text.
func (s *Service) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	resp, err := s.TranscribeAudio(ctx, &speech.ASRRequest{
		AudioData: bytes.NewReader(audio),
		Format:    sniffAudioFormat(audio),
		Language:  language,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// sniffAudioFormat guesses a container from magic bytes, defaulting to wav.
func sniffAudioFormat(audio []byte) string {
	switch {
	case bytes.HasPrefix(audio, []byte("RIFF")):
		return "wav"
	case bytes.HasPrefix(audio, []byte("ID3")), len(audio) > 1 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return "mp3"
	case bytes.HasPrefix(audio, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(audio, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "webm"
	default:
		return "wav"
	}
}
