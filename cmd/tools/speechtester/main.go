package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/profai/server/internal/config"
	speechmodel "github.com/profai/server/internal/model/speech"
	"github.com/profai/server/internal/service/audio"
	"github.com/profai/server/internal/service/speech"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] failed to load .env, using system environment: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if !cfg.Speech.Enabled {
		log.Fatal("speech service disabled: configure SPEECH_* or Ark credentials first")
	}

	mode := flag.String("mode", "", "test mode: asr, tts or stream")
	audioPath := flag.String("audio", "", "ASR input audio file")
	text := flag.String("text", "", "TTS input text")
	outputPath := flag.String("out", "", "TTS output file (derived from the format by default)")
	format := flag.String("format", "", "audio format (ASR: input format; TTS: output format)")
	language := flag.String("lang", "", "language code, defaults to the configured language")
	voice := flag.String("voice", "", "TTS voice id, defaults to the configured TTSVoice")
	session := flag.String("session", "", "custom session id, generated when empty")
	timeout := flag.Duration("timeout", 45*time.Second, "request timeout")

	flag.Parse()

	if *mode != "asr" && *mode != "tts" && *mode != "stream" {
		flag.Usage()
		log.Fatal("select a mode with -mode=asr, -mode=tts or -mode=stream")
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	svc := speech.NewService(cfg.Speech.Provider())
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *language == "" && *mode != "asr" {
		*language = cfg.Speech.TTSLanguage
	}
	if *voice == "" {
		*voice = cfg.Speech.TTSVoice
	}

	switch *mode {
	case "asr":
		runASR(ctx, svc, cfg, sessionID, *audioPath, *format, *language)
	case "tts":
		runTTS(ctx, svc, sessionID, *text, *voice, *format, *language, *outputPath)
	case "stream":
		runStream(ctx, svc, cfg.Audio, sessionID, *text, *voice, *language, *outputPath)
	}
}

func runASR(ctx context.Context, svc *speech.Service, cfg *config.Config, sessionID, audioPath, format, language string) {
	if audioPath == "" {
		log.Fatal("asr mode needs an input file via -audio")
	}

	file, err := os.Open(audioPath)
	if err != nil {
		log.Fatalf("failed to open audio file: %v", err)
	}
	defer file.Close()

	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(audioPath)), ".")
		if format == "" {
			format = "wav"
		}
	}

	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	log.Printf("starting ASR test: session=%s format=%s language=%s", sessionID, format, language)

	resp, err := svc.TranscribeAudio(ctx, &speechmodel.ASRRequest{
		SessionID: sessionID,
		AudioData: file,
		Format:    format,
		Language:  language,
	})
	if err != nil {
		log.Fatalf("ASR call failed: %v", err)
	}

	log.Printf("ASR succeeded: text=%q confidence=%.2f duration=%dms", resp.Text, resp.Confidence, resp.Duration)
}

func runTTS(ctx context.Context, svc *speech.Service, sessionID, text, voice, format, language, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("tts mode needs input text via -text")
	}
	if format == "" {
		format = "mp3"
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), format)
	}

	log.Printf("starting TTS test: session=%s voice=%s format=%s", sessionID, voice, format)

	resp, err := svc.SynthesizeSpeech(ctx, &speechmodel.TTSRequest{
		SessionID: sessionID,
		Text:      text,
		Voice:     voice,
		Format:    format,
		Language:  language,
	})
	if err != nil {
		log.Fatalf("TTS call failed: %v", err)
	}

	if err := os.WriteFile(outputPath, resp.AudioData, 0o644); err != nil {
		log.Fatalf("failed to write audio file: %v", err)
	}

	log.Printf("TTS succeeded: wrote %s, duration=%dms", outputPath, resp.Duration)
}

// runStream drives the segmented pipeline the way a realtime session does and
// reports the time to first chunk.
func runStream(ctx context.Context, svc *speech.Service, audioCfg config.AudioConfig, sessionID, text, voice, language, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("stream mode needs input text via -text")
	}
	if outputPath == "" {
		outputPath = fmt.Sprintf("stream-output-%d.mp3", time.Now().Unix())
	}

	pipeline := audio.NewPipeline(svc, audio.Options{
		Streaming:      audio.Profile{MaxChars: audioCfg.StreamMaxChars, SingleCallThreshold: audioCfg.StreamThreshold},
		MaxConcurrency: audioCfg.MaxConcurrency,
		ProviderCalls:  audioCfg.ProviderCalls,
		PreserveOrder:  true,
	})

	out, err := os.Create(outputPath)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer out.Close()

	log.Printf("starting stream test: session=%s voice=%s", sessionID, voice)

	chunks, stats := pipeline.Stream(ctx, audio.Request{
		SessionID: sessionID,
		Text:      text,
		Language:  language,
		Speaker:   voice,
	}, func() bool { return true })
	for chunk, err := range chunks {
		if err != nil {
			log.Fatalf("stream failed after %d chunks: %v", stats.Chunks, err)
		}
		if chunk.First {
			log.Printf("first chunk after %s", stats.FirstChunkLatency)
		}
		if _, err := out.Write(chunk.Data); err != nil {
			log.Fatalf("failed to write chunk: %v", err)
		}
	}

	log.Printf("stream succeeded: %d segments, %d chunks, %d bytes, fallback=%v, wrote %s",
		stats.Segments, stats.Chunks, stats.Bytes, stats.Fallback, outputPath)
}
