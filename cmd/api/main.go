package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/profai/server/internal/config"
	"github.com/profai/server/internal/handler"
	"github.com/profai/server/internal/handler/realtime"
	"github.com/profai/server/internal/model/course"
	"github.com/profai/server/internal/service/ai"
	"github.com/profai/server/internal/service/audio"
	"github.com/profai/server/internal/service/speech"
	"github.com/profai/server/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	metrics := telemetry.NewMetrics("profai")
	courses := course.NewFileStore(cfg.Course.Path)

	// Initialize AI service
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err == nil {
			aiService, err = ai.NewService(ctx, chatModel)
		}
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without chat and teaching functionality")
			aiService = nil
		} else {
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark credentials not configured, skipping AI initialization")
	}

	// Initialize Speech service and the audio pipeline on top of it
	var speechService *speech.Service
	var pipeline *audio.Pipeline
	if cfg.Speech.Enabled {
		speechService = speech.NewService(cfg.Speech.Provider())
		pipeline = audio.NewPipeline(speechService, audio.Options{
			Streaming:      audio.Profile{MaxChars: cfg.Audio.StreamMaxChars, SingleCallThreshold: cfg.Audio.StreamThreshold},
			Buffered:       audio.Profile{MaxChars: cfg.Audio.BufferedMaxChars, SingleCallThreshold: cfg.Audio.BufferedThreshold},
			MaxConcurrency: cfg.Audio.MaxConcurrency,
			ProviderCalls:  cfg.Audio.ProviderCalls,
			PreserveOrder:  cfg.Audio.PreserveOrder,
		})
		log.Println("Speech service initialized successfully")
	} else {
		log.Println("speech credentials not configured, skipping audio initialization")
	}

	wsHandler := realtime.NewHandler(
		newFactories(aiService, speechService, pipeline, courses),
		realtime.Options{
			ChatTimeout:       cfg.Timeouts.Chat,
			TeachingTimeout:   cfg.Timeouts.Teaching,
			TranscribeTimeout: cfg.Timeouts.Transcribe,
			CourseLoadTimeout: cfg.Timeouts.CourseLoad,
			Speaker:           cfg.Speech.TTSVoice,
		},
		realtime.ConnectionPolicy{
			PingInterval:    cfg.Server.PingInterval,
			PingTimeout:     cfg.Server.PingTimeout,
			MaxFrameBytes:   cfg.Server.MaxFrameBytes,
			MaxQueuedFrames: cfg.Server.MaxQueuedFrames,
			Compression:     cfg.Server.Compression,
		},
		metrics,
	)

	services := handler.Services{
		Realtime:    wsHandler,
		Courses:     courses,
		Metrics:     metrics,
		ChatTimeout: cfg.Timeouts.Chat,
	}
	if aiService != nil {
		services.Responder = aiService
		services.Teaching = aiService
	}
	if pipeline != nil {
		services.Audio = pipeline
		services.Transcriber = speechService
	}

	startServer(ctx, cfg.Server, handler.NewRouter(services), wsHandler)
}

// newFactories builds per-session capabilities over the shared services.
// Every session gets its own conversation history.
func newFactories(aiService *ai.Service, speechService *speech.Service, pipeline *audio.Pipeline, courses course.Store) realtime.Factories {
	f := realtime.Factories{Courses: courses}
	if aiService != nil {
		f.Chat = func() (ai.Responder, error) { return ai.NewConversation(aiService), nil }
		f.Teaching = func() (ai.TeachingGenerator, error) { return aiService, nil }
	}
	if pipeline != nil {
		f.Audio = func() (realtime.AudioStreamer, error) { return pipeline, nil }
		f.Transcriber = func() (realtime.Transcriber, error) { return speechService, nil }
	}
	return f
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, ws *realtime.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// hijacked websocket connections are not tracked by Shutdown
	srv.RegisterOnShutdown(ws.Close)

	log.Printf("ProfAI server listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
