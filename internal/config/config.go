package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"

	speechModel "github.com/profai/server/internal/model/speech"
)

// FileEnv names the optional YAML file whose keys act as defaults for the
// environment variables read below.
const FileEnv = "PROFAI_CONFIG_FILE"

// Config aggregates every setting of the service.
type Config struct {
	Server   ServerConfig
	AI       AIConfig
	Speech   SpeechConfig
	Audio    AudioConfig
	Timeouts TimeoutConfig
	Course   CourseConfig
}

// Load reads configuration from the environment, falling back to the YAML
// file named by PROFAI_CONFIG_FILE for keys that are not set.
func Load() (*Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv(FileEnv)))
	if err != nil {
		return nil, err
	}
	return load(src)
}

func load(src source) (*Config, error) {
	server, err := loadServerConfig(src)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(src)
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig(src)
	if err != nil {
		return nil, err
	}

	audio, err := loadAudioConfig(src)
	if err != nil {
		return nil, err
	}

	timeouts, err := loadTimeoutConfig(src)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		AI:       ai,
		Speech:   speech,
		Audio:    audio,
		Timeouts: timeouts,
		Course:   CourseConfig{Path: src.getOrDefault("COURSE_OUTPUT_JSON", "data/course_output.json")},
	}, nil
}

// ServerConfig describes the listener and the realtime connection policy.
type ServerConfig struct {
	Addr            string
	PingInterval    time.Duration
	PingTimeout     time.Duration
	MaxFrameBytes   int64
	MaxQueuedFrames int
	Compression     bool
}

func loadServerConfig(src source) (ServerConfig, error) {
	port := src.getOrDefault("PORT", "8765")
	host := src.getOrDefault("HOST", "0.0.0.0")

	var addr string
	switch {
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	case strings.Contains(port, ":"):
		// accept ":8765" or "127.0.0.1:8765" directly
		addr = port
	default:
		addr = host + ":" + port
	}

	pingInterval, err := src.parseDuration("WS_PING_INTERVAL", 20*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	pingTimeout, err := src.parseDuration("WS_PING_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	maxFrame, err := src.parseInt("WS_MAX_FRAME_BYTES", 10*1024*1024)
	if err != nil {
		return ServerConfig{}, err
	}
	maxQueue, err := src.parseInt("WS_MAX_QUEUE", 32)
	if err != nil {
		return ServerConfig{}, err
	}
	compression, err := src.parseBool("WS_COMPRESSION", false)
	if err != nil {
		return ServerConfig{}, err
	}

	if maxQueue < 1 {
		maxQueue = 1
	}

	return ServerConfig{
		Addr:            addr,
		PingInterval:    pingInterval,
		PingTimeout:     pingTimeout,
		MaxFrameBytes:   int64(maxFrame),
		MaxQueuedFrames: maxQueue,
		Compression:     compression,
	}, nil
}

// AIConfig describes the Ark chat model.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an Ark chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(src source) (AIConfig, error) {
	temperature, err := src.parseOptionalFloat("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := src.parseOptionalFloat("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := src.parseOptionalInt("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      src.get("ARK_API_KEY"),
		AccessKey:   src.get("ARK_ACCESS_KEY"),
		SecretKey:   src.get("ARK_SECRET_KEY"),
		Model:       src.get("Model"),
		BaseURL:     src.getOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      src.getOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// SpeechConfig describes the Volcengine speech credentials and defaults.
type SpeechConfig struct {
	AppID       string
	AccessToken string
	APIKey      string
	AccessKey   string
	SecretKey   string
	Region      string
	BaseURL     string
	ASRModel    string
	ASRLanguage string
	TTSVoice    string
	TTSSpeed    float32
	TTSVolume   float32
	TTSLanguage string
	Timeout     int
	Enabled     bool
}

// Provider converts the settings into the speech client configuration.
func (c SpeechConfig) Provider() *speechModel.SpeechConfig {
	return &speechModel.SpeechConfig{
		AppID:       c.AppID,
		AccessToken: c.AccessToken,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Region:      c.Region,
		BaseURL:     c.BaseURL,
		ASRModel:    c.ASRModel,
		ASRLanguage: c.ASRLanguage,
		TTSVoice:    c.TTSVoice,
		TTSSpeed:    c.TTSSpeed,
		TTSVolume:   c.TTSVolume,
		TTSLanguage: c.TTSLanguage,
		Timeout:     c.Timeout,
	}
}

func loadSpeechConfig(src source) (SpeechConfig, error) {
	timeoutSeconds, err := src.parseInt("SPEECH_TIMEOUT", 30)
	if err != nil {
		return SpeechConfig{}, err
	}

	speed, err := src.parseOptionalFloat("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0)
	if speed != nil {
		ttsSpeed = float32(*speed)
	}

	volume, err := src.parseOptionalFloat("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = float32(*volume)
	}

	appID := src.get("SPEECH_APP_ID")

	accessToken := src.get("SPEECH_ACCESS_TOKEN")
	apiKey := src.get("SPEECH_API_KEY")
	if accessToken == "" {
		accessToken = apiKey
	}

	accessKey := src.get("SPEECH_ACCESS_KEY")
	secretKey := src.get("SPEECH_SECRET_KEY")

	// fall back to the Ark credentials when no dedicated speech keys exist
	if accessToken == "" && accessKey == "" {
		accessToken = src.get("ARK_API_KEY")
		apiKey = accessToken
		accessKey = src.get("ARK_ACCESS_KEY")
		secretKey = src.get("ARK_SECRET_KEY")
	}

	return SpeechConfig{
		AppID:       appID,
		AccessToken: accessToken,
		APIKey:      apiKey,
		AccessKey:   accessKey,
		SecretKey:   secretKey,
		Region:      src.getOrDefault("SPEECH_REGION", "cn-beijing"),
		BaseURL:     src.get("SPEECH_BASE_URL"),
		ASRModel:    src.get("SPEECH_ASR_MODEL"),
		ASRLanguage: src.getOrDefault("SPEECH_ASR_LANGUAGE", "en-IN"),
		TTSVoice:    src.get("SPEECH_TTS_VOICE"),
		TTSSpeed:    ttsSpeed,
		TTSVolume:   ttsVolume,
		TTSLanguage: src.getOrDefault("SPEECH_TTS_LANGUAGE", "en-IN"),
		Timeout:     timeoutSeconds,
		Enabled:     appID != "" && accessToken != "",
	}, nil
}

// AudioConfig tunes the audio streaming pipeline.
type AudioConfig struct {
	MaxConcurrency    int // per stream
	ProviderCalls     int // process wide
	PreserveOrder     bool
	StreamMaxChars    int
	StreamThreshold   int
	BufferedMaxChars  int
	BufferedThreshold int
}

func loadAudioConfig(src source) (AudioConfig, error) {
	var cfg AudioConfig
	var err error

	if cfg.MaxConcurrency, err = src.parseInt("AUDIO_MAX_CONCURRENCY", 4); err != nil {
		return AudioConfig{}, err
	}
	if cfg.ProviderCalls, err = src.parseInt("AUDIO_MAX_PROVIDER_CALLS", 16); err != nil {
		return AudioConfig{}, err
	}
	if cfg.PreserveOrder, err = src.parseBool("AUDIO_PRESERVE_ORDER", false); err != nil {
		return AudioConfig{}, err
	}
	if cfg.StreamMaxChars, err = src.parseInt("AUDIO_STREAM_MAX_CHARS", 5000); err != nil {
		return AudioConfig{}, err
	}
	if cfg.StreamThreshold, err = src.parseInt("AUDIO_STREAM_THRESHOLD", 800); err != nil {
		return AudioConfig{}, err
	}
	if cfg.BufferedMaxChars, err = src.parseInt("AUDIO_BUFFERED_MAX_CHARS", 8000); err != nil {
		return AudioConfig{}, err
	}
	if cfg.BufferedThreshold, err = src.parseInt("AUDIO_BUFFERED_THRESHOLD", 2500); err != nil {
		return AudioConfig{}, err
	}

	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ProviderCalls < cfg.MaxConcurrency {
		cfg.ProviderCalls = cfg.MaxConcurrency
	}
	return cfg, nil
}

// TimeoutConfig holds the per-capability budgets.
type TimeoutConfig struct {
	Chat       time.Duration
	Teaching   time.Duration
	Transcribe time.Duration
	CourseLoad time.Duration
}

func loadTimeoutConfig(src source) (TimeoutConfig, error) {
	var cfg TimeoutConfig
	var err error

	if cfg.Chat, err = src.parseDuration("CHAT_TIMEOUT", 8*time.Second); err != nil {
		return TimeoutConfig{}, err
	}
	if cfg.Teaching, err = src.parseDuration("TEACHING_TIMEOUT", 6*time.Second); err != nil {
		return TimeoutConfig{}, err
	}
	if cfg.Transcribe, err = src.parseDuration("TRANSCRIBE_TIMEOUT", 10*time.Second); err != nil {
		return TimeoutConfig{}, err
	}
	if cfg.CourseLoad, err = src.parseDuration("COURSE_LOAD_TIMEOUT", 3*time.Second); err != nil {
		return TimeoutConfig{}, err
	}
	return cfg, nil
}

// CourseConfig points at the generated course document.
type CourseConfig struct {
	Path string
}

// source resolves keys from the process environment first and the optional
// YAML file second.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	file := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		file[key] = fmt.Sprint(value)
	}
	return source{file: file}, nil
}

func (s source) lookup(key string) (string, bool) {
	if raw, ok := os.LookupEnv(key); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw), true
	}
	raw, ok := s.file[key]
	return strings.TrimSpace(raw), ok
}

func (s source) get(key string) string {
	value, _ := s.lookup(key)
	return value
}

func (s source) getOrDefault(key, defaultValue string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) parseBool(key string, defaultValue bool) (bool, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s source) parseInt(key string, defaultValue int) (int, error) {
	val, err := s.parseOptionalInt(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

func (s source) parseOptionalInt(key string) (*int, error) {
	value := s.get(key)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func (s source) parseOptionalFloat(key string) (*float64, error) {
	value := s.get(key)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDuration accepts Go duration strings ("20s") or bare seconds ("20").
func (s source) parseDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := s.get(key)
	if value == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return val, nil
}
