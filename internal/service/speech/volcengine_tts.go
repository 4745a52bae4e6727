package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/profai/server/internal/model/speech"
)

const defaultTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// ErrEmptyAudio is returned when the provider finishes without any audio.
var ErrEmptyAudio = errors.New("TTS audio is empty")

// VolcengineTTSClient talks to the Volcengine unidirectional streaming TTS API.
type VolcengineTTSClient struct {
	config *speech.SpeechConfig
	dialer *websocket.Dialer
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

// NewVolcengineTTSClient creates a TTS client.
func NewVolcengineTTSClient(config *speech.SpeechConfig) *VolcengineTTSClient {
	return &VolcengineTTSClient{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

type volcengineTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                   `json:"speaker"`
		Text        string                   `json:"text"`
		AudioParams volcengineTTSAudioParams `json:"audio_params"`
		Additions   string                   `json:"additions,omitempty"`
		Language    string                   `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineTTSAudioParams struct {
	Format          string  `json:"format"`
	SampleRate      int     `json:"sample_rate"`
	EnableTimestamp bool    `json:"enable_timestamp"`
	SpeedRatio      float32 `json:"speed_ratio,omitempty"`
	VolumeRatio     float32 `json:"volume_ratio,omitempty"`
}

type ttsResult struct {
	reqID    string
	duration int64
	format   string
}

// SynthesizeStream synthesizes req.Text and hands every audio packet to emit
// as soon as the provider delivers it. Speaker and resource fallbacks are only
// tried while nothing has been emitted; an error returned by emit stops the
// stream and is returned unchanged.
func (c *VolcengineTTSClient) SynthesizeStream(ctx context.Context, req *speech.TTSRequest, emit func([]byte) error) error {
	_, err := c.synthesize(ctx, req, emit)
	return err
}

// SynthesizeSpeechWS synthesizes req.Text into one buffer.
func (c *VolcengineTTSClient) SynthesizeSpeechWS(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	var audio []byte
	result, err := c.synthesize(ctx, req, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sessionID := strings.TrimSpace(req.SessionID)
	return &speech.TTSResponse{
		SessionID: sessionID,
		AudioData: audio,
		Duration:  result.duration,
		Format:    result.format,
		RequestID: result.reqID,
		CreatedAt: time.Now(),
	}, nil
}

func (c *VolcengineTTSClient) synthesize(ctx context.Context, req *speech.TTSRequest, emit func([]byte) error) (ttsResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return ttsResult{}, fmt.Errorf("TTS text is empty")
	}

	appKey, accessKey, err := resolveCredentials(c.config)
	if err != nil {
		return ttsResult{}, err
	}

	encoding := strings.TrimSpace(req.Format)
	if encoding == "" || encoding == "wav" {
		encoding = "mp3"
	}

	emitted := false
	tracked := func(chunk []byte) error {
		emitted = true
		return emit(chunk)
	}

	speakers := resolveTTSSpeakerCandidates(req.Voice, c.config.TTSVoice, req.Language)
	var lastMismatch error

	for speakerIdx, speaker := range speakers {
		for resourceIdx, resourceID := range resolveTTSResourceCandidates(speaker) {
			result, attemptErr := c.synthesizeWithResource(ctx, req, appKey, accessKey, speaker, encoding, resourceID, tracked)
			if attemptErr == nil {
				if resourceIdx > 0 {
					log.Printf("[TTS] voice %s succeeded with fallback resource %s", speaker, resourceID)
				}
				if speakerIdx > 0 {
					log.Printf("[TTS] fallback voice %s succeeded", speaker)
				}
				return result, nil
			}

			if emitted || !isResourceMismatchError(attemptErr) {
				return ttsResult{}, attemptErr
			}

			log.Printf("[TTS] voice %s resource %s mismatch: %v", speaker, resourceID, attemptErr)
			lastMismatch = attemptErr
		}
	}

	if lastMismatch != nil {
		return ttsResult{}, lastMismatch
	}
	return ttsResult{}, fmt.Errorf("TTS synthesis failed: no compatible resource id or speaker among %v", speakers)
}

func (c *VolcengineTTSClient) endpoint() string {
	if url := strings.TrimSpace(c.config.TTSURL); url != "" {
		return url
	}
	return defaultTTSURL
}

func (c *VolcengineTTSClient) synthesizeWithResource(
	ctx context.Context,
	req *speech.TTSRequest,
	appKey, accessKey, speaker, encoding, resourceID string,
	emit func([]byte) error,
) (ttsResult, error) {
	connectID := uuid.New().String()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := dialWithRetry(ctx, c.dialer, c.endpoint(), header)
	if err != nil {
		return ttsResult{}, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[TTS] connected with logid: %s", logid)
		}
	}

	payload, err := json.Marshal(c.buildTTSRequest(req, speaker, encoding))
	if err != nil {
		return ttsResult{}, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	frame, err := NewFullClientRequest(payload, NoCompression).Marshal()
	if err != nil {
		return ttsResult{}, fmt.Errorf("failed to encode message: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return ttsResult{}, fmt.Errorf("failed to send TTS request: %w", err)
	}

	result := ttsResult{reqID: connectID, format: encoding}
	total := 0

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ttsResult{}, ctxErr
			}
			return ttsResult{}, fmt.Errorf("failed to read TTS response: %w", err)
		}

		msg, err := UnmarshalMessage(data)
		if err != nil {
			return ttsResult{}, fmt.Errorf("failed to decode TTS message: %w", err)
		}

		switch msg.Type {
		case ErrorMessage:
			body, _ := msg.DecodedPayload()
			return ttsResult{}, fmt.Errorf("TTS error %d: %s", msg.ErrorCode, string(body))

		case AudioOnlyServerResponse:
			chunk, err := msg.DecodedPayload()
			if err != nil {
				return ttsResult{}, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			if len(chunk) > 0 {
				total += len(chunk)
				if err := emit(chunk); err != nil {
					return ttsResult{}, err
				}
			}

		case FullServerResponse:
			body, err := msg.DecodedPayload()
			if err != nil {
				return ttsResult{}, fmt.Errorf("failed to decompress TTS response payload: %w", err)
			}

			var serverResp ttsServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &serverResp); err != nil {
					log.Printf("[TTS] failed to unmarshal response payload: %v", err)
				} else {
					if serverResp.Code != 0 && serverResp.Code != 3000 && serverResp.Code != 20000000 {
						return ttsResult{}, fmt.Errorf("TTS API error %d: %s", serverResp.Code, serverResp.Message)
					}
					if serverResp.ReqID != "" {
						result.reqID = serverResp.ReqID
					}
					if parsed, err := parseDuration(serverResp.Addition.Duration); err == nil && parsed > 0 {
						result.duration = parsed
					}
					if serverResp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(serverResp.Data)
						if err != nil {
							return ttsResult{}, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						total += len(chunk)
						if err := emit(chunk); err != nil {
							return ttsResult{}, err
						}
					}
				}
			}

			if msg.Finished() || serverResp.Sequence < 0 {
				if total == 0 {
					return ttsResult{}, ErrEmptyAudio
				}
				return result, nil
			}

		default:
			log.Printf("[TTS] unexpected message type: %d", msg.Type)
		}
	}
}

// buildTTSRequest builds the Volcengine request body.
func (c *VolcengineTTSClient) buildTTSRequest(req *speech.TTSRequest, speaker, encoding string) *volcengineTTSRequest {
	ttsReq := &volcengineTTSRequest{}

	ttsReq.User.UID = strings.TrimSpace(req.SessionID)
	if ttsReq.User.UID == "" {
		ttsReq.User.UID = uuid.New().String()
	}

	ttsReq.ReqParams.Speaker = speaker
	ttsReq.ReqParams.Text = req.Text
	ttsReq.ReqParams.AudioParams.Format = encoding
	ttsReq.ReqParams.AudioParams.SampleRate = 24000
	ttsReq.ReqParams.AudioParams.EnableTimestamp = true

	speed := req.Speed
	if speed <= 0 {
		speed = c.config.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		ttsReq.ReqParams.AudioParams.SpeedRatio = speed
	}

	volume := req.Volume
	if volume <= 0 {
		volume = c.config.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		ttsReq.ReqParams.AudioParams.VolumeRatio = volume
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = strings.TrimSpace(c.config.TTSLanguage)
	}
	ttsReq.ReqParams.Language = language

	ttsReq.ReqParams.Additions = `{"disable_markdown_filter":false}`

	return ttsReq
}

func resolveTTSResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}

	return []string{defaultResource, seedResource}
}

// resolveTTSSpeakerCandidates orders the speakers to try: the requested one,
// the configured default, then the language default. Duplicates are dropped.
func resolveTTSSpeakerCandidates(requested, fallback, language string) []string {
	var candidates []string

	add := func(s string) {
		s = NormalizeVoiceAlias(s)
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)
	add(VoiceForLanguage(language))

	if len(candidates) == 0 {
		return []string{""}
	}
	return candidates
}

func isResourceMismatchError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}

// parseDuration parses a millisecond duration string.
func parseDuration(durationStr string) (int64, error) {
	if durationStr == "" {
		return 0, nil
	}
	return strconv.ParseInt(durationStr, 10, 64)
}
