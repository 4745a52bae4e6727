package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/profai/server/internal/model/speech"
)

// newFakeProvider serves handle on a local websocket endpoint and returns its URL.
func newFakeProvider(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg *Message) {
	t.Helper()
	data, err := msg.Marshal()
	if err != nil {
		t.Errorf("marshal: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Errorf("write: %v", err)
	}
}

func readTTSRequest(t *testing.T, conn *websocket.Conn) volcengineTTSRequest {
	t.Helper()
	var req volcengineTTSRequest
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("read request: %v", err)
		return req
	}
	msg, err := UnmarshalMessage(data)
	if err != nil {
		t.Errorf("decode request: %v", err)
		return req
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		t.Errorf("request json: %v", err)
	}
	return req
}

func sessionFinished(payload string) *Message {
	return &Message{
		Type:          FullServerResponse,
		Flags:         WithEvent,
		Serialization: JSONSerialization,
		Event:         EventTypeSessionFinished,
		SessionID:     "sess",
		Payload:       []byte(payload),
	}
}

func testSpeechConfig(url string) *speech.SpeechConfig {
	return &speech.SpeechConfig{
		AppID:       "app",
		AccessToken: "token",
		TTSURL:      url,
		ASRURL:      url,
		ASRLanguage: "en-IN",
		TTSLanguage: "en-IN",
	}
}

func TestSynthesizeStreamEmitsChunksInArrivalOrder(t *testing.T) {
	url := newFakeProvider(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.Header.Get("X-Api-App-Key"); got != "app" {
			t.Errorf("app key header = %q", got)
		}
		req := readTTSRequest(t, conn)
		if req.ReqParams.Text != "Hello class." {
			t.Errorf("text = %q", req.ReqParams.Text)
		}
		if req.ReqParams.Speaker != "en_male_glen_emo_v2_mars_bigtts" {
			t.Errorf("speaker = %q", req.ReqParams.Speaker)
		}
		for _, chunk := range []string{"one", "two", "three"} {
			writeFrame(t, conn, &Message{Type: AudioOnlyServerResponse, Payload: []byte(chunk)})
		}
		writeFrame(t, conn, sessionFinished(`{"code":20000000,"message":"ok"}`))
	})

	client := NewVolcengineTTSClient(testSpeechConfig(url))

	var got []string
	err := client.SynthesizeStream(context.Background(), &speech.TTSRequest{
		Text:     "Hello class.",
		Voice:    "professor",
		Language: "en-IN",
	}, func(chunk []byte) error {
		got = append(got, string(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("SynthesizeStream err: %v", err)
	}
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
}

func TestSynthesizeSpeechBuffersBase64Data(t *testing.T) {
	url := newFakeProvider(t, func(conn *websocket.Conn, r *http.Request) {
		readTTSRequest(t, conn)
		// "YXVkaW8=" is base64 for "audio"
		writeFrame(t, conn, &Message{
			Type:          FullServerResponse,
			Serialization: JSONSerialization,
			Payload:       []byte(`{"code":0,"data":"YXVkaW8=","reqid":"req-9","addition":{"duration":"1200"}}`),
		})
		writeFrame(t, conn, sessionFinished(`{"code":20000000}`))
	})

	client := NewVolcengineTTSClient(testSpeechConfig(url))
	resp, err := client.SynthesizeSpeechWS(context.Background(), &speech.TTSRequest{Text: "Hi"})
	if err != nil {
		t.Fatalf("SynthesizeSpeechWS err: %v", err)
	}
	if !bytes.Equal(resp.AudioData, []byte("audio")) {
		t.Fatalf("audio = %q", resp.AudioData)
	}
	if resp.RequestID != "req-9" || resp.Duration != 1200 || resp.Format != "mp3" {
		t.Fatalf("unexpected response metadata: %+v", resp)
	}
}

func TestSynthesizeFallsBackOnResourceMismatch(t *testing.T) {
	var (
		mu        sync.Mutex
		resources []string
	)
	url := newFakeProvider(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		resources = append(resources, r.Header.Get("X-Api-Resource-Id"))
		attempt := len(resources)
		mu.Unlock()

		readTTSRequest(t, conn)
		if attempt == 1 {
			writeFrame(t, conn, &Message{
				Type:      ErrorMessage,
				ErrorCode: 45000000,
				Payload:   []byte("resource ID is mismatched with speaker related resource"),
			})
			return
		}
		writeFrame(t, conn, &Message{Type: AudioOnlyServerResponse, Payload: []byte("ok")})
		writeFrame(t, conn, sessionFinished(`{}`))
	})

	client := NewVolcengineTTSClient(testSpeechConfig(url))
	err := client.SynthesizeStream(context.Background(), &speech.TTSRequest{
		Text:  "Hi",
		Voice: "en_female_amy_jupiter_bigtts",
	}, func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("SynthesizeStream err: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"seed-tts-2.0", "volc.service_type.10029"}; !reflect.DeepEqual(resources, want) {
		t.Fatalf("resources tried = %v, want %v", resources, want)
	}
}

func TestSynthesizeStreamReturnsEmitError(t *testing.T) {
	url := newFakeProvider(t, func(conn *websocket.Conn, r *http.Request) {
		readTTSRequest(t, conn)
		writeFrame(t, conn, &Message{Type: AudioOnlyServerResponse, Payload: []byte("one")})
		writeFrame(t, conn, &Message{Type: AudioOnlyServerResponse, Payload: []byte("two")})
		writeFrame(t, conn, sessionFinished(`{}`))
	})

	stop := errors.New("listener went away")
	calls := 0
	client := NewVolcengineTTSClient(testSpeechConfig(url))
	err := client.SynthesizeStream(context.Background(), &speech.TTSRequest{Text: "Hi"}, func([]byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("emit called %d times, want 1", calls)
	}
}

func TestSynthesizeEmptyAudio(t *testing.T) {
	url := newFakeProvider(t, func(conn *websocket.Conn, r *http.Request) {
		readTTSRequest(t, conn)
		writeFrame(t, conn, sessionFinished(`{"code":20000000}`))
	})

	client := NewVolcengineTTSClient(testSpeechConfig(url))
	_, err := client.SynthesizeSpeechWS(context.Background(), &speech.TTSRequest{Text: "Hi"})
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestSynthesizeStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	url := newFakeProvider(t, func(conn *websocket.Conn, r *http.Request) {
		readTTSRequest(t, conn)
		writeFrame(t, conn, &Message{Type: AudioOnlyServerResponse, Payload: []byte("one")})
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewVolcengineTTSClient(testSpeechConfig(url))

	done := make(chan error, 1)
	go func() {
		done <- client.SynthesizeStream(ctx, &speech.TTSRequest{Text: "Hi"}, func([]byte) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis did not stop after cancel")
	}
}

func TestSynthesizeRequiresCredentials(t *testing.T) {
	client := NewVolcengineTTSClient(&speech.SpeechConfig{})
	err := client.SynthesizeStream(context.Background(), &speech.TTSRequest{Text: "Hi"}, func([]byte) error { return nil })
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestNormalizeVoiceAlias(t *testing.T) {
	cases := []struct {
		alias  string
		expect string
	}{
		{alias: "professor", expect: "en_male_glen_emo_v2_mars_bigtts"},
		{alias: "Default", expect: "en_female_amy_jupiter_bigtts"},
		{alias: "zh_female_vv_uranus_bigtts", expect: "zh_female_vv_uranus_bigtts"},
		{alias: "  ", expect: ""},
	}

	for _, tc := range cases {
		if got := NormalizeVoiceAlias(tc.alias); got != tc.expect {
			t.Fatalf("NormalizeVoiceAlias(%q) = %s, want %s", tc.alias, got, tc.expect)
		}
	}
}

func TestResolveTTSResourceCandidates(t *testing.T) {
	tests := []struct {
		name  string
		voice string
		want  []string
	}{
		{name: "default voice", voice: "", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
		{name: "mega clone voice", voice: "S_clone_speaker", want: []string{"volc.megatts.default"}},
		{name: "bigtts voice", voice: "en_female_amy_jupiter_bigtts", want: []string{"seed-tts-2.0", "volc.service_type.10029"}},
		{name: "legacy voice", voice: "en_male_adam", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
	}

	for _, tt := range tests {
		got := resolveTTSResourceCandidates(tt.voice)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: resolveTTSResourceCandidates(%q) = %v, want %v", tt.name, tt.voice, got, tt.want)
		}
	}
}

func TestResolveTTSSpeakerCandidates(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		fallback string
		language string
		want     []string
	}{
		{
			name:     "request then fallback then language",
			request:  "professor",
			fallback: "zh_default",
			language: "en-IN",
			want:     []string{"en_male_glen_emo_v2_mars_bigtts", "zh_female_vv_uranus_bigtts", "en_female_amy_jupiter_bigtts"},
		},
		{
			name:     "duplicates collapse",
			request:  "default",
			fallback: "en_female_amy_jupiter_bigtts",
			language: "en",
			want:     []string{"en_female_amy_jupiter_bigtts"},
		},
		{
			name:     "nothing known",
			language: "fr-FR",
			want:     []string{""},
		},
	}

	for _, tt := range tests {
		got := resolveTTSSpeakerCandidates(tt.request, tt.fallback, tt.language)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}
