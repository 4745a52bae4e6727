package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/profai/server/internal/model/speech"
)

// serveASR reads the request and audio frames, then answers with reply.
func serveASR(t *testing.T, received chan<- []byte, reply *Message) string {
	return newFakeProvider(t, func(conn *websocket.Conn, r *http.Request) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		msg, err := UnmarshalMessage(data)
		if err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		body, err := msg.DecodedPayload()
		if err != nil {
			t.Errorf("decompress request: %v", err)
			return
		}
		var req asrRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request json: %v", err)
		}
		if req.Audio.Language != "en-IN" {
			t.Errorf("language = %q", req.Audio.Language)
		}

		var audio []byte
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Errorf("read audio: %v", err)
				return
			}
			msg, err := UnmarshalMessage(data)
			if err != nil {
				t.Errorf("decode audio: %v", err)
				return
			}
			chunk, _ := msg.DecodedPayload()
			audio = append(audio, chunk...)
			if msg.IsLast() {
				break
			}
		}
		received <- audio
		writeFrame(t, conn, reply)
	})
}

func TestTranscribeUploadsAudioAndReturnsTranscript(t *testing.T) {
	received := make(chan []byte, 1)
	url := serveASR(t, received, &Message{
		Type:          FullServerResponse,
		Flags:         NegativeSequenceNumber,
		Serialization: JSONSerialization,
		Sequence:      -3,
		Payload:       []byte(`{"code":20000000,"result":{"utterances":[{"text":"what is"},{"text":"a neuron"}]},"audio_info":{"duration":900}}`),
	})

	client := NewVolcengineASRClient(testSpeechConfig(url))
	client.chunkInterval = time.Millisecond

	audio := bytes.Repeat([]byte{0x01, 0x02}, asrChunkSize)
	resp, err := client.TranscribeAudioWS(context.Background(), &speech.ASRRequest{
		SessionID: "s1",
		AudioData: bytes.NewReader(audio),
	})
	if err != nil {
		t.Fatalf("TranscribeAudioWS err: %v", err)
	}
	if resp.Text != "what is a neuron" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Duration != 900 || resp.SessionID != "s1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := <-received; !bytes.Equal(got, audio) {
		t.Fatalf("provider received %d bytes, want %d", len(got), len(audio))
	}
}

func TestTranscribeSurfacesProviderError(t *testing.T) {
	received := make(chan []byte, 1)
	url := serveASR(t, received, &Message{
		Type:      ErrorMessage,
		ErrorCode: 45000081,
		Payload:   []byte("invalid audio"),
	})

	client := NewVolcengineASRClient(testSpeechConfig(url))
	client.chunkInterval = time.Millisecond

	_, err := client.TranscribeAudioWS(context.Background(), &speech.ASRRequest{AudioData: bytes.NewReader([]byte("RIFFdata"))})
	if err == nil {
		t.Fatal("expected provider error")
	}
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	client := NewVolcengineASRClient(testSpeechConfig("ws://unused"))
	_, err := client.TranscribeAudioWS(context.Background(), &speech.ASRRequest{AudioData: bytes.NewReader(nil)})
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestServiceTranscribeTrimsText(t *testing.T) {
	received := make(chan []byte, 1)
	url := serveASR(t, received, &Message{
		Type:          FullServerResponse,
		Flags:         LastPacketNoSequence,
		Serialization: JSONSerialization,
		Payload:       []byte(`{"code":0,"result":{"text":"  explain entropy  "}}`),
	})

	svc := NewService(testSpeechConfig(url))
	svc.asrClient.chunkInterval = time.Millisecond

	text, err := svc.Transcribe(context.Background(), []byte("RIFF....WAVE"), "en-IN")
	if err != nil {
		t.Fatalf("Transcribe err: %v", err)
	}
	if text != "explain entropy" {
		t.Fatalf("text = %q", text)
	}
}

func TestSniffAudioFormat(t *testing.T) {
	cases := map[string][]byte{
		"wav":  []byte("RIFF1234WAVE"),
		"mp3":  {0xFF, 0xFB, 0x90},
		"ogg":  []byte("OggS\x00"),
		"webm": {0x1A, 0x45, 0xDF, 0xA3, 0x01},
	}
	for want, audio := range cases {
		if got := sniffAudioFormat(audio); got != want {
			t.Errorf("sniffAudioFormat(%x) = %s, want %s", audio, got, want)
		}
	}
	if got := sniffAudioFormat([]byte("??")); got != "wav" {
		t.Errorf("unknown audio should default to wav, got %s", got)
	}
}
