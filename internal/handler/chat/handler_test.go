package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/profai/server/internal/service/ai"
)

type fakeResponder struct {
	query    string
	language string
	err      error
	block    bool
}

func (f *fakeResponder) Respond(ctx context.Context, query, language string) (*ai.Answer, error) {
	f.query = query
	f.language = language
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if language == "" {
		language = ai.DefaultLanguage
	}
	return &ai.Answer{Text: "answer to " + query, Language: language, Metadata: map[string]any{"model": "fake"}}, nil
}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(ctx context.Context, recording []byte, language string) (string, error) {
	return f.text, nil
}

func setupRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func askText(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ask_text", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestAskText(t *testing.T) {
	responder := &fakeResponder{}
	resp := askText(setupRouter(New(responder, nil, time.Second)), `{"query":"what is a perceptron","language":"hi-IN"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["answer"] != "answer to what is a perceptron" || body["language"] != "hi-IN" {
		t.Fatalf("unexpected body %+v", body)
	}
	if responder.language != "hi-IN" {
		t.Fatalf("language not forwarded: %q", responder.language)
	}
}

func TestAskTextErrors(t *testing.T) {
	tests := []struct {
		name      string
		responder ai.Responder
		body      string
		status    int
	}{
		{"unavailable", nil, `{"query":"hi"}`, http.StatusServiceUnavailable},
		{"bad body", &fakeResponder{}, `{`, http.StatusBadRequest},
		{"missing query", &fakeResponder{}, `{"query":" "}`, http.StatusBadRequest},
		{"model failure", &fakeResponder{err: errors.New("model down")}, `{"query":"hi"}`, http.StatusInternalServerError},
		{"timeout", &fakeResponder{block: true}, `{"query":"hi"}`, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := askText(setupRouter(New(tt.responder, nil, 20*time.Millisecond)), tt.body)
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.Code)
			}
		})
	}
}

func TestAskVoice(t *testing.T) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("audio", "question.webm")
	if err != nil {
		t.Fatalf("CreateFormFile err: %v", err)
	}
	part.Write([]byte("audio"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/ask_voice", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()

	responder := &fakeResponder{}
	setupRouter(New(responder, fakeTranscriber{text: "explain gradients"}, time.Second)).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["transcribed_text"] != "explain gradients" || got["answer"] != "answer to explain gradients" {
		t.Fatalf("unexpected body %+v", got)
	}
	if responder.language != "en-IN" {
		t.Fatalf("expected default language, got %q", responder.language)
	}
}

func TestAskVoiceUnavailable(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/ask_voice", nil)
	resp := httptest.NewRecorder()
	setupRouter(New(&fakeResponder{}, nil, 0)).ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
