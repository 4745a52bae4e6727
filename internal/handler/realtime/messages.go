package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind names an inbound request type.
type Kind string

const (
	KindPing            Kind = "ping"
	KindChatWithAudio   Kind = "chat_with_audio"
	KindStartClass      Kind = "start_class"
	KindAudioOnly       Kind = "audio_only"
	KindTranscribeAudio Kind = "transcribe_audio"
	KindSetLanguage     Kind = "set_language"
	KindGetMetrics      Kind = "get_metrics"
)

// Request is one decoded inbound frame. The set of implementations is closed.
type Request interface {
	Kind() Kind
	// RequestID is echoed on every frame answering the request.
	RequestID() any
	trackingKey() string
}

type envelope struct {
	ID json.RawMessage `json:"request_id,omitempty"`
}

// RequestID returns the client's request_id exactly as it was sent, or ""
// when it was absent.
func (e envelope) RequestID() any {
	if len(e.ID) == 0 {
		return ""
	}
	return e.ID
}

func (e envelope) trackingKey() string {
	if len(e.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	return string(e.ID)
}

type PingRequest struct {
	envelope
}

// ChatRequest asks a question and wants the spoken answer.
type ChatRequest struct {
	envelope
	Message  string `json:"message"`
	Language string `json:"language"`
}

// StartClassRequest starts teaching one sub-topic of a course.
type StartClassRequest struct {
	envelope
	CourseID      CourseRef `json:"course_id"`
	ModuleIndex   int       `json:"module_index"`
	SubTopicIndex int       `json:"sub_topic_index"`
	Language      string    `json:"language"`
}

// AudioOnlyRequest speaks the given text.
type AudioOnlyRequest struct {
	envelope
	Text     string `json:"text"`
	Language string `json:"language"`
	Speaker  string `json:"speaker"`
}

// TranscribeRequest carries base64 encoded audio to recognize.
type TranscribeRequest struct {
	envelope
	AudioData string `json:"audio_data"`
	Language  string `json:"language"`
}

type SetLanguageRequest struct {
	envelope
	Language string `json:"language"`
}

type MetricsRequest struct {
	envelope
}

func (PingRequest) Kind() Kind        { return KindPing }
func (ChatRequest) Kind() Kind        { return KindChatWithAudio }
func (StartClassRequest) Kind() Kind  { return KindStartClass }
func (AudioOnlyRequest) Kind() Kind   { return KindAudioOnly }
func (TranscribeRequest) Kind() Kind  { return KindTranscribeAudio }
func (SetLanguageRequest) Kind() Kind { return KindSetLanguage }
func (MetricsRequest) Kind() Kind     { return KindGetMetrics }

// CourseRef is a course id sent either as a JSON string or a number.
type CourseRef string

func (c *CourseRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = CourseRef(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("course_id must be a string or a number")
		}
		if i, err := n.Int64(); err == nil {
			*c = CourseRef(strconv.FormatInt(i, 10))
			return nil
		}
		*c = CourseRef(n.String())
	}
	return nil
}

// decode parses one inbound frame into its typed request.
func decode(data []byte) (Request, error) {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ProtocolError{Kind: ErrKindMalformedInput, Message: "Invalid JSON message"}
	}

	if len(head.Type) == 0 || bytes.Equal(head.Type, []byte("null")) {
		return nil, &ProtocolError{Kind: ErrKindMissingType, Message: "Message type is required"}
	}
	var kind string
	if err := json.Unmarshal(head.Type, &kind); err != nil {
		return nil, &ProtocolError{Kind: ErrKindMalformedInput, Message: "Message type must be a string"}
	}
	if kind == "" {
		return nil, &ProtocolError{Kind: ErrKindMissingType, Message: "Message type is required"}
	}

	var req Request
	switch Kind(kind) {
	case KindPing:
		req = &PingRequest{}
	case KindChatWithAudio:
		req = &ChatRequest{}
	case KindStartClass:
		req = &StartClassRequest{}
	case KindAudioOnly:
		req = &AudioOnlyRequest{}
	case KindTranscribeAudio:
		req = &TranscribeRequest{}
	case KindSetLanguage:
		req = &SetLanguageRequest{}
	case KindGetMetrics:
		req = &MetricsRequest{}
	default:
		return nil, &ProtocolError{
			Kind:         ErrKindUnknownType,
			Message:      "Unknown message type: " + kind,
			ReceivedType: kind,
		}
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, &ProtocolError{
			Kind:         ErrKindMalformedInput,
			Message:      fmt.Sprintf("Invalid %s message: %s", kind, fieldError(err)),
			ReceivedType: kind,
		}
	}
	return req, nil
}

func fieldError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	}
	return err.Error()
}
