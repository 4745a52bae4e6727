package realtime

import "errors"

// ErrorKind classifies an error frame for clients.
type ErrorKind string

const (
	ErrKindMalformedInput     ErrorKind = "malformed_input"
	ErrKindMissingType        ErrorKind = "missing_type"
	ErrKindUnknownType        ErrorKind = "unknown_type"
	ErrKindInvalidRequest     ErrorKind = "invalid_request"
	ErrKindServiceUnavailable ErrorKind = "service_unavailable"
	ErrKindTimeout            ErrorKind = "timeout"
	ErrKindNotFound           ErrorKind = "not_found"
	ErrKindGenerationFailed   ErrorKind = "generation_failed"
	ErrKindInternal           ErrorKind = "internal"
)

// ProtocolError rejects an inbound frame before dispatch. The session stays open.
type ProtocolError struct {
	Kind         ErrorKind
	Message      string
	ReceivedType string
}

func (e *ProtocolError) Error() string { return e.Message }

// RequestError is a handler failure reported to the client as an error frame.
// Message is what the client sees; Err stays in the logs.
type RequestError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RequestError) Unwrap() error { return e.Err }

func requestError(kind ErrorKind, message string, err error) *RequestError {
	return &RequestError{Kind: kind, Message: message, Err: err}
}

// errorFrame renders err for the client.
func errorFrame(err error, requestID any) map[string]any {
	kind, message := ErrKindInternal, "Message processing error: "+err.Error()

	var reqErr *RequestError
	var protoErr *ProtocolError
	switch {
	case errors.As(err, &reqErr):
		kind, message = reqErr.Kind, reqErr.Message
	case errors.As(err, &protoErr):
		kind, message = protoErr.Kind, protoErr.Message
	}

	frame := map[string]any{
		"type":  "error",
		"error": message,
		"kind":  string(kind),
	}
	if protoErr != nil && protoErr.ReceivedType != "" {
		frame["received_type"] = protoErr.ReceivedType
	}
	if requestID != nil {
		frame["request_id"] = requestID
	}
	return frame
}
