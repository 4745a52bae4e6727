package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Volcengine binary framing: a 4 byte header, optional sequence and event
// metadata, then a length-prefixed payload. All integers are big endian.

const protocolVersion = 0b0001

// MessageType is the high nibble of the second header byte.
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags is the low nibble of the second header byte.
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
	WithEvent              MessageFlags = 0b0100

	sequenceMask MessageFlags = 0b0011
)

// EventType tags event-carrying frames.
type EventType int32

const (
	EventTypeNone               EventType = 0
	EventTypeStartConnection    EventType = 1
	EventTypeFinishConnection   EventType = 2
	EventTypeConnectionStarted  EventType = 50
	EventTypeConnectionFailed   EventType = 51
	EventTypeConnectionFinished EventType = 52
	EventTypeSessionStarted     EventType = 150
	EventTypeSessionFinished    EventType = 152
	EventTypeSessionFailed      EventType = 153
)

// SerializationMethod describes the payload encoding.
type SerializationMethod uint8

const (
	NoSerialization   SerializationMethod = 0b0000
	JSONSerialization SerializationMethod = 0b0001
)

// CompressionMethod describes the payload compression.
type CompressionMethod uint8

const (
	NoCompression   CompressionMethod = 0b0000
	GzipCompression CompressionMethod = 0b0001
)

// Message is one decoded protocol frame.
type Message struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization SerializationMethod
	Compression   CompressionMethod

	Sequence  int32
	Event     EventType
	SessionID string
	ConnectID string
	ErrorCode uint32
	Payload   []byte
}

// NewFullClientRequest wraps a JSON request payload.
func NewFullClientRequest(payload []byte, compression CompressionMethod) *Message {
	return &Message{
		Type:          FullClientRequest,
		Flags:         NoSequenceNumber,
		Serialization: JSONSerialization,
		Compression:   compression,
		Payload:       payload,
	}
}

// NewAudioRequest wraps one audio packet. The last packet carries a negated
// sequence number, or the no-sequence last flag when sequence is zero.
func NewAudioRequest(audio []byte, sequence int32, last bool, compression CompressionMethod) *Message {
	flags := NoSequenceNumber
	switch {
	case last && sequence != 0:
		flags = NegativeSequenceNumber
		sequence = -sequence
	case last:
		flags = LastPacketNoSequence
	case sequence > 0:
		flags = PositiveSequenceNumber
	}

	return &Message{
		Type:          AudioOnlyRequest,
		Flags:         flags,
		Serialization: NoSerialization,
		Compression:   compression,
		Sequence:      sequence,
		Payload:       audio,
	}
}

func (m *Message) hasSequence() bool {
	switch m.Flags & sequenceMask {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	}
	return false
}

func (m *Message) hasEvent() bool { return m.Flags&WithEvent == WithEvent }

// IsLast reports whether the frame closes the stream.
func (m *Message) IsLast() bool {
	switch m.Flags & sequenceMask {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	}
	return false
}

// Finished reports whether the frame ends the synthesis session.
func (m *Message) Finished() bool {
	if m.hasEvent() && m.Event == EventTypeSessionFinished {
		return true
	}
	return m.IsLast()
}

// Marshal encodes the frame.
func (m *Message) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | 0b0001,
		uint8(m.Type)<<4 | uint8(m.Flags),
		uint8(m.Serialization)<<4 | uint8(m.Compression),
		0x00,
	})

	if m.hasSequence() {
		writeUint32(&buf, uint32(m.Sequence))
	}
	if m.hasEvent() {
		writeUint32(&buf, uint32(m.Event))
		if !eventSkipsSessionID(m.Event) {
			writeString(&buf, m.SessionID)
		}
		if eventHasConnectID(m.Event) {
			writeString(&buf, m.ConnectID)
		}
	}
	if m.Type == ErrorMessage {
		writeUint32(&buf, m.ErrorCode)
	}
	writeUint32(&buf, uint32(len(m.Payload)))
	buf.Write(m.Payload)

	return buf.Bytes(), nil
}

// UnmarshalMessage decodes one frame.
func UnmarshalMessage(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if version := data[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	m := &Message{
		Type:          MessageType(data[1] >> 4),
		Flags:         MessageFlags(data[1] & 0x0F),
		Serialization: SerializationMethod(data[2] >> 4),
		Compression:   CompressionMethod(data[2] & 0x0F),
	}

	headerSize := int(data[0]&0x0F) * 4
	if headerSize < 4 || headerSize > len(data) {
		return nil, fmt.Errorf("invalid header size: %d", headerSize)
	}
	r := bytes.NewReader(data[headerSize:])

	if m.hasSequence() {
		seq, err := readUint32(r, "sequence")
		if err != nil {
			return nil, err
		}
		m.Sequence = int32(seq)
	}

	if m.hasEvent() {
		event, err := readUint32(r, "event type")
		if err != nil {
			return nil, err
		}
		m.Event = EventType(int32(event))
		if !eventSkipsSessionID(m.Event) {
			if m.SessionID, err = readString(r, "session id"); err != nil {
				return nil, err
			}
		}
		if eventHasConnectID(m.Event) {
			if m.ConnectID, err = readString(r, "connect id"); err != nil {
				return nil, err
			}
		}
	}

	if m.Type == ErrorMessage {
		code, err := readUint32(r, "error code")
		if err != nil {
			return nil, err
		}
		m.ErrorCode = code
	}

	size, err := readUint32(r, "payload size")
	if err != nil {
		return nil, err
	}
	if int(size) > r.Len() {
		return nil, fmt.Errorf("payload truncated: want %d bytes, have %d", size, r.Len())
	}
	if size > 0 {
		m.Payload = make([]byte, size)
		_, _ = io.ReadFull(r, m.Payload)
	}

	return m, nil
}

// DecodedPayload returns the payload with compression removed.
func (m *Message) DecodedPayload() ([]byte, error) {
	return DecompressPayload(m.Payload, m.Compression)
}

// CompressPayload applies method to data.
func CompressPayload(data []byte, method CompressionMethod) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte, method CompressionMethod) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventTypeStartConnection, EventTypeFinishConnection,
		EventTypeConnectionStarted, EventTypeConnectionFailed, EventTypeConnectionFinished:
		return true
	}
	return false
}

func eventHasConnectID(event EventType) bool {
	switch event {
	case EventTypeConnectionStarted, EventTypeConnectionFailed, EventTypeConnectionFinished:
		return true
	}
	return false
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader, field string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read %s: %w", field, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader, field string) (string, error) {
	size, err := readUint32(r, field+" size")
	if err != nil {
		return "", err
	}
	if int(size) > r.Len() {
		return "", fmt.Errorf("read %s: want %d bytes, have %d", field, size, r.Len())
	}
	b := make([]byte, size)
	_, _ = io.ReadFull(r, b)
	return string(b), nil
}
