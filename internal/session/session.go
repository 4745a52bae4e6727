// Package session wraps one realtime client connection: it stamps outbound
// frames, serializes writes, watches liveness in the background and owns the
// cancellation handles of requests running on the connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/profai/server/internal/connection"
)

// ErrConnectionClosed is returned by Send and Receive once the transport is gone.
// Callers stop on it; they never retry.
var ErrConnectionClosed = errors.New("connection closed")

// errServerClosed is the cause recorded when the server ends the session.
var errServerClosed = &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "session closed by server"}

// Conn is the part of *websocket.Conn the session relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Frame is one outbound JSON object. Every frame carries a "type" key.
type Frame map[string]any

// Options tunes the connection policy of a session.
type Options struct {
	ClientID        string
	PingInterval    time.Duration
	PingTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	MaxQueuedFrames int
	Monitor         *connection.Monitor
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "profai_client_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxQueuedFrames <= 0 {
		o.MaxQueuedFrames = 32
	}
	if o.Monitor == nil {
		o.Monitor = connection.NewMonitor(o.ClientID)
	}
	return o
}

// Session is the single owner of a client transport.
type Session struct {
	id      string
	conn    Conn
	opts    Options
	monitor *connection.Monitor

	ctx    context.Context
	cancel context.CancelCauseFunc

	state  atomic.Int32
	frames chan []byte

	writeMu sync.Mutex

	mu       sync.Mutex
	cause    error
	inflight map[string]context.CancelFunc

	createdAt    time.Time
	lastActivity atomic.Int64

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	sendErrors       atomic.Int64

	finishOnce sync.Once
	closeOnce  sync.Once
	readerDone chan struct{}
}

// New takes ownership of conn and starts the background reader and pinger.
func New(conn Conn, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())

	s := &Session{
		id:         opts.ClientID,
		conn:       conn,
		opts:       opts,
		monitor:    opts.Monitor,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan []byte, opts.MaxQueuedFrames),
		inflight:   make(map[string]context.CancelFunc),
		createdAt:  time.Now(),
		readerDone: make(chan struct{}),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	s.state.Store(int32(connection.StateOpen))

	if opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(opts.MaxFrameBytes)
	}
	if opts.PingInterval > 0 {
		s.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			s.extendReadDeadline()
			return nil
		})
		go s.pingLoop()
	}
	go s.readLoop()

	return s
}

// ID returns the client id stamped on every outbound frame.
func (s *Session) ID() string { return s.id }

// State implements connection.StateReporter.
func (s *Session) State() connection.State {
	return connection.State(s.state.Load())
}

// Alive reports whether frames can still be sent.
func (s *Session) Alive() bool {
	return connection.IsConnected(s)
}

// Context is cancelled as soon as the connection closes.
func (s *Session) Context() context.Context { return s.ctx }

// Monitor exposes the delivery and disconnection counters.
func (s *Session) Monitor() *connection.Monitor { return s.monitor }

// Cause returns the error that closed the connection, nil while open.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Closure classifies the recorded cause.
func (s *Session) Closure() connection.Closure {
	return connection.ClassifyClosure(s.Cause())
}

// Send stamps frame with the client id and a send timestamp and writes it.
func (s *Session) Send(frame Frame) error {
	if !s.Alive() {
		return s.closedErr()
	}

	frame["client_id"] = s.id
	frame["timestamp"] = float64(time.Now().UnixNano()) / float64(time.Second)

	data, err := json.Marshal(frame)
	if err != nil {
		s.sendErrors.Add(1)
		return fmt.Errorf("encode %v frame: %w", frame["type"], err)
	}

	if err := s.write(data); err != nil {
		s.sendErrors.Add(1)
		s.finish(err)
		return s.closedErr()
	}

	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(len(data)))
	return nil
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks until the next inbound frame, the connection closes or ctx
// is done.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.frames:
		s.lastActivity.Store(time.Now().UnixNano())
		s.messagesReceived.Add(1)
		s.bytesReceived.Add(int64(len(data)))
		return data, nil
	case <-s.ctx.Done():
		return nil, s.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Track registers a request as in flight. The returned context is cancelled
// when done is called or the session ends.
func (s *Session) Track(requestID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	key := requestID
	for n := 2; ; n++ {
		if _, taken := s.inflight[key]; !taken {
			break
		}
		key = requestID + "#" + strconv.Itoa(n)
	}
	s.inflight[key] = cancel
	s.mu.Unlock()

	return ctx, func() {
		cancel()
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}
}

// InFlight returns the number of tracked requests.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close tears the session down. It is idempotent and never fails: a final
// connection_closing frame and a close control frame are attempted while the
// transport is still open, then the transport is released.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.state.CompareAndSwap(int32(connection.StateOpen), int32(connection.StateClosing)) {
			s.sendClosingFrame()
			deadline := time.Now().Add(s.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				log.Printf("[session] %s close frame failed: %v", s.id, err)
			}
		}
		s.finish(errServerClosed)
		if err := s.conn.Close(); err != nil {
			log.Printf("[session] %s transport close: %v", s.id, err)
		}
		<-s.readerDone
	})
}

func (s *Session) sendClosingFrame() {
	stats := s.Stats()
	frame := Frame{
		"type": "connection_closing",
		"session_metrics": map[string]any{
			"total_messages":    stats.MessagesSent + stats.MessagesReceived,
			"messages_sent":     stats.MessagesSent,
			"messages_received": stats.MessagesReceived,
			"session_duration":  stats.Duration.Seconds(),
			"last_activity":     float64(stats.LastActivity.UnixNano()) / float64(time.Second),
		},
		"client_id": s.id,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := s.write(data); err != nil {
		log.Printf("[session] %s closing frame not delivered: %v", s.id, err)
		return
	}
	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(len(data)))
}

// finish records the first closure cause and cancels everything in flight.
func (s *Session) finish(cause error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		cancels := make([]context.CancelFunc, 0, len(s.inflight))
		for _, cancel := range s.inflight {
			cancels = append(cancels, cancel)
		}
		s.mu.Unlock()

		s.state.Store(int32(connection.StateClosed))
		s.monitor.RecordDisconnection(cause)
		s.cancel(cause)
		for _, cancel := range cancels {
			cancel()
		}

		log.Printf("[session] %s disconnected: %s", s.id, connection.Describe(cause))
	})
}

func (s *Session) closedErr() error {
	cause := s.Cause()
	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func (s *Session) readLoop() {
	defer close(s.readerDone)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		s.extendReadDeadline()

		select {
		case s.frames <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.finish(err)
				return
			}
		}
	}
}

func (s *Session) extendReadDeadline() {
	if s.opts.PingInterval <= 0 {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PingInterval + s.opts.PingTimeout))
}
