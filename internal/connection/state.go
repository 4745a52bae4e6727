// Package connection tracks the liveness of realtime client connections and
// classifies how they ended.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Closure classifies how a connection ended.
type Closure int

const (
	ClosureUnknown Closure = iota
	ClosureNormal
	ClosureAbnormal
)

func (c Closure) String() string {
	switch c {
	case ClosureNormal:
		return "NORMAL"
	case ClosureAbnormal:
		return "ABNORMAL"
	default:
		return "UNKNOWN"
	}
}

// StateReporter is anything that can report its connection state.
type StateReporter interface {
	State() State
}

// IsConnected reports whether h is present and open.
func IsConnected(h StateReporter) bool {
	if h == nil {
		return false
	}
	return h.State() == StateOpen
}

// ClassifyClosure maps the error that ended a connection onto a Closure.
// Close codes 1000 and 1001 are normal, every other close code is abnormal,
// as is transport teardown without any close frame. Representations it does
// not recognise are unknown.
func ClassifyClosure(err error) Closure {
	if err == nil {
		return ClosureUnknown
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return ClosureNormal
		default:
			return ClosureAbnormal
		}
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ClosureAbnormal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClosureAbnormal
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClosureAbnormal
	}

	return ClosureUnknown
}

// Describe renders a closure cause for log lines.
func Describe(err error) string {
	if err == nil {
		return "no closure recorded"
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if ClassifyClosure(err) == ClosureNormal {
			return fmt.Sprintf("normal closure (code %d)", closeErr.Code)
		}
		return fmt.Sprintf("abnormal closure (code %d)", closeErr.Code)
	}

	if errors.Is(err, context.Canceled) {
		return "closed by server"
	}

	switch ClassifyClosure(err) {
	case ClosureAbnormal:
		return fmt.Sprintf("abnormal closure (%v)", err)
	default:
		return fmt.Sprintf("unclassified closure (%v)", err)
	}
}
