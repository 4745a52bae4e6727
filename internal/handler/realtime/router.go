package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/profai/server/internal/connection"
	"github.com/profai/server/internal/session"
	"github.com/profai/server/internal/telemetry"
)

// RouterState is the position of a Router in its receive loop.
type RouterState int32

const (
	AwaitingRequest RouterState = iota
	Dispatching
	Terminated
)

func (s RouterState) String() string {
	switch s {
	case AwaitingRequest:
		return "AWAITING_REQUEST"
	case Dispatching:
		return "DISPATCHING"
	case Terminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("RouterState(%d)", int32(s))
	}
}

// PanicError is returned by Run when a handler panicked.
type PanicError struct {
	Kind  Kind
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s handler panicked: %v", e.Kind, e.Value)
}

// Router reads the frames of one session and dispatches them, one at a time,
// to the agent.
type Router struct {
	sess    *session.Session
	agent   *Agent
	metrics *telemetry.Metrics
	state   atomic.Int32
}

// NewRouter creates a router over sess.
func NewRouter(sess *session.Session, agent *Agent, metrics *telemetry.Metrics) *Router {
	return &Router{sess: sess, agent: agent, metrics: metrics}
}

// State returns the current router state.
func (r *Router) State() RouterState { return RouterState(r.state.Load()) }

// Run processes frames until the connection closes, ctx is done or a handler
// panics. A normal closure returns nil; an abnormal one returns its cause.
func (r *Router) Run(ctx context.Context) error {
	defer r.state.Store(int32(Terminated))

	for {
		r.state.Store(int32(AwaitingRequest))
		data, err := r.sess.Receive(ctx)
		if err != nil {
			return r.terminated(ctx, err)
		}

		r.state.Store(int32(Dispatching))
		req, err := decode(data)
		if err != nil {
			if err := r.reject(err); err != nil {
				return r.terminated(ctx, err)
			}
			continue
		}

		err = r.dispatch(req)
		if err == nil {
			continue
		}

		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			log.Printf("[realtime] %s %v\n%s", r.sess.ID(), panicErr, panicErr.Stack)
			return panicErr
		}
		if !r.sess.Alive() || errors.Is(err, session.ErrConnectionClosed) {
			return r.terminated(ctx, err)
		}

		log.Printf("[realtime] %s %s request failed: %v", r.sess.ID(), req.Kind(), err)
		if err := r.sess.Send(errorFrame(err, req.RequestID())); err != nil {
			return r.terminated(ctx, err)
		}
	}
}

// dispatch runs req under its own tracked context and records it exactly once.
func (r *Router) dispatch(req Request) (err error) {
	ctx, done := r.sess.Track(req.trackingKey())
	defer done()

	start := time.Now()
	defer func() {
		r.agent.record(req.Kind(), time.Since(start), err)
	}()
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Kind: req.Kind(), Value: p, Stack: debug.Stack()}
		}
	}()

	log.Printf("[realtime] %s processing %s", r.sess.ID(), req.Kind())
	return r.agent.Handle(ctx, req)
}

func (r *Router) reject(err error) error {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		r.metrics.RecordProtocolError(string(protoErr.Kind))
	}
	log.Printf("[realtime] %s rejected frame: %v", r.sess.ID(), err)
	return r.sess.Send(errorFrame(err, nil))
}

func (r *Router) terminated(ctx context.Context, err error) error {
	if ctx.Err() != nil && r.sess.Alive() {
		return nil
	}
	if r.sess.Closure() == connection.ClosureAbnormal {
		return fmt.Errorf("session %s: %w", r.sess.ID(), err)
	}
	return nil
}
