package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profai/server/internal/connection"
)

func newSessionPair(t *testing.T, opts Options) (*Session, *websocket.Conn) {
	t.Helper()

	sessions := make(chan *Session, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sessions <- New(conn, opts)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case sess := <-sessions:
		t.Cleanup(sess.Close)
		return sess, client
	case <-time.After(2 * time.Second):
		t.Fatal("session was not created")
		return nil, nil
	}
}

func readFrame(t *testing.T, client *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func waitClosed(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe closure")
	}
}

func TestSendStampsFrames(t *testing.T) {
	sess, client := newSessionPair(t, Options{ClientID: "profai_client_1"})

	require.NoError(t, sess.Send(Frame{"type": "pong", "message": "pong"}))

	frame := readFrame(t, client)
	assert.Equal(t, "pong", frame["type"])
	assert.Equal(t, "profai_client_1", frame["client_id"])
	ts, ok := frame["timestamp"].(float64)
	require.True(t, ok, "timestamp should be a number")
	assert.InDelta(t, float64(time.Now().Unix()), ts, 5)

	stats := sess.Stats()
	assert.Equal(t, int64(1), stats.MessagesSent)
	assert.Positive(t, stats.BytesSent)
}

func TestReceiveQueuesInboundFrames(t *testing.T) {
	sess, client := newSessionPair(t, Options{})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_metrics"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := sess.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(first))

	second, err := sess.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_metrics"}`, string(second))

	assert.Equal(t, int64(2), sess.Stats().MessagesReceived)
}

func TestNormalClientCloseIsNotAnError(t *testing.T) {
	sess, client := newSessionPair(t, Options{})
	_, done := sess.Track("r1")
	defer done()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	waitClosed(t, sess)

	assert.False(t, sess.Alive())
	assert.Equal(t, connection.StateClosed, sess.State())
	assert.Equal(t, connection.ClosureNormal, sess.Closure())

	metrics := sess.Monitor().Metrics()
	assert.Equal(t, int64(1), metrics.NormalDisconnections)
	assert.Equal(t, int64(0), metrics.ErrorDisconnections)

	err := sess.Send(Frame{"type": "audio_chunk"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionClosed))

	_, err = sess.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestAbruptDisconnectIsAbnormal(t *testing.T) {
	sess, client := newSessionPair(t, Options{})

	require.NoError(t, client.NetConn().Close())
	waitClosed(t, sess)

	assert.Equal(t, connection.ClosureAbnormal, sess.Closure())
	assert.Equal(t, int64(1), sess.Monitor().Metrics().ErrorDisconnections)
}

func TestCloseSendsMetricsFrameAndIsIdempotent(t *testing.T) {
	sess, client := newSessionPair(t, Options{ClientID: "profai_client_close"})
	require.NoError(t, sess.Send(Frame{"type": "connection_ready"}))
	readFrame(t, client)

	reqCtx, done := sess.Track("r1")
	defer done()

	sess.Close()
	sess.Close()

	closing := readFrame(t, client)
	assert.Equal(t, "connection_closing", closing["type"])
	metrics, ok := closing["session_metrics"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, metrics["messages_sent"])

	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	select {
	case <-reqCtx.Done():
	default:
		t.Fatal("in-flight request was not cancelled")
	}
	assert.Equal(t, connection.ClosureNormal, sess.Closure())
}

func TestTrackDisambiguatesDuplicateIDs(t *testing.T) {
	sess, _ := newSessionPair(t, Options{})

	_, doneA := sess.Track("same")
	_, doneB := sess.Track("same")
	assert.Equal(t, 2, sess.InFlight())

	doneA()
	assert.Equal(t, 1, sess.InFlight())
	doneB()
	assert.Equal(t, 0, sess.InFlight())
}

func TestMissedPongClosesSession(t *testing.T) {
	sess, client := newSessionPair(t, Options{PingInterval: 50 * time.Millisecond, PingTimeout: 50 * time.Millisecond})

	// the client never reads, so pings are never answered
	_ = client
	waitClosed(t, sess)
	assert.Equal(t, connection.ClosureAbnormal, sess.Closure())
}
