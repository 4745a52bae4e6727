package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialAttempts   = 2
	dialRetryDelay = 300 * time.Millisecond
)

// dialWithRetry opens a provider websocket, retrying transient failures.
// Handshake rejections (bad credentials, wrong resource) are not retried.
func dialWithRetry(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, resp, ctx.Err()
		}
		if !IsRetryableError(err) || attempt == dialAttempts {
			break
		}

		log.Printf("[speech] dial %s failed (attempt %d): %v", url, attempt, err)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(dialRetryDelay * time.Duration(attempt)):
		}
	}

	return nil, nil, fmt.Errorf("websocket dial failed: %w", lastErr)
}

// IsRetryableError reports whether a provider connection error is transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
