package session

import "time"

// Stats is a point-in-time view of the session counters.
type Stats struct {
	ClientID         string        `json:"client_id"`
	CreatedAt        time.Time     `json:"created_at"`
	LastActivity     time.Time     `json:"last_activity"`
	Duration         time.Duration `json:"-"`
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	BytesSent        int64         `json:"bytes_sent"`
	BytesReceived    int64         `json:"bytes_received"`
	SendErrors       int64         `json:"send_errors"`
	InFlight         int           `json:"in_flight"`
}

// Stats snapshots the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ClientID:         s.id,
		CreatedAt:        s.createdAt,
		LastActivity:     time.Unix(0, s.lastActivity.Load()),
		Duration:         time.Since(s.createdAt),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		SendErrors:       s.sendErrors.Load(),
		InFlight:         s.InFlight(),
	}
}
