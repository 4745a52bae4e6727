package connection

import (
	"fmt"
	"sync"
)

// Monitor accumulates delivery and disconnection counters for one session.
// It is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	metrics MonitorMetrics
}

// MonitorMetrics is a snapshot of the counters held by a Monitor.
type MonitorMetrics struct {
	ClientID              string `json:"client_id"`
	ChunksSent            int64  `json:"chunks_sent"`
	BytesSent             int64  `json:"bytes_sent"`
	NormalDisconnections  int64  `json:"normal_disconnections"`
	ErrorDisconnections   int64  `json:"error_disconnections"`
	UnknownDisconnections int64  `json:"unknown_disconnections"`
	TotalDisconnections   int64  `json:"total_disconnections"`
	Healthy               bool   `json:"healthy"`
}

// NewMonitor creates a monitor labelled with clientID.
func NewMonitor(clientID string) *Monitor {
	return &Monitor{metrics: MonitorMetrics{ClientID: clientID}}
}

// RecordChunkSent counts one delivered audio chunk of size bytes.
func (m *Monitor) RecordChunkSent(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.ChunksSent++
	m.metrics.BytesSent += int64(size)
}

// RecordDisconnection classifies cause and counts it. Normal closures never
// count as errors.
func (m *Monitor) RecordDisconnection(cause error) Closure {
	closure := ClassifyClosure(cause)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.TotalDisconnections++
	switch closure {
	case ClosureNormal:
		m.metrics.NormalDisconnections++
	case ClosureAbnormal:
		m.metrics.ErrorDisconnections++
	default:
		m.metrics.UnknownDisconnections++
	}
	return closure
}

// Metrics returns a copy of the current counters. Healthy is false once
// error disconnections outnumber normal ones.
func (m *Monitor) Metrics() MonitorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.metrics
	snap.Healthy = snap.ErrorDisconnections <= snap.NormalDisconnections
	return snap
}

func (m *Monitor) String() string {
	snap := m.Metrics()
	return fmt.Sprintf("client=%s chunks=%d bytes=%d normal=%d errors=%d",
		snap.ClientID, snap.ChunksSent, snap.BytesSent, snap.NormalDisconnections, snap.ErrorDisconnections)
}
