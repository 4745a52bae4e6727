package realtime

import "time"

// performance holds the request counters of one session. Only the router
// goroutine touches it.
type performance struct {
	totalRequests int64
	byKind        map[Kind]int64
	totalTime     time.Duration
	errors        int64
}

func newPerformance() *performance {
	return &performance{byKind: make(map[Kind]int64)}
}

func (p *performance) record(kind Kind, elapsed time.Duration, failed bool) {
	p.totalRequests++
	p.byKind[kind]++
	p.totalTime += elapsed
	if failed {
		p.errors++
	}
}

func (p *performance) snapshot() map[string]any {
	byKind := make(map[string]int64, len(p.byKind))
	for kind, n := range p.byKind {
		byKind[string(kind)] = n
	}

	avg := 0.0
	if p.totalRequests > 0 {
		avg = p.totalTime.Seconds() / float64(p.totalRequests)
	}

	return map[string]any{
		"total_requests":      p.totalRequests,
		"requests_by_kind":    byKind,
		"chat_requests":       p.byKind[KindChatWithAudio],
		"audio_requests":      p.byKind[KindAudioOnly],
		"teaching_requests":   p.byKind[KindStartClass],
		"total_response_time": p.totalTime.Seconds(),
		"avg_response_time":   avg,
		"errors":              p.errors,
	}
}
