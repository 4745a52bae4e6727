package audio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profai/server/internal/model/speech"
)

// fakeSynth echoes each request text back as audio, optionally split into
// several chunks, delayed or failed per text prefix.
type fakeSynth struct {
	chunksPerCall int
	delays        map[string]time.Duration
	failures      map[string]error
	done          func(text string) // runs after a call emitted its audio

	mu       sync.Mutex
	texts    []string
	inFlight int
	peak     int
}

func (f *fakeSynth) SynthesizeStream(ctx context.Context, req *speech.TTSRequest, emit func([]byte) error) error {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	for prefix, delay := range f.delays {
		if strings.HasPrefix(req.Text, prefix) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	for prefix, err := range f.failures {
		if strings.HasPrefix(req.Text, prefix) {
			return err
		}
	}

	n := max(f.chunksPerCall, 1)
	for i := 0; i < n; i++ {
		if err := emit([]byte(req.Text)); err != nil {
			return err
		}
	}
	if f.done != nil {
		f.done(req.Text)
	}
	return nil
}

func (f *fakeSynth) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func always() bool { return true }

const threeSentences = "First part here. Second part here. Third part here."

func smallSegments(opts Options) Options {
	opts.Streaming = Profile{MaxChars: 1000, SingleCallThreshold: 20}
	opts.Buffered = Profile{MaxChars: 1000, SingleCallThreshold: 20}
	return opts
}

func collect(t *testing.T, p *Pipeline, text string, alive func() bool) ([]AudioChunk, *Stats, error) {
	t.Helper()
	seq, stats := p.Stream(context.Background(), Request{SessionID: "s", Text: text}, alive)
	var chunks []AudioChunk
	for chunk, err := range seq {
		if err != nil {
			return chunks, stats, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, stats, nil
}

func segmentsOf(chunks []AudioChunk) []int {
	out := make([]int, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Segment)
	}
	return out
}

func TestShortTextIsRelayedInProviderOrder(t *testing.T) {
	synth := &fakeSynth{chunksPerCall: 3}
	p := NewPipeline(synth, Options{})

	chunks, stats, err := collect(t, p, "Hello **class**, welcome.", always)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for i, c := range chunks {
		assert.Equal(t, i+1, c.Sequence)
		assert.Equal(t, 0, c.Segment)
		assert.Equal(t, i == 0, c.First)
		assert.Equal(t, "Hello class, welcome.", string(c.Data))
	}
	assert.Equal(t, []string{"Hello class, welcome."}, synth.calls())
	assert.Equal(t, 1, stats.Segments)
	assert.Equal(t, 3, stats.Chunks)
	assert.Positive(t, stats.FirstChunkLatency)
}

func TestFirstSegmentStreamsAloneThenCompletionOrder(t *testing.T) {
	synth := &fakeSynth{delays: map[string]time.Duration{"Second": 100 * time.Millisecond}}
	p := NewPipeline(synth, smallSegments(Options{}))

	chunks, stats, err := collect(t, p, threeSentences, always)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2, 1}, segmentsOf(chunks))
	assert.Equal(t, "First part here.", synth.calls()[0])
	assert.Equal(t, 3, stats.Segments)
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Sequence, "sequence follows delivery order")
	}
}

func TestPreserveOrderReleasesSegmentsInTextOrder(t *testing.T) {
	synth := &fakeSynth{delays: map[string]time.Duration{"Second": 100 * time.Millisecond}}
	p := NewPipeline(synth, smallSegments(Options{PreserveOrder: true}))

	chunks, _, err := collect(t, p, threeSentences, always)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, segmentsOf(chunks))
}

func TestFanOutRespectsConcurrencyCap(t *testing.T) {
	synth := &fakeSynth{delays: map[string]time.Duration{"Part": 20 * time.Millisecond}}
	p := NewPipeline(synth, smallSegments(Options{MaxConcurrency: 2}))

	text := strings.Repeat("Part of the text. ", 10)
	chunks, stats, err := collect(t, p, text, always)
	require.NoError(t, err)

	assert.Len(t, chunks, 10)
	assert.Equal(t, 10, stats.Segments)
	synth.mu.Lock()
	defer synth.mu.Unlock()
	assert.LessOrEqual(t, synth.peak, 2)
}

func TestDisconnectStopsStream(t *testing.T) {
	synth := &fakeSynth{chunksPerCall: 5}
	p := NewPipeline(synth, Options{})

	var connected atomic.Bool
	connected.Store(true)

	seq, _ := p.Stream(context.Background(), Request{Text: "Short answer."}, connected.Load)
	var (
		got     int
		lastErr error
	)
	for _, err := range seq {
		if err != nil {
			lastErr = err
			break
		}
		got++
		connected.Store(false)
	}

	assert.Equal(t, 1, got)
	assert.ErrorIs(t, lastErr, ErrDisconnected)
}

func TestDisconnectedListenerStartsNoProviderCalls(t *testing.T) {
	synth := &fakeSynth{}
	p := NewPipeline(synth, Options{})

	_, _, err := collect(t, p, threeSentences, func() bool { return false })
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Empty(t, synth.calls())
}

func TestDisconnectAfterFirstSegmentStartsNoFanOut(t *testing.T) {
	synth := &fakeSynth{}
	p := NewPipeline(synth, smallSegments(Options{}))

	// connected for the initial check and the first chunk only
	var checks atomic.Int32
	alive := func() bool { return checks.Add(1) <= 2 }

	chunks, _, err := collect(t, p, threeSentences, alive)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Len(t, chunks, 1)
	assert.Equal(t, []string{"First part here."}, synth.calls())
}

func TestDisconnectDuringFanOutSkipsQueuedSegments(t *testing.T) {
	var connected atomic.Bool
	connected.Store(true)
	synth := &fakeSynth{done: func(text string) {
		if strings.HasPrefix(text, "Second") {
			connected.Store(false)
		}
	}}
	p := NewPipeline(synth, smallSegments(Options{MaxConcurrency: 1}))

	text := "First part here. Second part here. Third part here. Fourth part here."
	chunks, _, err := collect(t, p, text, connected.Load)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, []int{0}, segmentsOf(chunks))
	assert.Equal(t, []string{"First part here.", "Second part here."}, synth.calls())
}

func TestFirstSegmentFailureFallsBackToSingleCall(t *testing.T) {
	synth := &failFirstCall{fakeSynth: &fakeSynth{}, err: errors.New("provider unavailable")}
	p := NewPipeline(synth, smallSegments(Options{}))

	chunks, stats, err := collect(t, p, threeSentences, always)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, threeSentences, string(chunks[0].Data))
	assert.True(t, chunks[0].First)
	assert.True(t, stats.Fallback)
}

func TestFallbackFailureEndsWithGenerationFailed(t *testing.T) {
	boom := errors.New("provider unavailable")
	synth := &fakeSynth{failures: map[string]error{"First": boom}}
	p := NewPipeline(synth, smallSegments(Options{}))

	chunks, _, err := collect(t, p, threeSentences, always)
	assert.Empty(t, chunks)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.Len(t, synth.calls(), 2)
}

func TestLaterSegmentFailureIsDropped(t *testing.T) {
	synth := &fakeSynth{failures: map[string]error{"Second": errors.New("bad segment")}}
	p := NewPipeline(synth, smallSegments(Options{}))

	chunks, stats, err := collect(t, p, threeSentences, always)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, segmentsOf(chunks))
	assert.Equal(t, 1, stats.DroppedSegments)
}

func TestBreakingOutCancelsOutstandingSegments(t *testing.T) {
	synth := &fakeSynth{delays: map[string]time.Duration{"Third": time.Second}}
	p := NewPipeline(synth, smallSegments(Options{}))

	seq, _ := p.Stream(context.Background(), Request{Text: threeSentences}, always)
	start := time.Now()
	received := 0
	for _, err := range seq {
		require.NoError(t, err)
		received++
		if received == 2 {
			break
		}
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Eventually(t, func() bool {
		synth.mu.Lock()
		defer synth.mu.Unlock()
		return synth.inFlight == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStreamRejectsEmptyTextAndReuse(t *testing.T) {
	p := NewPipeline(&fakeSynth{}, Options{})

	_, _, err := collect(t, p, "  ** ``` ``` ", always)
	assert.ErrorIs(t, err, ErrEmptyText)

	seq, _ := p.Stream(context.Background(), Request{Text: "Once."}, always)
	for range seq {
	}
	for _, err := range seq {
		assert.ErrorIs(t, err, errConsumed)
	}
}

func TestSynthesizeJoinsSegmentsInTextOrder(t *testing.T) {
	synth := &fakeSynth{delays: map[string]time.Duration{"First": 50 * time.Millisecond}}
	p := NewPipeline(synth, smallSegments(Options{}))

	audio, err := p.Synthesize(context.Background(), Request{Text: threeSentences})
	require.NoError(t, err)
	assert.Equal(t, "First part here.Second part here.Third part here.", string(audio))
}

func TestSynthesizeFailsWhenAnySegmentFails(t *testing.T) {
	synth := &fakeSynth{failures: map[string]error{"Third": errors.New("bad segment")}}
	p := NewPipeline(synth, smallSegments(Options{}))

	_, err := p.Synthesize(context.Background(), Request{Text: threeSentences})
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

// failFirstCall fails the first provider call and delegates the rest.
type failFirstCall struct {
	*fakeSynth
	err    error
	failed atomic.Bool
}

func (f *failFirstCall) SynthesizeStream(ctx context.Context, req *speech.TTSRequest, emit func([]byte) error) error {
	if !f.failed.Swap(true) {
		return f.err
	}
	return f.fakeSynth.SynthesizeStream(ctx, req, emit)
}
