package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/profai/server/internal/model/speech"
)

var (
	// ErrDisconnected ends a stream whose listener went away.
	ErrDisconnected = errors.New("audio: listener disconnected")
	// ErrEmptyText is returned when nothing speakable remains after normalization.
	ErrEmptyText = errors.New("audio: nothing to synthesize")
	// ErrGenerationFailed is returned when the first segment and its fallback both failed.
	ErrGenerationFailed = errors.New("audio: generation failed")

	errConsumed = errors.New("audio: stream already consumed")
	errStopped  = errors.New("audio: consumer stopped")
)

// Synthesizer streams provider audio for one request. emit is called
// sequentially from the calling goroutine; an error from emit aborts the
// call and is returned unchanged.
type Synthesizer interface {
	SynthesizeStream(ctx context.Context, req *speech.TTSRequest, emit func([]byte) error) error
}

// Profile bounds how much text one delivery mode accepts and when it is
// split into segments.
type Profile struct {
	MaxChars            int
	SingleCallThreshold int
}

var (
	StreamingProfile = Profile{MaxChars: 5000, SingleCallThreshold: 800}
	BufferedProfile  = Profile{MaxChars: 8000, SingleCallThreshold: 2500}
)

// Options configures a Pipeline. Zero values take the defaults.
type Options struct {
	Streaming      Profile
	Buffered       Profile
	MaxConcurrency int  // segments synthesized at once per request
	ProviderCalls  int  // provider calls in flight across all requests
	PreserveOrder  bool // release segments in text order instead of completion order
}

func (o Options) withDefaults() Options {
	if o.Streaming.MaxChars <= 0 {
		o.Streaming.MaxChars = StreamingProfile.MaxChars
	}
	if o.Streaming.SingleCallThreshold <= 0 {
		o.Streaming.SingleCallThreshold = StreamingProfile.SingleCallThreshold
	}
	if o.Buffered.MaxChars <= 0 {
		o.Buffered.MaxChars = BufferedProfile.MaxChars
	}
	if o.Buffered.SingleCallThreshold <= 0 {
		o.Buffered.SingleCallThreshold = BufferedProfile.SingleCallThreshold
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	if o.ProviderCalls <= 0 {
		o.ProviderCalls = 16
	}
	o.ProviderCalls = max(o.ProviderCalls, o.MaxConcurrency)
	return o
}

// Pipeline turns text into a progressively delivered audio stream. A single
// Pipeline is shared by all sessions.
type Pipeline struct {
	synth Synthesizer
	opts  Options
	calls *semaphore.Weighted
}

// NewPipeline creates a pipeline over synth.
func NewPipeline(synth Synthesizer, opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		synth: synth,
		opts:  opts,
		calls: semaphore.NewWeighted(int64(opts.ProviderCalls)),
	}
}

// Request is one piece of text to speak.
type Request struct {
	SessionID string
	Text      string
	Language  string
	Speaker   string
}

// AudioChunk is one slice of synthesized audio. Sequence is 1-based and
// counts chunks in the order they are yielded; Segment is the 0-based index
// of the text segment the audio belongs to.
type AudioChunk struct {
	Sequence int
	Segment  int
	Data     []byte
	First    bool
}

// Stats describes one stream. It is complete once the stream is drained.
type Stats struct {
	Segments          int
	DroppedSegments   int
	Chunks            int
	Bytes             int64
	FirstChunkLatency time.Duration
	Fallback          bool
}

// Stream synthesizes req and yields its audio as it becomes available.
// alive is consulted before every chunk and before every provider call, possibly
// from several goroutines; once it reports false, outstanding work is
// cancelled and the sequence ends with ErrDisconnected. The sequence
// can be ranged over once.
func (p *Pipeline) Stream(ctx context.Context, req Request, alive func() bool) (iter.Seq2[AudioChunk, error], *Stats) {
	stats := &Stats{}
	var used atomic.Bool

	seq := func(yield func(AudioChunk, error) bool) {
		if used.Swap(true) {
			yield(AudioChunk{}, errConsumed)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		r := &run{
			pipeline: p,
			req:      req,
			alive:    alive,
			stats:    stats,
			yield:    yield,
			start:    time.Now(),
		}
		if err := r.execute(ctx); err != nil && !errors.Is(err, errStopped) {
			yield(AudioChunk{}, err)
		}
	}
	return seq, stats
}

// Synthesize renders req into one buffer using the buffered profile.
// Segments are synthesized concurrently and joined in text order; any
// segment failure fails the whole request.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	text := Normalize(req.Text, p.opts.Buffered.MaxChars)
	if text == "" {
		return nil, ErrEmptyText
	}
	segments := split(text, p.opts.Buffered.SingleCallThreshold)

	parts := make([][]byte, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrency)
	for i, segment := range segments {
		g.Go(func() error {
			var buf bytes.Buffer
			err := p.call(gctx, ttsRequest(req, segment), func(data []byte) error {
				buf.Write(data)
				return nil
			})
			if err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			parts[i] = buf.Bytes()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	return bytes.Join(parts, nil), nil
}

func (p *Pipeline) call(ctx context.Context, req *speech.TTSRequest, emit func([]byte) error) error {
	if err := p.calls.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.calls.Release(1)

	// Acquire can succeed on a cancelled context
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.synth.SynthesizeStream(ctx, req, emit)
}

func split(text string, threshold int) []string {
	if utf8.RuneCountInString(text) <= threshold {
		return []string{text}
	}
	return SplitSegments(text, threshold)
}

func ttsRequest(req Request, text string) *speech.TTSRequest {
	return &speech.TTSRequest{
		SessionID: req.SessionID,
		Text:      text,
		Voice:     req.Speaker,
		Language:  req.Language,
	}
}

// run is the state of one Stream iteration.
type run struct {
	pipeline *Pipeline
	req      Request
	alive    func() bool
	stats    *Stats
	yield    func(AudioChunk, error) bool
	start    time.Time
	sequence int
}

type segmentResult struct {
	index  int
	chunks [][]byte
	err    error
}

func (r *run) execute(ctx context.Context) error {
	text := Normalize(r.req.Text, r.pipeline.opts.Streaming.MaxChars)
	if text == "" {
		return ErrEmptyText
	}
	if !r.alive() {
		return ErrDisconnected
	}

	segments := split(text, r.pipeline.opts.Streaming.SingleCallThreshold)
	r.stats.Segments = len(segments)

	emitted := 0
	err := r.pipeline.call(ctx, ttsRequest(r.req, segments[0]), func(data []byte) error {
		emitted++
		return r.forward(0, data)
	})
	if err != nil {
		if stop := r.terminal(ctx, err); stop != nil {
			return stop
		}
		return r.fallback(ctx, segments, emitted, err)
	}

	if len(segments) == 1 {
		return nil
	}
	if !r.alive() {
		return ErrDisconnected
	}
	return r.fanOut(ctx, segments[1:])
}

// fallback retries once with a single call over the text not yet delivered.
func (r *run) fallback(ctx context.Context, segments []string, emitted int, cause error) error {
	log.Printf("[audio] %s first segment failed after %d chunks: %v", r.req.SessionID, emitted, cause)

	first := 0
	if emitted > 0 {
		first = 1
	}
	if first >= len(segments) {
		return fmt.Errorf("%w: %w", ErrGenerationFailed, cause)
	}

	r.stats.Fallback = true
	text := strings.Join(segments[first:], " ")
	err := r.pipeline.call(ctx, ttsRequest(r.req, text), func(data []byte) error {
		return r.forward(first, data)
	})
	if err != nil {
		if stop := r.terminal(ctx, err); stop != nil {
			return stop
		}
		return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return nil
}

// fanOut synthesizes the remaining segments concurrently and forwards each
// one when it completes, or in text order when PreserveOrder is set.
func (r *run) fanOut(ctx context.Context, rest []string) error {
	results := make(chan segmentResult, len(rest))

	// cancelled on return so segments not yet started are skipped
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := func() bool { return ctx.Err() != nil || !r.alive() }

	var g errgroup.Group
	g.SetLimit(r.pipeline.opts.MaxConcurrency)
	go func() {
		for i, text := range rest {
			if stopped() {
				break
			}
			index := i + 1
			g.Go(func() error {
				if stopped() {
					results <- segmentResult{index: index, err: ErrDisconnected}
					return nil
				}
				var chunks [][]byte
				err := r.pipeline.call(ctx, ttsRequest(r.req, text), func(data []byte) error {
					chunks = append(chunks, data)
					return nil
				})
				results <- segmentResult{index: index, chunks: chunks, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	pending := make(map[int][][]byte)
	next := 1

	for {
		select {
		case <-ctx.Done():
			return r.interrupted(ctx)
		case res, ok := <-results:
			if !ok {
				if !r.alive() {
					return ErrDisconnected
				}
				return nil
			}
			if res.err != nil {
				if ctx.Err() != nil {
					return r.interrupted(ctx)
				}
				if errors.Is(res.err, ErrDisconnected) {
					return ErrDisconnected
				}
				r.stats.DroppedSegments++
				log.Printf("[audio] %s segment %d dropped: %v", r.req.SessionID, res.index, res.err)
				res.chunks = nil
			}

			if !r.pipeline.opts.PreserveOrder {
				if err := r.forwardAll(res.index, res.chunks); err != nil {
					return err
				}
				continue
			}

			pending[res.index] = res.chunks
			for {
				chunks, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				if err := r.forwardAll(next, chunks); err != nil {
					return err
				}
				next++
			}
		}
	}
}

func (r *run) forwardAll(segment int, chunks [][]byte) error {
	for _, data := range chunks {
		if err := r.forward(segment, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) forward(segment int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !r.alive() {
		return ErrDisconnected
	}

	r.sequence++
	chunk := AudioChunk{
		Sequence: r.sequence,
		Segment:  segment,
		Data:     data,
		First:    r.sequence == 1,
	}
	if chunk.First {
		r.stats.FirstChunkLatency = time.Since(r.start)
	}
	r.stats.Chunks++
	r.stats.Bytes += int64(len(data))

	if !r.yield(chunk, nil) {
		return errStopped
	}
	return nil
}

// terminal returns the error that ends the stream without a fallback, or
// nil when err is an ordinary provider failure.
func (r *run) terminal(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errStopped), errors.Is(err, ErrDisconnected):
		return err
	case ctx.Err() != nil:
		return r.interrupted(ctx)
	}
	return nil
}

func (r *run) interrupted(ctx context.Context) error {
	if !r.alive() {
		return ErrDisconnected
	}
	return ctx.Err()
}
