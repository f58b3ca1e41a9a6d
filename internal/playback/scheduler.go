// Package playback schedules ordered playback of synthesized speech segments:
// a FIFO queue with duplicate suppression, an explicit playback state machine,
// natural-completion chaining, and interruption fade-out.
package playback

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/types"
)

// State is the playback lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateFadingOut State = "fading_out"
	StateError     State = "error"
)

const (
	defaultAdvanceDelay  = 250 * time.Millisecond
	defaultWatchInterval = 50 * time.Millisecond

	// fadeSteps is the number of gain updates in a fade ramp.
	fadeSteps = 24

	// fadeFloor is the gain fraction considered near-silence.
	fadeFloor = 0.001
)

// Option is a functional option for configuring the [Scheduler].
type Option func(*Scheduler)

// WithAdvanceDelay sets the pause before advancing past a failed segment.
func WithAdvanceDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.advanceDelay = d
		}
	}
}

// WithWatchInterval sets the completion polling interval. Useful for tests.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.watchInterval = d
		}
	}
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// Scheduler plays queued segments in order. All methods are safe for
// concurrent use.
//
// A generation counter guards every asynchronous path (completion watcher,
// fade ramp, delayed advance): releasing or replacing the current segment
// bumps the generation, so stale goroutines observe the mismatch and exit
// without touching resources they no longer own. A segment is never partially
// played; it completes, fades, or is dropped whole.
type Scheduler struct {
	sink          Sink
	advanceDelay  time.Duration
	watchInterval time.Duration
	metrics       *observe.Metrics
	log           *slog.Logger

	mu           sync.Mutex
	state        State
	queue        []types.AudioSegment
	current      *types.AudioSegment
	player       Player
	gen          uint64
	started      time.Time
	advanceTimer *time.Timer
}

// New creates a [Scheduler] over the given output sink.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:          sink,
		advanceDelay:  defaultAdvanceDelay,
		watchInterval: defaultWatchInterval,
		state:         StateIdle,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns a snapshot of the current playback state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Idle reports whether nothing is playing, loading, paused or fading.
func (s *Scheduler) Idle() bool {
	return s.State() == StateIdle
}

// QueueLen returns the number of queued segments, excluding current.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Enqueue appends a segment. A segment whose identity key already exists in
// the queue or matches the current segment is dropped silently; Enqueue
// returns false for dropped duplicates.
func (s *Scheduler) Enqueue(seg types.AudioSegment) bool {
	key := seg.Key()

	s.mu.Lock()
	if s.current != nil && s.current.Key() == key {
		s.mu.Unlock()
		observe.RecordCounter(context.Background(), s.metrics.SegmentsDropped, 1, observe.ReasonAttr("duplicate"))
		return false
	}
	for _, queued := range s.queue {
		if queued.Key() == key {
			s.mu.Unlock()
			observe.RecordCounter(context.Background(), s.metrics.SegmentsDropped, 1, observe.ReasonAttr("duplicate"))
			return false
		}
	}
	s.queue = append(s.queue, seg)
	s.mu.Unlock()

	observe.RecordCounter(context.Background(), s.metrics.SegmentsEnqueued, 1)
	if s.metrics.QueueDepth != nil {
		s.metrics.QueueDepth.Add(context.Background(), 1)
	}
	return true
}

// Play starts playback of the queue head, or resumes from Paused. It is a
// no-op while Playing, Loading or FadingOut, and when the queue is empty.
func (s *Scheduler) Play() error {
	s.mu.Lock()

	switch s.state {
	case StatePlaying, StateLoading, StateFadingOut:
		s.mu.Unlock()
		return nil
	case StatePaused:
		s.player.Play()
		s.state = StatePlaying
		s.mu.Unlock()
		return nil
	}

	s.cancelAdvanceLocked()
	if len(s.queue) == 0 {
		s.state = StateIdle
		s.mu.Unlock()
		return nil
	}
	return s.startNextLocked()
}

// startNextLocked dequeues the head segment, decodes it and begins playback.
// Called with the lock held; releases it before returning. Decoding happens
// outside the lock, guarded by the generation captured at dequeue time.
func (s *Scheduler) startNextLocked() error {
	seg := s.queue[0]
	s.queue = s.queue[1:]
	s.current = &seg
	s.state = StateLoading
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if s.metrics.QueueDepth != nil {
		s.metrics.QueueDepth.Add(context.Background(), -1)
	}

	pcm, err := decodeSegment(seg, s.sink.Format())

	s.mu.Lock()
	if s.gen != gen {
		// Released or replaced while decoding.
		s.mu.Unlock()
		return nil
	}
	if err == nil {
		var p Player
		p, err = s.sink.NewPlayer(pcm)
		if err != nil {
			err = types.Errorf(types.CodePlayback, "playback: segment %s/%d: open player: %w",
				seg.ID, seg.Sentence, err)
		} else {
			s.player = p
			s.state = StatePlaying
			s.started = time.Now()
			p.Play()
			s.mu.Unlock()
			go s.watchCompletion(p, gen)
			return nil
		}
	}

	// Decode or device failure: drop the segment and advance after a delay
	// rather than stalling the queue.
	s.state = StateError
	s.current = nil
	s.scheduleAdvanceLocked(gen)
	s.mu.Unlock()

	observe.RecordCounter(context.Background(), s.metrics.PlaybackErrors, 1)
	observe.RecordCounter(context.Background(), s.metrics.SegmentsDropped, 1, observe.ReasonAttr("decode"))
	s.log.Warn("segment playback failed",
		"segment_id", seg.ID,
		"sentence", seg.Sentence,
		"error", err,
	)
	return err
}

// scheduleAdvanceLocked arms the delayed advance past a failed segment.
// Cancelled by Stop, ClearQueue and explicit Play.
func (s *Scheduler) scheduleAdvanceLocked(gen uint64) {
	s.cancelAdvanceLocked()
	s.advanceTimer = time.AfterFunc(s.advanceDelay, func() {
		s.mu.Lock()
		if s.gen != gen || s.state != StateError {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.state = StateIdle
			s.mu.Unlock()
			return
		}
		_ = s.startNextLocked()
	})
}

func (s *Scheduler) cancelAdvanceLocked() {
	if s.advanceTimer != nil {
		s.advanceTimer.Stop()
		s.advanceTimer = nil
	}
}

// watchCompletion polls the player until the segment has been played out,
// then chains to the next queued segment. The generation check keeps stale
// watchers from re-entering after a stop, fade or replacement.
func (s *Scheduler) watchCompletion(p Player, gen uint64) {
	tick := time.NewTicker(s.watchInterval)
	defer tick.Stop()

	for range tick.C {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		switch s.state {
		case StatePaused:
			s.mu.Unlock()
			continue
		case StatePlaying:
		default:
			s.mu.Unlock()
			return
		}
		if p.IsPlaying() {
			s.mu.Unlock()
			continue
		}

		// Played to completion.
		seg := s.current
		elapsed := time.Since(s.started)
		_ = p.Close()
		s.player = nil
		s.current = nil
		s.gen++

		observe.RecordCounter(context.Background(), s.metrics.SegmentsPlayed, 1)
		if s.metrics.SegmentPlayDuration != nil {
			s.metrics.SegmentPlayDuration.Record(context.Background(), elapsed.Seconds())
		}
		if seg != nil {
			s.log.Debug("segment completed",
				"segment_id", seg.ID,
				"sentence", seg.Sentence,
			)
		}

		if len(s.queue) > 0 {
			_ = s.startNextLocked()
			return
		}
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
}

// Pause suspends output. Valid only while Playing; otherwise a no-op.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return
	}
	s.player.Pause()
	s.state = StatePaused
}

// Stop halts and releases the current segment and resets to Idle. Safe to
// call in any state. Queued segments are kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancelAdvanceLocked()
	s.releaseLocked()
	s.mu.Unlock()
}

// ClearQueue empties the queue, force-releases current playback and resets
// to Idle. Used on interruption.
func (s *Scheduler) ClearQueue() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.cancelAdvanceLocked()
	s.releaseLocked()
	s.mu.Unlock()

	if dropped > 0 {
		observe.RecordCounter(context.Background(), s.metrics.SegmentsDropped, int64(dropped), observe.ReasonAttr("cleared"))
		if s.metrics.QueueDepth != nil {
			s.metrics.QueueDepth.Add(context.Background(), -int64(dropped))
		}
	}
}

// releaseLocked bumps the generation, closes the player and resets to Idle.
func (s *Scheduler) releaseLocked() {
	s.gen++
	if s.player != nil {
		_ = s.player.Close()
		s.player = nil
	}
	s.current = nil
	s.state = StateIdle
}

// FadeOut ramps the current segment's gain to near-silence over d with an
// exponential curve, then releases it like Stop. A call when nothing is
// playing returns immediately. Play is rejected for the duration of the ramp.
// FadeOut always returns within d plus scheduling slack, even when Stop or
// ClearQueue release the player mid-ramp.
func (s *Scheduler) FadeOut(d time.Duration) {
	s.mu.Lock()
	if s.state != StatePlaying || s.player == nil {
		s.mu.Unlock()
		return
	}
	s.state = StateFadingOut
	gen := s.gen
	p := s.player
	start := p.Volume()
	s.mu.Unlock()

	observe.RecordCounter(context.Background(), s.metrics.FadeOuts, 1)

	if start <= 0 {
		start = fadeFloor
	}
	// Exponential ramp: equal multiplicative steps from the starting gain
	// down to the floor fraction.
	factor := math.Pow(fadeFloor, 1.0/float64(fadeSteps))
	step := d / fadeSteps
	vol := start

	for i := 0; i < fadeSteps; i++ {
		time.Sleep(step)
		vol *= factor
		s.mu.Lock()
		if s.gen != gen || s.player == nil {
			// Torn down concurrently; nothing left to ramp.
			s.mu.Unlock()
			return
		}
		s.player.SetVolume(vol)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.gen == gen {
		s.releaseLocked()
	}
	s.mu.Unlock()
}
