// Package dispatch routes classified inbound messages to observers and to the
// playback scheduler. It owns the observer registries for message,
// connection-state, error and audio-frame callbacks.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/conn"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/protocol"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/types"
)

// Scheduler is the playback surface the dispatcher drives. Implemented by
// [playback.Scheduler].
type Scheduler interface {
	// Enqueue adds a segment to the queue. Returns false when the segment was
	// dropped as a duplicate.
	Enqueue(seg types.AudioSegment) bool

	// Play starts playback of the queue head.
	Play() error

	// FadeOut ramps the current segment to near-silence over d, then releases
	// it. Blocks until resolved.
	FadeOut(d time.Duration)

	// ClearQueue empties the queue and force-releases current playback.
	ClearQueue()

	// Idle reports whether nothing is playing, loading, paused or fading.
	Idle() bool
}

// MessageObserver receives classified server messages that carry information
// for the application (transcriptions, detections, LLM responses, status).
type MessageObserver func(env protocol.Envelope)

// TranscriptObserver receives speech-to-text results, both partial and final,
// mapped out of the wire envelope.
type TranscriptObserver func(tr types.Transcript)

// DetectionObserver receives early speech-detection notices.
type DetectionObserver func(det types.Detection)

// ErrorObserver receives errors raised during dispatch, including malformed
// payloads.
type ErrorObserver func(err error)

// FrameObserver receives legacy raw audio frames used for amplitude
// visualization.
type FrameObserver func(frame audio.Frame)

// Subscription is the handle returned by observer registration. Unsubscribe
// is idempotent and safe to call from inside a callback.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the observer. Further dispatch cycles will not invoke
// it; a cycle already in flight may still deliver one event.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// registry is an ordered observer set. Dispatch iterates over a snapshot so
// callbacks may subscribe or unsubscribe mid-cycle.
type registry[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	ids     []uint64
	entries []T
}

func (r *registry[T]) add(fn T) *Subscription {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.ids = append(r.ids, id)
	r.entries = append(r.entries, fn)
	r.mu.Unlock()

	return &Subscription{cancel: func() { r.remove(id) }}
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.ids {
		if got == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.entries))
	copy(out, r.entries)
	return out
}

// Option is a functional option for configuring the [Dispatcher].
type Option func(*Dispatcher)

// WithFadeDuration sets the fade applied on speech interruptions.
// Defaults to 150ms.
func WithFadeDuration(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.fade = d
		}
	}
}

// WithAmplitudeSink sets a callback receiving the mean absolute amplitude of
// each legacy media frame.
func WithAmplitudeSink(sink func(level float64)) Option {
	return func(dp *Dispatcher) {
		dp.amplitude = sink
	}
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) {
		dp.log = l
	}
}

const defaultFade = 150 * time.Millisecond

// Dispatcher routes inbound payloads. Safe for concurrent use, though the
// transport delivers payloads from a single read pump in practice.
type Dispatcher struct {
	sched     Scheduler
	fade      time.Duration
	amplitude func(float64)
	metrics   *observe.Metrics
	log       *slog.Logger

	messages    registry[MessageObserver]
	transcripts registry[TranscriptObserver]
	detections  registry[DetectionObserver]
	states      registry[conn.StateObserver]
	errors      registry[ErrorObserver]
	frames      registry[FrameObserver]
}

// New creates a [Dispatcher] driving the given scheduler.
func New(sched Scheduler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sched: sched,
		fade:  defaultFade,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// OnMessage registers an observer for informational server messages.
func (d *Dispatcher) OnMessage(fn MessageObserver) *Subscription { return d.messages.add(fn) }

// OnTranscript registers an observer for transcription results. The wire
// payload is mapped to [types.Transcript] before delivery.
func (d *Dispatcher) OnTranscript(fn TranscriptObserver) *Subscription {
	return d.transcripts.add(fn)
}

// OnDetection registers an observer for speech-detection notices.
func (d *Dispatcher) OnDetection(fn DetectionObserver) *Subscription {
	return d.detections.add(fn)
}

// OnConnectionState registers an observer for connection-state transitions.
func (d *Dispatcher) OnConnectionState(fn conn.StateObserver) *Subscription {
	return d.states.add(fn)
}

// OnError registers an observer for dispatch errors.
func (d *Dispatcher) OnError(fn ErrorObserver) *Subscription { return d.errors.add(fn) }

// OnAudioFrame registers an observer for legacy raw audio frames.
func (d *Dispatcher) OnAudioFrame(fn FrameObserver) *Subscription { return d.frames.add(fn) }

// DispatchState forwards a connection-state transition to state observers.
// Wire it to [conn.Controller.ObserveState].
func (d *Dispatcher) DispatchState(s conn.State) {
	for _, fn := range d.states.snapshot() {
		d.safeCallState(fn, s)
	}
}

// Dispatch classifies and routes one raw inbound payload. It never panics or
// returns an error; malformed payloads reach the error observers.
func (d *Dispatcher) Dispatch(raw []byte) {
	env, err := protocol.Classify(raw)
	if err != nil {
		d.dispatchError(err)
		return
	}

	switch env.Kind {
	case protocol.KindTTSAudio:
		d.handleTTSAudio(env.TTSAudio)
	case protocol.KindInterruption:
		d.handleInterruption(env.Interruption)
	case protocol.KindMediaFrame:
		d.handleMediaFrame(env.MediaFrame)
	case protocol.KindTranscription:
		tr := types.Transcript{
			Text:       env.Transcription.Text,
			SegmentID:  env.Transcription.SegmentID,
			IsPartial:  env.Transcription.IsPartial,
			Confidence: env.Transcription.Confidence,
		}
		for _, fn := range d.transcripts.snapshot() {
			d.safeCallTranscript(fn, tr)
		}
		d.forwardMessage(env)
	case protocol.KindDetection:
		det := types.Detection{
			Text:       env.Detection.Text,
			Confidence: env.Detection.Confidence,
		}
		for _, fn := range d.detections.snapshot() {
			d.safeCallDetection(fn, det)
		}
		d.forwardMessage(env)
	default:
		// LLM responses, status updates, audio_saved notices and unknown
		// messages flow to message observers untouched.
		d.forwardMessage(env)
	}
}

// forwardMessage delivers an envelope to the message observers.
func (d *Dispatcher) forwardMessage(env protocol.Envelope) {
	for _, fn := range d.messages.snapshot() {
		d.safeCallMessage(fn, env)
	}
}

// handleTTSAudio decodes a synthesized segment and hands it to the scheduler,
// starting playback when nothing else is active.
func (d *Dispatcher) handleTTSAudio(msg *protocol.TTSAudio) {
	pcm, err := msg.DecodeAudio()
	if err != nil {
		observe.RecordCounter(context.Background(), d.metrics.SegmentsDropped, 1, observe.ReasonAttr("decode"))
		d.dispatchError(types.Errorf(types.CodePlayback, "dispatch: segment %s/%d: %w",
			msg.SegmentID, msg.SentenceNumber, err))
		return
	}

	seg := types.AudioSegment{
		ID:         msg.SegmentID,
		Sentence:   msg.SentenceNumber,
		Text:       msg.Text,
		Audio:      pcm,
		SampleRate: msg.SampleRate,
		Format:     msg.Format,
		Duration:   time.Duration(msg.DurationSeconds * float64(time.Second)),
	}

	wasIdle := d.sched.Idle()
	if !d.sched.Enqueue(seg) {
		d.log.Debug("duplicate segment dropped",
			"segment_id", seg.ID,
			"sentence", seg.Sentence,
		)
		return
	}
	if wasIdle {
		if err := d.sched.Play(); err != nil {
			d.dispatchError(err)
		}
	}
}

// handleInterruption fades out current playback and clears the queue, off the
// receive path so the read pump is never blocked by the fade.
func (d *Dispatcher) handleInterruption(msg *protocol.Interruption) {
	observe.RecordCounter(context.Background(), d.metrics.Interruptions, 1)
	d.log.Debug("speech interruption",
		"segment_id", msg.SegmentID,
		"reason", msg.Reason,
	)
	go func() {
		d.sched.FadeOut(d.fade)
		d.sched.ClearQueue()
	}()
}

// handleMediaFrame feeds amplitude visualization and audio-frame observers.
func (d *Dispatcher) handleMediaFrame(msg *protocol.MediaFrame) {
	frame := audio.Frame{
		Samples:    msg.Data,
		Format:     msg.Format,
		SampleRate: msg.SampleRate,
	}
	if d.amplitude != nil {
		d.amplitude(frame.Amplitude())
	}
	for _, fn := range d.frames.snapshot() {
		d.safeCallFrame(fn, frame)
	}
}

func (d *Dispatcher) dispatchError(err error) {
	for _, fn := range d.errors.snapshot() {
		d.safeCallError(fn, err)
	}
}

// The safeCall helpers isolate panicking observers so a single bad callback
// cannot take down the read pump or starve later observers.

func (d *Dispatcher) safeCallMessage(fn MessageObserver, env protocol.Envelope) {
	defer d.recoverObserver("message")
	fn(env)
}

func (d *Dispatcher) safeCallTranscript(fn TranscriptObserver, tr types.Transcript) {
	defer d.recoverObserver("transcript")
	fn(tr)
}

func (d *Dispatcher) safeCallDetection(fn DetectionObserver, det types.Detection) {
	defer d.recoverObserver("detection")
	fn(det)
}

func (d *Dispatcher) safeCallState(fn conn.StateObserver, s conn.State) {
	defer d.recoverObserver("connection_state")
	fn(s)
}

func (d *Dispatcher) safeCallError(fn ErrorObserver, err error) {
	defer d.recoverObserver("error")
	fn(err)
}

func (d *Dispatcher) safeCallFrame(fn FrameObserver, frame audio.Frame) {
	defer d.recoverObserver("audio_frame")
	fn(frame)
}

func (d *Dispatcher) recoverObserver(kind string) {
	if r := recover(); r != nil {
		d.log.Error("observer panicked", "observer", kind, "panic", r)
	}
}
