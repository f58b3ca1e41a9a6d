// Package capture acquires microphone audio and forwards it, gated by an
// explicit listening flag, to a caller-supplied sink. Amplitude is published
// per frame regardless of the gate so visualizations keep moving while the
// transport handshake is still in flight.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/types"
)

// RecordingState mirrors capture activity.
type RecordingState string

const (
	StateIdle       RecordingState = "idle"
	StateRecording  RecordingState = "recording"
	StateProcessing RecordingState = "processing"
	StateCompleted  RecordingState = "completed"
	StateError      RecordingState = "error"
)

// FrameSink receives captured frames while the listening gate is open.
// It is called from the device callback; it must not block.
type FrameSink func(frame audio.Frame)

// Option is a functional option for configuring the [Engine].
type Option func(*Engine)

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// Engine owns one capture stream at a time. All methods are safe for
// concurrent use; the frame path runs on the device callback goroutine.
type Engine struct {
	backend Backend
	cfg     StreamConfig
	sink    FrameSink
	metrics *observe.Metrics
	log     *slog.Logger

	listening atomic.Bool
	level     atomic.Uint64 // float64 bits of the last frame amplitude

	mu     sync.Mutex
	state  RecordingState
	stream Stream
}

// New creates an [Engine] over the given backend. Frames flow to sink only
// while the listening gate is open.
func New(backend Backend, cfg StreamConfig, sink FrameSink, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		cfg:     cfg,
		sink:    sink,
		state:   StateIdle,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// State returns a snapshot of the recording state.
func (e *Engine) State() RecordingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start acquires the capture device and begins producing frames. device
// overrides the configured device name when non-empty. Starting while already
// recording is an error.
func (e *Engine) Start(ctx context.Context, device string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRecording {
		return types.NewError(types.CodeCapture, "capture: already recording")
	}

	cfg := e.cfg
	if device != "" {
		cfg.Device = device
	}

	stream, err := e.backend.Open(ctx, cfg, e.onData)
	if err != nil {
		e.state = StateError
		return types.Errorf(types.CodeCapture, "capture: open device: %w", err)
	}

	e.stream = stream
	e.state = StateRecording
	e.log.Debug("capture started",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"device", cfg.Device,
	)
	return nil
}

// Stop closes the device, releases native resources and closes the listening
// gate. Safe to call multiple times; a second call is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return nil
	}
	e.state = StateProcessing
	stream := e.stream
	e.stream = nil
	e.mu.Unlock()

	e.listening.Store(false)
	err := stream.Stop()

	e.mu.Lock()
	if err != nil {
		e.state = StateError
	} else {
		e.state = StateCompleted
	}
	e.mu.Unlock()

	if err != nil {
		return types.Errorf(types.CodeCapture, "capture: stop device: %w", err)
	}
	e.log.Debug("capture stopped")
	return nil
}

// SetListening opens or closes the gate. While closed, frames are dropped
// before reaching the sink; amplitude publication continues either way.
func (e *Engine) SetListening(on bool) {
	e.listening.Store(on)
}

// Listening reports whether the gate is open.
func (e *Engine) Listening() bool {
	return e.listening.Load()
}

// Level returns the mean absolute amplitude of the most recent frame.
func (e *Engine) Level() float64 {
	return math.Float64frombits(e.level.Load())
}

// Devices enumerates capture devices.
func (e *Engine) Devices(ctx context.Context) ([]DeviceInfo, error) {
	infos, err := e.backend.Devices(ctx)
	if err != nil {
		return nil, types.Errorf(types.CodeCapture, "capture: enumerate devices: %w", err)
	}
	return infos, nil
}

// Capabilities probes one device. Failures are reported to the caller and do
// not affect an active capture session.
func (e *Engine) Capabilities(ctx context.Context, device string) (Capabilities, error) {
	caps, err := e.backend.Capabilities(ctx, device)
	if err != nil {
		return Capabilities{}, types.Errorf(types.CodeCapture, "capture: probe device %q: %w", device, err)
	}
	return caps, nil
}

// onData runs on the device callback goroutine for every captured chunk.
func (e *Engine) onData(pcm []byte) {
	frame := audio.Frame{
		Samples:    audio.SamplesFromS16LE(pcm),
		Format:     "linear16",
		SampleRate: e.cfg.SampleRate,
	}

	e.level.Store(math.Float64bits(frame.Amplitude()))
	observe.RecordCounter(context.Background(), e.metrics.CaptureFrames, 1)

	if e.listening.Load() && e.sink != nil {
		e.sink(frame)
	}
}
