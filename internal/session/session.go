// Package session wires the engine's subsystems into one voice session: auth,
// connection, dispatch, playback and capture. A Session owns the full
// lifecycle; New creates and connects the parts, Close tears them down in
// reverse order.
//
// For testing, inject doubles via functional options (WithCaptureBackend,
// WithPlaybackSink, etc.). When an option is not provided, New creates the
// real device-backed implementation from the config.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/voicewire/voicewire/internal/auth"
	"github.com/voicewire/voicewire/internal/capture"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/conn"
	"github.com/voicewire/voicewire/internal/dispatch"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/playback"
	"github.com/voicewire/voicewire/internal/protocol"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/types"
)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Session)

// WithCaptureBackend injects a capture backend instead of opening the native
// audio context.
func WithCaptureBackend(b capture.Backend) Option {
	return func(s *Session) { s.backend = b }
}

// WithPlaybackSink injects a playback sink instead of opening the output
// device.
func WithPlaybackSink(sink playback.Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithLogger sets the base logger. The session ID is attached automatically.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metrics instruments shared across subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session owns one end-to-end voice session.
type Session struct {
	id      string
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	tokens  *auth.Provider
	conn    *conn.Controller
	disp    *dispatch.Dispatcher
	sched   *playback.Scheduler
	engine  *capture.Engine
	backend capture.Backend
	sink    playback.Sink

	// playLevel holds the amplitude of the most recent inbound media frame
	// as Float64bits.
	playLevel atomic.Uint64

	// closers run in reverse order during Close.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// New wires a Session from config. Initialisation is synchronous: device
// contexts are opened here, but no connection is made until StartRecording.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session_id", s.id)

	if err := s.wire(); err != nil {
		// Release whatever was opened before the failure.
		_ = s.Close()
		return nil, err
	}

	if s.metrics.ActiveSessions != nil {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	s.closers = append(s.closers, func() error {
		if s.metrics.ActiveSessions != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		return nil
	})
	return s, nil
}

func (s *Session) wire() error {
	// Auth, when enabled.
	if s.cfg.Auth.Enabled {
		authOpts := []auth.Option{auth.WithRefreshBuffer(s.cfg.Auth.RefreshBuffer)}
		for k, v := range s.cfg.Auth.Headers {
			authOpts = append(authOpts, auth.WithHeader(k, v))
		}
		tokens, err := auth.New(s.cfg.Auth.TokenEndpoint, authOpts...)
		if err != nil {
			return err
		}
		s.tokens = tokens
	}

	// Playback: sink, scheduler.
	if s.sink == nil {
		sink, err := playback.NewOtoSink(audio.Format{
			SampleRate: s.cfg.Playback.SampleRate,
			Channels:   s.cfg.Playback.Channels,
		})
		if err != nil {
			return err
		}
		s.sink = sink
	}
	s.closers = append(s.closers, s.sink.Close)

	s.sched = playback.New(s.sink,
		playback.WithAdvanceDelay(s.cfg.Playback.AdvanceDelay),
		playback.WithMetrics(s.metrics),
		playback.WithLogger(s.log),
	)
	s.closers = append(s.closers, func() error {
		s.sched.ClearQueue()
		return nil
	})

	// Dispatch.
	s.disp = dispatch.New(s.sched,
		dispatch.WithFadeDuration(s.cfg.Playback.FadeOut),
		dispatch.WithAmplitudeSink(func(level float64) {
			s.playLevel.Store(math.Float64bits(level))
		}),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithLogger(s.log),
	)

	// Connection.
	connOpts := []conn.Option{
		conn.WithReceiver(s.disp.Dispatch),
		conn.WithReconnect(s.cfg.Reconnect.MaxAttempts, s.cfg.Reconnect.Delay),
		conn.WithMetrics(s.metrics),
	}
	if s.tokens != nil {
		connOpts = append(connOpts,
			conn.WithTokenSource(s.tokens),
			conn.WithTokenParam(s.cfg.Auth.TokenParam),
		)
	}
	ctrl, err := conn.New(s.cfg.Endpoint, connOpts...)
	if err != nil {
		return err
	}
	s.conn = ctrl
	s.conn.ObserveState(s.disp.DispatchState)
	s.closers = append(s.closers, s.conn.Disconnect)

	// Capture.
	if s.backend == nil {
		backend, err := capture.NewMalgoBackend()
		if err != nil {
			return err
		}
		s.backend = backend
	}
	s.closers = append(s.closers, s.backend.Close)

	s.engine = capture.New(s.backend, capture.StreamConfig{
		SampleRate: s.cfg.Capture.SampleRate,
		Channels:   s.cfg.Capture.Channels,
		Device:     s.cfg.Capture.Device,
	}, s.sendFrame,
		capture.WithMetrics(s.metrics),
		capture.WithLogger(s.log),
	)
	s.closers = append(s.closers, s.engine.Stop)

	return nil
}

// ID returns the session identifier attached to logs.
func (s *Session) ID() string { return s.id }

// Events exposes the observer registries for messages, connection states,
// errors and audio frames.
func (s *Session) Events() *dispatch.Dispatcher { return s.disp }

// Playback exposes the playback scheduler.
func (s *Session) Playback() *playback.Scheduler { return s.sched }

// Capture exposes the capture engine for amplitude and capability queries.
func (s *Session) Capture() *capture.Engine { return s.engine }

// ConnectionState returns a snapshot of the transport state.
func (s *Session) ConnectionState() conn.State { return s.conn.State() }

// PlaybackLevel returns the mean absolute amplitude of the most recent
// inbound media frame, in [0, 1]. Zero until the server has sent one.
func (s *Session) PlaybackLevel() float64 {
	return math.Float64frombits(s.playLevel.Load())
}

// StartRecording connects the transport, announces the capture format, starts
// the microphone and opens the listening gate. The connect sequence is
// bounded: when ctx carries no deadline, the configured connect timeout
// applies (5s by default) and expiry surfaces as a connect-timeout error.
func (s *Session) StartRecording(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Reconnect.ConnectTimeout)
		defer cancel()
	}

	if err := s.conn.Connect(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.Errorf(types.CodeConnectTimeout,
				"session: connect did not complete within %s: %w", s.cfg.Reconnect.ConnectTimeout, err)
		}
		return err
	}

	if err := s.conn.Send(ctx, protocol.NewSettings(s.cfg.Capture.SampleRate)); err != nil {
		return err
	}
	if err := s.conn.Send(ctx, protocol.NewStart()); err != nil {
		return err
	}

	if err := s.engine.Start(ctx, ""); err != nil {
		return err
	}
	s.engine.SetListening(true)

	s.log.Info("recording started",
		"endpoint", s.cfg.Endpoint,
		"sample_rate", s.cfg.Capture.SampleRate,
	)
	return nil
}

// StopRecording closes the listening gate, tells the server the stream ended
// and stops the microphone. Safe to call when not recording.
func (s *Session) StopRecording() error {
	s.engine.SetListening(false)

	if err := s.conn.Send(context.Background(), protocol.NewStop()); err != nil && !types.IsCode(err, types.CodeNotConnected) {
		s.log.Warn("stop notification failed", "error", err)
	}

	if err := s.engine.Stop(); err != nil {
		return err
	}
	s.log.Info("recording stopped")
	return nil
}

// sendFrame forwards one captured frame to the transport. Runs on the device
// callback goroutine; send failures drop the frame rather than block capture.
func (s *Session) sendFrame(frame audio.Frame) {
	msg := protocol.NewMedia(frame.Samples, frame.Format, frame.SampleRate)
	if err := s.conn.Send(context.Background(), msg); err != nil {
		s.log.Debug("media frame dropped", "error", err)
	}
}

// Close tears the session down in reverse-acquisition order. Idempotent.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}
