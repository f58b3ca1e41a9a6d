// Package mock provides an in-memory capture backend for engine tests.
// Tests push PCM chunks through the stream as if a device callback fired.
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/internal/capture"
)

// Backend is an in-memory [capture.Backend].
type Backend struct {
	// OpenErr, when set, is returned by Open.
	OpenErr error

	// DeviceList is returned by Devices.
	DeviceList []capture.DeviceInfo

	// Caps is returned by Capabilities.
	Caps capture.Capabilities

	mu      sync.Mutex
	streams []*Stream
	closed  bool
}

// Open implements [capture.Backend].
func (b *Backend) Open(_ context.Context, cfg capture.StreamConfig, onData func(pcm []byte)) (capture.Stream, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	s := &Stream{Config: cfg, onData: onData}
	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()
	return s, nil
}

// Devices implements [capture.Backend].
func (b *Backend) Devices(context.Context) ([]capture.DeviceInfo, error) {
	return b.DeviceList, nil
}

// Capabilities implements [capture.Backend].
func (b *Backend) Capabilities(context.Context, string) (capture.Capabilities, error) {
	return b.Caps, nil
}

// Close implements [capture.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Last returns the most recently opened stream, or nil.
func (b *Backend) Last() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

// Stream is an in-memory [capture.Stream].
type Stream struct {
	// Config is the stream configuration it was opened with.
	Config capture.StreamConfig

	onData func([]byte)

	mu      sync.Mutex
	stopped bool
	stops   int
}

// Push delivers one S16LE PCM chunk as if the device callback fired.
func (s *Stream) Push(pcm []byte) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.onData(pcm)
	}
}

// Stop implements [capture.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stops++
	return nil
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopCalls returns how many times Stop was invoked.
func (s *Stream) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
