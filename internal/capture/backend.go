package capture

import "context"

// DeviceInfo describes one capture device available on the host.
type DeviceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// Capabilities reports what a capture device supports. Probing failures are
// reported by the query, never fatal to an existing capture session.
type Capabilities struct {
	// EchoCancellation, NoiseSuppression and AutoGainControl report whether
	// the device applies these effects in hardware or driver software.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// SampleRates lists the common sample rates the device can open.
	SampleRates []int

	// MinChannels and MaxChannels bound the supported channel counts.
	MinChannels int
	MaxChannels int
}

// StreamConfig describes the capture stream to open.
type StreamConfig struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 or 2.
	Channels int

	// Device selects a device by name; empty means the system default.
	Device string
}

// Stream is an open capture stream. Stop is idempotent.
type Stream interface {
	Stop() error
}

// Backend abstracts the native audio layer so the engine can run against a
// real device or an in-memory double.
type Backend interface {
	// Open acquires a device and starts delivering S16LE PCM chunks to
	// onData from the device callback.
	Open(ctx context.Context, cfg StreamConfig, onData func(pcm []byte)) (Stream, error)

	// Devices enumerates capture devices.
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// Capabilities probes one device by name; empty selects the default.
	Capabilities(ctx context.Context, device string) (Capabilities, error)

	// Close releases the backend context.
	Close() error
}
