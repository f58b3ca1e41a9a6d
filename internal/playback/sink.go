package playback

import "github.com/voicewire/voicewire/pkg/audio"

// Player is an active playback handle for a single decoded segment.
// Implementations are provided by [Sink.NewPlayer].
type Player interface {
	// Play starts or resumes output.
	Play()

	// Pause suspends output without discarding buffered audio.
	Pause()

	// IsPlaying reports whether audio is currently being produced. It turns
	// false once the segment has been played to completion.
	IsPlaying() bool

	// SetVolume sets the output gain in [0, 1].
	SetVolume(v float64)

	// Volume returns the current output gain.
	Volume() float64

	// Close releases the playback resources. Idempotent.
	Close() error
}

// Sink owns the output device and produces players for decoded PCM. A single
// Sink instance owns the device context for the life of the session.
type Sink interface {
	// Format is the device output format decoded PCM must match.
	Format() audio.Format

	// NewPlayer creates a player over an S16LE PCM buffer in the sink format.
	// The returned player is not started.
	NewPlayer(pcm []byte) (Player, error)

	// Close releases the device context.
	Close() error
}
