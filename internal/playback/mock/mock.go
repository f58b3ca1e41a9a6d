// Package mock provides in-memory playback doubles for scheduler tests.
// Players never touch an audio device; tests drive completion manually.
package mock

import (
	"errors"
	"sync"

	"github.com/voicewire/voicewire/internal/playback"
	"github.com/voicewire/voicewire/pkg/audio"
)

// Sink is an in-memory [playback.Sink]. It records every player it creates
// so tests can inspect and finish them.
type Sink struct {
	// OutputFormat is returned by Format. Defaults to 24kHz mono when zero.
	OutputFormat audio.Format

	// NewPlayerErr, when set, is returned by NewPlayer.
	NewPlayerErr error

	mu      sync.Mutex
	players []*Player
	closed  bool
}

// Format implements [playback.Sink].
func (s *Sink) Format() audio.Format {
	if s.OutputFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 24000, Channels: 1}
	}
	return s.OutputFormat
}

// NewPlayer implements [playback.Sink].
func (s *Sink) NewPlayer(pcm []byte) (playback.Player, error) {
	if s.NewPlayerErr != nil {
		return nil, s.NewPlayerErr
	}
	p := &Player{PCM: pcm, volume: 1}
	s.mu.Lock()
	s.players = append(s.players, p)
	s.mu.Unlock()
	return p, nil
}

// Close implements [playback.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock sink: already closed")
	}
	s.closed = true
	return nil
}

// Players returns all players created so far.
func (s *Sink) Players() []*Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Player, len(s.players))
	copy(out, s.players)
	return out
}

// Last returns the most recently created player, or nil.
func (s *Sink) Last() *Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.players) == 0 {
		return nil
	}
	return s.players[len(s.players)-1]
}

// Player is an in-memory [playback.Player]. Completion is driven by the test
// through [Player.Finish].
type Player struct {
	// PCM is the buffer the player was created over.
	PCM []byte

	mu       sync.Mutex
	playing  bool
	finished bool
	closed   bool
	volume   float64
	volumes  []float64
}

// Play implements [playback.Player].
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished && !p.closed {
		p.playing = true
	}
}

// Pause implements [playback.Player].
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
}

// IsPlaying implements [playback.Player].
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.finished
}

// SetVolume implements [playback.Player] and records every ramp value.
func (p *Player) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
	p.volumes = append(p.volumes, v)
}

// Volume implements [playback.Player].
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Close implements [playback.Player]. Idempotent, like the real device.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.closed = true
	return nil
}

// Finish simulates the buffer playing out to its natural end.
func (p *Player) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	p.playing = false
}

// Closed reports whether Close has been called.
func (p *Player) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Volumes returns every value passed to SetVolume, in order.
func (p *Player) Volumes() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, len(p.volumes))
	copy(out, p.volumes)
	return out
}
