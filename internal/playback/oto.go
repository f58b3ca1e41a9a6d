package playback

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/voicewire/voicewire/pkg/audio"
)

// OtoSink is the production [Sink] backed by an oto audio context. One sink
// owns the device context for the life of the session; oto contexts cannot be
// recreated within a process, so sinks outlive individual segments.
type OtoSink struct {
	ctx    *oto.Context
	format audio.Format
}

// NewOtoSink opens the output device in the given format.
func NewOtoSink(format audio.Format) (*OtoSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("playback: init output device: %w", err)
	}
	<-ready
	return &OtoSink{ctx: ctx, format: format}, nil
}

// Format returns the device output format.
func (s *OtoSink) Format() audio.Format { return s.format }

// NewPlayer creates a player over the PCM buffer. The player is not started.
func (s *OtoSink) NewPlayer(pcm []byte) (Player, error) {
	return &otoPlayer{p: s.ctx.NewPlayer(bytes.NewReader(pcm))}, nil
}

// Close suspends the device context. oto contexts have no teardown; suspend
// is the closest release available.
func (s *OtoSink) Close() error {
	return s.ctx.Suspend()
}

// otoPlayer adapts *oto.Player to [Player] with idempotent Close.
type otoPlayer struct {
	p    *oto.Player
	once sync.Once
	err  error
}

func (o *otoPlayer) Play()               { o.p.Play() }
func (o *otoPlayer) Pause()              { o.p.Pause() }
func (o *otoPlayer) IsPlaying() bool     { return o.p.IsPlaying() }
func (o *otoPlayer) SetVolume(v float64) { o.p.SetVolume(v) }
func (o *otoPlayer) Volume() float64     { return o.p.Volume() }

func (o *otoPlayer) Close() error {
	o.once.Do(func() { o.err = o.p.Close() })
	return o.err
}
