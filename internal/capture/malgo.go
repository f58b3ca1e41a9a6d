package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// commonRates are the sample rates offered by capability probes.
var commonRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// MalgoBackend is the production [Backend] over a miniaudio context.
type MalgoBackend struct {
	ctx *malgo.AllocatedContext
}

// NewMalgoBackend initialises the miniaudio context.
func NewMalgoBackend() (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}
	return &MalgoBackend{ctx: ctx}, nil
}

// Open implements [Backend].
func (b *MalgoBackend) Open(ctx context.Context, cfg StreamConfig, onData func(pcm []byte)) (Stream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	if cfg.Device != "" {
		info, err := b.findDevice(cfg.Device)
		if err != nil {
			return nil, err
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	return &malgoStream{device: device}, nil
}

// Devices implements [Backend].
func (b *MalgoBackend) Devices(_ context.Context) ([]DeviceInfo, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceInfo{
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return out, nil
}

// Capabilities implements [Backend]. miniaudio exposes no software effect
// constraints, so echo cancellation, noise suppression and gain control are
// always reported unsupported; sample rates and channel bounds come from the
// driver.
func (b *MalgoBackend) Capabilities(_ context.Context, device string) (Capabilities, error) {
	info, err := b.findDevice(device)
	if err != nil {
		return Capabilities{}, err
	}

	full, err := b.ctx.DeviceInfo(malgo.Capture, info.ID, malgo.Shared)
	if err != nil {
		return Capabilities{}, fmt.Errorf("probe device %q: %w", device, err)
	}

	caps := Capabilities{
		MinChannels: int(full.MinChannels),
		MaxChannels: int(full.MaxChannels),
	}
	for _, rate := range commonRates {
		if uint32(rate) >= full.MinSampleRate && uint32(rate) <= full.MaxSampleRate {
			caps.SampleRates = append(caps.SampleRates, rate)
		}
	}
	return caps, nil
}

// findDevice matches a capture device by name; empty selects the default.
func (b *MalgoBackend) findDevice(name string) (malgo.DeviceInfo, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("enumerate capture devices: %w", err)
	}
	if name == "" {
		for _, info := range infos {
			if info.IsDefault != 0 {
				return info, nil
			}
		}
		if len(infos) > 0 {
			return infos[0], nil
		}
		return malgo.DeviceInfo{}, fmt.Errorf("no capture devices available")
	}
	for _, info := range infos {
		if info.Name() == name {
			return info, nil
		}
	}
	return malgo.DeviceInfo{}, fmt.Errorf("capture device %q not found", name)
}

// Close implements [Backend].
func (b *MalgoBackend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("capture: uninit audio context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// malgoStream wraps one open capture device. Stop is idempotent.
type malgoStream struct {
	device *malgo.Device
	once   sync.Once
	err    error
}

func (s *malgoStream) Stop() error {
	s.once.Do(func() {
		s.err = s.device.Stop()
		s.device.Uninit()
	})
	return s.err
}
