package capture_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/voicewire/voicewire/internal/capture"
	"github.com/voicewire/voicewire/internal/capture/mock"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/types"
)

var testConfig = capture.StreamConfig{SampleRate: 16000, Channels: 1}

// frameCollector is a thread-safe FrameSink for tests.
type frameCollector struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (c *frameCollector) sink(f audio.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *frameCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func chunk(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestStart_OpensStreamWithConfig(t *testing.T) {
	backend := &mock.Backend{}
	e := capture.New(backend, testConfig, nil)

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := e.State(); got != capture.StateRecording {
		t.Errorf("state = %s, want recording", got)
	}
	stream := backend.Last()
	if stream == nil {
		t.Fatal("no stream opened")
	}
	if stream.Config != testConfig {
		t.Errorf("stream config = %+v, want %+v", stream.Config, testConfig)
	}
}

func TestStart_DeviceOverride(t *testing.T) {
	backend := &mock.Backend{}
	e := capture.New(backend, testConfig, nil)

	if err := e.Start(context.Background(), "USB Microphone"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := backend.Last().Config.Device; got != "USB Microphone" {
		t.Errorf("device = %q, want override", got)
	}
}

func TestStart_WhileRecordingFails(t *testing.T) {
	backend := &mock.Backend{}
	e := capture.New(backend, testConfig, nil)

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := e.Start(context.Background(), "")
	if !types.IsCode(err, types.CodeCapture) {
		t.Errorf("second Start error = %v, want capture code", err)
	}
	if got := e.State(); got != capture.StateRecording {
		t.Errorf("state = %s, want still recording", got)
	}
}

func TestStart_OpenFailure(t *testing.T) {
	backend := &mock.Backend{OpenErr: errors.New("device busy")}
	e := capture.New(backend, testConfig, nil)

	err := e.Start(context.Background(), "")
	if !types.IsCode(err, types.CodeCapture) {
		t.Errorf("error = %v, want capture code", err)
	}
	if got := e.State(); got != capture.StateError {
		t.Errorf("state = %s, want error", got)
	}
}

func TestListeningGate(t *testing.T) {
	backend := &mock.Backend{}
	var collected frameCollector
	e := capture.New(backend, testConfig, collected.sink)

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := backend.Last()

	// Gate closed by default: frames are dropped before the sink.
	stream.Push(chunk(100, 200))
	if got := collected.count(); got != 0 {
		t.Fatalf("frames with gate closed = %d, want 0", got)
	}

	e.SetListening(true)
	if !e.Listening() {
		t.Fatal("gate did not open")
	}
	stream.Push(chunk(300, 400))
	stream.Push(chunk(500, 600))
	if got := collected.count(); got != 2 {
		t.Fatalf("frames with gate open = %d, want 2", got)
	}

	e.SetListening(false)
	stream.Push(chunk(700, 800))
	if got := collected.count(); got != 2 {
		t.Errorf("frames after gate closed = %d, want still 2", got)
	}
}

func TestLevel_PublishedRegardlessOfGate(t *testing.T) {
	backend := &mock.Backend{}
	e := capture.New(backend, testConfig, nil)

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := e.Level(); got != 0 {
		t.Fatalf("initial level = %v, want 0", got)
	}

	// Gate stays closed; amplitude must still update.
	backend.Last().Push(chunk(16384, -16384))
	if got, want := e.Level(), 0.5; got < want-0.01 || got > want+0.01 {
		t.Errorf("level = %v, want about %v", got, want)
	}
}

func TestFrame_CarriesStreamFormat(t *testing.T) {
	backend := &mock.Backend{}
	var collected frameCollector
	e := capture.New(backend, testConfig, collected.sink)

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.SetListening(true)
	backend.Last().Push(chunk(1, 2, 3))

	collected.mu.Lock()
	defer collected.mu.Unlock()
	if len(collected.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(collected.frames))
	}
	f := collected.frames[0]
	if f.Format != "linear16" {
		t.Errorf("format = %q, want linear16", f.Format)
	}
	if f.SampleRate != testConfig.SampleRate {
		t.Errorf("sample rate = %d, want %d", f.SampleRate, testConfig.SampleRate)
	}
	if len(f.Samples) != 3 {
		t.Errorf("samples = %d, want 3", len(f.Samples))
	}
}

func TestStop_ClosesGateAndStream(t *testing.T) {
	backend := &mock.Backend{}
	e := capture.New(backend, testConfig, nil)

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.SetListening(true)

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := e.State(); got != capture.StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
	if e.Listening() {
		t.Error("gate left open after Stop")
	}
	if !backend.Last().Stopped() {
		t.Error("stream not stopped")
	}
}

func TestStop_Idempotent(t *testing.T) {
	backend := &mock.Backend{}
	e := capture.New(backend, testConfig, nil)

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := backend.Last().StopCalls(); got != 1 {
		t.Errorf("stream Stop calls = %d, want 1", got)
	}
}

func TestRestart_AfterStop(t *testing.T) {
	backend := &mock.Backend{}
	e := capture.New(backend, testConfig, nil)

	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Start(context.Background(), ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := e.State(); got != capture.StateRecording {
		t.Errorf("state = %s, want recording", got)
	}
}

func TestDevicesAndCapabilities(t *testing.T) {
	backend := &mock.Backend{
		DeviceList: []capture.DeviceInfo{
			{ID: "dev-1", Name: "Built-in Microphone", IsDefault: true},
			{ID: "dev-2", Name: "USB Microphone"},
		},
		Caps: capture.Capabilities{
			SampleRates: []int{16000, 48000},
			MinChannels: 1,
			MaxChannels: 2,
		},
	}
	e := capture.New(backend, testConfig, nil)

	devices, err := e.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 2 || !devices[0].IsDefault {
		t.Errorf("devices = %+v", devices)
	}

	caps, err := e.Capabilities(context.Background(), "dev-2")
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if len(caps.SampleRates) != 2 || caps.MaxChannels != 2 {
		t.Errorf("capabilities = %+v", caps)
	}
}
