// Package audio provides the shared audio primitives for Voicewire: capture
// frames, amplitude computation, and PCM format conversion between the sample
// rates and channel layouts used by the capture device, the wire protocol,
// and the output device.
package audio

// Frame is a single frame of captured audio. Frames are ephemeral: produced
// once per capture callback, forwarded to the transport, and discarded. They
// are never queued.
type Frame struct {
	// Samples holds normalized PCM samples in [-1, 1].
	Samples []float32

	// Format names the sample encoding on the wire (e.g., "pcm_f32le").
	Format string

	// SampleRate in Hz.
	SampleRate int
}

// Amplitude returns the mean absolute sample value of the frame, a scalar
// loudness estimate used for visualization and telemetry. Returns 0 for an
// empty frame.
func (f Frame) Amplitude() float64 {
	return MeanAbs(f.Samples)
}

// MeanAbs computes the mean absolute value of samples. Returns 0 when the
// slice is empty.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(samples))
}
