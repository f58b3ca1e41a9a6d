// Package types defines the shared types used across all Voicewire packages.
//
// These types form the lingua franca between the connection controller, the
// capture engine, the playback scheduler, and the event dispatcher. They are
// intentionally minimal: each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioSegment is one unit of synthesized speech received from the voice
// service: the spoken text and its encoded audio payload. Segments are keyed
// by (ID, Sentence); the playback scheduler drops any segment whose key is
// already queued or playing.
type AudioSegment struct {
	// ID is the server-assigned segment identifier.
	ID string

	// Sentence is the sentence index within the segment. Together with ID it
	// forms the segment's identity key.
	Sentence int

	// Text is the transcript of the synthesized speech.
	Text string

	// Audio is the encoded audio payload. The encoding is described by Format
	// and SampleRate; the payload is self-describing and decoded only when
	// the segment becomes current.
	Audio []byte

	// SampleRate in Hz of the encoded audio (e.g., 22050, 24000).
	SampleRate int

	// Format names the audio encoding (e.g., "pcm_s16le", "wav", "mp3").
	Format string

	// Duration is the synthesized speech length as reported by the server.
	// Zero when the server does not report it.
	Duration time.Duration
}

// Key returns the segment's identity key. Two segments with equal keys are
// considered the same utterance regardless of payload.
func (s *AudioSegment) Key() SegmentKey {
	return SegmentKey{ID: s.ID, Sentence: s.Sentence}
}

// SegmentKey uniquely identifies an [AudioSegment] in the playback queue.
type SegmentKey struct {
	ID       string
	Sentence int
}

// Transcript represents a speech-to-text result received from the voice
// service. Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// SegmentID identifies the utterance this transcript belongs to.
	SegmentID string

	// IsPartial indicates an interim (non-authoritative) result.
	IsPartial bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the service does not report confidence.
	Confidence float64
}

// Detection is a low-latency speech-detection notice, emitted before a full
// transcription is available.
type Detection struct {
	Text       string
	Confidence float64
}

// Timestamp marks when a value was produced, in epoch milliseconds. The wire
// protocol exchanges epoch-ms integers, so the alias keeps conversions in one
// place.
type Timestamp int64

// NowMillis returns the current time as a [Timestamp].
func NowMillis() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Time converts the timestamp back to a [time.Time].
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}
