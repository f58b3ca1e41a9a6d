// Package protocol defines the JSON message schema exchanged with the voice
// service over the streaming transport, and the classifier that turns raw
// inbound payloads into typed envelopes.
//
// Outbound messages are discriminated by an "event" field; inbound messages
// by a "type" field, with a legacy "event":"media" form still emitted by
// older server builds for amplitude visualization.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ---- Outbound messages ----

// StartMessage tells the server the client is about to stream microphone
// audio.
type StartMessage struct {
	Event string `json:"event"`
}

// NewStart creates a start message.
func NewStart() StartMessage { return StartMessage{Event: "start"} }

// StopMessage tells the server the client finished streaming.
type StopMessage struct {
	Event string `json:"event"`
}

// NewStop creates a stop message.
func NewStop() StopMessage { return StopMessage{Event: "stop"} }

// SettingsMessage announces the capture format before streaming begins.
type SettingsMessage struct {
	Event      string `json:"event"`
	SampleRate int    `json:"sampleRate"`
}

// NewSettings creates a settings message for the given capture sample rate.
func NewSettings(sampleRate int) SettingsMessage {
	return SettingsMessage{Event: "settings", SampleRate: sampleRate}
}

// MediaMessage carries one captured audio frame upstream.
type MediaMessage struct {
	Event      string    `json:"event"`
	Data       []float32 `json:"data"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sampleRate"`
}

// NewMedia creates a media message for a captured frame.
func NewMedia(samples []float32, format string, sampleRate int) MediaMessage {
	return MediaMessage{Event: "media", Data: samples, Format: format, SampleRate: sampleRate}
}

// ---- Inbound messages ----

// Kind classifies an inbound message.
type Kind string

const (
	KindTranscription       Kind = "transcription"
	KindDetection           Kind = "detection"
	KindLLMStreaming        Kind = "llm_response_streaming"
	KindLLMResponse         Kind = "llm_response"
	KindTTSAudio            Kind = "tts_audio"
	KindInterruption        Kind = "speech_interruption"
	KindTranscriptionStatus Kind = "transcription_status"
	KindAudioSaved          Kind = "audio_saved"

	// KindMediaFrame is the legacy "event":"media" form carrying raw numeric
	// sample arrays for amplitude visualization.
	KindMediaFrame Kind = "media_frame"

	// KindUnknown marks messages with an unrecognised discriminator. They are
	// forwarded to message observers untouched.
	KindUnknown Kind = "unknown"
)

// Interruption reasons reported by the server.
const (
	ReasonNewSpeechSegment = "new_speech_segment"
	ReasonSegmentMerged    = "segment_merged"
)

// Transcription is a partial or final speech-to-text result.
type Transcription struct {
	Text       string  `json:"text"`
	SegmentID  string  `json:"segment_id"`
	IsPartial  bool    `json:"is_partial"`
	Confidence float64 `json:"confidence"`
}

// Detection is an early speech-detection notice.
type Detection struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// LLMStreaming is one token of a streaming language-model response.
type LLMStreaming struct {
	Token               string `json:"token"`
	AccumulatedResponse string `json:"accumulated_response"`
	SegmentID           string `json:"segment_id"`
	IsComplete          bool   `json:"is_complete"`
}

// LLMResponse is a complete language-model response.
type LLMResponse struct {
	Response     string `json:"response"`
	OriginalText string `json:"original_text"`
	SegmentID    string `json:"segment_id"`
}

// TTSAudio is one synthesized speech segment. AudioData is base64-encoded on
// the wire; use [TTSAudio.DecodeAudio] to recover the payload bytes.
type TTSAudio struct {
	AudioData       string  `json:"audio_data"`
	Text            string  `json:"text"`
	SegmentID       string  `json:"segment_id"`
	SentenceNumber  int     `json:"sentence_number"`
	SampleRate      int     `json:"sample_rate"`
	Format          string  `json:"format"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// DecodeAudio decodes the base64 audio payload.
func (t TTSAudio) DecodeAudio() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(t.AudioData)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode tts audio payload: %w", err)
	}
	return data, nil
}

// Interruption signals that new user speech was detected while the server
// was still producing a response; in-progress playback must fade and the
// queue must clear.
type Interruption struct {
	SegmentID string  `json:"segment_id"`
	StartTime float64 `json:"start_time"`
	Reason    string  `json:"reason"`
	Timestamp int64   `json:"timestamp"`
}

// AudioSaved reports that the server persisted the session recording.
type AudioSaved struct {
	Filename string `json:"filename"`
}

// MediaFrame is the legacy raw-sample message used for amplitude
// visualization.
type MediaFrame struct {
	Data       []float32 `json:"data"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sampleRate"`
}

// Envelope is a classified inbound message. Exactly one payload field is
// non-nil, selected by Kind; Raw always holds the original bytes.
type Envelope struct {
	Kind Kind
	Raw  json.RawMessage

	Transcription *Transcription
	Detection     *Detection
	LLMStreaming  *LLMStreaming
	LLMResponse   *LLMResponse
	TTSAudio      *TTSAudio
	Interruption  *Interruption
	Status        map[string]any
	AudioSaved    *AudioSaved
	MediaFrame    *MediaFrame
}

// discriminator is the minimal shape decoded to classify a message.
type discriminator struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Classify parses an inbound payload into a typed [Envelope]. Unrecognised
// discriminators yield KindUnknown rather than an error; a malformed JSON
// document is the only failure mode.
func Classify(raw []byte) (Envelope, error) {
	var d discriminator
	if err := json.Unmarshal(raw, &d); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	env := Envelope{Raw: append(json.RawMessage(nil), raw...)}

	if d.Type == "" && d.Event == "media" {
		var frame MediaFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode media frame: %w", err)
		}
		env.Kind = KindMediaFrame
		env.MediaFrame = &frame
		return env, nil
	}

	switch Kind(d.Type) {
	case KindTranscription:
		env.Kind = KindTranscription
		env.Transcription = &Transcription{}
		if err := json.Unmarshal(d.Data, env.Transcription); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode transcription: %w", err)
		}
	case KindDetection:
		// Detection payloads are flat, not nested under "data".
		env.Kind = KindDetection
		env.Detection = &Detection{}
		if err := json.Unmarshal(raw, env.Detection); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode detection: %w", err)
		}
	case KindLLMStreaming:
		env.Kind = KindLLMStreaming
		env.LLMStreaming = &LLMStreaming{}
		if err := json.Unmarshal(d.Data, env.LLMStreaming); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode llm_response_streaming: %w", err)
		}
	case KindLLMResponse:
		env.Kind = KindLLMResponse
		env.LLMResponse = &LLMResponse{}
		if err := json.Unmarshal(d.Data, env.LLMResponse); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode llm_response: %w", err)
		}
	case KindTTSAudio:
		env.Kind = KindTTSAudio
		env.TTSAudio = &TTSAudio{}
		if err := json.Unmarshal(d.Data, env.TTSAudio); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode tts_audio: %w", err)
		}
	case KindInterruption:
		env.Kind = KindInterruption
		env.Interruption = &Interruption{}
		if err := json.Unmarshal(d.Data, env.Interruption); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode speech_interruption: %w", err)
		}
	case KindTranscriptionStatus:
		env.Kind = KindTranscriptionStatus
		if len(d.Data) > 0 {
			if err := json.Unmarshal(d.Data, &env.Status); err != nil {
				return Envelope{}, fmt.Errorf("protocol: decode transcription_status: %w", err)
			}
		}
	case KindAudioSaved:
		// audio_saved carries its filename at the top level.
		env.Kind = KindAudioSaved
		env.AudioSaved = &AudioSaved{}
		if err := json.Unmarshal(raw, env.AudioSaved); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode audio_saved: %w", err)
		}
	default:
		env.Kind = KindUnknown
	}

	return env, nil
}
