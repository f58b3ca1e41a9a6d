package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/types"
)

// decodeSegment turns a self-describing segment payload into S16LE PCM in the
// target device format. The segment's format tag selects the decoder; raw PCM
// variants are assumed mono at the segment's sample rate, containers carry
// their own layout.
func decodeSegment(seg types.AudioSegment, target audio.Format) ([]byte, error) {
	var (
		pcm []byte
		src audio.Format
		err error
	)

	switch strings.ToLower(seg.Format) {
	case "pcm_s16le", "pcm", "linear16", "":
		pcm = seg.Audio
		src = audio.Format{SampleRate: seg.SampleRate, Channels: 1}
	case "pcm_f32le":
		pcm, err = s16FromF32LE(seg.Audio)
		src = audio.Format{SampleRate: seg.SampleRate, Channels: 1}
	case "wav":
		pcm, src, err = decodeWAV(seg.Audio)
	case "mp3":
		pcm, src, err = decodeMP3(seg.Audio)
	default:
		return nil, types.Errorf(types.CodePlayback,
			"playback: segment %s/%d: unsupported format %q", seg.ID, seg.Sentence, seg.Format)
	}
	if err != nil {
		return nil, types.Errorf(types.CodePlayback,
			"playback: segment %s/%d: %w", seg.ID, seg.Sentence, err)
	}
	if src.SampleRate == 0 {
		src.SampleRate = target.SampleRate
	}

	conv := audio.Converter{Target: target}
	out := conv.Convert(pcm, src)
	if out == nil {
		return nil, types.Errorf(types.CodePlayback,
			"playback: segment %s/%d: misaligned PCM payload (%d bytes)", seg.ID, seg.Sentence, len(seg.Audio))
	}
	return out, nil
}

// s16FromF32LE converts little-endian float32 samples to S16LE.
func s16FromF32LE(data []byte) ([]byte, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("decode pcm_f32le: payload not a multiple of 4 bytes")
	}
	out := make([]byte, len(data)/2)
	for i := 0; i < len(data); i += 4 {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i:]))
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		binary.LittleEndian.PutUint16(out[i/2:], uint16(int16(f*32767)))
	}
	return out, nil
}

// decodeWAV extracts the PCM16 data chunk from a RIFF/WAVE container.
func decodeWAV(data []byte) ([]byte, audio.Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, audio.Format{}, fmt.Errorf("decode wav: not a RIFF/WAVE container")
	}

	var (
		format   audio.Format
		pcm      []byte
		haveFmt  bool
		haveData bool
	)

	// Walk the chunk list. Chunks are word-aligned; a trailing pad byte
	// follows odd-sized chunks.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			return nil, audio.Format{}, fmt.Errorf("decode wav: truncated %q chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, audio.Format{}, fmt.Errorf("decode wav: fmt chunk too short")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			channels := binary.LittleEndian.Uint16(data[body+2:])
			rate := binary.LittleEndian.Uint32(data[body+4:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if audioFormat != 1 || bits != 16 {
				return nil, audio.Format{}, fmt.Errorf("decode wav: only 16-bit PCM supported (format=%d bits=%d)", audioFormat, bits)
			}
			if channels != 1 && channels != 2 {
				return nil, audio.Format{}, fmt.Errorf("decode wav: unsupported channel count %d", channels)
			}
			format = audio.Format{SampleRate: int(rate), Channels: int(channels)}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
			haveData = true
		}

		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || !haveData {
		return nil, audio.Format{}, fmt.Errorf("decode wav: missing fmt or data chunk")
	}
	return pcm, format, nil
}

// decodeMP3 decodes an MP3 stream to S16LE. go-mp3 always emits two channels.
func decodeMP3(data []byte) ([]byte, audio.Format, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("decode mp3: read samples: %w", err)
	}
	return pcm, audio.Format{SampleRate: dec.SampleRate(), Channels: 2}, nil
}
