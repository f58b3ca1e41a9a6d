package dispatch_test

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/conn"
	"github.com/voicewire/voicewire/internal/dispatch"
	"github.com/voicewire/voicewire/internal/protocol"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/types"
)

// fakeScheduler records every call the dispatcher makes.
type fakeScheduler struct {
	mu          sync.Mutex
	idle        bool
	enqueueRet  bool
	playErr     error
	enqueued    []types.AudioSegment
	plays       int
	fades       []time.Duration
	clears      int
	interrupted chan struct{} // closed after FadeOut+ClearQueue complete
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{idle: true, enqueueRet: true, interrupted: make(chan struct{})}
}

func (f *fakeScheduler) Enqueue(seg types.AudioSegment) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enqueueRet {
		return false
	}
	f.enqueued = append(f.enqueued, seg)
	return true
}

func (f *fakeScheduler) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	if f.playErr == nil {
		f.idle = false
	}
	return f.playErr
}

func (f *fakeScheduler) FadeOut(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fades = append(f.fades, d)
}

func (f *fakeScheduler) ClearQueue() {
	f.mu.Lock()
	f.clears++
	ch := f.interrupted
	f.interrupted = make(chan struct{})
	f.mu.Unlock()
	close(ch)
}

func (f *fakeScheduler) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func ttsPayload(segID string, sentence int, audio []byte) []byte {
	return fmt.Appendf(nil, `{"type":"tts_audio","data":{"audio_data":%q,"text":"hello","segment_id":%q,"sentence_number":%d,"sample_rate":24000,"format":"pcm_s16le","duration_seconds":0.5}}`,
		base64.StdEncoding.EncodeToString(audio), segID, sentence)
}

func TestDispatch_TTSAudioEnqueuesAndPlaysWhenIdle(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	d.Dispatch(ttsPayload("seg-1", 1, []byte{0x01, 0x02}))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(sched.enqueued))
	}
	seg := sched.enqueued[0]
	if seg.ID != "seg-1" || seg.Sentence != 1 {
		t.Errorf("segment identity = %s/%d, want seg-1/1", seg.ID, seg.Sentence)
	}
	if string(seg.Audio) != "\x01\x02" {
		t.Errorf("audio = %v, want decoded base64 payload", seg.Audio)
	}
	if seg.SampleRate != 24000 || seg.Format != "pcm_s16le" {
		t.Errorf("format = %d/%s", seg.SampleRate, seg.Format)
	}
	if seg.Duration != 500*time.Millisecond {
		t.Errorf("duration = %s, want 500ms", seg.Duration)
	}
	if sched.plays != 1 {
		t.Errorf("plays = %d, want 1 (scheduler was idle)", sched.plays)
	}
}

func TestDispatch_TTSAudioNoPlayWhileActive(t *testing.T) {
	sched := newFakeScheduler()
	sched.idle = false
	d := dispatch.New(sched)

	d.Dispatch(ttsPayload("seg-1", 1, nil))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(sched.enqueued))
	}
	if sched.plays != 0 {
		t.Errorf("plays = %d, want 0 (playback already active)", sched.plays)
	}
}

func TestDispatch_TTSAudioDuplicateSkipsPlay(t *testing.T) {
	sched := newFakeScheduler()
	sched.enqueueRet = false
	d := dispatch.New(sched)

	d.Dispatch(ttsPayload("seg-1", 1, nil))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if sched.plays != 0 {
		t.Errorf("plays = %d, want 0 for a dropped duplicate", sched.plays)
	}
}

func TestDispatch_TTSAudioBadBase64ReachesErrorObservers(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var got error
	d.OnError(func(err error) { got = err })

	d.Dispatch([]byte(`{"type":"tts_audio","data":{"audio_data":"!!!not-base64!!!","segment_id":"seg-1","sentence_number":1}}`))

	if !types.IsCode(got, types.CodePlayback) {
		t.Errorf("error = %v, want playback code", got)
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.enqueued) != 0 {
		t.Error("undecodable segment must not be enqueued")
	}
}

func TestDispatch_InterruptionFadesThenClears(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched, dispatch.WithFadeDuration(200*time.Millisecond))

	sched.mu.Lock()
	done := sched.interrupted
	sched.mu.Unlock()

	d.Dispatch([]byte(`{"type":"speech_interruption","data":{"segment_id":"seg-1","reason":"new_speech_segment","timestamp":1700000000}}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("interruption never reached the scheduler")
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.fades) != 1 || sched.fades[0] != 200*time.Millisecond {
		t.Errorf("fades = %v, want one 200ms fade", sched.fades)
	}
	if sched.clears != 1 {
		t.Errorf("clears = %d, want 1", sched.clears)
	}
}

func TestDispatch_MediaFrameFeedsAmplitudeAndFrameObservers(t *testing.T) {
	sched := newFakeScheduler()

	var level float64
	d := dispatch.New(sched, dispatch.WithAmplitudeSink(func(l float64) { level = l }))

	var frames []audio.Frame
	d.OnAudioFrame(func(f audio.Frame) { frames = append(frames, f) })

	d.Dispatch([]byte(`{"event":"media","data":[0.5,-0.5],"format":"linear16","sampleRate":16000}`))

	if diff := level - 0.5; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("amplitude = %v, want 0.5", level)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].SampleRate != 16000 || len(frames[0].Samples) != 2 {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestDispatch_InformationalMessagesReachMessageObservers(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var kinds []protocol.Kind
	d.OnMessage(func(env protocol.Envelope) { kinds = append(kinds, env.Kind) })

	payloads := [][]byte{
		[]byte(`{"type":"transcription","data":{"text":"hello","segment_id":"s1","is_partial":false}}`),
		[]byte(`{"type":"detection","text":"hel","confidence":0.4}`),
		[]byte(`{"type":"llm_response","data":{"response":"hi there","segment_id":"s1"}}`),
		[]byte(`{"type":"audio_saved","filename":"session.wav"}`),
		[]byte(`{"type":"something_new","payload":42}`),
	}
	for _, p := range payloads {
		d.Dispatch(p)
	}

	want := []protocol.Kind{
		protocol.KindTranscription,
		protocol.KindDetection,
		protocol.KindLLMResponse,
		protocol.KindAudioSaved,
		protocol.KindUnknown,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.enqueued) != 0 || sched.plays != 0 {
		t.Error("informational messages must not touch the scheduler")
	}
}

func TestDispatch_TranscriptionReachesTypedObservers(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var transcripts []types.Transcript
	d.OnTranscript(func(tr types.Transcript) { transcripts = append(transcripts, tr) })
	var kinds []protocol.Kind
	d.OnMessage(func(env protocol.Envelope) { kinds = append(kinds, env.Kind) })

	d.Dispatch([]byte(`{"type":"transcription","data":{"text":"hello","segment_id":"s1","is_partial":true,"confidence":0.92}}`))

	if len(transcripts) != 1 {
		t.Fatalf("transcripts = %d, want 1", len(transcripts))
	}
	tr := transcripts[0]
	if tr.Text != "hello" || tr.SegmentID != "s1" || !tr.IsPartial || tr.Confidence != 0.92 {
		t.Errorf("transcript = %+v, want mapped wire fields", tr)
	}
	// The envelope still reaches the generic message observers.
	if len(kinds) != 1 || kinds[0] != protocol.KindTranscription {
		t.Errorf("message observer kinds = %v, want [transcription]", kinds)
	}
}

func TestDispatch_DetectionReachesTypedObservers(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var detections []types.Detection
	d.OnDetection(func(det types.Detection) { detections = append(detections, det) })

	d.Dispatch([]byte(`{"type":"detection","text":"hey","confidence":0.7}`))
	d.Dispatch([]byte(`{"type":"llm_response","data":{"response":"hi"}}`))

	if len(detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(detections))
	}
	if detections[0].Text != "hey" || detections[0].Confidence != 0.7 {
		t.Errorf("detection = %+v, want mapped wire fields", detections[0])
	}
}

func TestDispatch_MalformedPayloadReachesErrorObservers(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var got error
	d.OnError(func(err error) { got = err })

	d.Dispatch([]byte(`{not json`))

	if got == nil {
		t.Fatal("malformed payload produced no error")
	}
}

func TestDispatchState_ForwardsToObservers(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var states []conn.State
	d.OnConnectionState(func(s conn.State) { states = append(states, s) })

	d.DispatchState(conn.StateConnecting)
	d.DispatchState(conn.StateConnected)

	want := []conn.State{conn.StateConnecting, conn.StateConnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var calls int
	sub := d.OnMessage(func(protocol.Envelope) { calls++ })

	payload := []byte(`{"type":"detection","text":"x"}`)
	d.Dispatch(payload)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	d.Dispatch(payload)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUnsubscribe_FromInsideCallback(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var first, second int
	var sub *dispatch.Subscription
	sub = d.OnMessage(func(protocol.Envelope) {
		first++
		sub.Unsubscribe()
	})
	d.OnMessage(func(protocol.Envelope) { second++ })

	payload := []byte(`{"type":"detection","text":"x"}`)
	d.Dispatch(payload)
	d.Dispatch(payload)

	if first != 1 {
		t.Errorf("self-unsubscribing observer called %d times, want 1", first)
	}
	if second != 2 {
		t.Errorf("remaining observer called %d times, want 2", second)
	}
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	sched := newFakeScheduler()
	d := dispatch.New(sched)

	var after int
	d.OnMessage(func(protocol.Envelope) { panic("observer bug") })
	d.OnMessage(func(protocol.Envelope) { after++ })

	d.Dispatch([]byte(`{"type":"detection","text":"x"}`))

	if after != 1 {
		t.Errorf("observer after panicking one called %d times, want 1", after)
	}
}
