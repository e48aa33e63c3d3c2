package session

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/scribe/internal/commit"
	"github.com/ent0n29/scribe/internal/protocol"
	"github.com/ent0n29/scribe/internal/upstream"
)

const testModel = "gpt-4o-realtime-preview"

type fakeUpstream struct {
	sent     chan any
	messages chan []byte
	mu       sync.Mutex
	err      error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{sent: make(chan any, 256), messages: make(chan []byte, 64)}
}

func (f *fakeUpstream) Send(v any) error {
	f.sent <- v
	return nil
}

func (f *fakeUpstream) Messages() <-chan []byte { return f.messages }

func (f *fakeUpstream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeUpstream) Close() error { return nil }

func (f *fakeUpstream) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.messages)
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) commit.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(c.now) {
			t.stopped = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type harness struct {
	t        *testing.T
	up       *fakeUpstream
	clock    *manualClock
	registry *Manager
	inbound  chan any
	outbound chan any
	cancel   context.CancelCauseFunc
	result   chan error
}

func startSession(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		up:       newFakeUpstream(),
		clock:    &manualClock{now: time.Unix(1_700_000_000, 0)},
		registry: NewManager(time.Minute),
		inbound:  make(chan any, 16),
		outbound: make(chan any, 64),
		result:   make(chan error, 1),
	}
	ctrl, err := NewController(Options{
		SessionID:           "s1",
		Model:               testModel,
		AllowedModels:       []string{testModel},
		TranscriptionModels: []string{"whisper-1", "gpt-4o-transcribe"},
		Settings:            upstream.Settings{TranscriptionModel: "whisper-1"},
		Policy:              commit.DefaultPolicy(),
		Clock:               h.clock,
		Registry:            h.registry,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	h.cancel = cancel
	_, err = h.registry.Register("s1", testModel, "whisper-1", "", cancel)
	require.NoError(t, err)

	go func() { h.result <- ctrl.Run(ctx, h.up, h.inbound, h.outbound) }()
	t.Cleanup(func() { cancel(nil) })

	require.IsType(t, upstream.SessionUpdateEvent{}, h.nextSent())
	ready := h.nextOut()
	require.Equal(t, protocol.Ready{Type: protocol.TypeReady, Message: readyMessage, SessionID: "s1"}, ready)
	return h
}

func (h *harness) nextSent() any {
	h.t.Helper()
	select {
	case v := <-h.up.sent:
		return v
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for upstream send")
		return nil
	}
}

func (h *harness) nextOut() any {
	h.t.Helper()
	select {
	case v := <-h.outbound:
		return v
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for client message")
		return nil
	}
}

// barrier sends a config change and returns everything sent upstream before
// the resulting session.update.
func (h *harness) barrier() []any {
	h.t.Helper()
	h.inbound <- protocol.SetPrompt{Type: protocol.TypeSetPrompt, Prompt: "barrier"}
	var before []any
	for {
		v := h.nextSent()
		if _, ok := v.(upstream.SessionUpdateEvent); ok {
			return before
		}
		before = append(before, v)
	}
}

func (h *harness) upstreamEvent(raw string) {
	h.up.messages <- []byte(raw)
}

func (h *harness) stats() *Session {
	h.t.Helper()
	s, err := h.registry.Get("s1")
	require.NoError(h.t, err)
	return s
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatalf("Run did not return")
		return nil
	}
}

// chunk returns a base64 PCM16 frame of the given duration at 24 kHz.
func chunk(ms int, amplitude int16) protocol.AudioChunk {
	samples := 24000 * ms / 1000
	raw := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(amplitude))
	}
	return protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: base64.StdEncoding.EncodeToString(raw)}
}

func kinds(vs []any) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		switch v.(type) {
		case upstream.AppendEvent:
			out = append(out, "append")
		case upstream.CommitEvent:
			out = append(out, "commit")
		case upstream.ClearEvent:
			out = append(out, "clear")
		default:
			out = append(out, "other")
		}
	}
	return out
}

func TestNewControllerRejectsUnknownModel(t *testing.T) {
	_, err := NewController(Options{Model: "gpt-3", AllowedModels: []string{testModel}, Policy: commit.DefaultPolicy()})
	require.ErrorIs(t, err, ErrInvalidModel)

	_, err = NewController(Options{Model: "", AllowedModels: []string{testModel}, Policy: commit.DefaultPolicy()})
	require.ErrorIs(t, err, ErrInvalidModel)
}

func TestNewControllerExposesInitialSettings(t *testing.T) {
	ctrl, err := NewController(Options{
		SessionID:           "s2",
		Model:               testModel,
		AllowedModels:       []string{testModel},
		TranscriptionModels: []string{"whisper-1"},
		Settings:            upstream.Settings{TranscriptionModel: "whisper-1"},
		Policy:              commit.DefaultPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, "s2", ctrl.ID())
	assert.Equal(t, testModel, ctrl.Model())
	assert.Equal(t, "whisper-1", ctrl.Settings().TranscriptionModel)
}

func TestThirdFrameCommitsImmediately(t *testing.T) {
	h := startSession(t)

	for i := 0; i < 3; i++ {
		h.inbound <- chunk(400, 1200)
	}
	assert.Equal(t, []string{"append", "append", "append", "commit"}, kinds(h.barrier()))

	h.inbound <- chunk(500, 1200)
	h.inbound <- chunk(500, 1200)
	assert.Equal(t, []string{"append", "append"}, kinds(h.barrier()))

	s := h.stats()
	assert.Equal(t, string(commit.StateAwaitingResponse), s.CommitState)
	assert.Equal(t, 2200.0, s.BufferedMs)
	assert.Equal(t, 1, s.Commits)
}

func TestSilentAndMalformedFramesAreNotForwarded(t *testing.T) {
	h := startSession(t)

	h.inbound <- chunk(500, 0)
	h.inbound <- protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: ""}
	h.inbound <- protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}
	h.inbound <- protocol.AudioChunk{Type: protocol.TypeAudioChunk, Audio: "%%%"}
	assert.Empty(t, h.barrier())
	assert.Equal(t, 0.0, h.stats().BufferedMs)
	assert.Empty(t, h.outbound)
}

func TestTranscriptionCompletedDeliversTextAndResets(t *testing.T) {
	h := startSession(t)
	for i := 0; i < 3; i++ {
		h.inbound <- chunk(400, 900)
	}
	require.Equal(t, []string{"append", "append", "append", "commit"}, kinds(h.barrier()))

	h.upstreamEvent(`{"type":"input_audio_buffer.committed","item_id":"item_1"}`)
	h.upstreamEvent(`{"type":"response.content_part.done","part":{"type":"text","text":"Happy to help"}}`)
	h.upstreamEvent(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"hello there"}`)

	out := h.nextOut()
	assert.Equal(t, protocol.Transcription{Type: protocol.TypeTranscription, Text: "hello there", ItemID: "item_1"}, out)

	require.Eventually(t, func() bool {
		s := h.stats()
		return s.BufferedMs == 0 && s.Transcriptions == 1 && s.CommitState == string(commit.StateIdle)
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.outbound)
}

func TestBufferErrorResetsAndForwards(t *testing.T) {
	h := startSession(t)
	for i := 0; i < 3; i++ {
		h.inbound <- chunk(400, 900)
	}
	require.Equal(t, []string{"append", "append", "append", "commit"}, kinds(h.barrier()))

	h.upstreamEvent(`{"type":"error","error":{"message":"buffer is too small"}}`)
	out := h.nextOut()
	require.IsType(t, protocol.Error{}, out)
	assert.Equal(t, "buffer is too small", out.(protocol.Error).Error)

	require.Eventually(t, func() bool {
		s := h.stats()
		return s.BufferedMs == 0 && s.CommitState == string(commit.StateIdle)
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownEventKeepsResponseInFlight(t *testing.T) {
	h := startSession(t)
	for i := 0; i < 3; i++ {
		h.inbound <- chunk(400, 900)
	}
	require.Equal(t, []string{"append", "append", "append", "commit"}, kinds(h.barrier()))

	h.upstreamEvent(`{"type":"rate_limits.updated","rate_limits":[]}`)
	h.clock.Advance(5 * time.Second)
	h.inbound <- chunk(1500, 900)
	assert.Equal(t, []string{"append"}, kinds(h.barrier()))
	assert.Empty(t, h.outbound)
	assert.Equal(t, string(commit.StateAwaitingResponse), h.stats().CommitState)
}

func TestResponseDoneKeepsCountersAndUnblocksCommit(t *testing.T) {
	h := startSession(t)
	for i := 0; i < 3; i++ {
		h.inbound <- chunk(400, 900)
	}
	require.Equal(t, []string{"append", "append", "append", "commit"}, kinds(h.barrier()))

	h.upstreamEvent(`{"type":"response.done"}`)
	require.Eventually(t, func() bool {
		return h.stats().CommitState == string(commit.StateBuffering)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1200.0, h.stats().BufferedMs)

	// the pending debounce sees the retained 1200 ms and commits again
	h.clock.Advance(2 * time.Second)
	require.IsType(t, upstream.CommitEvent{}, h.nextSent())
}

func TestDebounceCommitsAfterQuietPeriod(t *testing.T) {
	h := startSession(t)

	h.inbound <- chunk(600, 900)
	require.Equal(t, []string{"append"}, kinds(h.barrier()))

	h.clock.Advance(2 * time.Second)
	require.IsType(t, upstream.CommitEvent{}, h.nextSent())
	require.Eventually(t, func() bool { return h.stats().Commits == 1 }, time.Second, 5*time.Millisecond)
}

func TestManualCommitAndClear(t *testing.T) {
	h := startSession(t)

	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}
	assert.Empty(t, h.barrier())

	h.inbound <- chunk(200, 900)
	h.inbound <- protocol.AudioCommit{Type: protocol.TypeAudioCommit}
	assert.Equal(t, []string{"append", "commit"}, kinds(h.barrier()))

	h.inbound <- chunk(200, 900)
	h.inbound <- protocol.ClearAudioBuffer{Type: protocol.TypeClearAudioBuffer}
	assert.Equal(t, []string{"append", "clear"}, kinds(h.barrier()))
	assert.Equal(t, 0.0, h.stats().BufferedMs)

	// the cleared frame's debounce never fires a commit
	h.upstreamEvent(`{"type":"response.done"}`)
	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.barrier())
}

func TestConfigMutationsResendFullSessionUpdate(t *testing.T) {
	h := startSession(t)

	h.inbound <- protocol.SetVADParams{Type: protocol.TypeSetVADParams, Threshold: 0.7, SilenceDurationMs: 800, PrefixPaddingMs: 100}
	ev := h.nextSent().(upstream.SessionUpdateEvent)
	assert.Equal(t, 0.7, ev.Session.TurnDetection.Threshold)
	assert.Equal(t, "whisper-1", ev.Session.InputAudioTranscription.Model)

	h.inbound <- protocol.SetPrompt{Type: protocol.TypeSetPrompt, Prompt: "names: Anya, Bo"}
	ev = h.nextSent().(upstream.SessionUpdateEvent)
	assert.Equal(t, "names: Anya, Bo", ev.Session.InputAudioTranscription.Prompt)
	assert.Equal(t, 800, ev.Session.TurnDetection.SilenceDurationMs)

	h.inbound <- protocol.SetTranscriptionModel{Type: protocol.TypeSetTranscriptionModel, Model: "gpt-4o-transcribe"}
	ev = h.nextSent().(upstream.SessionUpdateEvent)
	assert.Equal(t, "gpt-4o-transcribe", ev.Session.InputAudioTranscription.Model)
	assert.Equal(t, "names: Anya, Bo", ev.Session.InputAudioTranscription.Prompt)
	assert.Equal(t, "gpt-4o-transcribe", h.stats().TranscriptionModel)

	h.inbound <- protocol.SetTranscriptionModel{Type: protocol.TypeSetTranscriptionModel, Model: "made-up"}
	out := h.nextOut()
	require.IsType(t, protocol.Error{}, out)
	assert.Equal(t, protocol.CodeInvalidModel, out.(protocol.Error).Code)
}

func TestClientDisconnectEndsCleanly(t *testing.T) {
	h := startSession(t)
	close(h.inbound)
	assert.NoError(t, h.wait())
}

func TestUpstreamFailureNotifiesClient(t *testing.T) {
	h := startSession(t)
	h.up.fail(errors.New("connection reset"))

	out := h.nextOut()
	require.IsType(t, protocol.Error{}, out)
	assert.Equal(t, protocol.CodeUpstreamClosed, out.(protocol.Error).Code)
	assert.ErrorIs(t, h.wait(), ErrUpstreamClosed)
}

func TestUpstreamCleanCloseIsSilent(t *testing.T) {
	h := startSession(t)
	h.up.fail(nil)
	assert.NoError(t, h.wait())
	assert.Empty(t, h.outbound)
}

func TestExpiredSessionNotifiesClient(t *testing.T) {
	h := startSession(t)
	h.cancel(ErrExpired)

	assert.ErrorIs(t, h.wait(), ErrExpired)
	out := h.nextOut()
	require.IsType(t, protocol.Error{}, out)
	assert.Equal(t, protocol.CodeSessionExpired, out.(protocol.Error).Code)
}
