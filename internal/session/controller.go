package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ent0n29/scribe/internal/audio"
	"github.com/ent0n29/scribe/internal/collab"
	"github.com/ent0n29/scribe/internal/commit"
	"github.com/ent0n29/scribe/internal/interpreter"
	"github.com/ent0n29/scribe/internal/logging"
	"github.com/ent0n29/scribe/internal/observability"
	"github.com/ent0n29/scribe/internal/protocol"
	"github.com/ent0n29/scribe/internal/upstream"
)

const readyMessage = "Session ready"

// Upstream is the backend side of a bridged session.
type Upstream interface {
	Send(v any) error
	// Messages is closed when the connection ends.
	Messages() <-chan []byte
	// Err is nil when the connection ended cleanly.
	Err() error
	Close() error
}

type Options struct {
	SessionID string
	Model     string
	// Doc, when set, receives every transcription through Collab.
	Doc string

	AllowedModels       []string
	TranscriptionModels []string
	Settings            upstream.Settings
	Policy              commit.Policy
	Clock               commit.Clock

	Registry *Manager
	Metrics  *observability.Metrics
	Collab   *collab.Engine
	Logger   *slog.Logger
}

// Controller owns one relay session. All of its state is confined to the
// goroutine running Run.
type Controller struct {
	id        string
	model     string
	doc       string
	allowedTM []string
	settings  upstream.Settings
	policy    commit.Policy
	clock     commit.Clock

	registry *Manager
	metrics  *observability.Metrics
	collab   *collab.Engine
	feed     *collab.Feed
	logger   *slog.Logger

	sched    *commit.Scheduler
	up       Upstream
	outbound chan<- any
	commitAt time.Time
}

// NewController validates the requested realtime model. No upstream
// connection should be opened when it fails.
func NewController(opts Options) (*Controller, error) {
	if opts.Model == "" || !slices.Contains(opts.AllowedModels, opts.Model) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidModel, opts.Model)
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = commit.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		id:        opts.SessionID,
		model:     opts.Model,
		doc:       opts.Doc,
		allowedTM: opts.TranscriptionModels,
		settings:  opts.Settings,
		policy:    opts.Policy,
		clock:     opts.Clock,
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		collab:    opts.Collab,
		logger:    logger.With("session_id", opts.SessionID, "model", opts.Model),
	}, nil
}

func (c *Controller) ID() string    { return c.id }
func (c *Controller) Model() string { return c.model }

// Settings returns the upstream configuration. Once Run starts only the
// session goroutine may read it.
func (c *Controller) Settings() upstream.Settings { return c.settings }

// Run bridges inbound client messages (parsed protocol values) and the
// upstream connection until one side ends or ctx is cancelled. It never
// closes either transport; the caller tears both down when Run returns.
// A nil return means the session ended cleanly.
func (c *Controller) Run(ctx context.Context, up Upstream, inbound <-chan any, outbound chan<- any) error {
	done := make(chan struct{})
	timers := make(chan commit.TimerID, 1)
	c.up = up
	c.outbound = outbound
	c.feed = c.collab.Feed(c.doc, c.id)
	c.sched = commit.New(c.policy, c.clock, func(id commit.TimerID) {
		select {
		case timers <- id:
		case <-done:
		}
	})
	defer func() {
		c.sched.Close()
		close(done)
		c.feed.Close()
		if n := c.feed.Dropped(); n > 0 {
			c.logger.Warn("collab updates dropped", "doc", c.doc, "count", n)
		}
	}()

	if err := c.sendConfig(); err != nil {
		return err
	}
	c.emit(ctx, protocol.Ready{Type: protocol.TypeReady, Message: readyMessage, SessionID: c.id})
	c.logger.Info("session bridged", "transcription_model", c.settings.TranscriptionModel)

	messages := up.Messages()
	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.Is(cause, ErrExpired) {
				c.trySend(protocol.NewError(protocol.CodeSessionExpired, "session expired after inactivity"))
				return ErrExpired
			}
			return nil

		case msg, ok := <-inbound:
			if !ok {
				c.logger.Info("client disconnected")
				return nil
			}
			if err := c.handleClient(ctx, msg); err != nil {
				return err
			}

		case raw, ok := <-messages:
			if !ok {
				return c.upstreamEnded(ctx)
			}
			c.handleUpstream(ctx, raw)

		case id := <-timers:
			d := c.sched.TimerFired(id)
			if err := c.apply(d); err != nil {
				return err
			}
			if d.Action == commit.ActionNone && d.Reason != "" {
				c.logger.Debug("debounced commit suppressed", "reason", d.Reason, "buffered_ms", d.BufferedMs)
				c.metrics.Tally("debounce_" + d.Reason)
			}
		}
	}
}

func (c *Controller) handleClient(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case protocol.AudioChunk:
		return c.handleAudio(m)

	case protocol.AudioCommit:
		d := c.sched.ManualCommit()
		if d.Action == commit.ActionNone {
			c.logger.Info("manual commit ignored", "reason", d.Reason, "buffered_ms", d.BufferedMs)
			c.metrics.Tally("manual_commit_" + d.Reason)
			return nil
		}
		return c.apply(d)

	case protocol.ClearAudioBuffer:
		d := c.sched.Clear()
		c.commitAt = time.Time{}
		c.track()
		return c.apply(d)

	case protocol.SetPrompt:
		c.settings.Prompt = m.Prompt
		return c.sendConfig()

	case protocol.SetVADParams:
		c.settings.VAD = upstream.VADParams{
			Threshold:         m.Threshold,
			SilenceDurationMs: m.SilenceDurationMs,
			PrefixPaddingMs:   m.PrefixPaddingMs,
		}
		return c.sendConfig()

	case protocol.SetTranscriptionModel:
		if len(c.allowedTM) > 0 && !slices.Contains(c.allowedTM, m.Model) {
			c.emit(ctx, protocol.NewError(protocol.CodeInvalidModel, fmt.Sprintf("unsupported transcription model %q", m.Model)))
			return nil
		}
		c.settings.TranscriptionModel = m.Model
		if c.registry != nil {
			_ = c.registry.Update(c.id, func(s *Session) { s.TranscriptionModel = m.Model })
		}
		return c.sendConfig()

	default:
		c.logger.Warn("unexpected client message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

func (c *Controller) handleAudio(m protocol.AudioChunk) error {
	frame := audio.DecodeFrame(m.Audio)
	if !frame.Forwardable() {
		c.metrics.FrameDropped(frame.Verdict.String())
		if frame.Err != nil {
			c.logger.Debug("audio frame dropped", "verdict", frame.Verdict.String(), "bytes", frame.ByteLength, "error", frame.Err)
		}
		return nil
	}

	d := c.sched.FrameAppended(frame.DurationMs)
	if err := c.up.Send(upstream.NewAppend(m.Audio)); err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	if err := c.apply(d); err != nil {
		return err
	}
	c.track()
	return nil
}

// apply sends whatever upstream action a scheduler decision requires.
func (c *Controller) apply(d commit.Decision) error {
	switch d.Action {
	case commit.ActionCommit:
		if err := c.up.Send(upstream.NewCommit()); err != nil {
			return fmt.Errorf("commit audio: %w", err)
		}
		c.commitAt = c.clock.Now()
		c.metrics.Commit(string(d.Trigger), d.BufferedMs)
		c.logger.Debug("audio committed", "trigger", d.Trigger, "buffered_ms", d.BufferedMs)
		if c.registry != nil {
			_ = c.registry.Update(c.id, func(s *Session) { s.Commits++ })
		}
	case commit.ActionClear:
		if err := c.up.Send(upstream.NewClear()); err != nil {
			return fmt.Errorf("clear audio: %w", err)
		}
	}
	return nil
}

func (c *Controller) handleUpstream(ctx context.Context, raw []byte) {
	out := interpreter.Interpret(raw)
	c.metrics.UpstreamEvent(string(out.Kind))

	switch out.Effect {
	case interpreter.EffectTerminate:
		c.sched.ResponseTerminated(false)
	case interpreter.EffectTerminateAndReset:
		c.sched.ResponseTerminated(true)
	}

	switch out.Kind {
	case interpreter.KindUnknown:
		c.logger.Debug("unhandled upstream event", "type", out.Type)
	case interpreter.KindMalformed:
		c.logger.Warn("malformed upstream event", "error", out.Detail)
		c.metrics.UpstreamError(protocol.CodeMalformedUpstreamEvent)
	case interpreter.KindError:
		c.logger.Warn("upstream error event", "error", out.Detail)
		c.metrics.UpstreamError(protocol.CodeUpstreamError)
	case interpreter.KindTranscriptionFailed:
		c.logger.Warn("transcription failed", "item_id", out.ItemID, "error", out.Detail)
	case interpreter.KindCommitted:
		if !c.commitAt.IsZero() {
			c.metrics.ObserveStage(observability.StageCommitToCommitted, c.clock.Now().Sub(c.commitAt))
		}
	case interpreter.KindTranscriptionCompleted:
		if !c.commitAt.IsZero() {
			c.metrics.ObserveCommitToTranscript(c.clock.Now().Sub(c.commitAt))
			c.commitAt = time.Time{}
		}
	}

	if out.Reply != nil {
		c.emit(ctx, out.Reply)
	}
	if t, ok := out.Reply.(protocol.Transcription); ok {
		c.logger.Debug("transcription", "item_id", t.ItemID, logging.Transcript(t.Text))
		if !c.feed.Push(t.ItemID, t.Text) {
			c.metrics.Tally("collab_update_dropped")
		}
		if c.registry != nil {
			_ = c.registry.Update(c.id, func(s *Session) { s.Transcriptions++ })
		}
	}
	if out.Effect != interpreter.EffectNone {
		c.track()
	}
}

func (c *Controller) upstreamEnded(ctx context.Context) error {
	err := c.up.Err()
	if err == nil {
		c.logger.Info("upstream closed")
		return nil
	}
	c.logger.Warn("upstream connection lost", "error", err)
	c.metrics.UpstreamError(protocol.CodeUpstreamClosed)
	c.emit(ctx, protocol.NewError(protocol.CodeUpstreamClosed, "transcription service connection lost"))
	return fmt.Errorf("%w: %v", ErrUpstreamClosed, err)
}

// sendConfig re-sends the complete upstream configuration.
func (c *Controller) sendConfig() error {
	if err := c.up.Send(upstream.BuildSessionUpdate(c.settings)); err != nil {
		return fmt.Errorf("send session config: %w", err)
	}
	return nil
}

// emit delivers a message to the client writer in order. It gives up only when
// the session is being torn down.
func (c *Controller) emit(ctx context.Context, msg any) {
	select {
	case c.outbound <- msg:
	case <-ctx.Done():
	}
}

// trySend is emit for a cancelled session: it never blocks.
func (c *Controller) trySend(msg any) {
	select {
	case c.outbound <- msg:
	default:
	}
}

// track mirrors scheduler counters into the registry.
func (c *Controller) track() {
	if c.registry == nil {
		return
	}
	st := c.sched.Stats()
	_ = c.registry.Update(c.id, func(s *Session) {
		s.CommitState = string(st.State)
		s.BufferedMs = st.BufferedMs
	})
}
