// Package commit decides when buffered upstream audio is committed for
// transcription.
//
// A Scheduler is owned by exactly one session goroutine and is not safe for
// concurrent use. The only value that crosses goroutines is the TimerID handed
// to the fire callback; the owner feeds it back through TimerFired, where
// stale ids are discarded.
package commit

import (
	"fmt"
	"time"
)

// State is the scheduler's externally visible state.
type State string

const (
	StateIdle             State = "idle"
	StateBuffering        State = "buffering"
	StateAwaitingResponse State = "awaiting_response"
)

// Action is what the owner must send upstream as a result of an input.
type Action uint8

const (
	ActionNone Action = iota
	ActionCommit
	ActionClear
)

func (a Action) String() string {
	switch a {
	case ActionCommit:
		return "commit"
	case ActionClear:
		return "clear"
	default:
		return "none"
	}
}

// Trigger names the input that produced a commit.
type Trigger string

const (
	TriggerThreshold Trigger = "threshold"
	TriggerDebounce  Trigger = "debounce"
	TriggerManual    Trigger = "manual"
)

// Decision is the scheduler's answer to one input.
type Decision struct {
	Action     Action
	Trigger    Trigger
	BufferedMs float64
	// Reason explains a suppressed commit; empty when Action != ActionNone.
	Reason string
}

// Policy holds the commit thresholds. All values are tunable.
type Policy struct {
	ImmediateMinBuffered time.Duration `yaml:"immediate_min_buffered"`
	ImmediateMinInterval time.Duration `yaml:"immediate_min_interval"`
	DebounceDelay        time.Duration `yaml:"debounce_delay"`
	DebouncedMinBuffered time.Duration `yaml:"debounced_min_buffered"`
	DebouncedMinInterval time.Duration `yaml:"debounced_min_interval"`
	ManualMinBuffered    time.Duration `yaml:"manual_min_buffered"`
	// ResetOnResponseDone also zeroes buffer counters when a response ends
	// without a completed transcription.
	ResetOnResponseDone bool `yaml:"reset_on_response_done"`
}

func DefaultPolicy() Policy {
	return Policy{
		ImmediateMinBuffered: 1000 * time.Millisecond,
		ImmediateMinInterval: 2000 * time.Millisecond,
		DebounceDelay:        2000 * time.Millisecond,
		DebouncedMinBuffered: 500 * time.Millisecond,
		DebouncedMinInterval: 1500 * time.Millisecond,
		ManualMinBuffered:    100 * time.Millisecond,
	}
}

func (p Policy) Validate() error {
	checks := []struct {
		name string
		v    time.Duration
	}{
		{"immediate_min_buffered", p.ImmediateMinBuffered},
		{"immediate_min_interval", p.ImmediateMinInterval},
		{"debounce_delay", p.DebounceDelay},
		{"debounced_min_buffered", p.DebouncedMinBuffered},
		{"debounced_min_interval", p.DebouncedMinInterval},
		{"manual_min_buffered", p.ManualMinBuffered},
	}
	for _, c := range checks {
		if c.v < 0 {
			return fmt.Errorf("commit policy %s must be >= 0", c.name)
		}
	}
	if p.DebounceDelay == 0 {
		return fmt.Errorf("commit policy debounce_delay must be positive")
	}
	return nil
}

// TimerID identifies one scheduled debounce. Ids are never reused within a
// scheduler.
type TimerID uint64

// Stats is a point-in-time view of scheduler counters.
type Stats struct {
	State              State
	BufferedMs         float64
	ChunkCount         int
	ResponseInProgress bool
	LastCommitAt       time.Time
	TimerPending       bool
}

// Scheduler tracks un-committed audio duration and emits commit decisions.
type Scheduler struct {
	policy Policy
	clock  Clock
	fire   func(TimerID)

	bufferedMs         float64
	chunkCount         int
	responseInProgress bool
	lastCommitAt       time.Time

	timerSeq     TimerID
	pendingID    TimerID
	pendingTimer Timer
}

// New returns a scheduler. fire is invoked from the clock's goroutine when a
// debounce elapses; it must hand the id back to the owner without touching
// scheduler state.
func New(policy Policy, clock Clock, fire func(TimerID)) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if fire == nil {
		fire = func(TimerID) {}
	}
	return &Scheduler{policy: policy, clock: clock, fire: fire}
}

// FrameAppended accounts for one forwarded frame, re-arms the debounce timer
// and commits immediately if the threshold and rate limit allow it.
func (s *Scheduler) FrameAppended(durationMs float64) Decision {
	if durationMs > 0 {
		s.bufferedMs += durationMs
	}
	s.chunkCount++
	s.rearm()

	return s.tryCommit(TriggerThreshold, s.policy.ImmediateMinBuffered, s.policy.ImmediateMinInterval, true)
}

// TimerFired handles a debounce expiry. Ids that do not match the pending
// timer are stale and ignored.
func (s *Scheduler) TimerFired(id TimerID) Decision {
	if id == 0 || id != s.pendingID {
		return Decision{Action: ActionNone, BufferedMs: s.bufferedMs, Reason: "stale_timer"}
	}
	s.pendingID = 0
	s.pendingTimer = nil

	return s.tryCommit(TriggerDebounce, s.policy.DebouncedMinBuffered, s.policy.DebouncedMinInterval, true)
}

// ManualCommit handles an explicit client commit request. It is not rate
// limited.
func (s *Scheduler) ManualCommit() Decision {
	return s.tryCommit(TriggerManual, s.policy.ManualMinBuffered, 0, false)
}

// Clear resets all buffer accounting and cancels the pending debounce.
func (s *Scheduler) Clear() Decision {
	s.cancelTimer()
	s.bufferedMs = 0
	s.chunkCount = 0
	return Decision{Action: ActionClear}
}

// ResponseTerminated marks the in-flight response finished. Counters are
// zeroed only when resetCounters is set or the policy asks for it.
func (s *Scheduler) ResponseTerminated(resetCounters bool) {
	s.responseInProgress = false
	if resetCounters || s.policy.ResetOnResponseDone {
		s.ResetCounters()
	}
}

// ResetCounters zeroes buffered duration and chunk count without touching
// the response flag or the pending timer.
func (s *Scheduler) ResetCounters() {
	s.bufferedMs = 0
	s.chunkCount = 0
}

// Close cancels the pending debounce. The scheduler must not be used after.
func (s *Scheduler) Close() {
	s.cancelTimer()
}

func (s *Scheduler) ResponseInProgress() bool { return s.responseInProgress }

func (s *Scheduler) State() State {
	switch {
	case s.responseInProgress:
		return StateAwaitingResponse
	case s.chunkCount > 0 || s.bufferedMs > 0:
		return StateBuffering
	default:
		return StateIdle
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		State:              s.State(),
		BufferedMs:         s.bufferedMs,
		ChunkCount:         s.chunkCount,
		ResponseInProgress: s.responseInProgress,
		LastCommitAt:       s.lastCommitAt,
		TimerPending:       s.pendingID != 0,
	}
}

func (s *Scheduler) tryCommit(trigger Trigger, minBuffered, minInterval time.Duration, rateLimited bool) Decision {
	d := Decision{Action: ActionNone, Trigger: trigger, BufferedMs: s.bufferedMs}
	if s.responseInProgress {
		d.Reason = "response_in_progress"
		return d
	}
	if s.bufferedMs < durationMs(minBuffered) {
		d.Reason = "below_min_buffered"
		return d
	}
	now := s.clock.Now()
	if rateLimited && !s.lastCommitAt.IsZero() && now.Sub(s.lastCommitAt) < minInterval {
		d.Reason = "rate_limited"
		return d
	}

	s.responseInProgress = true
	s.lastCommitAt = now
	d.Action = ActionCommit
	return d
}

// rearm cancels the pending debounce before scheduling its replacement, so at
// most one timer is ever live.
func (s *Scheduler) rearm() {
	s.cancelTimer()
	s.timerSeq++
	id := s.timerSeq
	fire := s.fire
	s.pendingID = id
	s.pendingTimer = s.clock.AfterFunc(s.policy.DebounceDelay, func() { fire(id) })
}

func (s *Scheduler) cancelTimer() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.pendingTimer = nil
	s.pendingID = 0
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
