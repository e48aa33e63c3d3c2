package observability

import "testing"

func TestLatencyWindowSummarizesStage(t *testing.T) {
	w := newLatencyWindow(8)
	w.observe(StageCommitToTranscript, 500)
	w.observe(StageCommitToTranscript, 700)
	w.observe(StageCommitToTranscript, 1900)
	w.tally("debounce_rate_limited")
	w.tally("debounce_rate_limited")
	w.tally(" ")

	snap := w.snapshot(nil)
	if snap.Window != 8 {
		t.Fatalf("Window = %d, want 8", snap.Window)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageCommitToTranscript || s.Samples != 3 {
		t.Fatalf("stage = %+v", s)
	}
	if s.LastMS != 1900 || s.P50MS != 700 || s.P95MS != 1900 {
		t.Fatalf("last/p50/p95 = %.2f/%.2f/%.2f, want 1900/700/1900", s.LastMS, s.P50MS, s.P95MS)
	}
	if s.MeanMS != 1033.33 {
		t.Fatalf("MeanMS = %.2f, want 1033.33", s.MeanMS)
	}
	if s.TargetP95MS != 1500 || !s.OverTarget {
		t.Fatalf("target = %.0f over = %v, want 1500 true", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Tallies) != 1 || snap.Tallies["debounce_rate_limited"] != 2 {
		t.Fatalf("Tallies = %v", snap.Tallies)
	}
}

func TestLatencyWindowOverwritesOldestSample(t *testing.T) {
	w := newLatencyWindow(2)
	w.observe(StageCommitToCommitted, 10)
	w.observe(StageCommitToCommitted, 20)
	w.observe(StageCommitToCommitted, 30)
	w.observe("", 40)
	w.observe(StageCommitToCommitted, -1)

	s := w.snapshot(nil).Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.MeanMS != 25 || s.LastMS != 30 {
		t.Fatalf("mean/last = %.2f/%.2f, want 25/30", s.MeanMS, s.LastMS)
	}
	if s.OverTarget {
		t.Fatalf("OverTarget = true for samples under 300ms")
	}
}

func TestLatencyWindowFiltersStages(t *testing.T) {
	w := newLatencyWindow(4)
	w.observe(StageConnectToReady, 80)
	w.observe(StageCommitToCommitted, 40)
	w.observe(StageCommitToTranscript, 400)

	snap := w.snapshot([]string{StageCommitToTranscript, " " + StageConnectToReady, "nope"})
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageCommitToTranscript || snap.Stages[1].Stage != StageConnectToReady {
		t.Fatalf("Stages = %+v", snap.Stages)
	}

	if got := newLatencyWindow(0).snapshot([]string{"nope"}).Stages; got == nil || len(got) != 0 {
		t.Fatalf("empty snapshot Stages = %#v, want empty non-nil", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Commit("manual", 100)
	m.FrameDropped("silent")
	m.ObserveCommitToTranscript(0)
	m.Tally("notice_dropped")
	if got := len(m.Latency().Stages); got != 0 {
		t.Fatalf("len(Stages) = %d, want 0", got)
	}
}

func TestMetricsFeedWindow(t *testing.T) {
	m := NewMetrics("test_observability_window")
	m.ObserveStage(StageCommitToCommitted, 0)
	m.ObserveCommitToTranscript(0)

	snap := m.Latency()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageCommitToCommitted || snap.Stages[1].Stage != StageCommitToTranscript {
		t.Fatalf("Stages = %+v", snap.Stages)
	}
}
