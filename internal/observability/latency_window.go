package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Latency stages served by /v1/perf/latency, each measured per session.
const (
	// StageConnectToReady spans the upstream dial and initial configuration.
	StageConnectToReady = "connect_to_ready"
	// StageCommitToCommitted ends at the upstream buffer acknowledgement.
	StageCommitToCommitted = "commit_to_committed"
	// StageCommitToTranscript ends at the completed transcription.
	StageCommitToTranscript = "commit_to_transcript"
)

var stageTargetP95MS = map[string]float64{
	StageConnectToReady:     1200,
	StageCommitToCommitted:  300,
	StageCommitToTranscript: 1500,
}

type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	MeanMS      float64 `json:"mean_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

type LatencySnapshot struct {
	At      time.Time      `json:"at"`
	Window  int            `json:"window"`
	Stages  []StageLatency `json:"stages"`
	Tallies map[string]int `json:"tallies,omitempty"`
}

// latencyWindow keeps the last size samples per stage plus free-form tallies
// of skipped commits and dropped notices.
type latencyWindow struct {
	mu      sync.Mutex
	size    int
	rings   map[string]*ring
	tallies map[string]int
}

type ring struct {
	samples []float64
	pos     int
	last    float64
}

func (r *ring) add(v float64, size int) {
	r.last = v
	if len(r.samples) < size {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.pos] = v
	r.pos = (r.pos + 1) % size
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, rings: map[string]*ring{}, tallies: map[string]int{}}
}

func (w *latencyWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{}
		w.rings[stage] = r
	}
	r.add(ms, w.size)
}

func (w *latencyWindow) tally(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.tallies[name]++
	w.mu.Unlock()
}

// snapshot summarizes every stage, or only the named ones when only is
// non-empty. Stages come back sorted by name.
func (w *latencyWindow) snapshot(only []string) LatencySnapshot {
	want := make(map[string]bool, len(only))
	for _, s := range only {
		if s = strings.TrimSpace(s); s != "" {
			want[s] = true
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{At: time.Now().UTC(), Window: w.size, Stages: []StageLatency{}}
	for stage, r := range w.rings {
		if len(want) > 0 && !want[stage] {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, r))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	if len(w.tallies) > 0 {
		snap.Tallies = make(map[string]int, len(w.tallies))
		for k, v := range w.tallies {
			snap.Tallies[k] = v
		}
	}
	return snap
}

func summarize(stage string, r *ring) StageLatency {
	sorted := append([]float64(nil), r.samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st := StageLatency{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      roundMS(r.last),
		MeanMS:      roundMS(sum / float64(len(sorted))),
		P50MS:       roundMS(nearestRank(sorted, 50)),
		P95MS:       roundMS(nearestRank(sorted, 95)),
		P99MS:       roundMS(nearestRank(sorted, 99)),
		TargetP95MS: stageTargetP95MS[stage],
	}
	st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	return st
}

// nearestRank returns the p-th percentile of sorted, which must be non-empty.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
