package agentloop

import (
	"log/slog"
	"slices"
	"sync"
)

// rollingWindow tracks the last N tool-call latencies and error outcomes
// for one tool. Observability only: per SPEC_FULL.md §4 item 5, it never
// changes which tools are offered — the catalog is always the three fixed
// tools — it only drives a warning log when a tool's error rate crosses
// 30%.
type rollingWindow struct {
	mu      sync.Mutex
	samples []int64
	failed  []bool
	pos     int
	count   int
	errors  int
	size    int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 100
	}
	return &rollingWindow{samples: make([]int64, size), failed: make([]bool, size), size: size}
}

// Record adds a latency measurement (ms) and error outcome to the window.
func (w *rollingWindow) Record(latencyMs int64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count >= w.size && w.failed[w.pos] {
		w.errors-- // the evicted sample was an error
	}
	w.samples[w.pos] = latencyMs
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % w.size
	w.count++
	if isError {
		w.errors++
	}
}

func (w *rollingWindow) windowLen() int {
	if w.count >= w.size {
		return w.size
	}
	return w.count
}

func (w *rollingWindow) sortedCopy() []int64 {
	n := w.windowLen()
	if n == 0 {
		return nil
	}
	cp := make([]int64, n)
	if w.count >= w.size {
		for i := 0; i < w.size; i++ {
			cp[i] = w.samples[(w.pos+i)%w.size]
		}
	} else {
		copy(cp, w.samples[:n])
	}
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency in ms (the lower of the two middle
// samples for an even count), or 0 with no samples.
func (w *rollingWindow) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedCopy()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[(len(sorted)-1)/2]
}

// ErrorRate returns the fraction of calls in the window that errored.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	return float64(min(w.errors, n)) / float64(n)
}

// degradedThreshold is the error-rate fraction above which a tool's health
// is logged as degraded.
const degradedThreshold = 0.30

// toolHealth tracks a [rollingWindow] per tool name and logs a warning on
// every recorded call while a tool's error rate is above
// [degradedThreshold].
type toolHealth struct {
	mu      sync.Mutex
	windows map[string]*rollingWindow
	logger  *slog.Logger
}

func newToolHealth(logger *slog.Logger) *toolHealth {
	return &toolHealth{windows: make(map[string]*rollingWindow), logger: logger}
}

func (h *toolHealth) record(tool string, latencyMs int64, isError bool) {
	h.mu.Lock()
	w, ok := h.windows[tool]
	if !ok {
		w = newRollingWindow(100)
		h.windows[tool] = w
	}
	h.mu.Unlock()

	w.Record(latencyMs, isError)
	if rate := w.ErrorRate(); rate > degradedThreshold {
		h.logger.Warn("agentloop: tool error rate degraded", "tool", tool, "error_rate", rate, "p50_ms", w.P50())
	}
}
