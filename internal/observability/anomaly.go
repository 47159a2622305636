package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/tripwire/internal/config"
)

// minSamples is the number of attempts needed before a rate is judged.
const minSamples = 5

// AnomalyDetector flags action kinds whose delivery attempts fail above a
// configured rate within a sliding window.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]bool
	threshold float64
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := 5 * time.Minute
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]bool),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		now:       time.Now,
		logger:    logger,
	}
}

// RecordFailure records a failed delivery attempt for an action kind.
func (a *AnomalyDetector) RecordFailure(action string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.failures, action).add(a.now())
	a.check(action)
}

// RecordSuccess records a successful delivery attempt.
func (a *AnomalyDetector) RecordSuccess(action string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, action).add(a.now())
	a.check(action)
}

// isFlagged reports whether the action kind is currently above the threshold.
func (a *AnomalyDetector) isFlagged(action string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[action]
}

// check updates the flag for action and logs on transitions.
// Must be called with a.mu held.
func (a *AnomalyDetector) check(action string) {
	if a.threshold <= 0 {
		return
	}
	now := a.now()
	failed := float64(a.windowFor(a.failures, action).count(now))
	total := failed + float64(a.windowFor(a.successes, action).count(now))
	if total < minSamples {
		return
	}

	rate := failed / total
	above := rate > a.threshold
	if above == a.flagged[action] {
		return
	}
	a.flagged[action] = above
	if a.logger == nil {
		return
	}
	if above {
		a.logger.Warn("anomaly detected: high delivery failure rate",
			slog.String("action", action),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("attempts", total),
		)
	} else {
		a.logger.Info("delivery failure rate recovered",
			slog.String("action", action),
			slog.Float64("failure_rate", rate),
		)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(at time.Time) {
	w.entries = append(w.entries, at)
	w.prune(at)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
