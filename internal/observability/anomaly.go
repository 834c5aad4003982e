package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/cloudrelay/internal/config"
)

const (
	defaultAnomalyWindow  = 300 * time.Second
	defaultProbeThreshold = 20
	minErrorRateSamples   = 5
)

// AnomalyDetector performs threshold-based anomaly detection using sliding
// windows. It watches two signals: the upstream error rate per operation and
// forward attempts on unregistered sessions per client address, which is
// what identifier guessing looks like from the broker.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	probes        map[string]*slidingWindow
	alerted       map[string]bool
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		probes:        make(map[string]*slidingWindow),
		alerted:       make(map[string]bool),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	if a.cfg.WindowSeconds > 0 {
		return time.Duration(a.cfg.WindowSeconds) * time.Second
	}
	return defaultAnomalyWindow
}

func (a *AnomalyDetector) probeThreshold() int {
	if a.cfg.ProbeThreshold > 0 {
		return a.cfg.ProbeThreshold
	}
	return defaultProbeThreshold
}

// RecordError records a failed upstream operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful upstream operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// RecordProbe records a forward attempt on an unregistered session from
// client. It reports true the first time the client crosses the probe
// threshold within the window.
func (a *AnomalyDetector) RecordProbe(client string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w := a.getOrCreateWindow(a.probes, client)
	w.add(now, 1)
	hits := int(w.sum(now))

	key := "probe:" + client
	if hits < a.probeThreshold() {
		delete(a.alerted, key)
		return false
	}
	if a.alerted[key] {
		return false
	}
	a.alerted[key] = true
	if a.logger != nil {
		a.logger.Warn("anomaly detected: unregistered session probing",
			slog.String("client", client),
			slog.Int("hits", hits),
			slog.Duration("window", a.windowDuration()),
		)
	}
	return true
}

// ErrorRate returns the current upstream error rate for operation and the
// number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errorRate(operation)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) errorRate(operation string) (float64, int) {
	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	oks := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total := errs + oks
	if total == 0 {
		return 0, 0
	}
	return errs / total, int(total)
}

// checkErrorRate logs when the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	rate, total := a.errorRate(operation)
	if total < minErrorRateSamples {
		return // Not enough data.
	}

	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high upstream error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
