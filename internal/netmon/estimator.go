// Package netmon estimates live network quality from connectivity events,
// latency probes and a rolling failure window, producing the scalar score
// that drives routing decisions.
package netmon

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/duracall/duracall/pkg/models"
)

// Scoring constants.
const (
	// FailureWindow is how long a recorded failure keeps depressing the score.
	FailureWindow = 5 * time.Minute
	// FailurePenalty is subtracted per failure inside the window.
	FailurePenalty = 0.1
	// FastLatencyThreshold is the latency below which the score gets a bonus.
	FastLatencyThreshold = 100 * time.Millisecond
	// SlowLatencyThreshold is the latency above which the score is penalized.
	SlowLatencyThreshold = 1000 * time.Millisecond
	// StableScoreThreshold separates stable from unstable connectivity.
	StableScoreThreshold = 0.5

	// DefaultProbeInterval is how often the latency prober runs.
	DefaultProbeInterval = 30 * time.Second
	// DefaultPlaceholderLatency is reported when no prober is configured.
	DefaultPlaceholderLatency = 50 * time.Millisecond

	statusChannelBufferSize = 16
)

// baseScores maps connectivity kinds to their base quality score.
var baseScores = map[models.NetworkType]float64{
	models.NetworkWiFi:     1.0,
	models.NetworkMobile4G: 0.8,
	models.NetworkMobile3G: 0.5,
	models.NetworkMobile2G: 0.3,
	models.NetworkNone:     0.0,
	models.NetworkUnknown:  0.0,
}

// Opts holds configuration for the estimator.
type Opts struct {
	Prober        models.LatencyProbeFunc
	ProbeInterval time.Duration
}

// Option configures the estimator.
type Option func(*Opts)

// WithProber sets the latency probe function.
func WithProber(p models.LatencyProbeFunc) Option {
	return func(o *Opts) { o.Prober = p }
}

// WithProbeInterval sets how often the latency probe runs.
func WithProbeInterval(d time.Duration) Option {
	return func(o *Opts) { o.ProbeInterval = d }
}

// Estimator derives a quality score in [0,1] from the connectivity source,
// the most recent latency probe and the failures observed in the last five
// minutes. It is safe for concurrent use.
type Estimator struct {
	source        models.ConnectivitySource
	prober        models.LatencyProbeFunc
	probeInterval time.Duration

	mu       sync.RWMutex
	latency  time.Duration
	failures []time.Time
	subs     []chan models.NetworkStatus
	stopped  bool

	cancel context.CancelFunc
	donewg sync.WaitGroup
}

// NewEstimator creates an estimator reading from the given connectivity
// source. A nil source is treated as permanently offline.
func NewEstimator(source models.ConnectivitySource, opts ...Option) *Estimator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	return &Estimator{
		source:        source,
		prober:        cfg.Prober,
		probeInterval: cfg.ProbeInterval,
		latency:       DefaultPlaceholderLatency,
	}
}

// Start begins listening for connectivity transitions and running the
// periodic latency probe. It returns immediately.
func (e *Estimator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	var events <-chan models.NetworkType
	if e.source != nil {
		events = e.source.Subscribe()
	}

	e.donewg.Add(1)
	go func() {
		defer e.donewg.Done()
		ticker := time.NewTicker(e.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case kind, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				slog.Debug("Estimator connectivity transition", "type", kind)
				e.emit(e.Status())
			case <-ticker.C:
				e.probe(ctx)
			}
		}
	}()
}

// Stop cancels the background loop and closes subscriber channels.
func (e *Estimator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.donewg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}

// CurrentType returns the connectivity kind reported by the source.
func (e *Estimator) CurrentType() models.NetworkType {
	if e.source == nil {
		return models.NetworkNone
	}
	return e.source.Current()
}

// Score computes the quality score from the current type, the last probed
// latency and the pruned failure window. The result is clamped to [0,1].
func (e *Estimator) Score() float64 {
	base := baseScores[e.CurrentType()]
	if base <= 0 {
		return 0.0
	}

	e.mu.Lock()
	latency := e.latency
	e.pruneFailuresLocked(time.Now())
	failures := len(e.failures)
	e.mu.Unlock()

	score := base
	if latency < FastLatencyThreshold {
		score += 0.1
	} else if latency > SlowLatencyThreshold {
		score -= 0.2
	}
	score -= FailurePenalty * float64(failures)

	// The adjustments work in 0.1 steps; rounding keeps threshold
	// comparisons exact.
	score = math.Round(score*100) / 100

	if score < 0 {
		return 0.0
	}
	if score > 1 {
		return 1.0
	}
	return score
}

// Latency returns the most recent probed latency in milliseconds.
func (e *Estimator) Latency() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int(e.latency / time.Millisecond)
}

// IsStable reports whether the score is at or above the stability threshold.
func (e *Estimator) IsStable() bool {
	return e.Score() >= StableScoreThreshold
}

// ObserveLatency records a latency measurement, replacing the probe's
// last value. External probers can feed measurements directly.
func (e *Estimator) ObserveLatency(d time.Duration) {
	e.mu.Lock()
	e.latency = d
	e.mu.Unlock()
}

// ObserveFailure records a delivery failure at the current time.
func (e *Estimator) ObserveFailure() {
	now := time.Now()
	e.mu.Lock()
	e.failures = append(e.failures, now)
	e.pruneFailuresLocked(now)
	count := len(e.failures)
	e.mu.Unlock()
	slog.Debug("Estimator recorded failure", "window_count", count)
}

// Status returns a point-in-time connectivity snapshot.
func (e *Estimator) Status() models.NetworkStatus {
	score := e.Score()
	return models.NetworkStatus{
		Type:         e.CurrentType(),
		QualityScore: score,
		LatencyMS:    e.Latency(),
		IsStable:     score >= StableScoreThreshold,
	}
}

// Subscribe returns a channel receiving a status snapshot on every
// connectivity transition. The channel is closed by Stop.
func (e *Estimator) Subscribe() <-chan models.NetworkStatus {
	ch := make(chan models.NetworkStatus, statusChannelBufferSize)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// probe runs one latency measurement. A failing probe is not an error: it
// records a latency above SlowLatencyThreshold, so the score takes the
// slow-network penalty.
func (e *Estimator) probe(ctx context.Context) {
	if e.prober == nil {
		return
	}
	latency, err := e.prober(ctx)
	if err != nil {
		slog.Debug("Estimator latency probe failed", "error", err)
		e.ObserveLatency(SlowLatencyThreshold + time.Second)
		return
	}
	e.ObserveLatency(latency)
	slog.Debug("Estimator latency probe", "latency", latency)
}

// emit fans a status snapshot out to subscribers, dropping for slow ones.
func (e *Estimator) emit(status models.NetworkStatus) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- status:
		default:
			slog.Warn("Estimator subscriber channel blocked, dropping status")
		}
	}
}

func (e *Estimator) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-FailureWindow)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept
}
