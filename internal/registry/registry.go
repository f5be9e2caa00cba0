package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// WorkerStatus gates whether a worker may receive assignments
type WorkerStatus int

const (
	StatusActive WorkerStatus = iota
	StatusQuarantined
	StatusRemoved
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusQuarantined:
		return "quarantined"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// TrustConfig holds the trust update constants. With Decay+WeightSuccess
// <= 1 the update trust' = trust*decay + reward stays inside [0,1]; the
// registry clamps regardless.
type TrustConfig struct {
	Decay               float64
	WeightSuccess       float64
	DefaultTrust        float64
	QuarantineThreshold float64
	TrustedThreshold    float64
	LatencyAlpha        float64
}

// DefaultTrustConfig returns the production constants
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		Decay:               0.85,
		WeightSuccess:       0.15,
		DefaultTrust:        0.5,
		QuarantineThreshold: 0.25,
		TrustedThreshold:    0.7,
		LatencyAlpha:        0.2,
	}
}

// Worker is one known peer's record. Fields are guarded by mu; the
// registry serializes all writes to a given worker while different
// workers proceed concurrently.
type Worker struct {
	mu sync.Mutex

	ID        string
	Trust     float64
	LatencyMs float64 // EMA of observed round trips
	Capacity  int
	Inflight  int
	Status    WorkerStatus

	Successes    uint64
	Failures     uint64
	lastAssigned time.Time
}

// Snapshot is a copy of a worker's record safe to read without locks
type Snapshot struct {
	ID        string
	Trust     float64
	LatencyMs float64
	Capacity  int
	Inflight  int
	Status    WorkerStatus
	Successes uint64
	Failures  uint64
}

// Registry owns every worker record. Trust is updated here and nowhere
// else, only after verification outcomes reported by the scheduler.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker

	cfg    TrustConfig
	logger *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(cfg TrustConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Decay == 0 && cfg.WeightSuccess == 0 {
		cfg = DefaultTrustConfig()
	}
	return &Registry{
		workers: make(map[string]*Worker),
		cfg:     cfg,
		logger:  logger.With("component", "registry"),
	}
}

// Register admits a worker with its declared capacity and latency hint.
// Re-registering an existing worker refreshes capacity but keeps its
// earned trust.
func (r *Registry) Register(id string, capacity int, latencyHintMs float64) {
	if capacity <= 0 {
		capacity = 1
	}

	r.mu.Lock()
	w, exists := r.workers[id]
	if !exists {
		w = &Worker{
			ID:        id,
			Trust:     r.cfg.DefaultTrust,
			LatencyMs: latencyHintMs,
			Status:    StatusActive,
		}
		r.workers[id] = w
	}
	r.mu.Unlock()

	w.mu.Lock()
	w.Capacity = capacity
	if w.Status == StatusRemoved {
		w.Status = StatusActive
		w.Trust = r.cfg.DefaultTrust
	}
	w.mu.Unlock()

	r.logger.Info("worker registered", "worker_id", id, "capacity", capacity, "latency_hint_ms", latencyHintMs)
}

// Remove drops a worker from selection permanently
func (r *Registry) Remove(id string) {
	if w := r.lookup(id); w != nil {
		w.mu.Lock()
		w.Status = StatusRemoved
		w.mu.Unlock()
		r.logger.Info("worker removed", "worker_id", id)
	}
}

func (r *Registry) lookup(id string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// Get returns a snapshot of one worker's record
func (r *Registry) Get(id string) (Snapshot, bool) {
	w := r.lookup(id)
	if w == nil {
		return Snapshot{}, false
	}
	return w.snapshot(), true
}

func (w *Worker) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID:        w.ID,
		Trust:     w.Trust,
		LatencyMs: w.LatencyMs,
		Capacity:  w.Capacity,
		Inflight:  w.Inflight,
		Status:    w.Status,
		Successes: w.Successes,
		Failures:  w.Failures,
	}
}

// SelectOptions constrain worker selection
type SelectOptions struct {
	// Exclude removes specific workers, e.g. ones that already hold or
	// failed this task.
	Exclude map[string]struct{}
	// AllowQuarantined admits quarantined workers, used only for
	// redundancy-mode participation where their result cannot be
	// accepted on its own.
	AllowQuarantined bool
}

// Select picks the eligible worker maximizing trust-weighted inverse
// latency; ties go to the least recently assigned worker to spread load.
func (r *Registry) Select(opts SelectOptions) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Worker
	var bestScore float64
	var bestAssigned time.Time

	for id, w := range r.workers {
		if _, excluded := opts.Exclude[id]; excluded {
			continue
		}
		w.mu.Lock()
		eligible := w.Status == StatusActive || (opts.AllowQuarantined && w.Status == StatusQuarantined)
		spare := w.Inflight < w.Capacity
		score := w.Trust / (1.0 + w.LatencyMs/100.0)
		assigned := w.lastAssigned
		w.mu.Unlock()

		if !eligible || !spare {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && assigned.Before(bestAssigned)) {
			best = w
			bestScore = score
			bestAssigned = assigned
		}
	}

	if best == nil {
		return "", compute.NewError(compute.ErrCodeNoWorkers, "no eligible worker")
	}
	return best.ID, nil
}

// Reserve claims one unit of a worker's capacity; admission control
// never lets inflight pass the declared capacity
func (r *Registry) Reserve(id string) error {
	w := r.lookup(id)
	if w == nil {
		return compute.NewError(compute.ErrCodeNoWorkers, "unknown worker").WithContext("worker_id", id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Inflight >= w.Capacity {
		return compute.NewError(compute.ErrCodeCapacityExceeded, "worker at capacity").
			WithContext("worker_id", id).
			WithContext("capacity", w.Capacity)
	}
	w.Inflight++
	w.lastAssigned = time.Now()
	return nil
}

// Release returns one unit of capacity
func (r *Registry) Release(id string) {
	if w := r.lookup(id); w != nil {
		w.mu.Lock()
		if w.Inflight > 0 {
			w.Inflight--
		}
		w.mu.Unlock()
	}
}

// RecordSuccess applies the trust update for a verified-correct result
// and feeds the latency estimate. A quarantined worker that climbs back
// over the quarantine threshold is re-admitted.
func (r *Registry) RecordSuccess(id string, latency time.Duration) {
	w := r.lookup(id)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.Successes++
	w.Trust = clamp01(w.Trust*r.cfg.Decay + r.cfg.WeightSuccess)

	ms := float64(latency.Milliseconds())
	if w.LatencyMs == 0 {
		w.LatencyMs = ms
	} else {
		w.LatencyMs = (1-r.cfg.LatencyAlpha)*w.LatencyMs + r.cfg.LatencyAlpha*ms
	}

	if w.Status == StatusQuarantined && w.Trust > r.cfg.QuarantineThreshold {
		w.Status = StatusActive
		r.logger.Info("worker re-admitted", "worker_id", id, "trust", w.Trust)
	}
}

// RecordFailure applies the zero-reward trust update for a failure,
// mismatch or timeout, quarantining the worker when it sinks below the
// threshold
func (r *Registry) RecordFailure(id string, reason string) {
	w := r.lookup(id)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.Failures++
	w.Trust = clamp01(w.Trust * r.cfg.Decay)

	if w.Status == StatusActive && w.Trust < r.cfg.QuarantineThreshold {
		w.Status = StatusQuarantined
		r.logger.Warn("worker quarantined", "worker_id", id, "trust", w.Trust, "reason", reason)
	}
}

// Trusted reports whether the worker has earned cheap verification
func (r *Registry) Trusted(id string) bool {
	w := r.lookup(id)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Status == StatusActive && w.Trust > r.cfg.TrustedThreshold
}

// TrustedThreshold exposes the policy boundary for verification mode
// selection
func (r *Registry) TrustedThreshold() float64 {
	return r.cfg.TrustedThreshold
}

// ActiveCount returns how many workers are currently selectable
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		w.mu.Lock()
		if w.Status == StatusActive {
			n++
		}
		w.mu.Unlock()
	}
	return n
}

// GetMetrics returns aggregate registry statistics
func (r *Registry) GetMetrics() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sumTrust float64
	var quarantined int
	for _, w := range r.workers {
		w.mu.Lock()
		sumTrust += w.Trust
		if w.Status == StatusQuarantined {
			quarantined++
		}
		w.mu.Unlock()
	}

	avg := 0.0
	if len(r.workers) > 0 {
		avg = sumTrust / float64(len(r.workers))
	}
	return map[string]interface{}{
		"total_workers": len(r.workers),
		"quarantined":   quarantined,
		"avg_trust":     avg,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
