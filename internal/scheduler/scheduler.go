// Package scheduler assigns tasks to workers, polices deadlines and
// retries, and feeds verification verdicts back into worker trust.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/registry"
	"github.com/nmxmxh/meshcompute/internal/sandbox"
	"github.com/nmxmxh/meshcompute/internal/transport"
	"github.com/nmxmxh/meshcompute/internal/verify"
)

// LocalWorkerID marks results produced by this node's own sandbox
const LocalWorkerID = "local"

// Config holds the scheduling policy knobs
type Config struct {
	// RetryLimit caps reassignment attempts per task.
	RetryLimit int
	// DeadlineMargin is slack added on top of the task's own execution
	// time ceiling before the worker is declared missing. Every attempt
	// gets a fresh deadline.
	DeadlineMargin time.Duration
	// RedundancyK is how many distinct workers execute an untrusted
	// task. Never decreased on a quorum failure.
	RedundancyK int
	// BreakerFailures is the consecutive delivery failures that open a
	// worker's circuit breaker; BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the production scheduling policy
func DefaultConfig() Config {
	return Config{
		RetryLimit:      3,
		DeadlineMargin:  500 * time.Millisecond,
		RedundancyK:     3,
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
	}
}

// Report is the accepted outcome of one task. Record is nil when the
// result was accepted on worker trust alone and acceptance is deferred to
// the job-level Merkle batch.
type Report struct {
	TaskID   string
	WorkerID string
	Output   []byte
	Usage    compute.ResourceUsage
	Duration time.Duration
	Record   *verify.Record
}

type delivery struct {
	workerID string
	res      *compute.ExecutionResult
}

// Scheduler drives tasks to accepted results. It owns the only path from
// execution outcomes to trust updates: the registry rewards and penalizes
// workers strictly on what the scheduler observed and verified.
type Scheduler struct {
	reg      *registry.Registry
	tr       transport.Transport
	verifier *verify.Engine
	local    sandbox.Executor
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	waiters  map[string]chan delivery
	seen     *bloom.BloomFilter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewScheduler wires the scheduler into the transport's result path.
// local may be nil on nodes that never run tasks themselves.
func NewScheduler(reg *registry.Registry, tr transport.Transport, verifier *verify.Engine, local sandbox.Executor, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryLimit == 0 && cfg.RedundancyK == 0 {
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		reg:      reg,
		tr:       tr,
		verifier: verifier,
		local:    local,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		waiters:  make(map[string]chan delivery),
		seen:     bloom.NewWithEstimates(1_000_000, 0.0001),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	tr.SetResultHandler(s.onResult)
	return s
}

// SyncWorkers folds the transport's connected-worker view into the
// registry. Known workers keep their trust history; only capacity and
// the latency hint are refreshed.
func (s *Scheduler) SyncWorkers() {
	for _, w := range s.tr.ConnectedWorkers() {
		s.reg.Register(w.ID, w.Capacity, w.LatencyHintMs)
	}
}

// onResult routes an asynchronous worker result to the attempt waiting on
// it. Duplicate deliveries for a (task, worker) pair are suppressed; late
// results for attempts already resolved are dropped.
func (s *Scheduler) onResult(workerID string, res *compute.ExecutionResult) {
	s.mu.Lock()
	dup := s.seen.TestAndAddString(res.TaskID + "|" + workerID)
	ch := s.waiters[res.TaskID]
	s.mu.Unlock()

	if dup {
		s.logger.Debug("duplicate result dropped", "task_id", res.TaskID, "worker_id", workerID)
		return
	}
	if ch == nil {
		s.logger.Debug("late result dropped", "task_id", res.TaskID, "worker_id", workerID)
		return
	}
	select {
	case ch <- delivery{workerID: workerID, res: res}:
	default:
	}
}

func (s *Scheduler) awaitResults(taskID string, buf int) chan delivery {
	ch := make(chan delivery, buf)
	s.mu.Lock()
	s.waiters[taskID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) stopAwaiting(taskID string) {
	s.mu.Lock()
	delete(s.waiters, taskID)
	s.mu.Unlock()
}

func (s *Scheduler) breaker(workerID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[workerID]
	if !ok {
		threshold := s.cfg.BreakerFailures
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    workerID,
			Timeout: s.cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
		})
		s.breakers[workerID] = b
	}
	return b
}

// send delivers a task behind the worker's circuit breaker
func (s *Scheduler) send(ctx context.Context, workerID string, task *compute.Task) error {
	_, err := s.breaker(workerID).Execute(func() (interface{}, error) {
		return nil, s.tr.SendTask(ctx, workerID, task)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return compute.WrapError(compute.ErrCodeCircuitOpen, "worker circuit open", err).
			WithContext("worker_id", workerID)
	}
	return err
}

// Run drives one task to an accepted result. Failed attempts are retried
// on other workers with fresh deadlines up to the retry limit. When two
// distinct workers report the same resource breach the task's limits are
// judged infeasible and the job must fail rather than burn retries; a
// trap confirmed by a second worker is treated the same way, as a
// deterministic program fault.
func (s *Scheduler) Run(ctx context.Context, task *compute.Task) (*Report, error) {
	excluded := make(map[string]struct{})
	exceededBy := make(map[string]struct{})
	trappedBy := make(map[string]struct{})

	var lastErr error
	var escalated bool
	for attempt := 0; attempt <= s.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			task.Retries++
		}

		workerID, err := s.reg.Select(registry.SelectOptions{Exclude: excluded})
		if err != nil {
			return s.runLocal(ctx, task)
		}

		snap, _ := s.reg.Get(workerID)
		mode := verify.ModeFor(snap.Trust, s.reg.TrustedThreshold(), task.NonDeterministic)

		// A known reference digest verifies any worker's output directly,
		// so redundancy buys nothing on the first pass. Once a worker has
		// failed that check the task escalates to redundant execution; the
		// majority winner is still held to the digest.
		var report *Report
		if escalated || (mode == verify.ModeRedundancy && len(task.ExpectedDigest) == 0) {
			report, err = s.runRedundant(ctx, task, excluded)
			if err != nil && compute.CodeOf(err) == compute.ErrCodeNoWorkers {
				if len(task.ExpectedDigest) > 0 {
					// too few peers for a vote; the digest still guards a
					// single retry
					report, err = s.runSingle(ctx, task, workerID)
					if err != nil {
						excluded[workerID] = struct{}{}
					}
				} else {
					// a population too small for a quorum is handled like
					// no workers at all
					return s.runLocal(ctx, task)
				}
			}
		} else {
			report, err = s.runSingle(ctx, task, workerID)
			if err != nil {
				excluded[workerID] = struct{}{}
			}
		}
		if err == nil {
			return report, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err

		switch compute.CodeOf(err) {
		case compute.ErrCodeResourceExceeded:
			exceededBy[workerID] = struct{}{}
			if len(exceededBy) >= 2 {
				return nil, compute.NewError(compute.ErrCodeLimitsInfeasible, "resource limits breached on independent workers").
					WithContext("task_id", task.ID).
					WithContext("workers", len(exceededBy))
			}
		case compute.ErrCodeSandboxTrap:
			trappedBy[workerID] = struct{}{}
			if len(trappedBy) >= 2 {
				return nil, err
			}
		case compute.ErrCodeVerificationMismatch:
			escalated = true
		}
	}
	return nil, compute.ErrRetriesExhausted(task.ID, task.Retries, lastErr)
}

// runSingle performs one attempt on one worker with a fresh deadline
func (s *Scheduler) runSingle(ctx context.Context, task *compute.Task, workerID string) (*Report, error) {
	if err := s.reg.Reserve(workerID); err != nil {
		return nil, err
	}
	defer s.reg.Release(workerID)

	ch := s.awaitResults(task.ID, 1)
	defer s.stopAwaiting(task.ID)

	start := time.Now()
	if err := s.send(ctx, workerID, task); err != nil {
		s.reg.RecordFailure(workerID, "delivery")
		return nil, err
	}

	deadline := time.NewTimer(task.Limits.MaxExecutionTime + s.cfg.DeadlineMargin)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			s.reg.RecordFailure(workerID, "timeout")
			s.logger.Warn("worker missed deadline", "task_id", task.ID, "worker_id", workerID)
			return nil, compute.ErrWorkerTimeout(task.ID, workerID)
		case d := <-ch:
			// a straggler from an earlier attempt must not speak for the
			// worker this attempt was assigned to
			if d.workerID != workerID {
				s.logger.Debug("result from unassigned worker dropped", "task_id", task.ID, "worker_id", d.workerID)
				continue
			}
			return s.accept(task, d.workerID, d.res, time.Since(start))
		}
	}
}

// accept turns a worker's raw result into a verified report. Every
// non-success outcome applies the zero-reward trust update; whether the
// task's own limits are to blame is settled separately, by cross-worker
// confirmation in Run.
func (s *Scheduler) accept(task *compute.Task, workerID string, res *compute.ExecutionResult, rtt time.Duration) (*Report, error) {
	if !res.Succeeded() {
		s.reg.RecordFailure(workerID, res.Outcome.String())
		switch res.Outcome {
		case compute.OutcomeResourceExceeded:
			return nil, compute.ErrResourceExceeded(task.ID, res.Exceeded)
		case compute.OutcomeTimedOut:
			return nil, compute.ErrResourceExceeded(task.ID, compute.ResourceTime)
		default:
			return nil, compute.NewError(compute.ErrCodeSandboxTrap, "execution trapped").
				WithContext("task_id", task.ID).
				WithContext("worker_id", workerID)
		}
	}

	var rec *verify.Record
	if len(task.ExpectedDigest) > 0 {
		r, err := s.verifier.VerifyHash(task.ID, workerID, res.Output, task.ExpectedDigest)
		if err != nil {
			s.reg.RecordFailure(workerID, "digest_mismatch")
			return nil, err
		}
		rec = r
	}

	s.reg.RecordSuccess(workerID, rtt)
	return &Report{
		TaskID:   task.ID,
		WorkerID: workerID,
		Output:   res.Output,
		Usage:    res.Usage,
		Duration: res.Duration,
		Record:   rec,
	}, nil
}

// runRedundant fans the task out to K distinct workers and accepts the
// strict-majority output. Quarantined workers may participate since no
// single result is accepted on its own. The worker set is burned either
// way: a quorum failure is retried by the caller on fresh workers with K
// unchanged.
func (s *Scheduler) runRedundant(ctx context.Context, task *compute.Task, excluded map[string]struct{}) (*Report, error) {
	picked := make(map[string]struct{}, len(excluded))
	for id := range excluded {
		picked[id] = struct{}{}
	}

	var workers []string
	for len(workers) < s.cfg.RedundancyK {
		id, err := s.reg.Select(registry.SelectOptions{Exclude: picked, AllowQuarantined: true})
		if err != nil {
			break
		}
		picked[id] = struct{}{}
		if err := s.reg.Reserve(id); err != nil {
			continue
		}
		workers = append(workers, id)
	}
	release := func() {
		for _, id := range workers {
			s.reg.Release(id)
		}
	}
	if len(workers) < 2 {
		release()
		return nil, compute.NewError(compute.ErrCodeNoWorkers, "not enough workers for redundant execution").
			WithContext("task_id", task.ID).
			WithContext("available", len(workers))
	}
	defer release()
	for _, id := range workers {
		excluded[id] = struct{}{}
	}

	ch := s.awaitResults(task.ID, len(workers))
	defer s.stopAwaiting(task.ID)

	start := time.Now()
	sent := make(map[string]struct{}, len(workers))
	for _, id := range workers {
		if err := s.send(ctx, id, task); err != nil {
			s.reg.RecordFailure(id, "delivery")
			continue
		}
		sent[id] = struct{}{}
	}
	if len(sent) < 2 {
		return nil, compute.NewError(compute.ErrCodeNoQuorum, "redundant delivery failed").
			WithContext("task_id", task.ID).
			WithContext("delivered", len(sent))
	}

	deadline := time.NewTimer(task.Limits.MaxExecutionTime + s.cfg.DeadlineMargin)
	defer deadline.Stop()

	results := make(map[string]*compute.ExecutionResult, len(sent))
	latencies := make(map[string]time.Duration, len(sent))
collect:
	for len(results) < len(sent) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			break collect
		case d := <-ch:
			if _, assigned := sent[d.workerID]; !assigned {
				s.logger.Debug("result from unassigned worker dropped", "task_id", task.ID, "worker_id", d.workerID)
				continue
			}
			if _, have := results[d.workerID]; have {
				continue
			}
			results[d.workerID] = d.res
			latencies[d.workerID] = time.Since(start)
		}
	}

	var candidates []verify.Candidate
	for id := range sent {
		res, ok := results[id]
		if !ok {
			s.reg.RecordFailure(id, "timeout")
			continue
		}
		if !res.Succeeded() {
			s.reg.RecordFailure(id, res.Outcome.String())
			continue
		}
		candidates = append(candidates, verify.Candidate{WorkerID: id, Output: res.Output})
	}

	rec, err := s.verifier.VerifyRedundancy(task.ID, candidates)
	if err != nil {
		return nil, err
	}

	// a colluding majority cannot outvote a known reference digest
	if len(task.ExpectedDigest) > 0 && !bytes.Equal(rec.Digest, task.ExpectedDigest) {
		for _, id := range rec.Agreeing {
			s.reg.RecordFailure(id, "digest_mismatch")
		}
		return nil, compute.ErrVerificationMismatch(task.ID, rec.Agreeing[0])
	}

	for _, id := range rec.Agreeing {
		s.reg.RecordSuccess(id, latencies[id])
	}
	for _, id := range rec.Dissenting {
		s.reg.RecordFailure(id, "dissenting_result")
	}

	winner := rec.Agreeing[0]
	return &Report{
		TaskID:   task.ID,
		WorkerID: winner,
		Output:   rec.Output,
		Usage:    results[winner].Usage,
		Duration: results[winner].Duration,
		Record:   rec,
	}, nil
}

// runLocal executes the task in this node's own sandbox when no remote
// worker is eligible. The local sandbox is trusted by construction, but a
// known reference digest is still checked.
func (s *Scheduler) runLocal(ctx context.Context, task *compute.Task) (*Report, error) {
	if s.local == nil {
		return nil, compute.ErrNoWorkers(task.ID)
	}
	s.logger.Info("no eligible worker, running locally", "task_id", task.ID)

	res, err := s.local.Execute(ctx, task)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		switch res.Outcome {
		case compute.OutcomeResourceExceeded:
			return nil, compute.ErrResourceExceeded(task.ID, res.Exceeded)
		case compute.OutcomeTimedOut:
			return nil, compute.ErrResourceExceeded(task.ID, compute.ResourceTime)
		default:
			return nil, compute.NewError(compute.ErrCodeSandboxTrap, "execution trapped").
				WithContext("task_id", task.ID)
		}
	}

	var rec *verify.Record
	if len(task.ExpectedDigest) > 0 {
		rec, err = s.verifier.VerifyHash(task.ID, LocalWorkerID, res.Output, task.ExpectedDigest)
		if err != nil {
			return nil, err
		}
	}
	return &Report{
		TaskID:   task.ID,
		WorkerID: LocalWorkerID,
		Output:   res.Output,
		Usage:    res.Usage,
		Duration: res.Duration,
		Record:   rec,
	}, nil
}
