// Package orchestrator owns the job lifecycle: split, parallel dispatch,
// verification bookkeeping and the final merge.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/scheduler"
	"github.com/nmxmxh/meshcompute/internal/verify"
)

// Request describes a job to submit
type Request struct {
	SplitID string
	MergeID string
	CodeRef string
	Input   []byte
	Limits  compute.ResourceLimits

	// NonDeterministic opts the job's tasks out of redundant execution.
	NonDeterministic bool

	// ExpectedDigests optionally carries one reference digest per task, in
	// split order, enabling cheap hash verification on any worker. Length
	// must match the split's task count when set.
	ExpectedDigests [][]byte
}

type jobRun struct {
	mu sync.Mutex

	job     *compute.Job
	tasks   []*compute.Task
	reports []*scheduler.Report // by ordinal
	records []*verify.Record    // accepted verdicts by ordinal
	output  []byte
	err     error

	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator drives submitted jobs to completion. One goroutine per
// job fans its tasks out through the scheduler and merges the verified
// outputs in ordinal order.
type Orchestrator struct {
	strategies *compute.StrategyRegistry
	sched      *scheduler.Scheduler
	verifier   *verify.Engine
	logger     *slog.Logger

	// maxParallel caps concurrently inflight tasks per job
	maxParallel int

	mu   sync.RWMutex
	jobs map[string]*jobRun
}

// NewOrchestrator creates an orchestrator. maxParallel <= 0 means
// unbounded fan-out.
func NewOrchestrator(strategies *compute.StrategyRegistry, sched *scheduler.Scheduler, verifier *verify.Engine, maxParallel int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		strategies:  strategies,
		sched:       sched,
		verifier:    verifier,
		logger:      logger.With("component", "orchestrator"),
		maxParallel: maxParallel,
		jobs:        make(map[string]*jobRun),
	}
}

// Submit splits the job and starts executing it. Splitting happens
// synchronously so strategy and input errors surface to the caller;
// execution proceeds in the background.
func (o *Orchestrator) Submit(req Request) (string, error) {
	split, err := o.strategies.Split(req.SplitID)
	if err != nil {
		return "", err
	}
	if _, err := o.strategies.Merge(req.MergeID); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	job := &compute.Job{
		ID:        jobID,
		SplitID:   req.SplitID,
		MergeID:   req.MergeID,
		CodeRef:   req.CodeRef,
		Input:     req.Input,
		Limits:    req.Limits,
		State:     compute.JobSplitting,
		CreatedAt: time.Now(),
	}

	inputs, err := split.Split(req.Input)
	if err != nil {
		return "", compute.ErrSplitFailed(req.SplitID, err)
	}
	if len(req.ExpectedDigests) > 0 && len(req.ExpectedDigests) != len(inputs) {
		return "", compute.NewError(compute.ErrCodeSplitFailed, "digest count does not match task count").
			WithContext("digests", len(req.ExpectedDigests)).
			WithContext("tasks", len(inputs))
	}

	tasks := make([]*compute.Task, len(inputs))
	for i, in := range inputs {
		t := &compute.Task{
			ID:               uuid.NewString(),
			JobID:            jobID,
			Ordinal:          i,
			Input:            in,
			CodeRef:          req.CodeRef,
			Limits:           req.Limits,
			State:            compute.TaskPending,
			NonDeterministic: req.NonDeterministic,
		}
		if len(req.ExpectedDigests) > 0 {
			t.ExpectedDigest = req.ExpectedDigests[i]
		}
		tasks[i] = t
		job.TaskIDs = append(job.TaskIDs, t.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		job:     job,
		tasks:   tasks,
		reports: make([]*scheduler.Report, len(tasks)),
		records: make([]*verify.Record, len(tasks)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	o.mu.Lock()
	o.jobs[jobID] = run
	o.mu.Unlock()

	o.logger.Info("job submitted",
		"job_id", jobID,
		"split", req.SplitID,
		"merge", req.MergeID,
		"code_ref", req.CodeRef,
		"tasks", len(tasks))

	run.setState(compute.JobScheduling)
	go o.run(ctx, run)
	return jobID, nil
}

// run executes a job's tasks and merges the verified outputs
func (o *Orchestrator) run(ctx context.Context, run *jobRun) {
	defer close(run.done)
	defer run.cancel()

	run.setState(compute.JobExecuting)

	g, gctx := errgroup.WithContext(ctx)
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	for _, task := range run.tasks {
		task := task
		g.Go(func() error {
			run.setTaskState(task, compute.TaskRunning)
			report, err := o.sched.Run(gctx, task)
			if err != nil {
				run.setTaskState(task, compute.TaskFailed)
				return err
			}
			run.setTaskState(task, compute.TaskVerified)
			run.mu.Lock()
			run.reports[task.Ordinal] = report
			run.records[task.Ordinal] = report.Record
			run.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.fail(run, compute.WrapError(compute.ErrCodeJobFailed, "job execution failed", err).
			WithContext("job_id", run.job.ID))
		return
	}

	run.setState(compute.JobMerging)
	outputs := make([][]byte, len(run.reports))
	for i, r := range run.reports {
		outputs[i] = r.Output
	}

	// results accepted on worker trust alone get committed to the job's
	// Merkle batch, so every task ends up with a verification record
	if err := o.sealRecords(run, outputs); err != nil {
		o.fail(run, err)
		return
	}

	merge, err := o.strategies.Merge(run.job.MergeID)
	if err != nil {
		o.fail(run, err)
		return
	}
	merged, err := merge.Merge(outputs)
	if err != nil {
		o.fail(run, compute.ErrMergeFailed(run.job.MergeID, err))
		return
	}

	run.mu.Lock()
	run.output = merged
	run.job.State = compute.JobCompleted
	run.job.DoneAt = time.Now()
	run.mu.Unlock()

	o.logger.Info("job completed",
		"job_id", run.job.ID,
		"tasks", len(run.tasks),
		"output_bytes", len(merged))
}

// sealRecords fills in a Merkle record for every task that was accepted
// without one
func (o *Orchestrator) sealRecords(run *jobRun, outputs [][]byte) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	pending := false
	for _, rec := range run.records {
		if rec == nil {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}

	batch, err := o.verifier.BuildBatch(run.job.TaskIDs, outputs)
	if err != nil {
		return compute.WrapError(compute.ErrCodeJobFailed, "batch commitment failed", err).
			WithContext("job_id", run.job.ID)
	}
	for i, rec := range run.records {
		if rec == nil {
			run.records[i] = batch[i]
		}
	}
	return nil
}

func (o *Orchestrator) fail(run *jobRun, err error) {
	run.mu.Lock()
	run.err = err
	run.job.State = compute.JobFailed
	run.job.DoneAt = time.Now()
	run.mu.Unlock()
	o.logger.Warn("job failed", "job_id", run.job.ID, "error", err)
}

func (r *jobRun) setState(s compute.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.job.State.Terminal() {
		r.job.State = s
	}
}

func (r *jobRun) setTaskState(t *compute.Task, s compute.TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.State = s
}

func (o *Orchestrator) lookup(jobID string) (*jobRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.jobs[jobID]
	if !ok {
		return nil, compute.ErrUnknownJob(jobID)
	}
	return run, nil
}

// PollStatus reports the job's state and task counts, observable while
// the job degrades as well as after it settles
func (o *Orchestrator) PollStatus(jobID string) (compute.Progress, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return compute.Progress{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	p := compute.Progress{State: run.job.State}
	for _, t := range run.tasks {
		switch t.State {
		case compute.TaskVerified:
			p.Verified++
		case compute.TaskFailed:
			p.Failed++
		case compute.TaskRunning:
			p.Running++
		default:
			p.Pending++
		}
	}
	return p, nil
}

// GetResult blocks until the job settles and returns the merged output,
// or the job's terminal error
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) ([]byte, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-run.done:
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.err != nil {
		return nil, run.err
	}
	return run.output, nil
}

// Records returns the accepted verification records in task ordinal
// order. Only complete once the job has settled successfully.
func (o *Orchestrator) Records(jobID string) ([]*verify.Record, error) {
	run, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]*verify.Record, len(run.records))
	copy(out, run.records)
	return out, nil
}

// Cancel aborts a running job. Settled jobs are left untouched.
func (o *Orchestrator) Cancel(jobID string) error {
	run, err := o.lookup(jobID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	terminal := run.job.State.Terminal()
	run.mu.Unlock()
	if terminal {
		return nil
	}
	o.logger.Info("job canceled", "job_id", jobID)
	run.cancel()
	return nil
}
