package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// Executor runs one task inside an isolated boundary and reports how it
// ended. Limit breaches are reported, never retried here; retry policy
// belongs to the scheduler.
type Executor interface {
	Execute(ctx context.Context, task *compute.Task) (*compute.ExecutionResult, error)
}

// watchdogGrace is how long past the metered deadline the executor waits
// for the cooperative checkpoint before declaring the run timed out.
const watchdogGrace = 250 * time.Millisecond

// Sandbox is the local executor. Bytecode modules run on the metered VM;
// WASM modules are handed to the wasmer runner.
type Sandbox struct {
	modules *ModuleRegistry
	wasm    *WASMRunner
	logger  *slog.Logger
}

// NewSandbox creates a local executor over the given module registry
func NewSandbox(modules *ModuleRegistry, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		modules: modules,
		wasm:    NewWASMRunner(),
		logger:  logger.With("component", "sandbox"),
	}
}

// Execute resolves the task's code reference and runs it under the task's
// resource ceilings
func (s *Sandbox) Execute(ctx context.Context, task *compute.Task) (*compute.ExecutionResult, error) {
	mod, err := s.modules.Resolve(task.CodeRef)
	if err != nil {
		return nil, err
	}

	var res *compute.ExecutionResult
	switch mod.Kind {
	case ModuleBytecode:
		res, err = s.runBytecode(ctx, mod.Program, task)
	case ModuleWASM:
		res, err = s.wasm.Run(ctx, mod.WASM, task)
	default:
		return nil, compute.NewError(compute.ErrCodeSandboxTrap, "unsupported module kind").
			WithContext("code_ref", task.CodeRef)
	}
	if err != nil {
		return nil, err
	}

	res.TaskID = task.ID
	if res.Outcome != compute.OutcomeSuccess {
		s.logger.Debug("execution stopped short",
			"task_id", task.ID,
			"outcome", res.Outcome.String(),
			"resource", res.Exceeded.String(),
			"cycles", res.Usage.CyclesUsed)
	}
	return res, nil
}

// runBytecode interprets the program on a fresh VM. The VM observes the
// deadline at its own checkpoints; the watchdog below is the coarser
// backstop for a run that never reaches one.
func (s *Sandbox) runBytecode(ctx context.Context, prog Program, task *compute.Task) (*compute.ExecutionResult, error) {
	vm := NewVM(prog, task.Input, task.Limits)

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if task.Limits.MaxExecutionTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Limits.MaxExecutionTime+watchdogGrace)
	}
	defer cancel()

	type vmDone struct {
		res *compute.ExecutionResult
		err error
	}
	done := make(chan vmDone, 1)
	started := time.Now()
	go func() {
		res, err := vm.Run(runCtx)
		done <- vmDone{res, err}
	}()

	select {
	case d := <-done:
		if d.err != nil {
			// the job was canceled, not the deadline
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// watchdog fired before the VM saw its own deadline
			return &compute.ExecutionResult{
				Outcome:  compute.OutcomeTimedOut,
				Duration: time.Since(started),
			}, nil
		}
		return d.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
