package sandbox

import (
	"context"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// wasmCyclesPerMilli converts the task's cycle budget into a wall-clock
// allowance. The release wasmer API has no per-instruction metering, so
// cycles are charged against elapsed time at a nominal 1 GHz.
const wasmCyclesPerMilli = 1 << 20

// WASMRunner executes WASM task modules under the task's resource
// ceilings. The CPU-cycle budget is enforced as a wall-clock allowance;
// memory is bounded by the instance's linear memory size after the call.
type WASMRunner struct{}

// NewWASMRunner creates a runner. Engines are per-execution so one
// module's state never leaks into the next.
func NewWASMRunner() *WASMRunner {
	return &WASMRunner{}
}

// Run instantiates the module with a fresh engine and invokes its "run"
// export with the task input.
func (w *WASMRunner) Run(ctx context.Context, wasmBytes []byte, task *compute.Task) (*compute.ExecutionResult, error) {
	started := time.Now()

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return trapResult(started), nil
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return trapResult(started), nil
	}

	runFunc, err := instance.Exports.GetFunction("run")
	if err != nil {
		return trapResult(started), nil
	}

	type callDone struct {
		value interface{}
		err   error
	}
	done := make(chan callDone, 1)
	go func() {
		v, callErr := runFunc(task.Input)
		done <- callDone{v, callErr}
	}()

	deadline := time.NewTimer(taskDeadline(task))
	defer deadline.Stop()

	cycles := cycleTimer(task)
	defer cycles.Stop()

	var d callDone
	select {
	case d = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cycles.C:
		return &compute.ExecutionResult{
			Outcome:  compute.OutcomeResourceExceeded,
			Exceeded: compute.ResourceCPU,
			Usage:    compute.ResourceUsage{CyclesUsed: task.Limits.MaxCPUCycles},
			Duration: time.Since(started),
		}, nil
	case <-deadline.C:
		return &compute.ExecutionResult{
			Outcome:  compute.OutcomeTimedOut,
			Duration: time.Since(started),
		}, nil
	}

	elapsed := time.Since(started)
	usage := compute.ResourceUsage{
		CyclesUsed: uint64(elapsed.Milliseconds()+1) * wasmCyclesPerMilli,
	}
	if mem, memErr := instance.Exports.GetMemory("memory"); memErr == nil {
		usage.PeakMemoryBytes = uint64(mem.DataSize())
	}

	res := &compute.ExecutionResult{
		Duration: elapsed,
		Usage:    usage,
	}

	switch {
	case task.Limits.MaxMemoryBytes > 0 && usage.PeakMemoryBytes > task.Limits.MaxMemoryBytes:
		res.Outcome = compute.OutcomeResourceExceeded
		res.Exceeded = compute.ResourceMemory
	case d.err != nil:
		res.Outcome = compute.OutcomeTrapped
	default:
		res.Outcome = compute.OutcomeSuccess
		if out, ok := d.value.([]byte); ok {
			res.Output = out
		}
	}
	return res, nil
}

func taskDeadline(task *compute.Task) time.Duration {
	if task.Limits.MaxExecutionTime > 0 {
		return task.Limits.MaxExecutionTime + watchdogGrace
	}
	return time.Minute
}

// cycleTimer turns the cycle budget into its wall-clock allowance. An
// unset budget never fires.
func cycleTimer(task *compute.Task) *time.Timer {
	if task.Limits.MaxCPUCycles == 0 {
		return time.NewTimer(time.Hour)
	}
	ms := task.Limits.MaxCPUCycles / wasmCyclesPerMilli
	return time.NewTimer(time.Duration(ms+1) * time.Millisecond)
}

func trapResult(started time.Time) *compute.ExecutionResult {
	return &compute.ExecutionResult{
		Outcome:  compute.OutcomeTrapped,
		Duration: time.Since(started),
	}
}
