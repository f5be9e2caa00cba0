package sandbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

const (
	// checkpointInterval bounds overshoot past a ceiling: the wall clock and
	// the cancellation signal are observed at least this often.
	checkpointInterval = 1024

	scratchSlots  = 16
	wordSize      = 8
	callFrameSize = 16
)

// vmStatus is the internal reason an interpreter loop stopped
type vmStatus int

const (
	vmHalted vmStatus = iota
	vmCycleBudget
	vmMemoryLimit
	vmStackLimit
	vmDeadline
	vmTrapped
	vmCanceled
)

// VM interprets one task program under the task's resource ceilings.
// Every instruction charges the cycle budget; branches and calls are the
// cooperative preemption points where the wall clock and cancellation are
// also observed. A VM is used for a single execution and then discarded,
// so two runs of the same program and input produce byte-identical output.
type VM struct {
	prog    Program
	input   []byte
	limits  compute.ResourceLimits
	scratch [scratchSlots]int64

	stack     []int64
	callStack []int
	mem       []byte
	out       []byte

	cycles    uint64
	peakStack uint64
	trapMsg   string
}

// NewVM prepares a VM for one execution
func NewVM(prog Program, input []byte, limits compute.ResourceLimits) *VM {
	return &VM{
		prog:   prog,
		input:  input,
		limits: limits,
		stack:  make([]int64, 0, 64),
	}
}

// Run interprets the program to completion or to the first ceiling breach.
// The returned result never reports success after a limit breach.
func (vm *VM) Run(ctx context.Context) (*compute.ExecutionResult, error) {
	start := time.Now()
	deadline := start.Add(vm.limits.MaxExecutionTime)

	status := vm.loop(ctx, deadline)

	res := &compute.ExecutionResult{
		Output:   vm.out,
		Duration: time.Since(start),
		Usage: compute.ResourceUsage{
			CyclesUsed:      vm.cycles,
			PeakMemoryBytes: uint64(len(vm.mem)),
			PeakStackBytes:  vm.peakStack,
		},
	}

	switch status {
	case vmHalted:
		res.Outcome = compute.OutcomeSuccess
	case vmCycleBudget:
		res.Outcome = compute.OutcomeResourceExceeded
		res.Exceeded = compute.ResourceCPU
	case vmMemoryLimit:
		res.Outcome = compute.OutcomeResourceExceeded
		res.Exceeded = compute.ResourceMemory
	case vmStackLimit:
		res.Outcome = compute.OutcomeResourceExceeded
		res.Exceeded = compute.ResourceStack
	case vmDeadline:
		res.Outcome = compute.OutcomeResourceExceeded
		res.Exceeded = compute.ResourceTime
	case vmTrapped:
		res.Outcome = compute.OutcomeTrapped
	case vmCanceled:
		return nil, ctx.Err()
	}

	if res.Outcome != compute.OutcomeSuccess {
		// a breached execution never carries partial output
		res.Output = nil
	}
	return res, nil
}

func (vm *VM) loop(ctx context.Context, deadline time.Time) vmStatus {
	pc := 0
	sinceCheck := 0

	for {
		if pc < 0 || pc >= len(vm.prog) {
			vm.trapMsg = fmt.Sprintf("pc %d out of range", pc)
			return vmTrapped
		}

		vm.cycles++
		if vm.limits.MaxCPUCycles > 0 && vm.cycles > vm.limits.MaxCPUCycles {
			return vmCycleBudget
		}

		sinceCheck++
		in := vm.prog[pc]

		// back-edges and calls are preemption points
		if sinceCheck >= checkpointInterval ||
			(in.Op == OpJmp && int(in.Arg) <= pc) || in.Op == OpCall {
			sinceCheck = 0
			select {
			case <-ctx.Done():
				return vmCanceled
			default:
			}
			if vm.limits.MaxExecutionTime > 0 && time.Now().After(deadline) {
				return vmDeadline
			}
		}

		pc++
		switch in.Op {
		case OpHalt:
			return vmHalted

		case OpPush:
			if st := vm.push(in.Arg); st != vmHalted {
				return st
			}
		case OpPop:
			if _, ok := vm.pop(); !ok {
				return vmTrapped
			}
		case OpDup:
			if len(vm.stack) == 0 {
				vm.trapMsg = "dup on empty stack"
				return vmTrapped
			}
			if st := vm.push(vm.stack[len(vm.stack)-1]); st != vmHalted {
				return st
			}
		case OpSwap:
			if len(vm.stack) < 2 {
				vm.trapMsg = "swap needs two operands"
				return vmTrapped
			}
			n := len(vm.stack)
			vm.stack[n-1], vm.stack[n-2] = vm.stack[n-2], vm.stack[n-1]

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpEq, OpLt, OpGt:
			b, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			a, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			var v int64
			switch in.Op {
			case OpAdd:
				v = a + b
			case OpSub:
				v = a - b
			case OpMul:
				v = a * b
			case OpDiv:
				if b == 0 {
					vm.trapMsg = "division by zero"
					return vmTrapped
				}
				v = a / b
			case OpMod:
				if b == 0 {
					vm.trapMsg = "division by zero"
					return vmTrapped
				}
				v = a % b
			case OpEq:
				v = boolWord(a == b)
			case OpLt:
				v = boolWord(a < b)
			case OpGt:
				v = boolWord(a > b)
			}
			vm.stack = append(vm.stack, v)

		case OpNot:
			a, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			vm.stack = append(vm.stack, boolWord(a == 0))

		case OpJmp:
			pc = int(in.Arg)
		case OpJmpZ:
			a, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if a == 0 {
				pc = int(in.Arg)
			}
		case OpCall:
			vm.callStack = append(vm.callStack, pc)
			if st := vm.checkStack(); st != vmHalted {
				return st
			}
			pc = int(in.Arg)
		case OpRet:
			if len(vm.callStack) == 0 {
				vm.trapMsg = "return outside call"
				return vmTrapped
			}
			pc = vm.callStack[len(vm.callStack)-1]
			vm.callStack = vm.callStack[:len(vm.callStack)-1]

		case OpLoadG:
			if in.Arg < 0 || in.Arg >= scratchSlots {
				vm.trapMsg = "scratch slot out of range"
				return vmTrapped
			}
			if st := vm.push(vm.scratch[in.Arg]); st != vmHalted {
				return st
			}
		case OpStoreG:
			if in.Arg < 0 || in.Arg >= scratchSlots {
				vm.trapMsg = "scratch slot out of range"
				return vmTrapped
			}
			a, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			vm.scratch[in.Arg] = a

		case OpInputLen:
			if st := vm.push(int64(len(vm.input))); st != vmHalted {
				return st
			}
		case OpInputByte:
			idx, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if idx < 0 || idx >= int64(len(vm.input)) {
				vm.trapMsg = "input read out of bounds"
				return vmTrapped
			}
			vm.stack = append(vm.stack, int64(vm.input[idx]))
		case OpInput64:
			off, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if off < 0 || off+wordSize > int64(len(vm.input)) {
				vm.trapMsg = "input read out of bounds"
				return vmTrapped
			}
			vm.stack = append(vm.stack, int64(binary.BigEndian.Uint64(vm.input[off:off+wordSize])))

		case OpGrow:
			n, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if n < 0 {
				vm.trapMsg = "negative grow"
				return vmTrapped
			}
			// the allocation fails before it can exceed the ceiling
			if vm.limits.MaxMemoryBytes > 0 &&
				uint64(len(vm.mem))+uint64(n) > vm.limits.MaxMemoryBytes {
				return vmMemoryLimit
			}
			vm.mem = append(vm.mem, make([]byte, n)...)
			vm.cycles += uint64(n) / 64 // growth is not free

		case OpLoad:
			addr, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if addr < 0 || addr >= int64(len(vm.mem)) {
				vm.trapMsg = "memory read out of bounds"
				return vmTrapped
			}
			vm.stack = append(vm.stack, int64(vm.mem[addr]))
		case OpStore:
			addr, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			val, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if addr < 0 || addr >= int64(len(vm.mem)) {
				vm.trapMsg = "memory write out of bounds"
				return vmTrapped
			}
			vm.mem[addr] = byte(val)
		case OpLoad64:
			addr, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if addr < 0 || addr+wordSize > int64(len(vm.mem)) {
				vm.trapMsg = "memory read out of bounds"
				return vmTrapped
			}
			vm.stack = append(vm.stack, int64(binary.BigEndian.Uint64(vm.mem[addr:addr+wordSize])))
		case OpStore64:
			addr, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			val, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			if addr < 0 || addr+wordSize > int64(len(vm.mem)) {
				vm.trapMsg = "memory write out of bounds"
				return vmTrapped
			}
			binary.BigEndian.PutUint64(vm.mem[addr:addr+wordSize], uint64(val))

		case OpEmit:
			v, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			vm.out = append(vm.out, byte(v))
		case OpEmit64:
			v, ok := vm.pop()
			if !ok {
				return vmTrapped
			}
			var buf [wordSize]byte
			binary.BigEndian.PutUint64(buf[:], uint64(v))
			vm.out = append(vm.out, buf[:]...)

		default:
			vm.trapMsg = fmt.Sprintf("illegal opcode %d", in.Op)
			return vmTrapped
		}
	}
}

// push grows the operand stack, metered against the stack ceiling
func (vm *VM) push(v int64) vmStatus {
	vm.stack = append(vm.stack, v)
	return vm.checkStack()
}

func (vm *VM) pop() (int64, bool) {
	if len(vm.stack) == 0 {
		vm.trapMsg = "operand stack underflow"
		return 0, false
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, true
}

func (vm *VM) checkStack() vmStatus {
	used := uint64(len(vm.stack))*wordSize + uint64(len(vm.callStack))*callFrameSize
	if used > vm.peakStack {
		vm.peakStack = used
	}
	if vm.limits.MaxStackBytes > 0 && used > vm.limits.MaxStackBytes {
		return vmStackLimit
	}
	return vmHalted
}

// TrapMessage describes the fault after a trapped run, for logging
func (vm *VM) TrapMessage() string {
	return vm.trapMsg
}

func boolWord(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
