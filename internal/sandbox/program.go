package sandbox

import (
	"sync"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// Op is a bytecode instruction opcode. The instruction set is deliberately
// small: tasks read their input blob, work in private scratch slots and a
// private linear memory, and emit their output blob. Nothing else is
// reachable from inside.
type Op uint8

const (
	OpHalt Op = iota
	OpPush    // push immediate
	OpPop
	OpDup
	OpSwap
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpLt
	OpGt
	OpNot
	OpJmp    // jump to absolute pc
	OpJmpZ   // pop; jump if zero
	OpCall   // call absolute pc
	OpRet
	OpLoadG     // push scratch slot Arg
	OpStoreG    // pop into scratch slot Arg
	OpInputLen  // push len(input)
	OpInputByte // pop idx; push input[idx]
	OpInput64   // pop byte offset; push big-endian u64 at input[off:off+8]
	OpGrow      // pop n; grow linear memory by n zeroed bytes
	OpLoad      // pop addr; push mem[addr]
	OpStore     // pop val, addr; mem[addr] = byte(val)
	OpLoad64    // pop addr; push big-endian u64 at mem[addr:addr+8]
	OpStore64   // pop val, addr; store big-endian u64
	OpEmit      // pop v; append byte(v) to output
	OpEmit64    // pop v; append big-endian u64 to output
)

// Instr is one decoded instruction
type Instr struct {
	Op  Op
	Arg int64
}

// Program is an executable sequence of instructions
type Program []Instr

// ModuleKind discriminates how a stored module executes
type ModuleKind int

const (
	ModuleBytecode ModuleKind = iota
	ModuleWASM
)

// Module is a named piece of executable task code
type Module struct {
	Kind    ModuleKind
	Program Program
	WASM    []byte
}

// ModuleRegistry resolves a task's code reference to executable code.
// Workers only run code they can resolve; tasks never carry host callables.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewModuleRegistry creates a registry pre-loaded with the built-in modules
func NewModuleRegistry() *ModuleRegistry {
	r := &ModuleRegistry{modules: make(map[string]Module)}
	r.Register("builtin/echo", Module{Kind: ModuleBytecode, Program: EchoProgram()})
	r.Register("builtin/sum", Module{Kind: ModuleBytecode, Program: SumProgram()})
	r.Register("builtin/wordcount", Module{Kind: ModuleBytecode, Program: CountWordsProgram()})
	return r
}

// Register stores a module under ref, replacing any previous one
func (r *ModuleRegistry) Register(ref string, m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[ref] = m
}

// Resolve returns the module for ref
func (r *ModuleRegistry) Resolve(ref string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[ref]
	if !ok {
		return Module{}, compute.NewError(compute.ErrCodeUnknownModule, "module not registered").
			WithContext("code_ref", ref)
	}
	return m, nil
}

// EchoProgram copies the input blob to the output, byte by byte
func EchoProgram() Program {
	return Program{
		{Op: OpPush, Arg: 0}, // i
		// loop head (pc 1)
		{Op: OpDup},
		{Op: OpInputLen},
		{Op: OpLt}, // i < len(input)
		{Op: OpJmpZ, Arg: 11},
		{Op: OpDup},
		{Op: OpInputByte},
		{Op: OpEmit},
		{Op: OpPush, Arg: 1},
		{Op: OpAdd},
		{Op: OpJmp, Arg: 1},
		{Op: OpHalt}, // pc 11
	}
}

// SumProgram folds the input, read as big-endian u64 words, into one
// big-endian u64 partial sum. Slot 0 holds the accumulator, slot 1 the
// input offset.
func SumProgram() Program {
	return Program{
		{Op: OpPush, Arg: 0},
		{Op: OpStoreG, Arg: 0}, // acc = 0
		{Op: OpPush, Arg: 0},
		{Op: OpStoreG, Arg: 1}, // off = 0
		// loop head (pc 4)
		{Op: OpLoadG, Arg: 1},
		{Op: OpInputLen},
		{Op: OpLt}, // off < len(input)
		{Op: OpJmpZ, Arg: 18},
		{Op: OpLoadG, Arg: 1},
		{Op: OpInput64},
		{Op: OpLoadG, Arg: 0},
		{Op: OpAdd},
		{Op: OpStoreG, Arg: 0}, // acc += input[off]
		{Op: OpLoadG, Arg: 1},
		{Op: OpPush, Arg: 8},
		{Op: OpAdd},
		{Op: OpStoreG, Arg: 1}, // off += 8
		{Op: OpJmp, Arg: 4},
		// done (pc 18)
		{Op: OpLoadG, Arg: 0},
		{Op: OpEmit64},
		{Op: OpHalt},
	}
}

// CountWordsProgram counts whitespace-separated tokens in the input and
// emits the count as one big-endian u64. Slot 0 holds the count, slot 1
// the input offset, slot 2 the in-token flag, slot 3 the current byte.
func CountWordsProgram() Program {
	return Program{
		{Op: OpPush, Arg: 0},
		{Op: OpStoreG, Arg: 0}, // count = 0
		{Op: OpPush, Arg: 0},
		{Op: OpStoreG, Arg: 1}, // off = 0
		{Op: OpPush, Arg: 0},
		{Op: OpStoreG, Arg: 2}, // inTok = 0
		// loop head (pc 6)
		{Op: OpLoadG, Arg: 1},
		{Op: OpInputLen},
		{Op: OpLt}, // off < len(input)
		{Op: OpJmpZ, Arg: 46},
		{Op: OpLoadG, Arg: 1},
		{Op: OpInputByte},
		{Op: OpStoreG, Arg: 3}, // c = input[off]
		// whitespace = (c==' ') + (c=='\t') + (c=='\n') + (c=='\r')
		{Op: OpLoadG, Arg: 3},
		{Op: OpPush, Arg: 32},
		{Op: OpEq},
		{Op: OpLoadG, Arg: 3},
		{Op: OpPush, Arg: 9},
		{Op: OpEq},
		{Op: OpAdd},
		{Op: OpLoadG, Arg: 3},
		{Op: OpPush, Arg: 10},
		{Op: OpEq},
		{Op: OpAdd},
		{Op: OpLoadG, Arg: 3},
		{Op: OpPush, Arg: 13},
		{Op: OpEq},
		{Op: OpAdd},
		{Op: OpJmpZ, Arg: 32}, // not whitespace
		// whitespace: inTok = 0
		{Op: OpPush, Arg: 0},
		{Op: OpStoreG, Arg: 2},
		{Op: OpJmp, Arg: 41},
		// token byte (pc 32): a fresh token bumps the count
		{Op: OpLoadG, Arg: 2},
		{Op: OpNot},
		{Op: OpJmpZ, Arg: 41}, // already inside a token
		{Op: OpLoadG, Arg: 0},
		{Op: OpPush, Arg: 1},
		{Op: OpAdd},
		{Op: OpStoreG, Arg: 0}, // count++
		{Op: OpPush, Arg: 1},
		{Op: OpStoreG, Arg: 2}, // inTok = 1
		// advance (pc 41)
		{Op: OpLoadG, Arg: 1},
		{Op: OpPush, Arg: 1},
		{Op: OpAdd},
		{Op: OpStoreG, Arg: 1}, // off++
		{Op: OpJmp, Arg: 6},
		// done (pc 46)
		{Op: OpLoadG, Arg: 0},
		{Op: OpEmit64},
		{Op: OpHalt},
	}
}
