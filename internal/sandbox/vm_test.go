package sandbox_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/sandbox"
)

func testLimits() compute.ResourceLimits {
	return compute.ResourceLimits{
		MaxMemoryBytes:   4 * 1024 * 1024,
		MaxCPUCycles:     10_000_000,
		MaxExecutionTime: 2 * time.Second,
		MaxStackBytes:    64 * 1024,
	}
}

func TestVM_Echo(t *testing.T) {
	input := []byte("the quick brown fox")
	vm := sandbox.NewVM(sandbox.EchoProgram(), input, testLimits())

	res, err := vm.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeSuccess, res.Outcome)
	assert.Equal(t, input, res.Output)
	assert.Greater(t, res.Usage.CyclesUsed, uint64(0))
}

func TestVM_SumWords(t *testing.T) {
	words := []uint64{3, 5, 1000, 1 << 40}
	input := make([]byte, 0, len(words)*8)
	var want uint64
	for _, w := range words {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], w)
		input = append(input, buf[:]...)
		want += w
	}

	vm := sandbox.NewVM(sandbox.SumProgram(), input, testLimits())
	res, err := vm.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, compute.OutcomeSuccess, res.Outcome)
	require.Len(t, res.Output, 8)
	assert.Equal(t, want, binary.BigEndian.Uint64(res.Output))
}

func TestVM_CountWords(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  uint64
	}{
		{"simple", "one two three", 3},
		{"leading and trailing space", "  padded out  ", 2},
		{"mixed whitespace", "a\tb\nc\r\nd", 4},
		{"runs of spaces", "x     y", 2},
		{"only whitespace", " \t\n ", 0},
		{"empty", "", 0},
		{"single token", "word", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vm := sandbox.NewVM(sandbox.CountWordsProgram(), []byte(tc.input), testLimits())
			res, err := vm.Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, compute.OutcomeSuccess, res.Outcome)
			require.Len(t, res.Output, 8)
			assert.Equal(t, tc.want, binary.BigEndian.Uint64(res.Output))
		})
	}
}

func TestVM_Deterministic(t *testing.T) {
	input := make([]byte, 64)
	for i := range input {
		input[i] = byte(i * 7)
	}

	first, err := sandbox.NewVM(sandbox.SumProgram(), input, testLimits()).Run(context.Background())
	require.NoError(t, err)
	second, err := sandbox.NewVM(sandbox.SumProgram(), input, testLimits()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Output, second.Output)
}

func TestVM_MemoryCeiling(t *testing.T) {
	// allocates 2MB against a 1MB ceiling
	prog := sandbox.Program{
		{Op: sandbox.OpPush, Arg: 2 * 1024 * 1024},
		{Op: sandbox.OpGrow},
		{Op: sandbox.OpHalt},
	}
	limits := testLimits()
	limits.MaxMemoryBytes = 1024 * 1024

	res, err := sandbox.NewVM(prog, nil, limits).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeResourceExceeded, res.Outcome)
	assert.Equal(t, compute.ResourceMemory, res.Exceeded)
	assert.False(t, res.Succeeded())
	assert.Nil(t, res.Output)
}

func TestVM_MemoryWithinCeiling(t *testing.T) {
	prog := sandbox.Program{
		{Op: sandbox.OpPush, Arg: 512},
		{Op: sandbox.OpGrow},
		{Op: sandbox.OpPush, Arg: 42}, // value
		{Op: sandbox.OpPush, Arg: 7},  // addr
		{Op: sandbox.OpStore},
		{Op: sandbox.OpPush, Arg: 7},
		{Op: sandbox.OpLoad},
		{Op: sandbox.OpEmit},
		{Op: sandbox.OpHalt},
	}

	res, err := sandbox.NewVM(prog, nil, testLimits()).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, compute.OutcomeSuccess, res.Outcome)
	assert.Equal(t, []byte{42}, res.Output)
	assert.Equal(t, uint64(512), res.Usage.PeakMemoryBytes)
}

func TestVM_CycleBudget(t *testing.T) {
	// tight infinite loop
	prog := sandbox.Program{
		{Op: sandbox.OpJmp, Arg: 0},
	}
	limits := testLimits()
	limits.MaxCPUCycles = 50_000

	res, err := sandbox.NewVM(prog, nil, limits).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeResourceExceeded, res.Outcome)
	assert.Equal(t, compute.ResourceCPU, res.Exceeded)
	// overshoot past the budget is bounded
	assert.LessOrEqual(t, res.Usage.CyclesUsed, limits.MaxCPUCycles+1)
}

func TestVM_StackCeiling(t *testing.T) {
	// unbounded recursion
	prog := sandbox.Program{
		{Op: sandbox.OpCall, Arg: 0},
	}
	limits := testLimits()
	limits.MaxStackBytes = 1024

	res, err := sandbox.NewVM(prog, nil, limits).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeResourceExceeded, res.Outcome)
	assert.Equal(t, compute.ResourceStack, res.Exceeded)
}

func TestVM_WallClockCeiling(t *testing.T) {
	prog := sandbox.Program{
		{Op: sandbox.OpJmp, Arg: 0},
	}
	limits := testLimits()
	limits.MaxCPUCycles = 0 // unmetered, only the clock can stop it
	limits.MaxExecutionTime = 20 * time.Millisecond

	res, err := sandbox.NewVM(prog, nil, limits).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeResourceExceeded, res.Outcome)
	assert.Equal(t, compute.ResourceTime, res.Exceeded)
}

func TestVM_Traps(t *testing.T) {
	cases := map[string]sandbox.Program{
		"division by zero": {
			{Op: sandbox.OpPush, Arg: 1},
			{Op: sandbox.OpPush, Arg: 0},
			{Op: sandbox.OpDiv},
			{Op: sandbox.OpHalt},
		},
		"illegal opcode": {
			{Op: sandbox.Op(200)},
		},
		"stack underflow": {
			{Op: sandbox.OpAdd},
		},
		"input out of bounds": {
			{Op: sandbox.OpPush, Arg: 99},
			{Op: sandbox.OpInputByte},
		},
		"memory out of bounds": {
			{Op: sandbox.OpPush, Arg: 0},
			{Op: sandbox.OpLoad},
		},
		"jump out of range": {
			{Op: sandbox.OpJmp, Arg: 500},
		},
	}

	for name, prog := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := sandbox.NewVM(prog, []byte("x"), testLimits()).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, compute.OutcomeTrapped, res.Outcome)
			assert.False(t, res.Succeeded())
		})
	}
}

func TestVM_CancellationIsCooperative(t *testing.T) {
	prog := sandbox.Program{
		{Op: sandbox.OpJmp, Arg: 0},
	}
	limits := testLimits()
	limits.MaxCPUCycles = 0
	limits.MaxExecutionTime = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := sandbox.NewVM(prog, nil, limits).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
