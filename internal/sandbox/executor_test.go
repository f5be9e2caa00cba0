package sandbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/sandbox"
)

func TestSandbox_ExecuteBuiltin(t *testing.T) {
	exec := sandbox.NewSandbox(sandbox.NewModuleRegistry(), nil)

	task := &compute.Task{
		ID:      "t1",
		CodeRef: "builtin/echo",
		Input:   []byte("payload"),
		Limits:  testLimits(),
	}

	res, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, compute.OutcomeSuccess, res.Outcome)
	assert.Equal(t, []byte("payload"), res.Output)
}

func TestSandbox_UnknownModule(t *testing.T) {
	exec := sandbox.NewSandbox(sandbox.NewModuleRegistry(), nil)

	task := &compute.Task{ID: "t1", CodeRef: "no/such/module", Limits: testLimits()}
	_, err := exec.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, compute.ErrCodeUnknownModule, compute.CodeOf(err))
}

func TestSandbox_RegisteredProgram(t *testing.T) {
	modules := sandbox.NewModuleRegistry()
	modules.Register("user/answer", sandbox.Module{
		Kind: sandbox.ModuleBytecode,
		Program: sandbox.Program{
			{Op: sandbox.OpPush, Arg: 42},
			{Op: sandbox.OpEmit},
			{Op: sandbox.OpHalt},
		},
	})
	exec := sandbox.NewSandbox(modules, nil)

	res, err := exec.Execute(context.Background(), &compute.Task{
		ID:      "t2",
		CodeRef: "user/answer",
		Limits:  testLimits(),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, res.Output)
}

func TestSandbox_LimitBreachIsNotAnError(t *testing.T) {
	modules := sandbox.NewModuleRegistry()
	modules.Register("user/hog", sandbox.Module{
		Kind: sandbox.ModuleBytecode,
		Program: sandbox.Program{
			{Op: sandbox.OpPush, Arg: 2 * 1024 * 1024},
			{Op: sandbox.OpGrow},
			{Op: sandbox.OpHalt},
		},
	})
	exec := sandbox.NewSandbox(modules, nil)

	limits := testLimits()
	limits.MaxMemoryBytes = 1024 * 1024
	res, err := exec.Execute(context.Background(), &compute.Task{
		ID:      "t3",
		CodeRef: "user/hog",
		Limits:  limits,
	})
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeResourceExceeded, res.Outcome)
	assert.Equal(t, compute.ResourceMemory, res.Exceeded)
}

func TestSandbox_WASMRejectsMalformedModule(t *testing.T) {
	modules := sandbox.NewModuleRegistry()
	modules.Register("user/garbled", sandbox.Module{
		Kind: sandbox.ModuleWASM,
		WASM: []byte("this is not a wasm binary"),
	})
	exec := sandbox.NewSandbox(modules, nil)

	res, err := exec.Execute(context.Background(), &compute.Task{
		ID:      "t4",
		CodeRef: "user/garbled",
		Limits:  testLimits(),
	})
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeTrapped, res.Outcome)
	assert.Equal(t, "t4", res.TaskID)
}

func TestSandbox_WASMWithoutRunExportTraps(t *testing.T) {
	// the empty module: magic and version, no exports
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	modules := sandbox.NewModuleRegistry()
	modules.Register("user/empty", sandbox.Module{
		Kind: sandbox.ModuleWASM,
		WASM: empty,
	})
	exec := sandbox.NewSandbox(modules, nil)

	res, err := exec.Execute(context.Background(), &compute.Task{
		ID:      "t5",
		CodeRef: "user/empty",
		Limits:  testLimits(),
	})
	require.NoError(t, err)
	assert.Equal(t, compute.OutcomeTrapped, res.Outcome)
}
