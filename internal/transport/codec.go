package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// Envelope framing: a one-byte kind tag followed by little-endian fields.
// Variable-length fields carry a u32 length prefix. The payload inside an
// envelope stays opaque to the peer layer.
const (
	envelopeTask   byte = 1
	envelopeResult byte = 2
)

// EncodeTask frames a task for the wire
func EncodeTask(task *compute.Task) []byte {
	buf := []byte{envelopeTask}
	buf = appendString(buf, task.ID)
	buf = appendString(buf, task.CodeRef)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(task.Ordinal))
	buf = binary.LittleEndian.AppendUint64(buf, task.Limits.MaxMemoryBytes)
	buf = binary.LittleEndian.AppendUint64(buf, task.Limits.MaxCPUCycles)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(task.Limits.MaxExecutionTime))
	buf = binary.LittleEndian.AppendUint64(buf, task.Limits.MaxStackBytes)
	buf = appendBytes(buf, task.Input)
	return buf
}

// DecodeTask parses a task envelope
func DecodeTask(data []byte) (*compute.Task, error) {
	d := decoder{buf: data}
	if kind, err := d.u8(); err != nil || kind != envelopeTask {
		return nil, fmt.Errorf("not a task envelope")
	}

	task := &compute.Task{}
	var err error
	if task.ID, err = d.str(); err != nil {
		return nil, err
	}
	if task.CodeRef, err = d.str(); err != nil {
		return nil, err
	}
	ordinal, err := d.u32()
	if err != nil {
		return nil, err
	}
	task.Ordinal = int(ordinal)

	fields := []*uint64{
		&task.Limits.MaxMemoryBytes,
		&task.Limits.MaxCPUCycles,
	}
	for _, f := range fields {
		if *f, err = d.u64(); err != nil {
			return nil, err
		}
	}
	execTime, err := d.u64()
	if err != nil {
		return nil, err
	}
	task.Limits.MaxExecutionTime = time.Duration(execTime)
	if task.Limits.MaxStackBytes, err = d.u64(); err != nil {
		return nil, err
	}
	if task.Input, err = d.bytes(); err != nil {
		return nil, err
	}
	return task, nil
}

// EncodeResult frames an execution result for the wire
func EncodeResult(res *compute.ExecutionResult) []byte {
	buf := []byte{envelopeResult}
	buf = appendString(buf, res.TaskID)
	buf = append(buf, byte(res.Outcome), byte(res.Exceeded))
	buf = binary.LittleEndian.AppendUint64(buf, res.Usage.CyclesUsed)
	buf = binary.LittleEndian.AppendUint64(buf, res.Usage.PeakMemoryBytes)
	buf = binary.LittleEndian.AppendUint64(buf, res.Usage.PeakStackBytes)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(res.Duration))
	buf = appendBytes(buf, res.Output)
	return buf
}

// DecodeResult parses a result envelope
func DecodeResult(data []byte) (*compute.ExecutionResult, error) {
	d := decoder{buf: data}
	if kind, err := d.u8(); err != nil || kind != envelopeResult {
		return nil, fmt.Errorf("not a result envelope")
	}

	res := &compute.ExecutionResult{}
	var err error
	if res.TaskID, err = d.str(); err != nil {
		return nil, err
	}
	outcome, err := d.u8()
	if err != nil {
		return nil, err
	}
	res.Outcome = compute.Outcome(outcome)
	exceeded, err := d.u8()
	if err != nil {
		return nil, err
	}
	res.Exceeded = compute.ResourceKind(exceeded)

	for _, f := range []*uint64{
		&res.Usage.CyclesUsed,
		&res.Usage.PeakMemoryBytes,
		&res.Usage.PeakStackBytes,
	} {
		if *f, err = d.u64(); err != nil {
			return nil, err
		}
	}
	dur, err := d.u64()
	if err != nil {
		return nil, err
	}
	res.Duration = time.Duration(dur)
	if res.Output, err = d.bytes(); err != nil {
		return nil, err
	}
	return res, nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) u8() (byte, error) {
	if d.off+1 > len(d.buf) {
		return 0, fmt.Errorf("envelope truncated at offset %d", d.off)
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, fmt.Errorf("envelope truncated at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.off+8 > len(d.buf) {
		return 0, fmt.Errorf("envelope truncated at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if d.off+int(n) > len(d.buf) {
		return nil, fmt.Errorf("envelope truncated at offset %d", d.off)
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	if len(b) == 0 {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	return string(b), err
}
