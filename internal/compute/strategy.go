package compute

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// SplitStrategy partitions a job input into an ordered sequence of task inputs
type SplitStrategy interface {
	Split(input []byte) ([][]byte, error)
}

// MergeStrategy combines verified task outputs, in task ordinal order,
// into the job output. Must be deterministic for a fixed result set.
type MergeStrategy interface {
	Merge(outputs [][]byte) ([]byte, error)
}

// SplitFunc adapts a function to SplitStrategy
type SplitFunc func(input []byte) ([][]byte, error)

func (f SplitFunc) Split(input []byte) ([][]byte, error) { return f(input) }

// MergeFunc adapts a function to MergeStrategy
type MergeFunc func(outputs [][]byte) ([]byte, error)

func (f MergeFunc) Merge(outputs [][]byte) ([]byte, error) { return f(outputs) }

// StrategyRegistry maps strategy IDs to split/merge capabilities. The core
// never hard-codes a workload; callers register whatever their domain needs.
type StrategyRegistry struct {
	mu     sync.RWMutex
	splits map[string]SplitStrategy
	merges map[string]MergeStrategy
}

// NewStrategyRegistry creates a registry pre-loaded with the built-in
// block/concat and sum strategies
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{
		splits: make(map[string]SplitStrategy),
		merges: make(map[string]MergeStrategy),
	}
	r.RegisterSplit("block", &BlockSplit{BlockSize: 64 * 1024})
	r.RegisterSplit("block4", &BlockSplit{Chunks: 4})
	r.RegisterMerge("concat", MergeFunc(concatMerge))
	r.RegisterSplit("words64", &WordSplit{WordsPerChunk: 64})
	r.RegisterSplit("lines", &LineSplit{LinesPerChunk: 256})
	r.RegisterMerge("sum", MergeFunc(sumMerge))
	return r
}

// RegisterSplit registers a split strategy under id, replacing any previous one
func (r *StrategyRegistry) RegisterSplit(id string, s SplitStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splits[id] = s
}

// RegisterMerge registers a merge strategy under id
func (r *StrategyRegistry) RegisterMerge(id string, m MergeStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[id] = m
}

// Split looks up a split strategy by ID
func (r *StrategyRegistry) Split(id string) (SplitStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.splits[id]
	if !ok {
		return nil, ErrUnknownStrategy("split", id)
	}
	return s, nil
}

// Merge looks up a merge strategy by ID
func (r *StrategyRegistry) Merge(id string) (MergeStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.merges[id]
	if !ok {
		return nil, ErrUnknownStrategy("merge", id)
	}
	return m, nil
}

// BlockSplit partitions input into fixed-size blocks. When Chunks is set the
// block size is derived so the input lands in exactly that many blocks.
type BlockSplit struct {
	BlockSize int
	Chunks    int
}

func (b *BlockSplit) Split(input []byte) ([][]byte, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	size := b.BlockSize
	if b.Chunks > 0 {
		size = (len(input) + b.Chunks - 1) / b.Chunks
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid block size %d", size)
	}
	var chunks [][]byte
	for off := 0; off < len(input); off += size {
		end := off + size
		if end > len(input) {
			end = len(input)
		}
		chunks = append(chunks, input[off:end])
	}
	return chunks, nil
}

// WordSplit partitions input into chunks of 8-byte big-endian words, for
// workloads whose tasks reduce a window of numbers
type WordSplit struct {
	WordsPerChunk int
}

func (w *WordSplit) Split(input []byte) ([][]byte, error) {
	if len(input) == 0 || len(input)%8 != 0 {
		return nil, fmt.Errorf("input length %d is not a multiple of 8", len(input))
	}
	per := w.WordsPerChunk
	if per <= 0 {
		per = 64
	}
	stride := per * 8
	var chunks [][]byte
	for off := 0; off < len(input); off += stride {
		end := off + stride
		if end > len(input) {
			end = len(input)
		}
		chunks = append(chunks, input[off:end])
	}
	return chunks, nil
}

// LineSplit partitions input at newline boundaries so no token ever spans
// two chunks, for MapReduce-shaped text workloads
type LineSplit struct {
	LinesPerChunk int
}

func (l *LineSplit) Split(input []byte) ([][]byte, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	per := l.LinesPerChunk
	if per <= 0 {
		per = 256
	}
	var chunks [][]byte
	start, lines := 0, 0
	for i, b := range input {
		if b != '\n' {
			continue
		}
		lines++
		if lines == per {
			chunks = append(chunks, input[start:i+1])
			start = i + 1
			lines = 0
		}
	}
	if start < len(input) {
		chunks = append(chunks, input[start:])
	}
	return chunks, nil
}

func concatMerge(outputs [][]byte) ([]byte, error) {
	var n int
	for _, out := range outputs {
		n += len(out)
	}
	merged := make([]byte, 0, n)
	for _, out := range outputs {
		merged = append(merged, out...)
	}
	return merged, nil
}

// sumMerge folds 8-byte big-endian partial sums into one
func sumMerge(outputs [][]byte) ([]byte, error) {
	var total uint64
	for i, out := range outputs {
		if len(out) != 8 {
			return nil, fmt.Errorf("partial %d has length %d, want 8", i, len(out))
		}
		total += binary.BigEndian.Uint64(out)
	}
	merged := make([]byte, 8)
	binary.BigEndian.PutUint64(merged, total)
	return merged, nil
}
