package compute

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockSplit_FixedSize(t *testing.T) {
	s := &BlockSplit{BlockSize: 4}
	chunks, err := s.Split([]byte("abcdefghij"))
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, []byte("abcd"), chunks[0])
	assert.Equal(t, []byte("efgh"), chunks[1])
	assert.Equal(t, []byte("ij"), chunks[2])
}

func TestBlockSplit_ChunkCount(t *testing.T) {
	s := &BlockSplit{Chunks: 4}
	input := make([]byte, 10)
	chunks, err := s.Split(input)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	assert.Equal(t, len(input), total)
}

func TestBlockSplit_EmptyInputRejected(t *testing.T) {
	s := &BlockSplit{BlockSize: 4}
	_, err := s.Split(nil)
	assert.Error(t, err)
}

func TestWordSplit_RejectsRaggedInput(t *testing.T) {
	s := &WordSplit{WordsPerChunk: 2}
	_, err := s.Split(make([]byte, 12))
	assert.Error(t, err)
}

func TestLineSplit_TokensNeverSpanChunks(t *testing.T) {
	s := &LineSplit{LinesPerChunk: 2}
	input := []byte("one two\nthree\nfour five six\nseven\ntail without newline")
	chunks, err := s.Split(input)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	// every chunk but the last ends exactly at a newline
	for _, c := range chunks[:len(chunks)-1] {
		assert.Equal(t, byte('\n'), c[len(c)-1])
	}

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	assert.Equal(t, len(input), total)
}

func TestLineSplit_EmptyInputRejected(t *testing.T) {
	s := &LineSplit{LinesPerChunk: 2}
	_, err := s.Split(nil)
	assert.Error(t, err)
}

func TestSplitMergeRoundTrip(t *testing.T) {
	reg := NewStrategyRegistry()
	split, err := reg.Split("block4")
	require.NoError(t, err)
	merge, err := reg.Merge("concat")
	require.NoError(t, err)

	input := []byte("the quick brown fox jumps over the lazy dog")
	chunks, err := split.Split(input)
	require.NoError(t, err)
	out, err := merge.Merge(chunks)
	require.NoError(t, err)

	// concat of an in-order split reproduces the input exactly
	assert.Equal(t, input, out)
}

func TestSplitIsDeterministic(t *testing.T) {
	reg := NewStrategyRegistry()
	split, err := reg.Split("words64")
	require.NoError(t, err)

	input := make([]byte, 200*8)
	for i := range input {
		input[i] = byte(i)
	}
	a, err := split.Split(input)
	require.NoError(t, err)
	b, err := split.Split(input)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSumMerge(t *testing.T) {
	partial := func(v uint64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return b
	}

	reg := NewStrategyRegistry()
	merge, err := reg.Merge("sum")
	require.NoError(t, err)

	out, err := merge.Merge([][]byte{partial(10), partial(32), partial(0)})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(out))

	_, err = merge.Merge([][]byte{{1, 2, 3}})
	assert.Error(t, err)
}

func TestRegistry_UnknownStrategy(t *testing.T) {
	reg := NewStrategyRegistry()

	_, err := reg.Split("missing")
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownStrategy, CodeOf(err))

	_, err = reg.Merge("missing")
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownStrategy, CodeOf(err))
}

func TestRegistry_CustomStrategy(t *testing.T) {
	reg := NewStrategyRegistry()
	reg.RegisterSplit("whole", SplitFunc(func(input []byte) ([][]byte, error) {
		return [][]byte{input}, nil
	}))

	split, err := reg.Split("whole")
	require.NoError(t, err)
	chunks, err := split.Split([]byte("one piece"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}
