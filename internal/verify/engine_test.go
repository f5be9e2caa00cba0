package verify_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/verify"
)

func TestVerifyHash(t *testing.T) {
	e := verify.NewEngine(nil)
	output := []byte("result bytes")

	rec, err := e.VerifyHash("t1", "w1", output, verify.Digest(output))
	require.NoError(t, err)
	assert.Equal(t, verify.ModeHash, rec.Mode)
	assert.Equal(t, verify.Digest(output), rec.Digest)

	_, err = e.VerifyHash("t1", "w1", []byte("tampered"), verify.Digest(output))
	require.Error(t, err)
	assert.Equal(t, compute.ErrCodeVerificationMismatch, compute.CodeOf(err))
}

func TestMerkleTree_LeafCountAndProofs(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			leaves := make([][]byte, n)
			for i := range leaves {
				leaves[i] = verify.Digest([]byte(fmt.Sprintf("chunk-%d", i)))
			}
			tree, err := verify.NewMerkleTree(leaves)
			require.NoError(t, err)

			assert.Equal(t, n, tree.LeafCount())
			padded := tree.PaddedLeafCount()
			assert.GreaterOrEqual(t, padded, n)
			assert.Zero(t, padded&(padded-1), "padded leaf count must be a power of two")

			// every leaf has a valid inclusion proof against the root
			for i := 0; i < n; i++ {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				assert.True(t, verify.VerifyProof(leaves[i], proof, tree.Root()))
			}

			// a proof does not validate a different leaf
			if n > 1 {
				proof, _ := tree.Proof(0)
				assert.False(t, verify.VerifyProof(leaves[1], proof, tree.Root()))
			}
		})
	}
}

func TestMerkleTree_DeterministicRoot(t *testing.T) {
	leaves := [][]byte{
		verify.Digest([]byte("a")),
		verify.Digest([]byte("b")),
		verify.Digest([]byte("c")),
	}
	first, err := verify.NewMerkleTree(leaves)
	require.NoError(t, err)
	second, err := verify.NewMerkleTree(leaves)
	require.NoError(t, err)
	assert.Equal(t, first.Root(), second.Root())
}

func TestBuildBatch(t *testing.T) {
	e := verify.NewEngine(nil)
	taskIDs := []string{"t0", "t1", "t2", "t3", "t4"}
	outputs := [][]byte{[]byte("r0"), []byte("r1"), []byte("r2"), []byte("r3"), []byte("r4")}

	records, err := e.BuildBatch(taskIDs, outputs)
	require.NoError(t, err)
	require.Len(t, records, 5)

	root := records[0].Root
	for i, rec := range records {
		assert.Equal(t, taskIDs[i], rec.TaskID)
		assert.Equal(t, verify.ModeMerkle, rec.Mode)
		assert.Equal(t, root, rec.Root)
		assert.True(t, verify.VerifyProof(rec.Digest, rec.Proof, rec.Root))
	}
}

func TestVerifyRedundancy_Majority(t *testing.T) {
	e := verify.NewEngine(nil)
	good := []byte("agreed output")
	candidates := []verify.Candidate{
		{WorkerID: "w1", Output: good},
		{WorkerID: "w2", Output: good},
		{WorkerID: "w3", Output: []byte("forged")},
	}

	rec, err := e.VerifyRedundancy("t1", candidates)
	require.NoError(t, err)
	assert.Equal(t, good, rec.Output)
	assert.Equal(t, []string{"w1", "w2"}, rec.Agreeing)
	assert.Equal(t, []string{"w3"}, rec.Dissenting)
}

func TestVerifyRedundancy_PermutationInvariant(t *testing.T) {
	e := verify.NewEngine(nil)
	good := []byte("A")
	bad := []byte("B")

	orders := [][]verify.Candidate{
		{{WorkerID: "w1", Output: good}, {WorkerID: "w2", Output: good}, {WorkerID: "w3", Output: bad}},
		{{WorkerID: "w3", Output: bad}, {WorkerID: "w1", Output: good}, {WorkerID: "w2", Output: good}},
		{{WorkerID: "w2", Output: good}, {WorkerID: "w3", Output: bad}, {WorkerID: "w1", Output: good}},
	}

	for i, candidates := range orders {
		rec, err := e.VerifyRedundancy("t1", candidates)
		require.NoError(t, err, "order %d", i)
		assert.Equal(t, good, rec.Output, "order %d", i)
		assert.Equal(t, []string{"w1", "w2"}, rec.Agreeing, "order %d", i)
		assert.Equal(t, []string{"w3"}, rec.Dissenting, "order %d", i)
	}
}

func TestVerifyRedundancy_NoQuorum(t *testing.T) {
	e := verify.NewEngine(nil)
	candidates := []verify.Candidate{
		{WorkerID: "w1", Output: []byte("A")},
		{WorkerID: "w2", Output: []byte("B")},
	}

	_, err := e.VerifyRedundancy("t1", candidates)
	require.Error(t, err)
	assert.Equal(t, compute.ErrCodeNoQuorum, compute.CodeOf(err))

	_, err = e.VerifyRedundancy("t1", candidates[:1])
	require.Error(t, err)
	assert.Equal(t, compute.ErrCodeNoQuorum, compute.CodeOf(err))
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, verify.ModeHash, verify.ModeFor(0.9, 0.7, false))
	assert.Equal(t, verify.ModeRedundancy, verify.ModeFor(0.7, 0.7, false))
	assert.Equal(t, verify.ModeRedundancy, verify.ModeFor(0.2, 0.7, false))
	// non-deterministic tasks can never be cross-checked by re-execution
	assert.Equal(t, verify.ModeHash, verify.ModeFor(0.2, 0.7, true))
}
