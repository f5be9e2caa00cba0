package verify

import (
	"bytes"
	"crypto/sha256"
	"errors"
)

// Digest is the digest function used across the core for result
// verification and Merkle leaves
func Digest(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// ProofNode is one sibling hash on the path from a leaf to the root
type ProofNode struct {
	Hash   []byte
	IsLeft bool // sibling sits to the left of the running hash
}

// MerkleTree commits to a batch of task result digests. Leaves are added
// in task ordinal order, so the root is deterministic regardless of the
// order results arrived in. The leaf level is padded to a power of two by
// duplicating the last leaf, keeping the tree a perfect binary structure.
type MerkleTree struct {
	leafCount int
	levels    [][][]byte // levels[0] is the padded leaf level
	root      []byte
}

// NewMerkleTree builds the tree over leaf digests in ordinal order
func NewMerkleTree(leafDigests [][]byte) (*MerkleTree, error) {
	if len(leafDigests) == 0 {
		return nil, errors.New("no leaves")
	}

	padded := make([][]byte, len(leafDigests))
	copy(padded, leafDigests)
	for len(padded)&(len(padded)-1) != 0 {
		padded = append(padded, padded[len(padded)-1])
	}

	mt := &MerkleTree{
		leafCount: len(leafDigests),
		levels:    [][][]byte{padded},
	}

	current := padded
	for len(current) > 1 {
		next := make([][]byte, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			h := sha256.New()
			h.Write(current[i])
			h.Write(current[i+1])
			next = append(next, h.Sum(nil))
		}
		mt.levels = append(mt.levels, next)
		current = next
	}
	mt.root = current[0]
	return mt, nil
}

// Root returns the root hash committing to every leaf
func (mt *MerkleTree) Root() []byte {
	return mt.root
}

// LeafCount returns the number of real (unpadded) leaves
func (mt *MerkleTree) LeafCount() int {
	return mt.leafCount
}

// PaddedLeafCount returns the power-of-two width of the leaf level
func (mt *MerkleTree) PaddedLeafCount() int {
	return len(mt.levels[0])
}

// Proof returns the inclusion proof for the leaf at ordinal index i
func (mt *MerkleTree) Proof(i int) ([]ProofNode, error) {
	if i < 0 || i >= mt.leafCount {
		return nil, errors.New("leaf index out of range")
	}

	proof := make([]ProofNode, 0, len(mt.levels)-1)
	pos := i
	for _, level := range mt.levels[:len(mt.levels)-1] {
		if pos%2 == 0 {
			proof = append(proof, ProofNode{Hash: level[pos+1], IsLeft: false})
		} else {
			proof = append(proof, ProofNode{Hash: level[pos-1], IsLeft: true})
		}
		pos /= 2
	}
	return proof, nil
}

// VerifyProof confirms one leaf digest against the root without
// recomputing any other leaf
func VerifyProof(leafDigest []byte, proof []ProofNode, root []byte) bool {
	hash := leafDigest
	for _, node := range proof {
		h := sha256.New()
		if node.IsLeft {
			h.Write(node.Hash)
			h.Write(hash)
		} else {
			h.Write(hash)
			h.Write(node.Hash)
		}
		hash = h.Sum(nil)
	}
	return bytes.Equal(hash, root)
}
