package verify

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"sort"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// Mode selects how a task result is checked
type Mode int

const (
	ModeHash Mode = iota
	ModeMerkle
	ModeRedundancy
)

func (m Mode) String() string {
	switch m {
	case ModeHash:
		return "hash"
	case ModeMerkle:
		return "merkle"
	case ModeRedundancy:
		return "redundancy"
	default:
		return "unknown"
	}
}

// Record is the accepted integrity verdict for one task result
type Record struct {
	TaskID string
	Mode   Mode

	// Hash and Merkle modes
	Digest []byte

	// Merkle mode
	Root  []byte
	Proof []ProofNode

	// Redundancy mode
	Output     []byte
	Agreeing   []string // worker IDs whose results matched the winner
	Dissenting []string // worker IDs penalized for disagreeing
}

// Candidate is one worker's result for a redundantly executed task
type Candidate struct {
	WorkerID string
	Output   []byte
}

// Engine produces integrity verdicts for task results
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a verification engine
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "verify")}
}

// VerifyHash compares the candidate output against an independently
// trusted reference digest. Cheapest mode; reserved for trusted workers.
func (e *Engine) VerifyHash(taskID, workerID string, output, expected []byte) (*Record, error) {
	actual := Digest(output)
	if !bytes.Equal(actual, expected) {
		e.logger.Warn("digest mismatch",
			"task_id", taskID,
			"worker_id", workerID,
			"expected", hex.EncodeToString(expected),
			"actual", hex.EncodeToString(actual))
		return nil, compute.ErrVerificationMismatch(taskID, workerID)
	}
	return &Record{TaskID: taskID, Mode: ModeHash, Digest: actual}, nil
}

// BuildBatch commits a job's verified outputs, in task ordinal order, to a
// Merkle root and returns one record per task carrying its inclusion proof.
func (e *Engine) BuildBatch(taskIDs []string, outputs [][]byte) ([]*Record, error) {
	leaves := make([][]byte, len(outputs))
	for i, out := range outputs {
		leaves[i] = Digest(out)
	}
	tree, err := NewMerkleTree(leaves)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, len(outputs))
	for i := range outputs {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		records[i] = &Record{
			TaskID: taskIDs[i],
			Mode:   ModeMerkle,
			Digest: leaves[i],
			Root:   tree.Root(),
			Proof:  proof,
		}
	}
	return records, nil
}

// VerifyRedundancy compares candidate results byte for byte and accepts
// the output a strict majority agrees on. The verdict is invariant under
// permutation of the candidates. With no strict majority it returns a
// NO_QUORUM error and the task must be re-dispatched to a fresh worker
// set without decreasing K.
func (e *Engine) VerifyRedundancy(taskID string, candidates []Candidate) (*Record, error) {
	if len(candidates) < 2 {
		return nil, compute.NewError(compute.ErrCodeNoQuorum, "redundancy needs at least two candidates").
			WithContext("task_id", taskID).
			WithContext("candidates", len(candidates))
	}

	votes := make(map[string][]string) // digest -> worker IDs, insertion independent
	outputs := make(map[string][]byte)
	for _, c := range candidates {
		key := string(Digest(c.Output))
		votes[key] = append(votes[key], c.WorkerID)
		outputs[key] = c.Output
	}

	var winner string
	for key, workers := range votes {
		if 2*len(workers) > len(candidates) {
			winner = key
			break
		}
	}
	if winner == "" {
		e.logger.Warn("no quorum", "task_id", taskID, "candidates", len(candidates), "distinct", len(votes))
		return nil, compute.NewError(compute.ErrCodeNoQuorum, "no strict majority among candidates").
			WithContext("task_id", taskID).
			WithContext("candidates", len(candidates))
	}

	rec := &Record{
		TaskID:   taskID,
		Mode:     ModeRedundancy,
		Digest:   []byte(winner),
		Output:   outputs[winner],
		Agreeing: append([]string(nil), votes[winner]...),
	}
	for key, workers := range votes {
		if key != winner {
			rec.Dissenting = append(rec.Dissenting, workers...)
		}
	}
	sort.Strings(rec.Agreeing)
	sort.Strings(rec.Dissenting)
	return rec, nil
}

// ModeFor is the per-task policy decision: workers above the trust
// threshold earn cheap hash/Merkle verification, the rest are forced into
// redundancy until trust recovers.
func ModeFor(trust, trustedThreshold float64, nonDeterministic bool) Mode {
	if trust > trustedThreshold || nonDeterministic {
		return ModeHash
	}
	return ModeRedundancy
}
