package compute

import (
	"time"
)

// JobState tracks a job through its lifecycle
type JobState int

const (
	JobCreated JobState = iota
	JobSplitting
	JobScheduling
	JobExecuting
	JobMerging
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobSplitting:
		return "splitting"
	case JobScheduling:
		return "scheduling"
	case JobExecuting:
		return "executing"
	case JobMerging:
		return "merging"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TaskState tracks a single task
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskVerified
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskVerified:
		return "verified"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResourceKind identifies which ceiling a task breached
type ResourceKind int

const (
	ResourceNone ResourceKind = iota
	ResourceCPU
	ResourceMemory
	ResourceTime
	ResourceStack
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceCPU:
		return "cpu"
	case ResourceMemory:
		return "memory"
	case ResourceTime:
		return "time"
	case ResourceStack:
		return "stack"
	default:
		return "none"
	}
}

// Outcome classifies how a sandboxed execution ended
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeResourceExceeded
	OutcomeTrapped
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeResourceExceeded:
		return "resource_exceeded"
	case OutcomeTrapped:
		return "trapped"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ResourceLimits are the ceilings enforced on one task execution.
// Immutable once attached to a task.
type ResourceLimits struct {
	MaxMemoryBytes   uint64
	MaxCPUCycles     uint64
	MaxExecutionTime time.Duration
	MaxStackBytes    uint64
}

// ResourceUsage is what an execution actually consumed
type ResourceUsage struct {
	CyclesUsed      uint64
	PeakMemoryBytes uint64
	PeakStackBytes  uint64
}

// Task is one unit of sandboxed work belonging to exactly one job
type Task struct {
	ID       string
	JobID    string
	Ordinal  int // fixes merge order
	Input    []byte
	CodeRef  string
	Limits   ResourceLimits
	State    TaskState
	WorkerID string // empty until assigned
	Retries  int

	// ExpectedDigest, when known to the submitter, enables cheap hash
	// verification against an independently trusted reference.
	ExpectedDigest []byte

	// Deterministic tasks may be cross-checked by redundant execution.
	// Tasks that opt out are never placed in redundancy mode.
	NonDeterministic bool
}

// ExecutionResult is the outcome of one sandboxed execution attempt
type ExecutionResult struct {
	TaskID   string
	Output   []byte
	Outcome  Outcome
	Exceeded ResourceKind // set when Outcome is OutcomeResourceExceeded
	Usage    ResourceUsage
	Duration time.Duration
}

// Succeeded reports whether the result may feed a merge. A task that
// breached any resource limit can never be marked successful.
func (r *ExecutionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess && r.Exceeded == ResourceNone
}

// Job owns an ordered set of tasks plus the strategies that bound it
type Job struct {
	ID        string
	SplitID   string
	MergeID   string
	CodeRef   string
	Input     []byte
	Limits    ResourceLimits
	TaskIDs   []string
	State     JobState
	CreatedAt time.Time
	DoneAt    time.Time
}

// Progress exposes intermediate task counts so callers can observe
// degradation before terminal failure
type Progress struct {
	State    JobState
	Pending  int
	Running  int
	Verified int
	Failed   int
}
