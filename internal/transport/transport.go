// Package transport is the boundary to the peer layer: connected-worker
// enumeration, task send with ack/nack, and asynchronous result delivery
// keyed by task ID. Everything crossing
// the boundary is opaque bytes; encryption, compression and sharding of
// those bytes happen outside this core.
package transport

import (
	"context"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// WorkerInfo is what the peer layer reports about a connected worker
type WorkerInfo struct {
	ID            string
	Capacity      int
	LatencyHintMs float64
}

// ResultHandler receives results as they arrive from remote workers
type ResultHandler func(workerID string, result *compute.ExecutionResult)

// Transport moves task payloads to workers and results back
type Transport interface {
	// ConnectedWorkers enumerates workers currently reachable
	ConnectedWorkers() []WorkerInfo

	// SendTask delivers the task payload to the worker. A nil return is
	// the ack; results arrive later through the result handler.
	SendTask(ctx context.Context, workerID string, task *compute.Task) error

	// SetResultHandler installs the asynchronous result callback. Must be
	// called before the first SendTask.
	SetResultHandler(h ResultHandler)
}
