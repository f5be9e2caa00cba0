package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/nmxmxh/meshcompute/internal/compute"
)

// WorkerBehavior is how a loopback worker answers a task. Returning a
// nil result and nil error drops the task on the floor, which is how a
// peer that never responds looks from this side of the boundary.
type WorkerBehavior func(ctx context.Context, task *compute.Task) (*compute.ExecutionResult, error)

type loopbackWorker struct {
	info     WorkerInfo
	behavior WorkerBehavior
}

// Loopback is an in-process transport. It backs single-node deployments
// and lets tests stand in for an arbitrary worker population, including
// slow, silent and dishonest peers.
type Loopback struct {
	mu      sync.RWMutex
	workers map[string]*loopbackWorker
	handler ResultHandler
}

// NewLoopback creates an empty loopback transport
func NewLoopback() *Loopback {
	return &Loopback{workers: make(map[string]*loopbackWorker)}
}

// AddWorker attaches a simulated worker
func (l *Loopback) AddWorker(info WorkerInfo, behavior WorkerBehavior) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workers[info.ID] = &loopbackWorker{info: info, behavior: behavior}
}

// RemoveWorker detaches a worker, as if the peer disconnected
func (l *Loopback) RemoveWorker(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.workers, id)
}

// ConnectedWorkers enumerates attached workers in stable order
func (l *Loopback) ConnectedWorkers() []WorkerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	infos := make([]WorkerInfo, 0, len(l.workers))
	for _, w := range l.workers {
		infos = append(infos, w.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SetResultHandler installs the asynchronous result callback
func (l *Loopback) SetResultHandler(h ResultHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SendTask acks the task and runs the worker's behavior asynchronously,
// round-tripping both envelopes through the wire codec so the loopback
// exercises the same path a remote peer would.
func (l *Loopback) SendTask(ctx context.Context, workerID string, task *compute.Task) error {
	l.mu.RLock()
	w, ok := l.workers[workerID]
	handler := l.handler
	l.mu.RUnlock()
	if !ok {
		return compute.NewError(compute.ErrCodeNoWorkers, "worker not connected").
			WithContext("worker_id", workerID)
	}

	payload := EncodeTask(task)
	go func() {
		decoded, err := DecodeTask(payload)
		if err != nil {
			return
		}
		res, err := w.behavior(ctx, decoded)
		if err != nil || res == nil {
			return // a silent peer; the scheduler's deadline handles it
		}
		res.TaskID = decoded.ID
		wire, err := DecodeResult(EncodeResult(res))
		if err != nil {
			return
		}
		if handler != nil {
			handler(workerID, wire)
		}
	}()
	return nil
}
