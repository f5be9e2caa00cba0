package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/sandbox"
)

// TaskProtocol is the libp2p stream protocol for task delegation
const TaskProtocol = "/meshcompute/task/1.0.0"

// PersistentIdentity holds the node's private key and peer ID so the
// peer keeps its identity across restarts.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity saves identity to disk
func SaveIdentity(path string, id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadIdentity loads identity from disk
func LoadIdentity(path string) (*PersistentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func loadOrCreateKey(path string) (crypto.PrivKey, error) {
	if id, err := LoadIdentity(path); err == nil {
		return crypto.UnmarshalPrivateKey(id.PrivKey)
	}
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, &PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()}); err != nil {
		return nil, err
	}
	return priv, nil
}

type libp2pPeer struct {
	info WorkerInfo
	addr peer.AddrInfo
}

// Libp2pTransport delegates tasks to remote peers over libp2p streams.
// One stream per task: the task envelope goes out, the result envelope
// comes back on the same stream and is handed to the result handler.
type Libp2pTransport struct {
	host   libp2p_host.Host
	logger *slog.Logger

	mu      sync.RWMutex
	peers   map[string]*libp2pPeer
	handler ResultHandler
}

// NewLibp2pTransport starts a libp2p host with a persisted identity and,
// when an executor is supplied, serves incoming task streams on it.
func NewLibp2pTransport(identityPath string, executor sandbox.Executor, logger *slog.Logger) (*Libp2pTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	priv, err := loadOrCreateKey(identityPath)
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}
	host, err := libp2p.New(libp2p.Identity(priv))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	t := &Libp2pTransport{
		host:   host,
		logger: logger.With("component", "transport", "peer_id", host.ID().String()),
		peers:  make(map[string]*libp2pPeer),
	}

	if executor != nil {
		host.SetStreamHandler(TaskProtocol, func(s network.Stream) {
			defer s.Close()
			t.serveStream(s, executor)
		})
	}

	t.logger.Info("libp2p node started")
	return t, nil
}

// serveStream answers one incoming task: decode, execute locally in the
// sandbox, write the result envelope back.
func (t *Libp2pTransport) serveStream(s network.Stream, executor sandbox.Executor) {
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	task, err := DecodeTask(data)
	if err != nil {
		t.logger.Warn("bad task envelope", "error", err)
		return
	}
	res, err := executor.Execute(context.Background(), task)
	if err != nil {
		t.logger.Warn("task execution failed", "task_id", task.ID, "error", err)
		return
	}
	if _, err := s.Write(EncodeResult(res)); err != nil {
		t.logger.Warn("result write failed", "task_id", task.ID, "error", err)
	}
}

// AddPeer registers a remote worker by multiaddress
func (t *Libp2pTransport) AddPeer(workerID, peerAddr string, capacity int, latencyHintMs float64) error {
	maddr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[workerID] = &libp2pPeer{
		info: WorkerInfo{ID: workerID, Capacity: capacity, LatencyHintMs: latencyHintMs},
		addr: *info,
	}
	return nil
}

// Addr returns this node's dialable multiaddress
func (t *Libp2pTransport) Addr() string {
	addrs := t.host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0].String(), t.host.ID().String())
}

// ConnectedWorkers enumerates registered peers
func (t *Libp2pTransport) ConnectedWorkers() []WorkerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	infos := make([]WorkerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		infos = append(infos, p.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SetResultHandler installs the asynchronous result callback
func (t *Libp2pTransport) SetResultHandler(h ResultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// SendTask opens a stream to the worker, writes the task envelope and
// waits for the result envelope in the background
func (t *Libp2pTransport) SendTask(ctx context.Context, workerID string, task *compute.Task) error {
	t.mu.RLock()
	p, ok := t.peers[workerID]
	handler := t.handler
	t.mu.RUnlock()
	if !ok {
		return compute.NewError(compute.ErrCodeNoWorkers, "worker not connected").
			WithContext("worker_id", workerID)
	}

	if err := t.host.Connect(ctx, p.addr); err != nil {
		return compute.WrapError(compute.ErrCodeNoWorkers, "peer unreachable", err).
			WithContext("worker_id", workerID)
	}
	stream, err := t.host.NewStream(ctx, p.addr.ID, TaskProtocol)
	if err != nil {
		return compute.WrapError(compute.ErrCodeNoWorkers, "stream open failed", err).
			WithContext("worker_id", workerID)
	}

	if _, err := stream.Write(EncodeTask(task)); err != nil {
		stream.Close()
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Close()
		return err
	}

	go func() {
		defer stream.Close()
		data, err := io.ReadAll(stream)
		if err != nil {
			t.logger.Warn("result read failed", "task_id", task.ID, "worker_id", workerID, "error", err)
			return
		}
		res, err := DecodeResult(data)
		if err != nil {
			t.logger.Warn("bad result envelope", "task_id", task.ID, "worker_id", workerID, "error", err)
			return
		}
		if handler != nil {
			handler(workerID, res)
		}
	}()
	return nil
}

// Close shuts the libp2p host down
func (t *Libp2pTransport) Close() error {
	return t.host.Close()
}
