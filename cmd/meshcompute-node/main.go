package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/config"
	"github.com/nmxmxh/meshcompute/internal/orchestrator"
	"github.com/nmxmxh/meshcompute/internal/registry"
	"github.com/nmxmxh/meshcompute/internal/sandbox"
	"github.com/nmxmxh/meshcompute/internal/scheduler"
	"github.com/nmxmxh/meshcompute/internal/transport"
	"github.com/nmxmxh/meshcompute/internal/verify"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "", "path to TOML configuration")
	demo := flag.Bool("demo", false, "submit a demonstration sum job and print the result")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	modules := sandbox.NewModuleRegistry()
	sb := sandbox.NewSandbox(modules, logger)

	tr, err := transport.NewLibp2pTransport(cfg.Node.IdentityPath, sb, logger)
	if err != nil {
		logger.Error("transport start failed", "error", err)
		os.Exit(1)
	}
	defer tr.Close()
	logger.Info("listening", "addr", tr.Addr())

	reg := registry.NewRegistry(registry.TrustConfig{
		Decay:               cfg.Trust.Decay,
		WeightSuccess:       cfg.Trust.WeightSuccess,
		DefaultTrust:        cfg.Trust.DefaultTrust,
		QuarantineThreshold: cfg.Trust.QuarantineThreshold,
		TrustedThreshold:    cfg.Trust.TrustedThreshold,
		LatencyAlpha:        cfg.Trust.LatencyAlpha,
	}, logger)

	for _, p := range cfg.Node.Peers {
		if err := tr.AddPeer(p.ID, p.Addr, p.Capacity, p.LatencyHintMs); err != nil {
			logger.Error("peer rejected", "worker_id", p.ID, "addr", p.Addr, "error", err)
			os.Exit(1)
		}
	}

	verifier := verify.NewEngine(logger)
	sched := scheduler.NewScheduler(reg, tr, verifier, sb, scheduler.Config{
		RetryLimit:      cfg.Scheduler.RetryLimit,
		DeadlineMargin:  cfg.Scheduler.DeadlineMargin.Duration,
		RedundancyK:     cfg.Scheduler.RedundancyK,
		BreakerFailures: cfg.Scheduler.BreakerFailures,
		BreakerCooldown: cfg.Scheduler.BreakerCooldown.Duration,
	}, logger)
	orch := orchestrator.NewOrchestrator(compute.NewStrategyRegistry(), sched, verifier, cfg.Node.MaxParallel, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the transport owns the worker population; the registry follows it
	sched.SyncWorkers()
	go func() {
		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				sched.SyncWorkers()
			}
		}
	}()

	if *demo {
		if err := runDemo(ctx, orch, cfg, logger); err != nil {
			logger.Error("demo job failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("node ready")
	<-ctx.Done()
	logger.Info("shutting down")
}

// runDemo sums 4096 words across the mesh, falling back to the local
// sandbox when no peers are configured
func runDemo(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, logger *slog.Logger) error {
	const words = 4096
	input := make([]byte, words*8)
	var want uint64
	for i := 0; i < words; i++ {
		binary.BigEndian.PutUint64(input[i*8:], uint64(i))
		want += uint64(i)
	}

	start := time.Now()
	jobID, err := orch.Submit(orchestrator.Request{
		SplitID: "words64",
		MergeID: "sum",
		CodeRef: "builtin/sum",
		Input:   input,
		Limits: compute.ResourceLimits{
			MaxMemoryBytes:   cfg.Limits.MaxMemoryBytes,
			MaxCPUCycles:     cfg.Limits.MaxCPUCycles,
			MaxExecutionTime: cfg.Limits.MaxExecutionTime.Duration,
			MaxStackBytes:    cfg.Limits.MaxStackBytes,
		},
	})
	if err != nil {
		return err
	}

	out, err := orch.GetResult(ctx, jobID)
	if err != nil {
		return err
	}
	got := binary.BigEndian.Uint64(out)
	logger.Info("demo job settled",
		"job_id", jobID,
		"sum", got,
		"expected", want,
		"elapsed", time.Since(start))
	if got != want {
		return fmt.Errorf("sum mismatch: got %d want %d", got, want)
	}
	fmt.Println(got)
	return nil
}
