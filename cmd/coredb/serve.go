package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	apihttp "coredb/internal/http"
	"coredb/pkg/applier"
	"coredb/pkg/boltstore"
	"coredb/pkg/cluster"
	"coredb/pkg/config"
	"coredb/pkg/consensus"
	"coredb/pkg/ledger"
	"coredb/pkg/metrics"
	"coredb/pkg/raft"
	"coredb/pkg/raftadapter"
	"coredb/pkg/replication"
	"coredb/pkg/types"
	"coredb/pkg/wal"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		memberID   uint64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cluster member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(configPath, memberID)
			if err != nil {
				return err
			}
			logger, err := initLogger(&cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runMember(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	cmd.Flags().Uint64Var(&memberID, "id", 0, "member id, overriding member.id from the config")
	return cmd
}

// peerBook is implemented by both consensus transports.
type peerBook interface {
	cluster.PeerUpdater
	PeerAddr(id types.MemberID) string
}

// engine is a consensus engine plus the handler the HTTP server routes its
// peer traffic to.
type engine struct {
	consensus.Engine
	peers  peerBook
	native *raft.Node
	etcd   *raftadapter.Node
}

func newEngine(cfg config.Config, store *boltstore.Store, applied types.LogIndex, observer consensus.AppendObserver, logger *slog.Logger) (*engine, error) {
	logger = logger.With("component", "consensus", "engine", cfg.Raft.Engine)

	switch cfg.Raft.Engine {
	case config.EngineEtcd:
		transport := raftadapter.NewTransport(cfg.PeerAddrs(), logger)
		node, err := raftadapter.NewNode(raftadapter.Config{
			ID:            cfg.MemberID(),
			Voters:        cfg.Voters(),
			ElectionTick:  cfg.Raft.ElectionTick,
			HeartbeatTick: cfg.Raft.HeartbeatTick,
			TickInterval:  cfg.Raft.TickInterval,
			Applied:       applied,
			CheckQuorum:   cfg.Raft.CheckQuorum,
			PreVote:       cfg.Raft.PreVote,
			Logger:        logger,
		}, store, transport, observer)
		if err != nil {
			return nil, err
		}
		return &engine{Engine: node, peers: transport, etcd: node}, nil

	default:
		transport := raft.NewHTTPTransport(cfg.PeerAddrs())
		node, err := raft.NewNode(raft.Config{
			ID:            cfg.MemberID(),
			Voters:        cfg.Voters(),
			ElectionTick:  cfg.Raft.ElectionTick,
			HeartbeatTick: cfg.Raft.HeartbeatTick,
			TickInterval:  cfg.Raft.TickInterval,
			Applied:       applied,
			RPCTimeout:    cfg.Raft.RPCTimeout,
			CheckQuorum:   cfg.Raft.CheckQuorum,
			Logger:        logger,
		}, store, transport, observer)
		if err != nil {
			return nil, err
		}
		return &engine{Engine: node, peers: transport, native: node}, nil
	}
}

// runMember wires one member together and runs it until ctx is done or a
// component fails.
func runMember(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	store, err := boltstore.Open(filepath.Join(cfg.Member.DataDir, "state"), logger.With("component", "boltstore"))
	if err != nil {
		return err
	}
	journal, err := wal.Open(filepath.Join(cfg.Member.DataDir, "journal"), logger.With("component", "wal"))
	if err != nil {
		return multierr.Append(err, store.Close())
	}
	defer func() {
		err = multierr.Combine(err, journal.Close(), store.Close())
	}()
	// The journal outlives ctx so that a batch being applied at shutdown
	// still completes.
	journal.Start(context.Background())

	l, err := ledger.Open(store)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		err = multierr.Append(err, l.Close())
	}()

	waiters := replication.NewWaiters()
	applierMetrics := metrics.NewApplierMetrics()
	app, err := applier.New(applier.Config{
		Storage: journal,
		State:   store,
		Ledger:  l,
		Notify:  waiters.Notify,
		Metrics: applierMetrics,
		Logger:  logger.With("component", "applier"),
	})
	if err != nil {
		return err
	}

	tracker := replication.NewTracker(logger.With("component", "tracker"))
	eng, err := newEngine(cfg, store, app.LastApplied(), tracker, logger)
	if err != nil {
		return err
	}

	replicationMetrics := metrics.NewReplicationMetrics()
	rep, err := replication.New(replication.Config{
		Engine:   eng,
		Applier:  app,
		Waiters:  waiters,
		Tracker:  tracker,
		PeerAddr: eng.peers.PeerAddr,
		Timeout:  cfg.Proposal.Timeout,
		Metrics:  replicationMetrics,
		Logger:   logger.With("component", "replication"),
	})
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry(applierMetrics, replicationMetrics, metrics.NewEngineMetrics(eng.Status))
	deps := apihttp.Deps{
		Replicator: rep,
		Applier:    app,
		Engine:     eng,
		Metrics:    metrics.Handler(registry),
	}
	if eng.native != nil {
		deps.NativeRaft = eng.native
	}
	if eng.etcd != nil {
		deps.EtcdRaft = eng.etcd
	}
	server := apihttp.NewServer(apihttp.Config{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		SelfAddr:          cfg.SelfAddr(),
		PeerAddr:          eng.peers.PeerAddr,
		Logger:            logger.With("component", "http"),
	}, deps)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		return app.Run(gctx, eng.Committed())
	})

	serveErr := make(chan error, 1)
	if err := server.Start(serveErr); err != nil {
		_ = eng.Stop()
		return multierr.Append(err, g.Wait())
	}
	g.Go(func() error {
		select {
		case err := <-serveErr:
			return err
		case <-gctx.Done():
			return multierr.Combine(server.Stop(), eng.Stop())
		}
	})

	if len(cfg.Discovery.Servers) > 0 {
		discovery, derr := cluster.NewZKDiscovery(cfg.Discovery.Servers, cfg.Discovery.RootPath,
			cfg.MemberID(), cfg.SelfAddr(), cfg.Voters(), logger.With("component", "zookeeper"))
		if derr != nil {
			logger.Error("zookeeper discovery disabled", "error", derr)
		} else {
			defer func() {
				err = multierr.Append(err, discovery.Close())
			}()
			g.Go(func() error {
				if err := discovery.Register(gctx); err != nil {
					// Static peer addresses still work without discovery.
					logger.Error("zookeeper registration failed", "error", err)
					return nil
				}
				return discovery.RunWatch(gctx, eng.peers)
			})
		}
	}

	logger.Info("member started",
		"engine", cfg.Raft.Engine,
		"voters", cfg.Voters(),
		"applied", app.LastApplied(),
		"addr", cfg.SelfAddr(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("member stopped", "error", err)
		return err
	}
	logger.Info("member stopped", "applied", app.LastApplied())
	return nil
}
