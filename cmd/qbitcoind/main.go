package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"qbitcoin/core"
	"qbitcoin/internal/falcon"
	"qbitcoin/internal/metrics"
	"qbitcoin/p2p"
	"qbitcoin/pkg/config"
)

// Version is the build version reported by `qbitcoind version`.
const Version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{Use: "qbitcoind"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(genesisCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the qbitcoind version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("qbitcoind " + Version)
		},
	}
}

func genesisCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "mine and store the genesis block from the configured allocation manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(configPath)
			if err != nil {
				return err
			}
			node, err := buildNode(cfg, log, nil)
			if err != nil {
				return err
			}
			defer node.close()

			log.Info("genesis: mining block 0")
			if err := node.chain.BootstrapGenesis(cfg.Chain.GenesisManifest, cfg.Chain.InitialDifficulty); err != nil {
				return err
			}
			log.WithField("hash", node.chain.BestHash().String()).Info("genesis: stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to qbitcoind config file")
	return cmd
}

func startCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run a qbitcoind full node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to qbitcoind config file")
	return cmd
}

// node bundles the wired-up subsystems so start/genesis can share
// construction and teardown.
type node struct {
	cfg      *config.Config
	log      *logrus.Logger
	reg      *metrics.Registry
	store    *core.BlockStore
	accounts *core.AccountDB
	chain    *core.ChainManager
	mempool  *core.Mempool
	miner    *core.Miner
	network  *p2p.Network
	sync     *p2p.Synchronizer
}

func (n *node) close() {
	if n.accounts != nil {
		n.accounts.Close()
	}
	if n.store != nil {
		n.store.Close()
	}
}

func loadConfigAndLogger(configPath string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return cfg, log, nil
}

// buildNode wires storage and the consensus/state engine, per SPEC_FULL.md
// §5; the P2P layer is wired separately by runStart.
func buildNode(cfg *config.Config, log *logrus.Logger, reg *metrics.Registry) (*node, error) {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	if err := os.MkdirAll(cfg.Chain.DataDir, 0o755); err != nil {
		return nil, err
	}

	blocksDir := filepath.Join(cfg.Chain.DataDir, "blocks")
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, err
	}
	store, err := core.NewBlockStore(blocksDir, cfg.Chain.MaxBlockFileSize, log)
	if err != nil {
		return nil, err
	}

	accounts, err := core.NewAccountDB(filepath.Join(cfg.Chain.DataDir, "accounts.db"), log)
	if err != nil {
		store.Close()
		return nil, err
	}

	chain, err := core.NewChainManager(store, accounts, cfg.Chain.DataDir, cfg.Network.ChainID, cfg.Chain.DifficultyAdjustBlock, log, reg)
	if err != nil {
		accounts.Close()
		store.Close()
		return nil, err
	}

	verifier := falcon.StubVerifier{}
	mempool := core.NewMempool(cfg.Mempool.MaxSizeBytes, cfg.Mempool.ExpiryHours, cfg.Mempool.MinimumFee, verifier, log, reg)
	chain.SetMempool(mempool)

	if snap := cfg.Mempool.SnapshotPath; snap != "" {
		if err := mempool.LoadSnapshot(snap); err != nil {
			log.WithError(err).Warn("mempool: failed to load snapshot")
		}
	}

	return &node{cfg: cfg, log: log, reg: reg, store: store, accounts: accounts, chain: chain, mempool: mempool}, nil
}

func runStart(configPath string) error {
	cfg, log, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry()

	n, err := buildNode(cfg, log, reg)
	if err != nil {
		return err
	}
	defer n.close()

	listenAddr := fmt.Sprintf("%s:%d", cfg.Network.ListenAddr, cfg.Network.P2PPort)
	netCfg := p2p.Config{
		ListenAddr:          listenAddr,
		ChainID:             cfg.Network.ChainID,
		NodeID:              cfg.Network.NodeID,
		UserAgent:           cfg.Network.UserAgent,
		MaxPeers:            cfg.Network.MaxPeers,
		OutboundTarget:      cfg.Network.OutboundTarget,
		MaxRedundantPeerIPs: cfg.Network.MaxRedundantPeerIPs,
		BanDuration:         cfg.Network.BanDuration,
		PeerRateLimit:       cfg.Network.PeerRateLimit,
	}
	network := p2p.NewNetwork(netCfg, n.chain, n.mempool, log, reg)
	sync := p2p.NewSynchronizer(network, n.chain, log, reg)
	network.AttachSynchronizer(sync)
	n.network = network
	n.sync = sync

	peersPath := filepath.Join(cfg.Chain.DataDir, "peers.json")
	bannedPath := filepath.Join(cfg.Chain.DataDir, "banned.json")
	if err := network.LoadPeerState(peersPath, bannedPath); err != nil {
		log.WithError(err).Warn("p2p: failed to load peer state")
	}
	if err := network.Start(); err != nil {
		return err
	}

	for _, addr := range cfg.Network.BootstrapPeers {
		network.SeedPeer(addr)
	}

	if cfg.Mining.Enabled {
		miner := core.NewMiner(n.chain, n.mempool, cfg.Mining.Address, cfg.Chain.InitialReward, cfg.Chain.HalvingInterval, cfg.Chain.MaxBlockSize, log, reg)
		miner.SetBroadcaster(network)
		n.miner = miner
		go miner.Run()
	}

	go mempoolMaintenance(n)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("qbitcoind: shutting down")
	if n.miner != nil {
		n.miner.Stop()
	}
	network.Stop()
	if err := network.SavePeerState(peersPath, bannedPath); err != nil {
		log.WithError(err).Warn("p2p: failed to save peer state")
	}
	return nil
}

func mempoolMaintenance(n *node) {
	ticker := time.NewTicker(time.Duration(n.cfg.Mempool.SnapshotPeriod) * time.Second)
	defer ticker.Stop()
	peersPath := filepath.Join(n.cfg.Chain.DataDir, "peers.json")
	bannedPath := filepath.Join(n.cfg.Chain.DataDir, "banned.json")
	for range ticker.C {
		n.mempool.ExpireOldTransactions()
		if n.cfg.Mempool.SnapshotPath != "" {
			if err := n.mempool.SaveSnapshot(n.cfg.Mempool.SnapshotPath); err != nil {
				n.log.WithError(err).Warn("mempool: snapshot failed")
			}
		}
		if n.network != nil {
			if err := n.network.SavePeerState(peersPath, bannedPath); err != nil {
				n.log.WithError(err).Warn("p2p: periodic peer-state save failed")
			}
		}
	}
}
