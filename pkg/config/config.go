// Package config provides a reusable loader for qbitcoind configuration
// files and environment variables.
//
// Version: v0.1.0
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"qbitcoin/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a qbitcoind node.
type Config struct {
	Network struct {
		ChainID        string   `mapstructure:"chain_id" json:"chain_id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		P2PPort        int      `mapstructure:"p2p_port" json:"p2p_port"`
		APIPort        int      `mapstructure:"api_port" json:"api_port"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		OutboundTarget int      `mapstructure:"outbound_target" json:"outbound_target"`
		Testnet        bool     `mapstructure:"testnet" json:"testnet"`
		NodeID         string   `mapstructure:"node_id" json:"node_id"`
		UserAgent      string   `mapstructure:"user_agent" json:"user_agent"`

		// BanDuration is how long a banned IP stays banned (spec.md §4.9: one
		// hour after three consecutive failed outbound attempts).
		BanDuration time.Duration `mapstructure:"ban_duration" json:"ban_duration"`
		// PeerRateLimit caps messages/minute/peer; supplemental, see SPEC_FULL.md §3.
		PeerRateLimit int `mapstructure:"peer_rate_limit" json:"peer_rate_limit"`
		// MaxRedundantPeerIPs caps connections accepted from the same IP.
		MaxRedundantPeerIPs int `mapstructure:"max_redundant_peer_ips" json:"max_redundant_peer_ips"`
	} `mapstructure:"network" json:"network"`

	Chain struct {
		DataDir               string  `mapstructure:"data_dir" json:"data_dir"`
		MaxBlockFileSize      int64   `mapstructure:"max_block_file_size" json:"max_block_file_size"`
		MaxBlockSize          int     `mapstructure:"max_block_size" json:"max_block_size"`
		MaxTxSize             int     `mapstructure:"max_tx_size" json:"max_tx_size"`
		MaxSupply             uint64  `mapstructure:"max_supply" json:"max_supply"`
		InitialReward         uint64  `mapstructure:"initial_reward" json:"initial_reward"`
		HalvingInterval       uint32  `mapstructure:"halving_interval" json:"halving_interval"`
		InitialDifficulty     float64 `mapstructure:"initial_difficulty" json:"initial_difficulty"`
		MinDifficulty         float64 `mapstructure:"min_difficulty" json:"min_difficulty"`
		DifficultyAdjustBlock uint32  `mapstructure:"difficulty_adjustment_blocks" json:"difficulty_adjustment_blocks"`
		BlockTimeSeconds      int64   `mapstructure:"block_time_seconds" json:"block_time_seconds"`
		CoinbaseMaturity      uint32  `mapstructure:"coinbase_maturity" json:"coinbase_maturity"`
		GenesisManifest       string  `mapstructure:"genesis_manifest" json:"genesis_manifest"`
	} `mapstructure:"chain" json:"chain"`

	Mempool struct {
		MaxSizeBytes   int64   `mapstructure:"max_size_bytes" json:"max_size_bytes"`
		ExpiryHours    int     `mapstructure:"expiry_hours" json:"expiry_hours"`
		MinimumFee     float64 `mapstructure:"minimum_fee" json:"minimum_fee"`
		SnapshotPath   string  `mapstructure:"snapshot_path" json:"snapshot_path"`
		SnapshotPeriod int     `mapstructure:"snapshot_period_seconds" json:"snapshot_period_seconds"`
	} `mapstructure:"mempool" json:"mempool"`

	Mining struct {
		Enabled      bool   `mapstructure:"enabled" json:"enabled"`
		Address      string `mapstructure:"address" json:"address"`
		ThreadCount  int    `mapstructure:"thread_count" json:"thread_count"`
		PauseMillis  int    `mapstructure:"pause_millis" json:"pause_millis"`
		PollInterval int    `mapstructure:"poll_interval_nonces" json:"poll_interval_nonces"`
	} `mapstructure:"mining" json:"mining"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Debug bool `mapstructure:"debug" json:"debug"`
}

// Defaults returns the built-in defaults mirroring spec.md §6.
func Defaults() Config {
	var c Config
	c.Network.ListenAddr = "0.0.0.0"
	c.Network.P2PPort = 9567
	c.Network.APIPort = 9568
	c.Network.MaxPeers = 125
	c.Network.OutboundTarget = 8
	c.Network.BanDuration = time.Hour
	c.Network.PeerRateLimit = 500
	c.Network.MaxRedundantPeerIPs = 5
	c.Network.UserAgent = "qbitcoind/0.1"

	c.Chain.DataDir = "./data"
	c.Chain.MaxBlockFileSize = 128 * 1024 * 1024
	c.Chain.MaxBlockSize = 2 * 1024 * 1024
	c.Chain.MaxTxSize = 100 * 1024
	c.Chain.MaxSupply = 30_000_000
	c.Chain.InitialReward = 2_500_000_000 // 2.5 QBC in quarks (1e9 quarks/QBC)
	c.Chain.HalvingInterval = 1_051_200
	c.Chain.InitialDifficulty = 0.001
	c.Chain.MinDifficulty = 0.001
	c.Chain.DifficultyAdjustBlock = 3
	c.Chain.BlockTimeSeconds = 60
	c.Chain.CoinbaseMaturity = 10

	c.Mempool.MaxSizeBytes = 300 * 1024 * 1024
	c.Mempool.ExpiryHours = 48
	c.Mempool.MinimumFee = 0.0001
	c.Mempool.SnapshotPeriod = 60

	c.Logging.Level = "info"
	return c
}

// Load reads a YAML config file (if configPath is non-empty) and overlays
// QBIT_* environment variables on top, the same layered precedence the
// original UserConfig/DevConfig split used: defaults, then file, then env.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	// A missing .env is not an error: most deployments configure purely
	// through the process environment or the YAML file below.
	_ = godotenv.Load()

	if configPath != "" {
		viper.SetConfigType("yaml")
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, "read config file")
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return nil, utils.Wrap(err, "unmarshal config")
		}
	}

	cfg.Network.P2PPort = utils.EnvOrDefaultInt("QBIT_P2P_PORT", cfg.Network.P2PPort)
	cfg.Network.APIPort = utils.EnvOrDefaultInt("QBIT_API_PORT", cfg.Network.APIPort)
	cfg.Chain.DataDir = utils.EnvOrDefault("QBIT_DATA_DIR", cfg.Chain.DataDir)
	cfg.Debug = utils.EnvOrDefault("QBIT_DEBUG", boolStr(cfg.Debug)) == "true"
	cfg.Network.Testnet = utils.EnvOrDefault("QBIT_TESTNET", boolStr(cfg.Network.Testnet)) == "true"

	return &cfg, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
