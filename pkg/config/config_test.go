package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsMatchesDocumentedValues(t *testing.T) {
	c := Defaults()
	if c.Network.P2PPort != 9567 {
		t.Fatalf("P2PPort = %d, want 9567", c.Network.P2PPort)
	}
	if c.Network.APIPort != 9568 {
		t.Fatalf("APIPort = %d, want 9568", c.Network.APIPort)
	}
	if c.Chain.InitialReward != 2_500_000_000 {
		t.Fatalf("InitialReward = %d, want 2_500_000_000", c.Chain.InitialReward)
	}
	if c.Chain.InitialDifficulty != 0.001 || c.Chain.MinDifficulty != 0.001 {
		t.Fatalf("InitialDifficulty/MinDifficulty = %v/%v, want 0.001/0.001", c.Chain.InitialDifficulty, c.Chain.MinDifficulty)
	}
	if c.Logging.Level != "info" {
		t.Fatalf("Logging.Level = %q, want %q", c.Logging.Level, "info")
	}
}

func TestLoadWithoutConfigPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.P2PPort != 9567 {
		t.Fatalf("P2PPort = %d, want default 9567", cfg.Network.P2PPort)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qbitcoind.yaml")
	content := "network:\n  chain_id: testnet\n  p2p_port: 19567\nchain:\n  data_dir: /var/qbitcoin\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.ChainID != "testnet" {
		t.Fatalf("ChainID = %q, want %q", cfg.Network.ChainID, "testnet")
	}
	if cfg.Network.P2PPort != 19567 {
		t.Fatalf("P2PPort = %d, want 19567 (overridden by file)", cfg.Network.P2PPort)
	}
	if cfg.Chain.DataDir != "/var/qbitcoin" {
		t.Fatalf("DataDir = %q, want %q", cfg.Chain.DataDir, "/var/qbitcoin")
	}
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	os.Setenv("QBIT_P2P_PORT", "21000")
	os.Setenv("QBIT_DATA_DIR", "/tmp/qbit-env")
	os.Setenv("QBIT_DEBUG", "true")
	t.Cleanup(func() {
		os.Unsetenv("QBIT_P2P_PORT")
		os.Unsetenv("QBIT_DATA_DIR")
		os.Unsetenv("QBIT_DEBUG")
	})

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.P2PPort != 21000 {
		t.Fatalf("P2PPort = %d, want 21000 from QBIT_P2P_PORT", cfg.Network.P2PPort)
	}
	if cfg.Chain.DataDir != "/tmp/qbit-env" {
		t.Fatalf("DataDir = %q, want /tmp/qbit-env from QBIT_DATA_DIR", cfg.Chain.DataDir)
	}
	if !cfg.Debug {
		t.Fatal("Debug should be true when QBIT_DEBUG=true")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load should error when configPath is set but the file is missing")
	}
}
