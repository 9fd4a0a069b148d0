package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ChannelDir == "" {
		t.Error("default ChannelDir is empty")
	}
	if cfg.PollInterval.Std() != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval.Std())
	}
	if cfg.HistoryLimit != 1000 {
		t.Errorf("HistoryLimit = %d, want 1000", cfg.HistoryLimit)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kdsync.yaml")
	content := `
channelDir: /tmp/exchange
pollInterval: 300ms
targetModule: mydriver
imageBase: "0x140000000"
historyLimit: 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChannelDir != "/tmp/exchange" {
		t.Errorf("ChannelDir = %q", cfg.ChannelDir)
	}
	if cfg.PollInterval.Std() != 300*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval.Std())
	}
	if cfg.TargetModule != "mydriver" {
		t.Errorf("TargetModule = %q", cfg.TargetModule)
	}
	if uint64(cfg.ImageBase) != 0x140000000 {
		t.Errorf("ImageBase = %#x", uint64(cfg.ImageBase))
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d", cfg.HistoryLimit)
	}
	// Unset fields keep their defaults.
	if cfg.DecodeCacheSize != 256 {
		t.Errorf("DecodeCacheSize = %d, want default 256", cfg.DecodeCacheSize)
	}
}

func TestLoadMissingFileIsError(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestHexAddrDecimal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kdsync.yaml")
	if err := os.WriteFile(path, []byte("imageBase: 4096\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(cfg.ImageBase) != 4096 {
		t.Errorf("ImageBase = %d, want 4096", uint64(cfg.ImageBase))
	}
}
