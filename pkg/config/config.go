// Package config loads the bridge configuration from YAML, with defaults
// that mirror the conventional WinDbg exchange directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "250ms"-style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// HexAddr is an address that may be written as 0x-prefixed hex or decimal
// in the config file.
type HexAddr uint64

func (h *HexAddr) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	base := 10
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return fmt.Errorf("config: bad address %q: %w", value.Value, err)
	}
	*h = HexAddr(v)
	return nil
}

type Config struct {
	// ChannelDir is the directory holding state.txt, cmd.txt and
	// modules.txt.
	ChannelDir string `yaml:"channelDir"`

	// PollInterval is the idle polling period (clamped to 200-500ms).
	PollInterval Duration `yaml:"pollInterval"`

	// TargetModule is the loaded program's name, matched against the live
	// module list case-insensitively and without extension.
	TargetModule string `yaml:"targetModule"`

	// ImageBase is the base address the analysis environment assigned to
	// the loaded image.
	ImageBase HexAddr `yaml:"imageBase"`

	// HistoryLimit caps retained history entries.
	HistoryLimit int `yaml:"historyLimit"`

	// DecodeCacheSize bounds the predictor's decoded-instruction cache.
	DecodeCacheSize int `yaml:"decodeCacheSize"`
}

func Default() Config {
	return Config{
		ChannelDir:      filepath.Join(os.TempDir(), "windbg"),
		PollInterval:    Duration(250 * time.Millisecond),
		HistoryLimit:    1000,
		DecodeCacheSize: 256,
	}
}

// Load reads path over the defaults. A missing path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ChannelDir == "" {
		return fmt.Errorf("config: channelDir must not be empty")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("config: pollInterval must be positive")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("config: historyLimit must be positive")
	}
	return nil
}
