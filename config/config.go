package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Node       Node       `toml:"node"`
	Store      Store      `toml:"store"`
	Trade      Trade      `toml:"trade"`
	Governance Governance `toml:"governance"`
	Telemetry  Telemetry  `toml:"telemetry"`
	Logging    Logging    `toml:"logging"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		Node: Node{
			Address:               "localhost:9999",
			DataDir:               "./tradenet-data",
			ResourceDir:           "./resources",
			AppVersion:            "1.9.9",
			HistoricalVersions:    []string{},
			Capabilities:          []string{},
			AdminAddress:          "127.0.0.1:8090",
			KeystorePassphraseEnv: "TRADENET_KEYSTORE_PASSPHRASE",
		},
		Store: Store{
			MaxEntriesPerType:            10000,
			SequenceNumberMaxAge:         Duration{10 * 24 * time.Hour},
			SequenceNumberPurgeThreshold: 1000,
			RemovedPayloadTTL:            Duration{15 * 24 * time.Hour},
			PersistenceDelay:             Duration{2 * time.Second},
			ExpiryCheckInterval:          Duration{time.Minute},
			RateLimitPerSecond:           20,
			RateLimitBurst:               100,
			RateLimitMaxPeers:            512,
		},
		Trade: Trade{
			ResendInitialDelay: Duration{4 * time.Second},
			ResendAttempts:     7,
		},
		Governance: Governance{
			Proposal:   3600,
			Break1:     150,
			BlindVote:  600,
			Break2:     10,
			VoteReveal: 300,
			Break3:     10,
			Result:     10,
		},
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
		},
		Logging: Logging{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with the defaults. Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDerivedDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerivedDefaults fills paths that depend on the config location or the
// data directory.
func (c *Config) applyDerivedDefaults(configPath string) {
	if c.Node.KeystorePath == "" {
		c.Node.KeystorePath = defaultKeystorePath(configPath)
	}
	if c.Trade.ArchiveDSN == "" {
		c.Trade.ArchiveDSN = filepath.Join(c.Node.DataDir, "archive.db")
	}
	if c.Node.HistoricalVersions == nil {
		c.Node.HistoricalVersions = []string{}
	}
	if c.Node.Capabilities == nil {
		c.Node.Capabilities = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.applyDerivedDefaults(path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}

// TradesDir is the LevelDB directory of the open trades.
func (c *Config) TradesDir() string { return filepath.Join(c.Node.DataDir, "trades") }

// StoreDir is the directory of the persisted payload store files.
func (c *Config) StoreDir() string { return filepath.Join(c.Node.DataDir, "store") }
