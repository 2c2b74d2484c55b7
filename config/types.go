package config

import (
	"fmt"
	"time"
)

// Duration decodes "4s" style strings from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Node holds the identity and directories of the local node.
type Node struct {
	// Address is the onion address peers reach this node at.
	Address               string   `toml:"Address"`
	Environment           string   `toml:"Environment"`
	DataDir               string   `toml:"DataDir"`
	ResourceDir           string   `toml:"ResourceDir"`
	AppVersion            string   `toml:"AppVersion"`
	HistoricalVersions    []string `toml:"HistoricalVersions"`
	Capabilities          []string `toml:"Capabilities"`
	AdminAddress          string   `toml:"AdminAddress"`
	KeystorePath          string   `toml:"KeystorePath"`
	KeystorePassphraseEnv string   `toml:"KeystorePassphraseEnv"`
}

// Store configures the replicated payload stores.
type Store struct {
	MaxEntriesPerType            int      `toml:"MaxEntriesPerType"`
	SequenceNumberMaxAge         Duration `toml:"SequenceNumberMaxAge"`
	SequenceNumberPurgeThreshold int      `toml:"SequenceNumberPurgeThreshold"`
	RemovedPayloadTTL            Duration `toml:"RemovedPayloadTTL"`
	PersistenceDelay             Duration `toml:"PersistenceDelay"`
	ExpiryCheckInterval          Duration `toml:"ExpiryCheckInterval"`
	RateLimitPerSecond           float64  `toml:"RateLimitPerSecond"`
	RateLimitBurst               int      `toml:"RateLimitBurst"`
	RateLimitMaxPeers            int      `toml:"RateLimitMaxPeers"`
}

// Trade configures the trade protocol engine.
type Trade struct {
	ResendInitialDelay  Duration `toml:"ResendInitialDelay"`
	ResendAttempts      int      `toml:"ResendAttempts"`
	StrictMultiSigCheck bool     `toml:"StrictMultiSigCheck"`
	ArchiveDSN          string   `toml:"ArchiveDSN"`
	ReceiversFile       string   `toml:"ReceiversFile"`
}

// Governance configures the DAO cycle layout. Phase lengths are in blocks.
type Governance struct {
	GenesisHeight int `toml:"GenesisHeight"`
	Proposal      int `toml:"Proposal"`
	Break1        int `toml:"Break1"`
	BlindVote     int `toml:"BlindVote"`
	Break2        int `toml:"Break2"`
	VoteReveal    int `toml:"VoteReveal"`
	Break3        int `toml:"Break3"`
	Result        int `toml:"Result"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	// Headers uses the OTEL_EXPORTER_OTLP_HEADERS format (key=value,foo=bar).
	Headers string `toml:"Headers"`
	Traces  bool   `toml:"Traces"`
	Metrics bool   `toml:"Metrics"`
	// SampleRatio samples root spans; zero keeps every trace.
	SampleRatio float64 `toml:"SampleRatio"`
}

// Logging configures optional rotated file output.
type Logging struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}
