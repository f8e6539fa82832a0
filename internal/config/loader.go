package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"gopkg.in/yaml.v3"
	"verityrpc/internal/log"
)

// AppConfig is the top-level, fully parsed
// configuration of the proxy.
type AppConfig struct {
	// UpstreamURL is the JSON-RPC endpoint of
	// the untrusted upstream node.
	UpstreamURL string

	// Network selects the chain id/hardfork
	// schedule to verify headers and execute
	// calls against.
	Network string
	Chain   *params.ChainConfig

	// Checkpoint is the initial trusted block
	// the head store starts from.
	Checkpoint CheckpointConfig

	// KZGTrustedSetupPath optionally points at
	// a KZG trusted-setup file for blob-carrying
	// transaction support. Empty disables it.
	KZGTrustedSetupPath string
}

// CheckpointConfig is the initial trusted
// (number, hash) pair supplied out-of-band.
type CheckpointConfig struct {
	Number uint64
	Hash   common.Hash
}

// rawConfig is the YAML structure of the config file.
type rawConfig struct {
	UpstreamURL string `yaml:"upstream_url"`
	Network     string `yaml:"network"`
	Checkpoint  struct {
		Number uint64 `yaml:"number"`
		Hash   string `yaml:"hash"`
	} `yaml:"checkpoint"`
	KZGTrustedSetupPath string `yaml:"kzg_trusted_setup_path"`
}

// Loader reads the main config file.
type Loader struct {
	log log.Logger
}

// NewLoader creates a new config Loader with
// the specified logging context attached.
func NewLoader(log log.Logger) *Loader {
	return &Loader{
		log: log.With("component", "config-loader"),
	}
}

// Load reads the config file at the specified path.
func (l *Loader) Load(path string) (*AppConfig, error) {
	l.log.Info("load config", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw rawConfig
	if err = yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return l.parse(&raw)
}

// parse validates and transforms the raw YAML
// config into an AppConfig.
func (l *Loader) parse(raw *rawConfig) (*AppConfig, error) {
	if raw.UpstreamURL == "" {
		return nil, fmt.Errorf("upstream_url is required")
	}
	if raw.Checkpoint.Hash == "" {
		return nil, fmt.Errorf("checkpoint.hash is required")
	}

	chain, ok := ChainConfigFor(raw.Network)
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", raw.Network)
	}

	return &AppConfig{
		UpstreamURL: raw.UpstreamURL,
		Network:     raw.Network,
		Chain:       chain,
		Checkpoint: CheckpointConfig{
			Number: raw.Checkpoint.Number,
			Hash:   common.HexToHash(raw.Checkpoint.Hash),
		},
		KZGTrustedSetupPath: raw.KZGTrustedSetupPath,
	}, nil
}
