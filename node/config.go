package node

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

// Config represents the collection of configuration values
// required to initialize and run the node.
type Config struct {
	// Chain specifies the Ethereum chain parameters used to
	// verify headers and execute calls against.
	Chain *params.ChainConfig

	// CheckpointNumber and CheckpointHash are the initial
	// trusted (number, hash) pair the head store starts from,
	// supplied out-of-band.
	CheckpointNumber uint64
	CheckpointHash   common.Hash

	// UpstreamURL is the JSON-RPC endpoint of the untrusted
	// upstream node to connect to.
	UpstreamURL string

	// ListenAddr is the address the inbound JSON-RPC HTTP
	// server listens on.
	ListenAddr string

	// KZGTrustedSetupPath optionally points at a KZG
	// trusted-setup file for blob-carrying transaction support.
	// Empty disables it.
	KZGTrustedSetupPath string
}
