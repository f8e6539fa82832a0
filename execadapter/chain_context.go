package execadapter

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"verityrpc/chainverify"
	"verityrpc/internal/log"
)

// trustedChainContext implements core.ChainContext for a single
// call/estimate, so that BLOCKHASH(n) inside the EVM resolves
// through the Header & Block Verifier instead of a stub that
// always returns nil.
//
// It is scoped to one context.Context and is not safe for reuse
// across requests.
type trustedChainContext struct {
	ctx    context.Context
	chain  *chainverify.Verifier
	params *params.ChainConfig
	log    log.Logger
}

func newTrustedChainContext(ctx context.Context, chain *chainverify.Verifier, cc *params.ChainConfig, logger log.Logger) *trustedChainContext {
	return &trustedChainContext{ctx: ctx, chain: chain, params: cc, log: logger}
}

// Engine returns nil: execution of an isolated call needs no
// consensus engine.
func (c *trustedChainContext) Engine() consensus.Engine {
	return nil
}

// GetHeader ignores the caller-supplied hash (upstream-controlled
// and untrusted) and instead asks the Header & Block Verifier for
// the trusted header at number, walking parents if needed. Lookup
// failures yield a nil header, which the EVM's BLOCKHASH treats as
// the zero hash rather than a crash.
func (c *trustedChainContext) GetHeader(_ common.Hash, number uint64) *types.Header {
	hash, err := c.chain.BlockHashAt(c.ctx, number)
	if err != nil {
		c.log.Debug("blockhash lookup failed", "number", number, "err", err)
		return nil
	}
	header, err := c.chain.HeaderByHash(c.ctx, hash)
	if err != nil {
		c.log.Debug("header lookup failed", "number", number, "hash", hash, "err", err)
		return nil
	}
	return header
}

// Config returns the chain configuration used to parameterize the
// EVM's fork rules.
func (c *trustedChainContext) Config() *params.ChainConfig {
	return c.params
}
