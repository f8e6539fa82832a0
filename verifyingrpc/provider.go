// Package verifyingrpc is the top-level façade exposing the
// Ethereum JSON-RPC methods to the outer server. It orchestrates
// the Trusted-Head Store, Header & Block Verifier, State-Proof
// Verifier, Log Verifier, and Execution Engine Adapter, enforces
// the block-tag policy, and translates internal errors into the
// JSON-RPC error surface.
package verifyingrpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"verityrpc/chainverify"
	"verityrpc/execadapter"
	"verityrpc/headstore"
	"verityrpc/internal/apierr"
	"verityrpc/internal/log"
	"verityrpc/logverify"
	"verityrpc/rpcclient"
)

// deferredTags are the block tags this provider does not support
// yet; each is rejected with InvalidParams rather than guessed at.
var deferredTags = map[string]bool{
	"pending":   true,
	"earliest":  true,
	"finalized": true,
	"safe":      true,
}

// maxBlockHistory and maxBlockFuture bound the hex-integer block
// tags the provider will resolve, relative to the latest trusted
// block.
const (
	maxBlockHistory = 256
	maxBlockFuture  = 3
)

// Provider is the Verifying Provider façade. It owns no mutable
// state of its own beyond a reference to headstore.Store, which
// it shares with chainverify.Verifier, logverify.Verifier, and
// execadapter.Adapter.
type Provider struct {
	rpc     *rpcclient.Client
	heads   *headstore.Store
	chain   *chainverify.Verifier
	logs    *logverify.Verifier
	exec    *execadapter.Adapter
	chainID *big.Int
	log     log.Logger
}

// New returns a Provider wired to the given components.
func New(rpcClient *rpcclient.Client, heads *headstore.Store, chain *chainverify.Verifier, logs *logverify.Verifier, exec *execadapter.Adapter, chainID *big.Int, logger log.Logger) *Provider {
	return &Provider{
		rpc:     rpcClient,
		heads:   heads,
		chain:   chain,
		logs:    logs,
		exec:    exec,
		chainID: chainID,
		log:     logger.With("component", "verifying-provider"),
	}
}

// RegisterOn registers the eth_* and net_* method namespaces on
// server.
func (p *Provider) RegisterOn(server *rpc.Server) error {
	if err := server.RegisterName("eth", &ethAPI{p}); err != nil {
		return err
	}
	if err := server.RegisterName("net", &netAPI{p}); err != nil {
		return err
	}
	return nil
}

// resolve maps a block tag to a trusted, verified header. A nil
// tag defaults to "latest". The deferred tags (pending, earliest,
// finalized, safe) are rejected explicitly. A hex-integer tag
// beyond the trusted window is rejected; one within
// [latest, latest+maxBlockFuture] suspends until the head store
// advances past it.
func (p *Provider) resolve(ctx context.Context, tag *BlockTag) (*types.Header, error) {
	bt := LatestTag
	if tag != nil {
		bt = *tag
	}

	if name, named := bt.isNamed(); named {
		if name == "latest" {
			latest, ok := p.heads.LatestNumber()
			if !ok {
				return nil, apierr.Internal("verifyingrpc: no trusted head yet")
			}
			return p.headerAt(ctx, latest)
		}
		if deferredTags[name] {
			return nil, apierr.InvalidParams("verifyingrpc: block tag %q is not supported", name)
		}
		return nil, apierr.InvalidParams("verifyingrpc: unrecognized block tag %q", name)
	}

	latest, ok := p.heads.LatestNumber()
	if !ok {
		return nil, apierr.Internal("verifyingrpc: no trusted head yet")
	}

	number := bt.number
	if latest > maxBlockHistory && number < latest-maxBlockHistory {
		return nil, apierr.InvalidParams("verifyingrpc: block %d is outside the %d-block trusted history window (latest %d)", number, maxBlockHistory, latest)
	}
	if number > latest+maxBlockFuture {
		return nil, apierr.InvalidParams("verifyingrpc: block %d is more than %d blocks ahead of latest trusted block %d", number, maxBlockFuture, latest)
	}
	if number > latest {
		if err := p.heads.WaitFor(ctx, number); err != nil {
			return nil, apierr.Internal("verifyingrpc: waiting for block %d: %s", number, err)
		}
	}

	return p.headerAt(ctx, number)
}

// headerAt returns the trusted, verified header at number,
// walking parent pointers via the Header & Block Verifier if the
// Trusted-Head Store has not yet backfilled it.
func (p *Provider) headerAt(ctx context.Context, number uint64) (*types.Header, error) {
	hash, err := p.chain.BlockHashAt(ctx, number)
	if err != nil {
		return nil, apierr.Internal("verifyingrpc: resolve block %d: %s", number, err)
	}
	header, err := p.chain.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, apierr.Internal("verifyingrpc: verify header %d: %s", number, err)
	}
	return header, nil
}
