// Package chainverify fetches block headers and bodies from
// the untrusted upstream and verifies them against the
// Trusted-Head Store, walking parent pointers when a historical
// block has not yet been backfilled.
package chainverify

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"verityrpc/headstore"
	"verityrpc/internal/log"
	"verityrpc/rpcclient"
)

// ErrUnclesUnsupported is returned when a fetched block carries
// a non-empty uncle list; uncle handling is not implemented.
var ErrUnclesUnsupported = errors.New("chainverify: non-empty uncle list is not supported")

// Verifier fetches and verifies headers and blocks from the
// upstream, anchored by a headstore.Store.
type Verifier struct {
	rpc   *rpcclient.Client
	heads *headstore.Store
	log   log.Logger
}

// New returns a Verifier backed by rpc for upstream fetches and
// heads as the trusted anchor.
func New(rpc *rpcclient.Client, heads *headstore.Store, logger log.Logger) *Verifier {
	return &Verifier{
		rpc:   rpc,
		heads: heads,
		log:   logger.With("component", "chain-verifier"),
	}
}

// HeaderByHash returns the verified header for hash, from the
// headstore cache if present, otherwise fetched from upstream
// and checked against its own hash.
func (v *Verifier) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	if header, ok := v.heads.CachedHeader(hash); ok {
		return header, nil
	}

	header, err := v.rpc.GetHeaderByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chainverify: failed to fetch header %s: %w", hash, err)
	}
	if header.Hash() != hash {
		return nil, fmt.Errorf("chainverify: header hash mismatch: want %s, got %s", hash, header.Hash())
	}

	v.heads.CacheHeader(header)
	return header, nil
}

// Block fetches the full block belonging to header and verifies
// it: the block's own hash must match header's, and the
// transactions trie rooted at header.TxHash must reconstruct
// from the fetched transaction list.
func (v *Verifier) Block(ctx context.Context, header *types.Header) ([]*types.Transaction, error) {
	fetched, txs, uncles, err := v.rpc.GetBlockByNumber(ctx, header.Number.Uint64())
	if err != nil {
		return nil, fmt.Errorf("chainverify: failed to fetch block %d: %w", header.Number.Uint64(), err)
	}
	if fetched.Hash() != header.Hash() {
		return nil, fmt.Errorf("chainverify: block hash mismatch at %d: want %s, got %s", header.Number.Uint64(), header.Hash(), fetched.Hash())
	}
	if len(uncles) != 0 {
		return nil, ErrUnclesUnsupported
	}

	root := types.DeriveSha(types.Transactions(txs), trie.NewStackTrie(nil))
	if root != header.TxHash {
		return nil, fmt.Errorf("chainverify: transactions root mismatch: want %s, got %s", header.TxHash, root)
	}

	return txs, nil
}

// BlockHashAt returns the trusted hash for number, walking
// parent pointers backward from the latest cached header (or
// from upstream, verifying each hop) until number is reached,
// and backfilling the headstore as it goes.
func (v *Verifier) BlockHashAt(ctx context.Context, number uint64) (common.Hash, error) {
	hash, err := v.heads.BlockHash(number)
	if err == nil {
		return hash, nil
	}
	if errors.Is(err, headstore.ErrFuture) {
		return common.Hash{}, err
	}

	latestNumber, ok := v.heads.LatestNumber()
	if !ok {
		return common.Hash{}, headstore.ErrFuture
	}
	latestHash, err := v.heads.BlockHash(latestNumber)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainverify: failed to resolve latest trusted hash: %w", err)
	}

	current, err := v.HeaderByHash(ctx, latestHash)
	if err != nil {
		return common.Hash{}, err
	}

	for current.Number.Uint64() > number {
		parentHash := current.ParentHash
		parentNumber := current.Number.Uint64() - 1

		current, err = v.HeaderByHash(ctx, parentHash)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chainverify: failed to walk to parent of block %d: %w", parentNumber+1, err)
		}
		if current.Number.Uint64() != parentNumber {
			return common.Hash{}, fmt.Errorf("chainverify: parent number mismatch: want %d, got %d", parentNumber, current.Number.Uint64())
		}
		v.heads.RecordHash(parentNumber, parentHash)
	}

	return current.Hash(), nil
}
