// Package logverify validates upstream event logs against the
// verified chain: block and transaction membership, logs-bloom
// positivity, and receipt-trie reconstruction.
package logverify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"verityrpc/chainverify"
	"verityrpc/internal/log"
	"verityrpc/rpcclient"
)

// ErrNotConcrete is returned when a log lacks one of the fields
// that pin it to a specific, mined block and transaction.
var ErrNotConcrete = errors.New("logverify: log is not concrete (pending logs are rejected)")

// Verifier validates raw upstream logs against verified block
// and receipt data.
type Verifier struct {
	rpc   *rpcclient.Client
	chain *chainverify.Verifier
	log   log.Logger

	mu       sync.Mutex
	receipts map[common.Hash][]*types.Receipt
}

// New returns a Verifier using chain to obtain verified blocks
// and rpc to fetch raw logs and receipts.
func New(rpc *rpcclient.Client, chain *chainverify.Verifier, logger log.Logger) *Verifier {
	return &Verifier{
		rpc:      rpc,
		chain:    chain,
		log:      logger.With("component", "log-verifier"),
		receipts: make(map[common.Hash][]*types.Receipt),
	}
}

// wireLog mirrors eth_getLogs' JSON shape with pointer fields
// for the identifiers that must be present for a log to be
// considered concrete (mined, not pending).
type wireLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	BlockHash   *common.Hash   `json:"blockHash"`
	TxHash      *common.Hash   `json:"transactionHash"`
	TxIndex     *hexutil.Uint  `json:"transactionIndex"`
	LogIndex    *hexutil.Uint  `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

// FetchAndVerify fetches logs matching filter from upstream and
// verifies every one of them, returning the decoded, verified
// logs in upstream order. The first failing log aborts the
// whole batch; there is no partial success.
func (v *Verifier) FetchAndVerify(ctx context.Context, filter map[string]any) ([]*types.Log, error) {
	var raw []*wireLog
	if err := v.rpc.Request(ctx, &raw, "eth_getLogs", filter); err != nil {
		return nil, fmt.Errorf("logverify: failed to fetch logs: %w", err)
	}

	out := make([]*types.Log, 0, len(raw))
	for _, w := range raw {
		l, err := v.verifyOne(ctx, w)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// verifyOne verifies a single raw log and returns its decoded
// form.
func (v *Verifier) verifyOne(ctx context.Context, w *wireLog) (*types.Log, error) {
	if w.BlockNumber == nil || w.BlockHash == nil || w.TxHash == nil || w.TxIndex == nil || w.LogIndex == nil {
		return nil, ErrNotConcrete
	}

	// Anchor the claimed block to the trusted chain: the hash at
	// the claimed number must match, not merely self-verify.
	number := w.BlockNumber.ToInt().Uint64()
	trusted, err := v.chain.BlockHashAt(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("logverify: failed to resolve trusted hash for block %d: %w", number, err)
	}
	if trusted != *w.BlockHash {
		return nil, fmt.Errorf("logverify: block hash mismatch at %d: trusted %s, claimed %s", number, trusted, w.BlockHash)
	}

	header, err := v.chain.HeaderByHash(ctx, trusted)
	if err != nil {
		return nil, fmt.Errorf("logverify: failed to verify block %s: %w", trusted, err)
	}

	txs, err := v.chain.Block(ctx, header)
	if err != nil {
		return nil, fmt.Errorf("logverify: failed to verify block body %s: %w", w.BlockHash, err)
	}

	txIndex := -1
	for i, tx := range txs {
		if tx.Hash() == *w.TxHash {
			txIndex = i
			break
		}
	}
	if txIndex == -1 {
		return nil, fmt.Errorf("logverify: transaction %s not found in block %s", w.TxHash, w.BlockHash)
	}
	if uint(txIndex) != uint(*w.TxIndex) {
		return nil, fmt.Errorf("logverify: transaction index mismatch: want %d, got %d", *w.TxIndex, txIndex)
	}

	if !header.Bloom.Test(w.Address.Bytes()) {
		return nil, fmt.Errorf("logverify: address %s is not bloom-positive", w.Address)
	}
	for _, topic := range w.Topics {
		if !header.Bloom.Test(topic.Bytes()) {
			return nil, fmt.Errorf("logverify: topic %s is not bloom-positive", topic)
		}
	}

	receipts, err := v.receiptsForBlock(ctx, header)
	if err != nil {
		return nil, err
	}

	receipt, err := findReceipt(receipts, *w.TxHash)
	if err != nil {
		return nil, err
	}

	if !receiptHasLog(receipt, w) {
		return nil, fmt.Errorf("logverify: no matching log found in receipt for %s", w.TxHash)
	}

	return &types.Log{
		Address:     w.Address,
		Topics:      w.Topics,
		Data:        w.Data,
		BlockNumber: number,
		TxHash:      *w.TxHash,
		TxIndex:     uint(*w.TxIndex),
		BlockHash:   *w.BlockHash,
		Index:       uint(*w.LogIndex),
		Removed:     w.Removed,
	}, nil
}

// receiptsForBlock returns the receipts of header's block,
// fetching and reconstructing the receipt trie on first use and
// caching the result by block hash.
func (v *Verifier) receiptsForBlock(ctx context.Context, header *types.Header) ([]*types.Receipt, error) {
	hash := header.Hash()

	v.mu.Lock()
	if cached, ok := v.receipts[hash]; ok {
		v.mu.Unlock()
		return cached, nil
	}
	v.mu.Unlock()

	receipts, err := v.fetchReceipts(ctx, header)
	if err != nil {
		return nil, err
	}

	root := types.DeriveSha(types.Receipts(receipts), trie.NewStackTrie(nil))
	if root != header.ReceiptHash {
		return nil, fmt.Errorf("logverify: receipts root mismatch for block %s: want %s, got %s", hash, header.ReceiptHash, root)
	}

	v.mu.Lock()
	v.receipts[hash] = receipts
	v.mu.Unlock()

	return receipts, nil
}

// fetchReceipts retrieves every receipt of header's block,
// preferring eth_getBlockReceipts and falling back to a batch of
// eth_getTransactionReceipt calls when the upstream does not
// support it.
func (v *Verifier) fetchReceipts(ctx context.Context, header *types.Header) ([]*types.Receipt, error) {
	receipts, err := v.rpc.GetBlockReceipts(ctx, header.Number.Uint64())
	if err == nil {
		return receipts, nil
	}
	if !errors.Is(err, rpcclient.ErrUnsupportedMethod) {
		return nil, fmt.Errorf("logverify: failed to fetch block receipts: %w", err)
	}

	txs, err := v.chain.Block(ctx, header)
	if err != nil {
		return nil, fmt.Errorf("logverify: failed to fetch block body for receipt fallback: %w", err)
	}
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}

	receipts, err = v.rpc.GetTransactionReceipts(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("logverify: failed to fetch per-transaction receipts: %w", err)
	}
	return receipts, nil
}

// findReceipt locates the receipt belonging to txHash.
func findReceipt(receipts []*types.Receipt, txHash common.Hash) (*types.Receipt, error) {
	for _, r := range receipts {
		if r.TxHash == txHash {
			return r, nil
		}
	}
	return nil, fmt.Errorf("logverify: no receipt found for transaction %s", txHash)
}

// receiptHasLog reports whether receipt contains a log matching
// w on address, data, and topics in order.
func receiptHasLog(receipt *types.Receipt, w *wireLog) bool {
	for _, l := range receipt.Logs {
		if l.Address != w.Address {
			continue
		}
		if string(l.Data) != string(w.Data) {
			continue
		}
		if len(l.Topics) != len(w.Topics) {
			continue
		}
		match := true
		for i := range l.Topics {
			if l.Topics[i] != w.Topics[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
