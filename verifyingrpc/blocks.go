package verifyingrpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// marshalBlock fetches and verifies the full block belonging to
// header and renders the subset of Ethereum's eth_getBlockBy*
// response fields this proxy can vouch for: the verified header
// fields, plus its transactions (verified to belong to the
// transactions trie committed in header.TxHash).
func (p *Provider) marshalBlock(ctx context.Context, header *types.Header, fullTx bool) (map[string]any, error) {
	txs, err := p.chain.Block(ctx, header)
	if err != nil {
		return nil, err
	}

	result := marshalHeader(header)
	result["transactions"] = marshalTransactions(txs, fullTx, header.Hash(), header.Number.Uint64())
	result["uncles"] = []common.Hash{}
	return result, nil
}

// marshalHeader renders the verified header fields a client needs
// to cross-check this response against its own trust anchor.
func marshalHeader(h *types.Header) map[string]any {
	m := map[string]any{
		"number":           (*hexutil.Big)(h.Number),
		"hash":             h.Hash(),
		"parentHash":       h.ParentHash,
		"nonce":            h.Nonce,
		"sha3Uncles":       h.UncleHash,
		"logsBloom":        h.Bloom,
		"transactionsRoot": h.TxHash,
		"stateRoot":        h.Root,
		"receiptsRoot":     h.ReceiptHash,
		"miner":            h.Coinbase,
		"difficulty":       (*hexutil.Big)(h.Difficulty),
		"extraData":        hexutil.Bytes(h.Extra),
		"gasLimit":         hexutil.Uint64(h.GasLimit),
		"gasUsed":          hexutil.Uint64(h.GasUsed),
		"timestamp":        hexutil.Uint64(h.Time),
	}
	if h.BaseFee != nil {
		m["baseFeePerGas"] = (*hexutil.Big)(h.BaseFee)
	}
	return m
}

// marshalTransactions renders txs as either transaction hashes or
// full transaction objects, per fullTx.
func marshalTransactions(txs []*types.Transaction, fullTx bool, blockHash common.Hash, blockNumber uint64) []any {
	out := make([]any, len(txs))
	for i, tx := range txs {
		if !fullTx {
			out[i] = tx.Hash()
			continue
		}
		out[i] = newRPCTransaction(tx, blockHash, blockNumber, uint64(i))
	}
	return out
}

// rpcTransaction is the subset of a transaction's fields derivable
// without a signer/chain-id lookup beyond what the transaction
// itself already carries.
type rpcTransaction struct {
	Hash             common.Hash     `json:"hash"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	BlockHash        common.Hash     `json:"blockHash"`
	BlockNumber      *hexutil.Big    `json:"blockNumber"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	Gas              hexutil.Uint64  `json:"gas"`
	Input            hexutil.Bytes   `json:"input"`
	Type             hexutil.Uint64  `json:"type"`
}

// newRPCTransaction renders tx as the JSON shape returned inside
// a full-transaction block response. The sender is recovered via
// the transaction's own signature (types.Sender), not trusted
// from upstream.
func newRPCTransaction(tx *types.Transaction, blockHash common.Hash, blockNumber, index uint64) *rpcTransaction {
	from, _ := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	return &rpcTransaction{
		Hash:             tx.Hash(),
		Nonce:            hexutil.Uint64(tx.Nonce()),
		BlockHash:        blockHash,
		BlockNumber:      (*hexutil.Big)(new(big.Int).SetUint64(blockNumber)),
		TransactionIndex: hexutil.Uint64(index),
		From:             from,
		To:               tx.To(),
		Value:            (*hexutil.Big)(tx.Value()),
		GasPrice:         (*hexutil.Big)(tx.GasPrice()),
		Gas:              hexutil.Uint64(tx.Gas()),
		Input:            tx.Data(),
		Type:             hexutil.Uint64(tx.Type()),
	}
}
