package verifyingrpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"verityrpc/execadapter"
	"verityrpc/internal/apierr"
	"verityrpc/mpt"
)

// ethAPI is registered as the "eth" namespace on the rpc.Server.
// Method names follow go-ethereum's rpc convention: the exported
// Go method ExampleMethod is dispatched as eth_exampleMethod.
type ethAPI struct {
	p *Provider
}

// BlockNumber returns the latest trusted block number.
func (e *ethAPI) BlockNumber() (hexutil.Uint64, error) {
	n, ok := e.p.heads.LatestNumber()
	if !ok {
		return 0, apierr.Internal("verifyingrpc: no trusted head yet")
	}
	return hexutil.Uint64(n), nil
}

// ChainId returns the configured chain id.
func (e *ethAPI) ChainId() (*hexutil.Big, error) {
	return (*hexutil.Big)(e.p.chainID), nil
}

// GetBalance returns the verified balance of address at blockNr.
func (e *ethAPI) GetBalance(ctx context.Context, address common.Address, blockNr *BlockTag) (*hexutil.Big, error) {
	header, err := e.p.resolve(ctx, blockNr)
	if err != nil {
		return nil, err
	}

	account, err := e.p.verifiedAccount(ctx, address, header)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return (*hexutil.Big)(new(big.Int)), nil
	}
	return (*hexutil.Big)(account.Balance), nil
}

// GetTransactionCount returns the verified nonce of address at
// blockNr.
func (e *ethAPI) GetTransactionCount(ctx context.Context, address common.Address, blockNr *BlockTag) (hexutil.Uint64, error) {
	header, err := e.p.resolve(ctx, blockNr)
	if err != nil {
		return 0, err
	}

	account, err := e.p.verifiedAccount(ctx, address, header)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, nil
	}
	return hexutil.Uint64(account.Nonce), nil
}

// GetCode returns the verified contract code at address, or "0x"
// for an externally-owned account.
func (e *ethAPI) GetCode(ctx context.Context, address common.Address, blockNr *BlockTag) (hexutil.Bytes, error) {
	header, err := e.p.resolve(ctx, blockNr)
	if err != nil {
		return nil, err
	}

	account, err := e.p.verifiedAccount(ctx, address, header)
	if err != nil {
		return nil, err
	}
	if account == nil || account.CodeHash == types.EmptyCodeHash {
		return hexutil.Bytes{}, nil
	}

	code, err := e.p.rpc.GetCode(ctx, address, header.Number.Uint64())
	if err != nil {
		return nil, apierr.Internal("verifyingrpc: failed to fetch code for %s: %s", address, err)
	}
	if err := mpt.VerifyCode(code, account.CodeHash); err != nil {
		return nil, apierr.Internal("verifyingrpc: %s", err)
	}
	return code, nil
}

// GetBlockByNumber returns the verified block at blockNr.
func (e *ethAPI) GetBlockByNumber(ctx context.Context, blockNr BlockTag, fullTx bool) (map[string]any, error) {
	header, err := e.p.resolve(ctx, &blockNr)
	if err != nil {
		return nil, err
	}
	return e.p.marshalBlock(ctx, header, fullTx)
}

// GetBlockByHash returns the verified block whose hash matches
// hash. Unlike GetBlockByNumber, resolution does not consult the
// block-tag policy: the caller is already trusting hash itself
// (e.g. one it learned from a prior verified response), so the
// Header & Block Verifier's self-consistency check
// (keccak(rlp(header)) == hash) is the applicable guarantee.
func (e *ethAPI) GetBlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (map[string]any, error) {
	header, err := e.p.chain.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, apierr.Internal("verifyingrpc: failed to verify block %s: %s", hash, err)
	}
	return e.p.marshalBlock(ctx, header, fullTx)
}

// GetLogs returns logs matching filter, each verified for block,
// transaction, bloom, and receipt-trie membership.
func (e *ethAPI) GetLogs(ctx context.Context, filter map[string]any) ([]*types.Log, error) {
	logs, err := e.p.logs.FetchAndVerify(ctx, filter)
	if err != nil {
		return nil, apierr.Internal("verifyingrpc: %s", err)
	}
	return logs, nil
}

// Call executes a trustless read-only call against blockNr.
func (e *ethAPI) Call(ctx context.Context, args execadapter.TxArgs, blockNr *BlockTag) (hexutil.Bytes, error) {
	header, err := e.p.resolve(ctx, blockNr)
	if err != nil {
		return nil, err
	}
	ret, err := e.p.exec.Call(ctx, &args, header)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// EstimateGas estimates the gas cost of args against blockNr.
func (e *ethAPI) EstimateGas(ctx context.Context, args execadapter.TxArgs, blockNr *BlockTag) (hexutil.Uint64, error) {
	header, err := e.p.resolve(ctx, blockNr)
	if err != nil {
		return 0, err
	}
	gas, err := e.p.exec.EstimateGas(ctx, &args, header)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(gas), nil
}

// SendRawTransaction forwards raw opaquely to the upstream and
// returns the transaction hash recomputed locally from the
// decoded raw bytes, so the caller can detect upstream tampering
// with the returned hash.
func (e *ethAPI) SendRawTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, apierr.InvalidParams("verifyingrpc: invalid raw transaction: %s", err)
	}

	if _, err := e.p.rpc.SendRawTransaction(ctx, raw); err != nil {
		return common.Hash{}, apierr.Internal("verifyingrpc: failed to forward raw transaction: %s", err)
	}
	return tx.Hash(), nil
}

// verifiedAccount fetches and verifies the account proof for
// address against header's state root, returning nil for a
// verified-absent account.
func (p *Provider) verifiedAccount(ctx context.Context, address common.Address, header *types.Header) (*mpt.Account, error) {
	proof, err := p.rpc.GetProof(ctx, address, nil, header.Number.Uint64())
	if err != nil {
		return nil, apierr.Internal("verifyingrpc: failed to fetch proof for %s: %s", address, err)
	}
	account, _, err := mpt.VerifyAccountAndStorage(header.Root, address, nil, proof)
	if err != nil {
		return nil, apierr.Internal("verifyingrpc: %s", err)
	}
	return account, nil
}
