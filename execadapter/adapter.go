package execadapter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"verityrpc/chainverify"
	"verityrpc/internal/apierr"
	"verityrpc/internal/log"
	"verityrpc/rpcclient"
)

// Adapter runs eth_call and eth_estimateGas against a state
// materialized exclusively from upstream-claimed, proof-verified
// accounts, storage, and code -- never against upstream's own
// execution result.
type Adapter struct {
	rpc    *rpcclient.Client
	chain  *chainverify.Verifier
	params *params.ChainConfig
	log    log.Logger
}

// New returns an Adapter using rpc to fetch access lists, proofs,
// and code, chain to verify headers and resolve BLOCKHASH lookups,
// and cc to parameterize the EVM's fork rules.
func New(rpc *rpcclient.Client, chain *chainverify.Verifier, cc *params.ChainConfig, logger log.Logger) *Adapter {
	return &Adapter{
		rpc:    rpc,
		chain:  chain,
		params: cc,
		log:    logger.With("component", "execution-adapter"),
	}
}

// Call runs args as a read-only call against header and returns
// its raw return data. Nonce and balance checks are enforced.
func (a *Adapter) Call(ctx context.Context, args *TxArgs, header *types.Header) ([]byte, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	accessList, world, allowed, err := a.prepare(ctx, args, header)
	if err != nil {
		return nil, err
	}

	var nonce uint64
	if args.From != nil {
		nonce = world.GetNonce(*args.From)
	}
	msg := args.callMessage(header, nonce)
	msg.AccessList = accessList

	result, err := a.run(ctx, msg, header, world, allowed)
	if err != nil {
		return nil, err
	}
	if result.Err != nil {
		return nil, apierr.Internal("execution reverted: %s", result.Err)
	}
	return result.ReturnData, nil
}

// EstimateGas runs args as a gas estimate against header, with
// nonce, balance, and block-gas-limit checks skipped, and returns
// the total gas spent.
func (a *Adapter) EstimateGas(ctx context.Context, args *TxArgs, header *types.Header) (uint64, error) {
	if err := args.Validate(); err != nil {
		return 0, err
	}

	accessList, world, allowed, err := a.prepare(ctx, args, header)
	if err != nil {
		return 0, err
	}

	msg := args.estimateMessage(header)
	msg.AccessList = accessList

	// Credit the sender with the gas limit at the fee cap plus the
	// value, so core.ApplyMessage's balance check cannot fail.
	need := new(big.Int).Mul(new(big.Int).SetUint64(msg.GasLimit), msg.GasFeeCap)
	need.Add(need, msg.Value)
	if bal, overflow := uint256.FromBig(need); !overflow && world.GetBalance(msg.From).Cmp(bal) < 0 {
		world.SetBalance(msg.From, bal, tracing.BalanceChangeUnspecified)
	}

	result, err := a.run(ctx, msg, header, world, allowed)
	if err != nil {
		return 0, err
	}
	if result.Err != nil {
		return 0, apierr.Internal("execution reverted: %s", result.Err)
	}
	return result.UsedGas, nil
}

// prepare asks upstream for an access list augmented with the
// sender and recipient, then materializes the resulting state.
func (a *Adapter) prepare(ctx context.Context, args *TxArgs, header *types.Header) (types.AccessList, *state.StateDB, map[common.Address]map[common.Hash]bool, error) {
	accessList, err := a.rpc.CreateAccessList(ctx, args.toCreateAccessListCall(), header.Number.Uint64())
	if err != nil {
		return nil, nil, nil, apierr.Internal("execadapter: failed to fetch access list: %s", err)
	}

	world, allowed, err := materialize(ctx, a.rpc, header, accessList, args.From, args.To)
	if err != nil {
		return nil, nil, nil, err
	}
	return accessList, world, allowed, nil
}

// run executes msg against world with BLOCKHASH patched through
// chain, and rejects the result if the EVM read any account or
// storage slot outside allowed.
func (a *Adapter) run(ctx context.Context, msg *core.Message, header *types.Header, world *state.StateDB, allowed map[common.Address]map[common.Hash]bool) (*core.ExecutionResult, error) {
	strict := newStrictStateDB(world)

	chainCtx := newTrustedChainContext(ctx, a.chain, a.params, a.log)
	blockCtx := core.NewEVMBlockContext(header, chainCtx, &header.Coinbase)
	evm := vm.NewEVM(blockCtx, strict, a.params, vm.Config{})

	gasPool := new(core.GasPool).AddGas(msg.GasLimit)
	evm.SetTxContext(core.NewEVMTxContext(msg))

	result, err := core.ApplyMessage(evm, msg, gasPool)
	if err != nil {
		return nil, apierr.Internal("execadapter: execution failed: %s", err)
	}

	if addr, key, escaped := strict.tracer.escapes(allowed); escaped {
		return nil, apierr.Internal("execadapter: execution read account %s slot %s outside the materialized access list", addr, key)
	}

	return result, nil
}
