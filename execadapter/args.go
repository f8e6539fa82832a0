// Package execadapter materializes a verified account/storage/code
// set into an in-memory EVM state and runs a single read-only call
// or gas estimate against it, without ever trusting the upstream's
// execution result.
package execadapter

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"verityrpc/internal/apierr"
)

// TxArgs mirrors the JSON shape of eth_call/eth_estimateGas
// transaction arguments.
type TxArgs struct {
	From                 *common.Address   `json:"from"`
	To                   *common.Address   `json:"to"`
	Gas                  *hexutil.Uint64   `json:"gas"`
	GasPrice             *hexutil.Big      `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big      `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big      `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big      `json:"value"`
	Data                 hexutil.Bytes     `json:"data"`
	AccessList           *types.AccessList `json:"accessList"`
}

// txType reports the EIP-1559 typing of args per the documented
// precedence: dynamic-fee if any max-fee field is present,
// access-list if an access list is present, legacy otherwise.
const (
	legacyTx = iota
	accessListTx
	dynamicFeeTx
)

func (a *TxArgs) txType() int {
	if a.MaxFeePerGas != nil || a.MaxPriorityFeePerGas != nil {
		return dynamicFeeTx
	}
	if a.AccessList != nil {
		return accessListTx
	}
	return legacyTx
}

// Validate enforces the fee-field mutual-exclusion rule: gasPrice
// cannot be combined with either EIP-1559 fee field, and the
// priority fee must not exceed the fee cap.
func (a *TxArgs) Validate() error {
	if a.GasPrice != nil && a.MaxFeePerGas != nil {
		return apierr.InvalidParams("gasPrice and maxFeePerGas are mutually exclusive")
	}
	if a.GasPrice != nil && a.MaxPriorityFeePerGas != nil {
		return apierr.InvalidParams("gasPrice and maxPriorityFeePerGas are mutually exclusive")
	}
	if a.MaxPriorityFeePerGas != nil && a.MaxFeePerGas != nil {
		if a.MaxPriorityFeePerGas.ToInt().Cmp(a.MaxFeePerGas.ToInt()) > 0 {
			return apierr.InvalidParams("maxPriorityFeePerGas %s exceeds maxFeePerGas %s", a.MaxPriorityFeePerGas.ToInt(), a.MaxFeePerGas.ToInt())
		}
	}
	return nil
}

// gasLimit returns the caller-supplied gas limit, or header's gas
// limit when omitted.
func (a *TxArgs) gasLimit(header *types.Header) uint64 {
	if a.Gas != nil {
		return uint64(*a.Gas)
	}
	return header.GasLimit
}

// value returns the caller-supplied value, or zero when omitted.
func (a *TxArgs) value() *big.Int {
	if a.Value != nil {
		return a.Value.ToInt()
	}
	return new(big.Int)
}

// accessList returns the caller-supplied access list, or an empty
// one when omitted.
func (a *TxArgs) accessList() types.AccessList {
	if a.AccessList != nil {
		return *a.AccessList
	}
	return types.AccessList{}
}

// toCreateAccessListCall renders args as the call object expected
// by eth_createAccessList, omitting every field the caller left
// unset.
func (a *TxArgs) toCreateAccessListCall() map[string]any {
	call := make(map[string]any)
	if a.From != nil {
		call["from"] = a.From
	}
	if a.To != nil {
		call["to"] = a.To
	}
	if a.Gas != nil {
		call["gas"] = a.Gas
	}
	if a.GasPrice != nil {
		call["gasPrice"] = a.GasPrice
	}
	if a.MaxFeePerGas != nil {
		call["maxFeePerGas"] = a.MaxFeePerGas
	}
	if a.MaxPriorityFeePerGas != nil {
		call["maxPriorityFeePerGas"] = a.MaxPriorityFeePerGas
	}
	if a.Value != nil {
		call["value"] = a.Value
	}
	if len(a.Data) != 0 {
		call["data"] = a.Data
	}
	return call
}

// callMessage builds the core.Message for a read-only call: the
// gas price is the caller's gasPrice if set, else maxPriorityFeePerGas,
// else zero, with no further fallback to the header's base fee.
// Nonce and balance checks are fully enforced.
func (a *TxArgs) callMessage(header *types.Header, nonce uint64) *core.Message {
	price := new(big.Int)
	if a.GasPrice != nil {
		price = a.GasPrice.ToInt()
	} else if a.MaxPriorityFeePerGas != nil {
		price = a.MaxPriorityFeePerGas.ToInt()
	}

	return &core.Message{
		From:                  from(a),
		To:                    a.To,
		Nonce:                 nonce,
		Value:                 a.value(),
		GasLimit:              a.gasLimit(header),
		GasPrice:              price,
		GasFeeCap:             price,
		GasTipCap:             price,
		Data:                  a.Data,
		AccessList:            a.accessList(),
		SkipNonceChecks:       false,
		SkipFromEOACheck:      false,
	}
}

// estimateMessage builds the core.Message for a gas estimate:
// nonce and sender-EOA checks are skipped (Adapter.EstimateGas
// funds the sender so the balance check passes), and fee fields
// are defaulted from header's base fee according to args'
// EIP-1559 typing.
func (a *TxArgs) estimateMessage(header *types.Header) *core.Message {
	gasFeeCap, gasTipCap, gasPrice := a.estimateFees(header)

	return &core.Message{
		From:                  from(a),
		To:                    a.To,
		Value:                 a.value(),
		GasLimit:              a.gasLimit(header),
		GasPrice:              gasPrice,
		GasFeeCap:             gasFeeCap,
		GasTipCap:             gasTipCap,
		Data:                  a.Data,
		AccessList:            a.accessList(),
		SkipNonceChecks:       true,
		SkipFromEOACheck:      true,
	}
}

// estimateFees resolves (feeCap, tipCap, effective gasPrice) from
// args and header.BaseFee per args' EIP-1559 typing.
func (a *TxArgs) estimateFees(header *types.Header) (feeCap, tipCap, price *big.Int) {
	baseFee := header.BaseFee

	switch a.txType() {
	case dynamicFeeTx:
		tipCap = new(big.Int)
		if a.MaxPriorityFeePerGas != nil {
			tipCap = a.MaxPriorityFeePerGas.ToInt()
		}
		feeCap = baseFee
		if a.MaxFeePerGas != nil {
			feeCap = a.MaxFeePerGas.ToInt()
		}
		if feeCap == nil {
			feeCap = new(big.Int)
		}
		if baseFee != nil {
			price = new(big.Int).Add(tipCap, baseFee)
			if price.Cmp(feeCap) > 0 {
				price = feeCap
			}
		} else {
			price = feeCap
		}
	default:
		price = baseFee
		if a.GasPrice != nil {
			price = a.GasPrice.ToInt()
		}
		if price == nil {
			price = new(big.Int)
		}
		feeCap, tipCap = price, price
	}

	return feeCap, tipCap, price
}

func from(a *TxArgs) common.Address {
	if a.From != nil {
		return *a.From
	}
	return common.Address{}
}
