package execadapter

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
	"verityrpc/internal/apierr"
	"verityrpc/mpt"
	"verityrpc/rpcclient"
	"verityrpc/storage/mem"
)

// fetchedEntry is the verified material -- account, storage
// slots, and code -- for a single access-list address.
type fetchedEntry struct {
	address common.Address
	keys    []common.Hash
	account *mpt.Account
	storage []mpt.StorageEntry
	code    []byte
}

// effectiveAccessList augments list with from and to (empty
// storage-key sets if not already present), per the
// eth_createAccessList augmentation rule.
func effectiveAccessList(list types.AccessList, from, to *common.Address) map[common.Address][]common.Hash {
	out := make(map[common.Address][]common.Hash, len(list)+2)
	for _, tuple := range list {
		out[tuple.Address] = append(out[tuple.Address], tuple.StorageKeys...)
	}
	if from != nil {
		if _, ok := out[*from]; !ok {
			out[*from] = nil
		}
	}
	if to != nil {
		if _, ok := out[*to]; !ok {
			out[*to] = nil
		}
	}
	return out
}

// fetchAndVerify retrieves the account proof and code for every
// address in accessList, concurrently, and verifies each against
// header's state root before returning.
func fetchAndVerify(ctx context.Context, rpc *rpcclient.Client, header *types.Header, accessList map[common.Address][]common.Hash) ([]*fetchedEntry, error) {
	entries := make([]*fetchedEntry, 0, len(accessList))
	for addr, keys := range accessList {
		entries = append(entries, &fetchedEntry{address: addr, keys: keys})
	}

	number := header.Number.Uint64()
	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			proof, err := rpc.GetProof(gctx, entry.address, entry.keys, number)
			if err != nil {
				return fmt.Errorf("execadapter: failed to fetch proof for %s: %w", entry.address, err)
			}

			account, storage, err := mpt.VerifyAccountAndStorage(header.Root, entry.address, entry.keys, proof)
			if err != nil {
				return fmt.Errorf("execadapter: failed to verify proof for %s: %w", entry.address, err)
			}
			entry.account = account
			entry.storage = storage

			if account == nil {
				return nil
			}

			code, err := rpc.GetCode(gctx, entry.address, number)
			if err != nil {
				return fmt.Errorf("execadapter: failed to fetch code for %s: %w", entry.address, err)
			}
			if err := mpt.VerifyCode(code, account.CodeHash); err != nil {
				return fmt.Errorf("execadapter: failed to verify code for %s: %w", entry.address, err)
			}
			entry.code = code
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, apierr.Internal("%s", err)
	}
	return entries, nil
}

// materialize builds a fresh in-memory EVM state containing
// exactly the accounts, storage slots, and code named by
// accessList, verified against header's state root, and returns
// it alongside the allowed read-set the post-execution escape
// check is measured against.
func materialize(ctx context.Context, rpc *rpcclient.Client, header *types.Header, accessList types.AccessList, from, to *common.Address) (*state.StateDB, map[common.Address]map[common.Hash]bool, error) {
	augmented := effectiveAccessList(accessList, from, to)

	entries, err := fetchAndVerify(ctx, rpc, header, augmented)
	if err != nil {
		return nil, nil, err
	}

	db := rawdb.NewDatabase(mem.New())
	trieDB := triedb.NewDatabase(db, nil)
	stateDB := state.NewDatabase(trieDB, nil)
	world, err := state.New(types.EmptyRootHash, stateDB)
	if err != nil {
		return nil, nil, apierr.Internal("execadapter: failed to create state: %s", err)
	}

	allowed := make(map[common.Address]map[common.Hash]bool, len(entries))
	for _, entry := range entries {
		keys := make(map[common.Hash]bool, len(entry.keys))
		for _, k := range entry.keys {
			keys[k] = true
		}
		allowed[entry.address] = keys

		if entry.account == nil {
			// Verified absence: the address provably holds no
			// account, nothing to install.
			continue
		}

		world.CreateAccount(entry.address)
		world.SetNonce(entry.address, entry.account.Nonce, tracing.NonceChangeUnspecified)
		balance, overflow := uint256.FromBig(entry.account.Balance)
		if overflow {
			return nil, nil, apierr.Internal("execadapter: account %s balance overflows uint256", entry.address)
		}
		world.SetBalance(entry.address, balance, tracing.BalanceChangeUnspecified)
		if len(entry.code) != 0 {
			world.SetCode(entry.address, entry.code)
		}
		for _, s := range entry.storage {
			world.SetState(entry.address, s.Key, common.BytesToHash(s.Value))
		}
	}

	root, err := world.Commit(header.Number.Uint64(), false, false)
	if err != nil {
		return nil, nil, apierr.Internal("execadapter: failed to commit materialized state: %s", err)
	}

	final, err := state.New(root, stateDB)
	if err != nil {
		return nil, nil, apierr.Internal("execadapter: failed to reopen materialized state: %s", err)
	}
	return final, allowed, nil
}
