// Package mpt verifies Ethereum Merkle-Patricia account and
// storage proofs against a trusted state root, and checks
// returned contract code against a claimed code hash.
package mpt

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"verityrpc/storage/mem"
)

// Proof is the decoded result of eth_getProof: the claimed
// account fields plus the Merkle-Patricia proof nodes needed
// to verify them against a state root.
type Proof struct {
	Address      common.Address
	Nonce        uint64
	Balance      *big.Int
	CodeHash     common.Hash
	StorageHash  common.Hash
	AccountProof []string
	StorageProof []StorageProof
}

// StorageProof is a single claimed storage slot plus its
// Merkle-Patricia inclusion proof.
type StorageProof struct {
	Key   common.Hash
	Value *big.Int
	Proof []string
}

// Account is the canonical account record recovered
// from a verified account proof.
type Account struct {
	Nonce       uint64
	Balance     *big.Int
	StorageHash common.Hash
	CodeHash    common.Hash
}

// StorageEntry is a single verified storage slot.
type StorageEntry struct {
	Key   common.Hash
	Value []byte
}

// VerifyAccountAndStorage verifies the account record and
// every requested storage slot of the given proof against
// stateRoot, per the canonical-account reconstruction and
// sentinel substitution rules. It returns the decoded account
// and the verified storage entries, or an error naming the
// first check that failed.
func VerifyAccountAndStorage(stateRoot common.Hash, address common.Address, storageKeys []common.Hash, proof *Proof) (*Account, []StorageEntry, error) {
	account, err := VerifyAccountProof(stateRoot, address, proof.AccountProof, proof.Nonce, proof.Balance, proof.StorageHash, proof.CodeHash)
	if err != nil {
		return nil, nil, err
	}
	if account == nil {
		return nil, nil, nil
	}

	if len(storageKeys) != len(proof.StorageProof) {
		return nil, nil, fmt.Errorf("mpt: expected %d storage proofs, got %d", len(storageKeys), len(proof.StorageProof))
	}

	entries := make([]StorageEntry, 0, len(storageKeys))
	for i, key := range storageKeys {
		value, err := VerifyStorageProof(account.StorageHash, key, proof.StorageProof[i].Proof, proof.StorageProof[i].Value)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, StorageEntry{Key: key, Value: value})
	}

	return account, entries, nil
}

// VerifyAccountProof walks proofNodes as a Merkle-Patricia
// inclusion proof rooted at stateRoot, keyed by keccak(address),
// reconstructs the canonical account from the claimed fields,
// and requires its RLP encoding to equal the value the proof
// resolves to.
func VerifyAccountProof(stateRoot common.Hash, address common.Address, proofNodes []string, nonce uint64, balance *big.Int, storageHash, codeHash common.Hash) (*Account, error) {
	if balance == nil {
		return nil, errors.New("mpt: account balance is nil")
	}

	proofDB, err := buildProofDB(proofNodes)
	if err != nil {
		return nil, fmt.Errorf("mpt: failed to decode account proof: %w", err)
	}

	key := crypto.Keccak256(address.Bytes())
	value, err := trie.VerifyProof(stateRoot, key, proofDB)
	if err != nil {
		return nil, fmt.Errorf("mpt: account proof verification failed: %w", err)
	}

	account := &Account{
		Nonce:       nonce,
		Balance:     new(big.Int).Set(balance),
		StorageHash: storageHash,
		CodeHash:    codeHash,
	}
	if account.StorageHash == (common.Hash{}) {
		account.StorageHash = types.EmptyRootHash
	}
	if account.CodeHash == (common.Hash{}) {
		account.CodeHash = types.EmptyCodeHash
	}

	accBalance, overflow := uint256.FromBig(account.Balance)
	if overflow {
		return nil, errors.New("mpt: account balance overflows uint256")
	}

	enc, err := rlp.EncodeToBytes(&types.StateAccount{
		Nonce:    account.Nonce,
		Balance:  accBalance,
		Root:     account.StorageHash,
		CodeHash: account.CodeHash.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("mpt: failed to encode canonical account: %w", err)
	}

	if value == nil {
		// Absence proof: the account must serialize to the
		// canonical empty account, i.e. the proof genuinely
		// claims "no account here", not "a zero account I'm
		// hiding fields of".
		empty, _ := rlp.EncodeToBytes(&types.StateAccount{
			Nonce:    0,
			Balance:  uint256.NewInt(0),
			Root:     types.EmptyRootHash,
			CodeHash: types.EmptyCodeHash.Bytes(),
		})
		if !bytes.Equal(enc, empty) {
			return nil, errors.New("mpt: account proof resolves to absence but claimed account is non-empty")
		}
		// Verified absence: the address provably holds no account.
		return nil, nil
	}

	if !bytes.Equal(enc, value) {
		return nil, errors.New("mpt: account RLP mismatch")
	}

	return account, nil
}

// VerifyStorageProof verifies a single storage slot proof
// against storageHash, keyed by keccak(left-pad-32(key)).
// It returns the raw (unpadded) scalar value.
func VerifyStorageProof(storageHash common.Hash, key common.Hash, proofNodes []string, value *big.Int) ([]byte, error) {
	if storageHash == types.EmptyRootHash {
		if len(proofNodes) != 0 {
			return nil, errors.New("mpt: non-empty storage proof for empty storage trie")
		}
		if value != nil && value.Sign() != 0 {
			return nil, errors.New("mpt: non-zero storage value for empty storage trie")
		}
		return nil, nil
	}

	proofDB, err := buildProofDB(proofNodes)
	if err != nil {
		return nil, fmt.Errorf("mpt: failed to decode storage proof: %w", err)
	}

	trieKey := crypto.Keccak256(key.Bytes())
	resolved, err := trie.VerifyProof(storageHash, trieKey, proofDB)
	if err != nil {
		return nil, fmt.Errorf("mpt: storage proof verification failed: %w", err)
	}

	stv, err := scalarBytes(value)
	if err != nil {
		return nil, err
	}

	if resolved == nil {
		if stv != nil {
			return nil, errors.New("mpt: storage proof resolves to absence but non-zero value was claimed")
		}
		return nil, nil
	}

	enc, _ := rlp.EncodeToBytes(stv)
	if !bytes.Equal(enc, resolved) {
		return nil, errors.New("mpt: storage value mismatch")
	}

	return stv, nil
}

// VerifyCode checks that code hashes to codeHash, with the
// documented equivalence between "0x", KECCAK256_NULL, and
// the zero hash for empty code.
func VerifyCode(code []byte, codeHash common.Hash) error {
	if len(code) == 0 {
		if codeHash == types.EmptyCodeHash || codeHash == (common.Hash{}) {
			return nil
		}
		return fmt.Errorf("mpt: empty code but non-empty code hash %s", codeHash)
	}

	if got := crypto.Keccak256Hash(code); got != codeHash {
		return fmt.Errorf("mpt: code hash mismatch: want %s, got %s", codeHash, got)
	}

	return nil
}

// buildProofDB decodes a list of hex-encoded RLP trie nodes
// into a scratch key-value store keyed by keccak(node), the
// shape trie.VerifyProof requires for its proof database.
func buildProofDB(proofNodes []string) (*mem.Database, error) {
	db := mem.New()
	for _, encoded := range proofNodes {
		node, err := hexutil.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("mpt: invalid proof node: %w", err)
		}
		if err := db.Put(crypto.Keccak256(node), node); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// scalarBytes renders a storage value as its RLP-scalar byte
// representation (big-endian, no leading zeros), or nil for
// a zero/absent value.
func scalarBytes(value *big.Int) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	if value.Sign() < 0 {
		return nil, errors.New("mpt: negative storage value")
	}
	if value.Sign() == 0 {
		return nil, nil
	}
	if value.BitLen() > 256 {
		return nil, errors.New("mpt: storage value exceeds 256 bits")
	}
	return value.Bytes(), nil
}
