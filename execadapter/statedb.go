package execadapter

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/holiman/uint256"
)

// strictStateDB wraps a state.StateDB materialized exclusively
// from verified proofs, recording every account and storage read
// so the adapter can reject a call that escaped the materialized
// set. Every other vm.StateDB method is promoted unchanged via
// embedding.
type strictStateDB struct {
	*state.StateDB
	tracer *readTracer
}

func newStrictStateDB(inner *state.StateDB) *strictStateDB {
	return &strictStateDB{StateDB: inner, tracer: newReadTracer()}
}

func (db *strictStateDB) GetBalance(addr common.Address) *uint256.Int {
	db.tracer.recordAccount(addr)
	return db.StateDB.GetBalance(addr)
}

func (db *strictStateDB) GetNonce(addr common.Address) uint64 {
	db.tracer.recordAccount(addr)
	return db.StateDB.GetNonce(addr)
}

func (db *strictStateDB) GetCodeHash(addr common.Address) common.Hash {
	db.tracer.recordAccount(addr)
	return db.StateDB.GetCodeHash(addr)
}

func (db *strictStateDB) GetCode(addr common.Address) []byte {
	db.tracer.recordAccount(addr)
	return db.StateDB.GetCode(addr)
}

func (db *strictStateDB) GetCodeSize(addr common.Address) int {
	db.tracer.recordAccount(addr)
	return db.StateDB.GetCodeSize(addr)
}

func (db *strictStateDB) GetStorageRoot(addr common.Address) common.Hash {
	db.tracer.recordAccount(addr)
	return db.StateDB.GetStorageRoot(addr)
}

func (db *strictStateDB) Exist(addr common.Address) bool {
	db.tracer.recordAccount(addr)
	return db.StateDB.Exist(addr)
}

func (db *strictStateDB) Empty(addr common.Address) bool {
	db.tracer.recordAccount(addr)
	return db.StateDB.Empty(addr)
}

func (db *strictStateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	db.tracer.recordSlot(addr, key)
	return db.StateDB.GetState(addr, key)
}

func (db *strictStateDB) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	db.tracer.recordSlot(addr, key)
	return db.StateDB.GetCommittedState(addr, key)
}
