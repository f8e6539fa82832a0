package execadapter

import "github.com/ethereum/go-ethereum/common"

// readTracer records every account and storage slot the EVM reads
// during a call, so the adapter can assert afterward that nothing
// outside the materialized access-list set was touched.
type readTracer struct {
	accounts map[common.Address]bool
	slots    map[common.Address]map[common.Hash]bool
}

func newReadTracer() *readTracer {
	return &readTracer{
		accounts: make(map[common.Address]bool),
		slots:    make(map[common.Address]map[common.Hash]bool),
	}
}

func (t *readTracer) recordAccount(addr common.Address) {
	t.accounts[addr] = true
}

func (t *readTracer) recordSlot(addr common.Address, key common.Hash) {
	t.accounts[addr] = true
	if t.slots[addr] == nil {
		t.slots[addr] = make(map[common.Hash]bool)
	}
	t.slots[addr][key] = true
}

// escapes reports the first account or slot read that falls
// outside allowed, if any.
func (t *readTracer) escapes(allowed map[common.Address]map[common.Hash]bool) (common.Address, common.Hash, bool) {
	for addr := range t.accounts {
		if _, ok := allowed[addr]; !ok {
			return addr, common.Hash{}, true
		}
	}
	for addr, keys := range t.slots {
		allowedKeys := allowed[addr]
		for key := range keys {
			if !allowedKeys[key] {
				return addr, key, true
			}
		}
	}
	return common.Address{}, common.Hash{}, false
}
