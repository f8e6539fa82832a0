// Package headstore holds the proxy's trusted view of the
// chain head: the latest trusted block number, its mapping to
// block hashes, a cache of verified headers, and the wake-up
// conditions for requests waiting on a future block.
package headstore

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"verityrpc/internal/log"
)

var (
	// ErrFuture is returned when a block number lies beyond the
	// latest trusted number.
	ErrFuture = errors.New("headstore: block number is in the future")

	// ErrNotFound is returned when a block number has not yet
	// been recorded, even though it does not lie in the future.
	// Backfilling the gap is the Header & Block Verifier's job.
	ErrNotFound = errors.New("headstore: block hash not recorded")
)

// Store is the single owner of the proxy's trusted chain head.
// It is safe for concurrent use; one logical updater calls
// Update while many request-handling goroutines read from it.
type Store struct {
	mu sync.RWMutex

	latestNumber uint64
	hasHead      bool
	hashes       map[uint64]common.Hash
	headers      map[common.Hash]*types.Header
	waiters      map[uint64][]chan struct{}

	log log.Logger
}

// New returns an empty Store.
func New(logger log.Logger) *Store {
	return &Store{
		hashes:  make(map[uint64]common.Hash),
		headers: make(map[common.Hash]*types.Header),
		waiters: make(map[uint64][]chan struct{}),
		log:     logger.With("component", "head-store"),
	}
}

// Update records the trusted hash for number, advances the
// latest trusted number if number is newer, and wakes every
// waiter whose awaited number has now been reached. If number
// was already recorded with a different hash, a reorg warning
// is logged but the new hash still overwrites the old one.
func (s *Store) Update(hash common.Hash, number uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.hashes[number]; ok && existing != hash {
		s.log.Warn("chain reorg detected", "number", number, "old", existing, "new", hash)
	}
	s.hashes[number] = hash

	if !s.hasHead || number > s.latestNumber {
		s.hasHead = true
		s.latestNumber = number
		s.wakeWaitersLocked(number)
	}
}

// wakeWaitersLocked signals and drops every waiter slot whose
// awaited number is now reachable. mu must be held for writing.
func (s *Store) wakeWaitersLocked(number uint64) {
	for n, chans := range s.waiters {
		if n > number {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(s.waiters, n)
	}
}

// WaitFor blocks until number is reached by the latest trusted
// number, or until ctx is done. There is no internal timeout;
// callers control cancellation via ctx.
func (s *Store) WaitFor(ctx context.Context, number uint64) error {
	s.mu.Lock()
	if s.hasHead && number <= s.latestNumber {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[number] = append(s.waiters[number], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LatestNumber returns the latest trusted block number.
func (s *Store) LatestNumber() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestNumber, s.hasHead
}

// BlockHash returns the trusted hash recorded for number. It
// performs a pure lookup: it never fetches or verifies a
// header itself. Callers that hit ErrNotFound for a number
// that is not in the future should ask the Header & Block
// Verifier to backfill the gap.
func (s *Store) BlockHash(number uint64) (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasHead || number > s.latestNumber {
		return common.Hash{}, ErrFuture
	}
	hash, ok := s.hashes[number]
	if !ok {
		return common.Hash{}, ErrNotFound
	}
	return hash, nil
}

// RecordHash backfills the hash for number without disturbing
// latestNumber, for use by the Header & Block Verifier's
// backward parent walk.
func (s *Store) RecordHash(number uint64, hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[number] = hash
}

// CachedHeader returns the verified header for hash, if one has
// been cached.
func (s *Store) CachedHeader(hash common.Hash) (*types.Header, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headers[hash]
	return h, ok
}

// CacheHeader stores a verified header, keyed by its hash.
func (s *Store) CacheHeader(header *types.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[header.Hash()] = header
}
