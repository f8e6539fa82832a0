// Package headfollower is the live chain-head follower. It
// subscribes to new heads on the upstream node and feeds their
// (hash, number) into the Trusted-Head Store, the way an operator
// would feed in a fresh trusted hash out-of-band -- this reference
// implementation automates the out-of-band step by trusting the
// upstream's own head notifications, rather than a second,
// independent source.
package headfollower

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"verityrpc/headstore"
	"verityrpc/internal/log"
)

// pollInterval is the new-head polling cadence used when the
// upstream transport does not support subscriptions. One
// mainnet slot.
const pollInterval = 12 * time.Second

// Follower polls the upstream's latest head once at startup and
// then subscribes to new heads, pushing every one it sees into a
// headstore.Store via Update.
type Follower struct {
	ec    *ethclient.Client
	heads *headstore.Store
	log   log.Logger
}

// New returns a Follower that feeds heads from rpcClient into
// heads.
func New(rpcClient *rpc.Client, heads *headstore.Store, logger log.Logger) *Follower {
	return &Follower{
		ec:    ethclient.NewClient(rpcClient),
		heads: heads,
		log:   logger.With("component", "head-follower"),
	}
}

// RunContext seeds the store with the upstream's current head and
// then follows new heads until ctx is done. The initial trusted
// checkpoint must already be installed in heads before calling
// RunContext; RunContext never overwrites a number with a lower
// one, so there is no risk of clobbering the checkpoint with a
// stale upstream response.
func (f *Follower) RunContext(ctx context.Context) error {
	latest, err := f.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("headfollower: failed to fetch latest head: %w", err)
	}
	f.handle(latest)

	return f.followNew(ctx)
}

// followNew subscribes to the upstream's newHeads feed and pushes
// every header it sees into the store. HTTP-only upstreams cannot
// serve subscriptions; those are followed by polling instead.
func (f *Follower) followNew(ctx context.Context) error {
	headers := make(chan *types.Header, 16)
	sub, err := f.ec.SubscribeNewHead(ctx, headers)
	if err != nil {
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			f.log.Info("upstream does not support subscriptions, polling for new heads", "interval", pollInterval)
			return f.pollNew(ctx)
		}
		return fmt.Errorf("headfollower: failed to subscribe to new heads: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case head := <-headers:
			f.handle(head)
		case err := <-sub.Err():
			return fmt.Errorf("headfollower: subscription error: %w", err)
		case <-ctx.Done():
			f.log.Info("stop head follower")
			return nil
		}
	}
}

// pollNew fetches the upstream's latest head once per
// pollInterval. Transient fetch failures are logged and skipped;
// the next tick retries.
func (f *Follower) pollNew(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastSeen common.Hash
	for {
		select {
		case <-ticker.C:
			head, err := f.ec.HeaderByNumber(ctx, nil)
			if err != nil {
				f.log.Warn("failed to poll latest head", "err", err)
				continue
			}
			if hash := head.Hash(); hash != lastSeen {
				lastSeen = hash
				f.handle(head)
			}
		case <-ctx.Done():
			f.log.Info("stop head follower")
			return nil
		}
	}
}

// handle records head as the latest trusted head. The upstream is
// untrusted for every other JSON-RPC response the proxy serves, but
// its own self-reported head is, by construction, the operator's
// out-of-band trust anchor for this reference implementation: a
// production deployment may instead wire Update calls in from an
// independent consensus-layer light client.
func (f *Follower) handle(head *types.Header) {
	hash := head.Hash()
	f.log.Info("new trusted head", "number", head.Number.Uint64(), "hash", hash)
	f.heads.Update(hash, head.Number.Uint64())
}
