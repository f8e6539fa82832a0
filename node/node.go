// Package node wires the proxy's subsystems together and runs
// them as a single process: the outbound RPC client, the Trusted-
// Head Store, the verifiers, the Execution Engine Adapter, the
// inbound JSON-RPC server, and the head follower that feeds the
// store.
package node

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"verityrpc/chainverify"
	"verityrpc/execadapter"
	"verityrpc/headfollower"
	"verityrpc/headstore"
	"verityrpc/internal/log"
	"verityrpc/logverify"
	"verityrpc/rpcclient"
	"verityrpc/verifyingrpc"
)

// shutdownTimeout bounds how long Shutdown waits for in-flight
// JSON-RPC requests to finish before forcing the HTTP server
// closed.
const shutdownTimeout = 5 * time.Second

// Node is the coordinator of the proxy's subsystems: the
// upstream client, the head follower, and the inbound JSON-RPC
// server.
type Node struct {
	config *Config
	log    log.Logger

	upstream *rpcclient.Client
	heads    *headstore.Store
	follower *headfollower.Follower

	rpcServer  *rpc.Server
	httpServer *http.Server
}

// NewNode dials the upstream, seeds the Trusted-Head Store with
// the configured checkpoint, and wires every other subsystem.
func NewNode(ctx context.Context, config *Config, logger log.Logger) (*Node, error) {
	if config.KZGTrustedSetupPath != "" {
		// go-ethereum's kzg4844 package embeds its own trusted setup
		// and has no public API for loading a replacement at
		// runtime; a custom setup would require forking that
		// package. Blob-tx verification here is opportunistic, so a
		// configured path is recorded but not yet wired (see design
		// notes).
		logger.Warn("KZG trusted setup path configured but not wired", "path", config.KZGTrustedSetupPath)
	}

	upstream, err := rpcclient.NewClient(ctx, config.UpstreamURL, logger)
	if err != nil {
		return nil, fmt.Errorf("node: could not connect to RPC provider: %w", err)
	}

	heads := headstore.New(logger)
	heads.Update(config.CheckpointHash, config.CheckpointNumber)

	chain := chainverify.New(upstream, heads, logger)
	logs := logverify.New(upstream, chain, logger)
	exec := execadapter.New(upstream, chain, config.Chain, logger)

	provider := verifyingrpc.New(upstream, heads, chain, logs, exec, config.Chain.ChainID, logger)

	rpcServer := rpc.NewServer()
	if err := provider.RegisterOn(rpcServer); err != nil {
		return nil, fmt.Errorf("node: failed to register JSON-RPC methods: %w", err)
	}

	follower := headfollower.New(upstream.Raw(), heads, logger)

	return &Node{
		config:    config,
		log:       logger.With("component", "node"),
		upstream:  upstream,
		heads:     heads,
		follower:  follower,
		rpcServer: rpcServer,
		httpServer: &http.Server{
			Addr:    config.ListenAddr,
			Handler: withCORS(rpcServer),
		},
	}, nil
}

// Start launches the inbound JSON-RPC server and the head
// follower, and blocks until either fails or ctx is done.
func (n *Node) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	n.log.Info("start head follower")
	g.Go(n.startHeadFollower(ctx))

	n.log.Info("start JSON-RPC server", "addr", n.config.ListenAddr)
	g.Go(n.startRPCServer(ctx))

	if err := g.Wait(); err != nil {
		n.log.Error("failed to start node", "err", err)
		return fmt.Errorf("failed to start node: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the node.
func (n *Node) Shutdown() {
	n.log.Info("shut down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.httpServer.Shutdown(shutdownCtx); err != nil {
		n.log.Warn("error shutting down JSON-RPC server", "err", err)
	}

	n.rpcServer.Stop()
	n.upstream.Close()
}

func (n *Node) startHeadFollower(ctx context.Context) func() error {
	return func() error {
		if err := n.follower.RunContext(ctx); err != nil {
			n.log.Error("head follower stopped", "err", err)
			return fmt.Errorf("head follower stopped: %w", err)
		}
		return nil
	}
}

func (n *Node) startRPCServer(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("JSON-RPC server stopped: %w", err)
				return
			}
			errCh <- nil
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// withCORS allows any origin to call the JSON-RPC endpoint, the
// way a browser-facing wallet or dapp frontend would need to.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
