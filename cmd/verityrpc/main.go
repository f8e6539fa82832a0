package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	internalconfig "verityrpc/internal/config"
	"verityrpc/internal/log"
	"verityrpc/node"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	listenAddr := flag.String("listen", ":8545", "Address the JSON-RPC server listens on")

	if v := os.Getenv("CONFIG_PATH"); v != "" {
		flag.Set("config", v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		flag.Set("listen", v)
	}

	flag.Parse()

	logger := log.New(log.NewTerminalHandler()).With("component", "main")

	logger.Info("using config file", "path", *configPath)
	logger.Info("using listen address", "addr", *listenAddr)

	loader := internalconfig.NewLoader(logger)
	appConfig, err := loader.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger.Info("using upstream", "url", appConfig.UpstreamURL)
	logger.Info("using network", "name", appConfig.Network)
	logger.Info("using checkpoint", "number", appConfig.Checkpoint.Number, "hash", appConfig.Checkpoint.Hash.Hex())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nodeConfig := &node.Config{
		Chain:               appConfig.Chain,
		CheckpointNumber:    appConfig.Checkpoint.Number,
		CheckpointHash:      appConfig.Checkpoint.Hash,
		UpstreamURL:         appConfig.UpstreamURL,
		ListenAddr:          *listenAddr,
		KZGTrustedSetupPath: appConfig.KZGTrustedSetupPath,
	}

	n, err := node.NewNode(ctx, nodeConfig, logger)
	if err != nil {
		logger.Error("failed to create node", "err", err)
		os.Exit(1)
	}
	defer n.Shutdown()

	logger.Info("start node")
	go func() {
		if err = n.Start(ctx); err != nil {
			logger.Error("node run failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		logger.Error("shutdown due to error", "err", ctx.Err())
		os.Exit(1)
	}

	logger.Info("graceful shutdown")
}
