package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/api"
	"DeltaKV/internal/config"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/membership"
	"DeltaKV/internal/metrics"
	"DeltaKV/internal/network"
	"DeltaKV/internal/replicator"
	"DeltaKV/internal/state"
	"DeltaKV/internal/storage"
)

// Node is one DeltaKV replica process.
type Node struct {
	cfg        *config.Config
	privateKey ed25519.PrivateKey

	storage    *storage.Storage       // storage is nil without a data directory
	durable    *state.Durable         // durable persists envelopes, nil without storage
	replica    *state.Replica         // replica is the in-memory state
	network    *network.Node          // network carries replica traffic
	codec      aggregation.Codec      // codec encodes replica messages
	members    *membership.Membership // members tracks reachability
	metrics    *metrics.Metrics       // metrics is served on /metrics
	replicator *replicator.Replicator // replicator coordinates reads and writes
	api        *api.Server            // api is nil when HTTP is disabled
}

// NewNode creates a node from a validated configuration.
func NewNode(cfg *config.Config, key ed25519.PrivateKey) (*Node, error) {
	n := &Node{
		cfg:        cfg,
		privateKey: key,
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initReplica(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.initReplicator()
	n.initAPI()

	return n, nil
}

// Run starts the node and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.start(); err != nil {
		n.Close()
		return err
	}

	return n.waitForShutdown()
}

// start brings up the network, dials the other members and serves the API.
func (n *Node) start() error {
	n.replicator.Attach(n.network, n.codec)

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.replicator.ConnectPeers(n.network)

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	logger.Info("node started",
		"self", n.members.Self(),
		"peers", len(n.members.Peers()),
	)

	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.durable != nil {
		n.durable.Close()
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}
