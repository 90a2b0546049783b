package main

import (
	"fmt"
	"os"
	"path/filepath"

	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/api"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/membership"
	"DeltaKV/internal/metrics"
	"DeltaKV/internal/network"
	"DeltaKV/internal/replicator"
	"DeltaKV/internal/state"
	"DeltaKV/internal/storage"
)

// initStorage opens the Pebble storage when a data directory is set.
func (n *Node) initStorage() error {
	if n.cfg.Node.DataDir == "" {
		logger.Warn("no data directory, durable writes will fail")
		return nil
	}

	if err := os.MkdirAll(n.cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.Node.DataDir, "db"), storage.Options{})
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.durable = state.NewDurable(db)

	return nil
}

// initReplica creates the local replica and restores stored envelopes.
func (n *Node) initReplica() error {
	n.replica = state.NewReplica(n.cfg.Node.Listen)

	if n.durable == nil {
		return nil
	}

	count, err := n.durable.LoadInto(n.replica)
	if err != nil {
		return fmt.Errorf("restore replica:\n%w", err)
	}

	logger.Info("replica restored", "keys", count)

	return nil
}

// initNetwork initializes the QUIC node.
func (n *Node) initNetwork() error {
	trusted, err := parseTrustedKeys(n.cfg.Cluster.TrustedKeys)
	if err != nil {
		return err
	}

	node, err := network.NewNode(network.Config{
		PrivateKey:     n.privateKey,
		ListenAddr:     n.cfg.Node.Listen,
		ReconnectDelay: n.cfg.Cluster.ReconnectDelay,
		DialTimeout:    n.cfg.Cluster.DialTimeout,
		TrustedKeys:    trusted,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initReplicator wires membership, metrics and transport into the replicator.
func (n *Node) initReplicator() {
	repl := n.cfg.Replication

	n.members = membership.New(n.cfg.Node.Listen, n.cfg.Cluster.Members)
	n.metrics = metrics.New()
	n.codec = aggregation.Codec{CompressThreshold: repl.CompressThreshold}

	// A nil *state.Durable must not become a non-nil interface.
	var store aggregation.DurableStore
	if n.durable != nil {
		store = n.durable
	}

	n.replicator = replicator.New(replicator.Config{
		Policy:     repl.Policy(),
		RetryRatio: repl.RetryRatio,
		ReadRepair: repl.ReadRepair,
	}, n.replica, store, n.members, aggregation.NewNodeTransport(n.network, n.codec), n.metrics)

	n.members.OnChange(func(addr string, reachable bool) {
		logger.Info("member reachability changed", "addr", addr, "reachable", reachable)
	})
}

// initAPI creates the HTTP API when an address is set.
func (n *Node) initAPI() {
	if n.cfg.Node.HTTP == "" {
		return
	}

	repl := n.cfg.Replication

	n.api = api.New(n.cfg.Node.HTTP, n.replicator, n.members, n.metrics, api.Defaults{
		Consistency: repl.Consistency,
		Timeout:     repl.Timeout,
		Durable:     repl.Durable,
	})
}
