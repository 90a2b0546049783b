package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"DeltaKV/internal/config"
	"DeltaKV/internal/logger"
)

func main() {
	logger.Init()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	key, err := loadOrGenerateKey(cfg.Node.KeyFile)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, key)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *config.Config, key ed25519.PrivateKey) {
	pubKey := key.Public().(ed25519.PublicKey)

	logger.Info("starting DeltaKV node",
		"pubkey", hex.EncodeToString(pubKey),
		"listen", cfg.Node.Listen,
		"http", cfg.Node.HTTP,
		"data", cfg.Node.DataDir,
		"members", len(cfg.Cluster.Members),
		"consistency", cfg.Replication.Consistency,
		"timeout", cfg.Replication.Timeout,
	)
}
