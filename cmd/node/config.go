package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"DeltaKV/internal/config"
)

const usage = `Usage:
    node [options]

Options:
    --config <path>       YAML configuration file
    --listen <addr>       QUIC replica address, also the node's member address
    --http <addr>         HTTP API address, empty disables the API
    --data <dir>          Data directory, empty keeps state in memory
    --members <addrs>     Comma-separated replica addresses, self included
    --key <path>          Ed25519 private key path (generated if missing)
    --log-level <level>   debug, info, warn or error
    -h, --help            Print command line options.
`

// parseFlags loads the configuration file named by --config and applies
// the flags that were set on top of it.
func parseFlags(args []string) (*config.Config, error) {
	cmd := flag.NewFlagSet("node", flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	var (
		path     string
		listen   string
		httpAddr string
		dataDir  string
		members  []string
		keyFile  string
		logLevel string
	)

	cmd.StringVar(&path, "config", "", "YAML configuration file")
	cmd.StringVar(&listen, "listen", "", "QUIC replica address")
	cmd.StringVar(&httpAddr, "http", "", "HTTP API address")
	cmd.StringVar(&dataDir, "data", "", "Data directory")
	cmd.StringSliceVar(&members, "members", nil, "Comma-separated replica addresses")
	cmd.StringVar(&keyFile, "key", "", "Ed25519 private key path")
	cmd.StringVar(&logLevel, "log-level", "", "Log level")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	if cmd.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", cmd.Args())
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Changed("listen") {
		cfg.Node.Listen = listen
	}
	if cmd.Changed("http") {
		cfg.Node.HTTP = httpAddr
	}
	if cmd.Changed("data") {
		cfg.Node.DataDir = dataDir
	}
	if cmd.Changed("members") {
		cfg.Cluster.Members = members
	}
	if cmd.Changed("key") {
		cfg.Node.KeyFile = keyFile
	}
	if cmd.Changed("log-level") {
		cfg.Log.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	return cfg, nil
}

// parseTrustedKeys decodes hex ed25519 public keys.
func parseTrustedKeys(hexKeys []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(hexKeys))

	for _, h := range hexKeys {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q:\n%w", h, err)
		}

		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %q: got %d bytes, want %d", h, len(b), ed25519.PublicKeySize)
		}

		keys = append(keys, ed25519.PublicKey(b))
	}

	return keys, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create key directory:\n%w", err)
	}

	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
