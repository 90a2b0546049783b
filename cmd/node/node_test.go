package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/config"
	"DeltaKV/internal/crdt"
	"DeltaKV/internal/quorum"
)

func tempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "deltakv-node-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	return dir
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Node.Listen != config.Default().Node.Listen {
		t.Errorf("listen = %q, want default", cfg.Node.Listen)
	}
}

func TestParseFlagsOverrideFile(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "node.yaml")

	content := `
node:
  listen: 127.0.0.1:7401
  http: 127.0.0.1:8401
cluster:
  members: [127.0.0.1:7401]
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := parseFlags([]string{
		"--config", path,
		"--listen", "127.0.0.1:7402",
		"--members", "127.0.0.1:7402,127.0.0.1:7403",
		"--log-level", "debug",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Node.Listen != "127.0.0.1:7402" {
		t.Errorf("listen = %q", cfg.Node.Listen)
	}

	if cfg.Node.HTTP != "127.0.0.1:8401" {
		t.Errorf("http = %q, want file value", cfg.Node.HTTP)
	}

	if len(cfg.Cluster.Members) != 2 {
		t.Errorf("members = %v", cfg.Cluster.Members)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--bootstrap"}},
		{"extra argument", []string{"serve"}},
		{"missing config", []string{"--config", "/nonexistent/deltakv.yaml"}},
		{"self not a member", []string{"--members", "127.0.0.1:9999"}},
		{"empty listen", []string{"--listen", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(tempDir(t), "keys", "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !first.Equal(second) {
		t.Error("reloaded key differs from generated key")
	}

	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := loadOrGenerateKey(path); err == nil {
		t.Error("expected error for truncated key")
	}

	if key, err := loadOrGenerateKey(""); err != nil || len(key) != ed25519.PrivateKeySize {
		t.Errorf("ephemeral key: %v", err)
	}
}

func TestParseTrustedKeys(t *testing.T) {
	key, err := generateNewKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := key.Public().(ed25519.PublicKey)

	keys, err := parseTrustedKeys([]string{hex.EncodeToString(pub)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(keys) != 1 || !keys[0].Equal(pub) {
		t.Errorf("keys = %x", keys)
	}

	if _, err := parseTrustedKeys([]string{"zz"}); err == nil {
		t.Error("expected error for invalid hex")
	}

	if _, err := parseTrustedKeys([]string{"abcd"}); err == nil {
		t.Error("expected error for short key")
	}
}

// TestNodeRestoresDurableWrites restarts a node on the same data directory.
func TestNodeRestoresDurableWrites(t *testing.T) {
	cfg := config.Default()
	cfg.Node.Listen = "127.0.0.1:0"
	cfg.Node.HTTP = ""
	cfg.Node.DataDir = tempDir(t)

	key, err := generateNewKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.start(); err != nil {
		node.Close()
		t.Fatalf("start: %v", err)
	}

	add := func(cur crdt.DeltaReplicatedData) (crdt.DeltaReplicatedData, error) {
		return cur.(*crdt.GSet).Add("a", "b"), nil
	}

	res, err := node.replicator.Update(context.Background(), "k", crdt.NewGSet(), add, quorum.Majority(time.Second), true)
	if err != nil {
		node.Close()
		t.Fatalf("update: %v", err)
	}

	if res.Status != aggregation.StatusSuccess {
		node.Close()
		t.Fatalf("update: got %s, want success", res.Status)
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	restarted, err := NewNode(cfg, key)
	if err != nil {
		t.Fatalf("recreate node: %v", err)
	}
	defer restarted.Close()

	env := restarted.replica.Get("k")
	if env == nil {
		t.Fatal("key not restored")
	}

	set, ok := env.Data.(*crdt.GSet)
	if !ok || set.Len() != 2 {
		t.Errorf("restored value = %v", env.Data)
	}
}
