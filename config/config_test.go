package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"trongateway-core/internal/testutil"
)

// resetViper clears global viper state between tests, since Load and
// defaults write into the package-level viper singleton.
func resetViper() {
	viper.Reset()
}

// TestLoadFromFile covers spec.md §6's config-file overlay, writing a YAML
// file into an isolated Sandbox directory rather than the repo tree so
// parallel test runs never collide on a shared path.
func TestLoadFromFile(t *testing.T) {
	resetViper()
	defer resetViper()

	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	yaml := []byte(`
scan:
  start_height: 42
  batch_size: 50
nodes:
  - url: http://node-a:8090
    priority: 0
cache:
  tx_ttl: 2m
`)
	if err := sb.WriteFile("config.yaml", yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(sb.Path("config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scan.StartHeight != 42 {
		t.Fatalf("start_height = %d, want 42", cfg.Scan.StartHeight)
	}
	if cfg.Scan.BatchSize != 50 {
		t.Fatalf("batch_size = %d, want 50", cfg.Scan.BatchSize)
	}
	if cfg.Scan.Confirmations != 19 {
		t.Fatalf("confirmations = %d, want default 19", cfg.Scan.Confirmations)
	}
	if len(cfg.Nodes) != 1 || cfg.Nodes[0].URL != "http://node-a:8090" {
		t.Fatalf("nodes = %+v, want one node-a entry", cfg.Nodes)
	}
	if cfg.Cache.TxTTL.String() != "2m0s" {
		t.Fatalf("cache.tx_ttl = %s, want 2m0s", cfg.Cache.TxTTL)
	}
}

// TestLoadRejectsOversizedBatch covers the validate() guard spec.md §6
// documents as a hard max, independent of the config file's own value.
func TestLoadRejectsOversizedBatch(t *testing.T) {
	resetViper()
	defer resetViper()

	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	yaml := []byte(`
scan:
  batch_size: 5000
nodes:
  - url: http://node-a:8090
`)
	if err := sb.WriteFile("config.yaml", yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(sb.Path("config.yaml")); err == nil {
		t.Fatalf("expected error for batch_size exceeding hard max")
	}
}

// TestLoadRequiresNodes covers validate()'s second guard: at least one node
// endpoint must be configured.
func TestLoadRequiresNodes(t *testing.T) {
	resetViper()
	defer resetViper()

	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	defer sb.Cleanup()

	if err := sb.WriteFile("config.yaml", []byte("scan:\n  batch_size: 10\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(sb.Path("config.yaml")); err == nil {
		t.Fatalf("expected error for missing nodes")
	}
}

func init() {
	// Quiet os.Environ pollution across test runs in this package: viper's
	// AutomaticEnv reads TGW_* variables, and a stray one from the host
	// shell would otherwise make these tests flaky.
	for _, k := range []string{"TGW_SCAN_START_HEIGHT", "TGW_SCAN_BATCH_SIZE", "TGW_NODES"} {
		_ = os.Unsetenv(k)
	}
}
