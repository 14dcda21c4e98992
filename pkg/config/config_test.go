package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesAdaptersAndInterfaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
node_id: node-1
listen_address: 0.0.0.0:8443
mtls:
  ca_file: ca.crt
  cert_file: node.crt
  key_file: node.key
storage:
  backend: rocksdb
  path: /var/lib/lqsrd
adapters:
  - name: vadapter0
    metric_type: 3
    alpha: 5
    penalty_factor: 2
    damping_factor: 10
    interfaces:
      - index: 0
        channel: 6
        bandwidth: 54000000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.NodeID != "node-1" {
		t.Fatalf("NodeID = %q, want node-1", c.NodeID)
	}
	if c.Storage.Backend != "rocksdb" {
		t.Fatalf("Storage.Backend = %q, want rocksdb", c.Storage.Backend)
	}
	if len(c.Adapters) != 1 {
		t.Fatalf("len(Adapters) = %d, want 1", len(c.Adapters))
	}
	a := c.Adapters[0]
	if a.Name != "vadapter0" || a.MetricType != 3 || a.DampingFactor != 10 {
		t.Fatalf("adapter = %+v, unexpected", a)
	}
	if len(a.Interfaces) != 1 || a.Interfaces[0].Channel != 6 {
		t.Fatalf("interfaces = %+v, unexpected", a.Interfaces)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
