package reload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/cache/memtier"
	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/pipeline"
	"github.com/yatagarasu/yatagarasu/internal/resource"
)

const validYAML = `
server:
  address: "0.0.0.0"
  port: 8080
  threads: 4
  max_concurrent_requests: 16
buckets:
  - name: assets
    path_prefix: /assets
    s3:
      bucket: my-bucket
      endpoint: https://origin.example.com
      access_key: AKIAEXAMPLE
      secret_key: secret
cache:
  memory:
    max_capacity: 1048576
`

const invalidYAML = `
server:
  address: "0.0.0.0"
  port: 8080
buckets:
  - name: assets
    path_prefix: assets
    s3:
      bucket: my-bucket
      endpoint: https://origin.example.com
`

func newTestController(t *testing.T, yamlBody string) (*Controller, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	gen, err := pipeline.BuildGeneration(cfg, 1)
	if err != nil {
		t.Fatalf("BuildGeneration: %v", err)
	}

	mem := memtier.New(1<<20, 0)
	t.Cleanup(mem.Close)
	tiered := cache.New(mem, nil)
	admission := resource.NewAdmission(cfg.Server.MaxConcurrentRequests)

	p := pipeline.New(gen, tiered, admission, nil)
	return New(path, p, cfg, 1), path
}

func TestReloadSucceedsOnValidChange(t *testing.T) {
	c, path := newTestController(t, validYAML)

	updated := validYAML + "\n" // trivial but valid change
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	result := c.Reload()
	if !result.Success {
		t.Fatalf("expected reload to succeed, got error: %s", result.Error)
	}
	if result.ConfigGeneration != 2 {
		t.Fatalf("expected generation 2, got %d", result.ConfigGeneration)
	}
	if c.CurrentGeneration() != 2 {
		t.Fatalf("controller generation = %d, want 2", c.CurrentGeneration())
	}
}

func TestReloadFailsOnValidationError(t *testing.T) {
	c, path := newTestController(t, validYAML)

	if err := os.WriteFile(path, []byte(invalidYAML), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	result := c.Reload()
	if result.Success {
		t.Fatal("expected reload to fail on an invalid path_prefix")
	}
	if c.CurrentGeneration() != 1 {
		t.Fatalf("expected generation to remain 1 on failed reload, got %d", c.CurrentGeneration())
	}
}

func TestReloadFailsOnRestartOnlyFieldChange(t *testing.T) {
	c, path := newTestController(t, validYAML)

	changedPort := `
server:
  address: "0.0.0.0"
  port: 9999
  max_concurrent_requests: 16
buckets:
  - name: assets
    path_prefix: /assets
    s3:
      bucket: my-bucket
      endpoint: https://origin.example.com
      access_key: AKIAEXAMPLE
      secret_key: secret
cache:
  memory:
    max_capacity: 1048576
`
	if err := os.WriteFile(path, []byte(changedPort), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	result := c.Reload()
	if result.Success {
		t.Fatal("expected reload to fail when server.port changes")
	}
	if c.CurrentGeneration() != 1 {
		t.Fatalf("expected generation to remain 1, got %d", c.CurrentGeneration())
	}
}
