package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
worker:
  concurrency: 6
  visibility_timeout_seconds: 120
  idle_poll_seconds: 2
  user_agent: schema-agent
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
queue:
  backend: memory
  max_retries: 5
db:
  dsn: postgres://crawler@localhost/catalog
  max_open_conns: 12
index:
  endpoint: https://index.internal
  batch_size: 50
embedding:
  endpoint: https://embed.internal
  model: text-embedding-3-large
  dimension: 3072
archive:
  gcs_bucket: bucket
  local_dir: /var/spool/schemacrawler/archive
  prefix: raw
scheduler:
  enabled: true
  interval_seconds: 300
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.UserAgent != "schema-agent" {
		t.Fatalf("expected worker overrides to apply")
	}
	if cfg.Queue.Backend != "memory" || cfg.Queue.MaxRetries != 5 {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if cfg.Index.Endpoint != "https://index.internal" || cfg.Index.BatchSize != 50 {
		t.Fatalf("expected index overrides to apply: %+v", cfg.Index)
	}
	if cfg.Embedding.Dimension != 3072 {
		t.Fatalf("expected embedding dimension 3072, got %d", cfg.Embedding.Dimension)
	}
	if got := cfg.VisibilityTimeout(); got != 120*time.Second {
		t.Fatalf("expected visibility timeout 120s, got %v", got)
	}
	if cfg.Archive.GCSBucket != "bucket" || cfg.Archive.LocalDir != "/var/spool/schemacrawler/archive" {
		t.Fatalf("expected archive overrides to apply: %+v", cfg.Archive)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Backend != "file" || cfg.Queue.Dir == "" {
		t.Fatalf("expected file queue defaults, got %+v", cfg.Queue)
	}
	if cfg.Worker.VisibilityTimeoutSec != 300 {
		t.Fatalf("expected default visibility timeout 300s, got %d", cfg.Worker.VisibilityTimeoutSec)
	}
	if cfg.Index.BatchSize != 100 {
		t.Fatalf("expected default index batch size 100, got %d", cfg.Index.BatchSize)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Worker: WorkerConfig{Concurrency: 1, VisibilityTimeoutSec: 60},
		HTTP:   HTTPConfig{TimeoutSeconds: 10},
		Queue:  QueueConfig{Backend: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Worker.Concurrency = 0
				return c
			}(),
			want: "worker.concurrency",
		},
		{
			name: "invalid visibility timeout",
			cfg: func() Config {
				c := base
				c.Worker.VisibilityTimeoutSec = 0
				return c
			}(),
			want: "worker.visibility_timeout_seconds",
		},
		{
			name: "invalid http timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "unknown queue backend",
			cfg: func() Config {
				c := base
				c.Queue.Backend = "sqs"
				return c
			}(),
			want: "queue.backend",
		},
		{
			name: "file backend missing dir",
			cfg: func() Config {
				c := base
				c.Queue.Backend = "file"
				c.Queue.Dir = ""
				return c
			}(),
			want: "queue.dir",
		},
		{
			name: "pubsub backend missing ids",
			cfg: func() Config {
				c := base
				c.Queue.Backend = "pubsub"
				return c
			}(),
			want: "queue.project_id",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "scheduler invalid interval",
			cfg: func() Config {
				c := base
				c.Scheduler.Enabled = true
				c.Scheduler.IntervalSeconds = 0
				return c
			}(),
			want: "scheduler.interval_seconds",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
