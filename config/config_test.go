package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: s3cret
store:
  trips: postgres
  presence: redis
db:
  host: db
dispatch:
  match_timeout: 45s
fare:
  rates:
    van:
      base: 50
      per_km: 14
      per_min: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DB.Host != "db" || cfg.DB.Port != "5432" {
		t.Errorf("db = %+v", cfg.DB)
	}
	if cfg.Store.Trips != BackendPostgres || cfg.Store.Presence != BackendRedis {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Dispatch.MatchTimeout != 45*time.Second {
		t.Errorf("match timeout = %v", cfg.Dispatch.MatchTimeout)
	}
	if cfg.Agent.ReconnectDelay != 2*time.Second || cfg.Agent.QueueCap != 256 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if van := cfg.Fare.Rates["van"]; van.Base != 50 || van.PerKm != 14 {
		t.Errorf("van rate = %+v", van)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: from-file\n")
	t.Setenv("DISPATCH_AUTH_JWT_SECRET", "from-env")
	t.Setenv("DISPATCH_HUB_QUEUE_SIZE", "8")
	t.Setenv("DISPATCH_PRESENCE_STALE_AFTER", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Hub.QueueSize != 8 {
		t.Errorf("queue size = %d", cfg.Hub.QueueSize)
	}
	if cfg.Presence.StaleAfter != 90*time.Second {
		t.Errorf("stale after = %v", cfg.Presence.StaleAfter)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing secret":   "log:\n  level: debug\n",
		"unknown trips":    "auth:\n  jwt_secret: x\nstore:\n  trips: mongo\n",
		"unknown presence": "auth:\n  jwt_secret: x\nstore:\n  presence: etcd\n",
		"slow keepalive":   "auth:\n  jwt_secret: x\npresence:\n  stale_after: 1m\n  keepalive: 1m\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
