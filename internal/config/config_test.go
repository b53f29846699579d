package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestLoadCreatesDefaultConfigOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProcessCron != "*/1 * * * *" || cfg.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestLoadNormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("timezone: Asia/Seoul\nworkers: 0\nbasic_auth:\n  username: \"\"\n  password: \"\"\nemail:\n  host: smtp.example.com\n  from: cal@example.com\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timezone != "Asia/Seoul" || cfg.Workers != 4 || cfg.Email.Port != 587 {
		t.Fatalf("unexpected normalized config: %+v", cfg)
	}
	if cfg.BasicAuth != nil {
		t.Fatalf("empty credentials should disable basic auth")
	}
	if cfg.ProviderTimeout() != 30*time.Second {
		t.Fatalf("unexpected provider timeout %v", cfg.ProviderTimeout())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"timezone": "timezone: Mars/Olympus\n",
		"cron":     "process_cron: every minute\n",
		"email":    "email:\n  host: smtp.example.com\n",
		"sub":      "subscriptions:\n  - url: https://example.com/a.ics\n",
		"calendar": "calendars:\n  - id: 1\n    owner: principals/users/a\n    timezone: Nowhere/Land\n",
		"user":     "users:\n  - principal: principals/users/a\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Listen = "0.0.0.0:9000"
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "secret"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Listen != "0.0.0.0:9000" || loaded.BasicAuth == nil || loaded.BasicAuth.Username != "admin" {
		t.Fatalf("unexpected loaded config: %+v", loaded)
	}
}

func TestLoadNamesUnnamedSubscriptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("subscriptions:\n  - url: https://example.com/team.ics\n    calendar_id: 3\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].ID != "sub-1" || cfg.SyncCron != "*/15 * * * *" {
		t.Fatalf("unexpected subscriptions: %+v", cfg)
	}
}
