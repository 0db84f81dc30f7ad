package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.local
  user: kds
  database: bakery
rabbitmq:
  host: mq.local
  user: guest
  password: guest
dispatch:
  store: postgres
  max_attempts: 4
  base_backoff: 1s
  max_backoff: 30s
kitchen:
  station: barista
  urgent_after: 5m
lan:
  codec: cbor
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.local" || cfg.Database.Port != 5432 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Dispatch.Store != "postgres" || cfg.Dispatch.MaxAttempts != 4 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.AckTimeout != 2*time.Second {
		t.Errorf("ack_timeout default = %v, want 2s", cfg.Dispatch.AckTimeout)
	}
	if cfg.Kitchen.Station != "barista" || cfg.Kitchen.UrgentAfter != 5*time.Minute {
		t.Errorf("kitchen = %+v", cfg.Kitchen)
	}
	if cfg.Kitchen.RecomputeInterval != 30*time.Second || cfg.Kitchen.AutoRemoveDelay != 5*time.Second {
		t.Errorf("kitchen defaults lost: %+v", cfg.Kitchen)
	}
	if cfg.LAN.Codec != "cbor" || !cfg.RabbitConfigured() {
		t.Errorf("lan = %+v", cfg.LAN)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	path := writeConfig(t, "dispatch:\n  store: memory\n")
	t.Setenv("KDS_RABBITMQ_PASSWORD", "s3cret")
	t.Setenv("KDS_TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("KDS_DEVICE_ID", "pos-1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Rabbit.Pass != "s3cret" || cfg.Telegram.ChatID != -100123 || cfg.LAN.DeviceID != "pos-1" {
		t.Fatalf("env overrides not applied: %+v %+v %+v", cfg.Rabbit, cfg.Telegram, cfg.LAN)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*App)
	}{
		{"unknown store", func(a *App) { a.Dispatch.Store = "redis" }},
		{"postgres without host", func(a *App) { a.Dispatch.Store = "postgres" }},
		{"unknown codec", func(a *App) { a.LAN.Codec = "xml" }},
		{"zero attempts", func(a *App) { a.Dispatch.MaxAttempts = 0 }},
		{"inverted backoff", func(a *App) { a.Dispatch.MaxBackoff = time.Millisecond }},
		{"sub-second auto remove", func(a *App) { a.Kitchen.AutoRemoveDelay = 500 * time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Default()
			tt.mutate(&a)
			if err := a.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestDSN(t *testing.T) {
	d := DB{Host: "h", Port: 5433, User: "u", Pass: "p", Name: "n"}
	if got, want := d.DSN(), "postgres://u:p@h:5433/n"; got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}
