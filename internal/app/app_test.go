package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("KDS_DEVICE_ID", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := []byte("http:\n  port: 4000\nkitchen:\n  station: barista\nlan:\n  device_id: from-file\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		opts        Options
		wantPort    int
		wantStation string
		wantDevice  string
	}{
		{"file only", Options{ConfigPath: path}, 4000, "barista", "from-file"},
		{"flags win", Options{ConfigPath: path, Port: 4100, Station: "display", DeviceID: "kds-9"}, 4100, "display", "kds-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(tt.opts)
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			if cfg.HTTP.Port != tt.wantPort || cfg.Kitchen.Station != tt.wantStation || cfg.LAN.DeviceID != tt.wantDevice {
				t.Fatalf("got port=%d station=%s device=%s", cfg.HTTP.Port, cfg.Kitchen.Station, cfg.LAN.DeviceID)
			}
		})
	}
}

func TestDefaultDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("kitchen:\n  station: kitchen\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KDS_DEVICE_ID", "")
	cfg, err := LoadConfig(Options{Mode: ModeKitchenDisplay, ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	host, _ := os.Hostname()
	if want := "kds-kitchen-" + host; cfg.LAN.DeviceID != want {
		t.Fatalf("device id = %q, want %q", cfg.LAN.DeviceID, want)
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: error\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := Run(context.Background(), Options{Mode: "order-service", ConfigPath: path})
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
}
