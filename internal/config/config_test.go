package config

import (
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.APIPort != DefaultAPIPort {
		t.Fatalf("api port = %d", cfg.Gateway.APIPort)
	}

	// The defaults file must have been written and be loadable again.
	if _, err := Load(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := filepath.Abs(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatal(err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	gw := cfg.GetGateway()
	gw.Monitor = append(gw.Monitor, MonitorTarget{Host: "192.0.2.5", Port: 27015})
	cfg.SetGateway(gw)
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	targets := loaded.GetGateway().Monitor
	if len(targets) != 1 || targets[0].Addr() != "192.0.2.5:27015" {
		t.Fatalf("monitor targets = %+v", targets)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if result := Validate(cfg); !result.IsValid() {
		t.Fatalf("default config invalid: %+v", result.Errors)
	}

	cfg.Gateway.APIPort = 70000
	cfg.Gateway.Monitor = []MonitorTarget{{Host: "", Port: 0}}
	cfg.ApplicationData.MQTT.Enabled = true

	result := Validate(cfg)
	if result.IsValid() {
		t.Fatal("expected validation errors")
	}
	// Bad api port, empty monitor host, bad monitor port, mqtt without broker.
	if len(result.Errors) != 4 {
		t.Fatalf("errors = %+v", result.Errors)
	}
}

func TestValidatePortCollision(t *testing.T) {
	cfg := Default()
	cfg.Gateway.LogPort = cfg.Gateway.APIPort

	if result := Validate(cfg); result.IsValid() {
		t.Fatal("expected collision error")
	}
}
