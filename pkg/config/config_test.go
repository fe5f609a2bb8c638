package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for explicitly named missing file")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Transport.Kind != "tcp" || cfg.Transport.Host != "127.0.0.1" {
		t.Fatalf("unexpected transport defaults: %#v", cfg.Transport)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log.level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dproc.yaml")
	body := "" +
		"app_name: demo\n" +
		"transport:\n" +
		"  kind: MEM\n" +
		"chaos:\n" +
		"  loss: 0.25\n" +
		"  seed: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppName != "demo" {
		t.Fatalf("app_name = %q", cfg.AppName)
	}
	if cfg.Transport.Kind != "mem" {
		t.Fatalf("kind should normalize to lowercase, got %q", cfg.Transport.Kind)
	}
	if cfg.Chaos.Loss != 0.25 || cfg.Chaos.Seed != 7 {
		t.Fatalf("chaos config mismatch: %#v", cfg.Chaos)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dproc.yaml")
	if err := os.WriteFile(path, []byte("transport:\n  kind: carrier-pigeon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown transport kind")
	}

	if err := os.WriteFile(path, []byte("chaos:\n  loss: 1.5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for loss out of range")
	}
}
