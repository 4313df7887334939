package adb

import (
	"testing"

	"github.com/rlanyon/farmhub/internal/infrastructure/config"
)

func TestNewServer_RequiresManaged(t *testing.T) {
	cfg := config.ADBConfig{Host: "127.0.0.1", Port: 5037, Managed: false}
	if _, err := NewServer(cfg, quietLogger()); err == nil {
		t.Error("NewServer() with Managed=false should fail")
	}
}

func TestNewServer_RequiresLogger(t *testing.T) {
	cfg := config.ADBConfig{Host: "127.0.0.1", Port: 5037, Managed: true}
	if _, err := NewServer(cfg, nil); err == nil {
		t.Error("NewServer() with nil logger should fail")
	}
}

func TestNewServer(t *testing.T) {
	cfg := config.ADBConfig{Host: "127.0.0.1", Port: 5037, Managed: true, Binary: "/usr/bin/adb"}

	s, err := NewServer(cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if s.Name() != "adb-server" {
		t.Errorf("Name() = %q, want %q", s.Name(), "adb-server")
	}
	if s.Running() {
		t.Error("Running() = true before Start()")
	}
}
