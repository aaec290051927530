package config

import (
	"testing"
	"time"
)

func TestLoadRequiresIdentity(t *testing.T) {
	t.Setenv("NEOSPHERE_AGENT_ID", "")
	t.Setenv("NEOSPHERE_CONNECTION_CODE", "code-1")

	if _, err := Load(); err == nil {
		t.Error("Expected error when NEOSPHERE_AGENT_ID is empty")
	}

	t.Setenv("NEOSPHERE_AGENT_ID", "agent.one")
	t.Setenv("NEOSPHERE_CONNECTION_CODE", "")
	if _, err := Load(); err == nil {
		t.Error("Expected error when NEOSPHERE_CONNECTION_CODE is empty")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NEOSPHERE_AGENT_ID", "agent.one")
	t.Setenv("NEOSPHERE_CONNECTION_CODE", "code-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hostname != "n10s.net" {
		t.Errorf("Expected default hostname n10s.net, got %q", cfg.Hostname)
	}
	if cfg.ClientName != "neosphere-go" {
		t.Errorf("Expected default client name neosphere-go, got %q", cfg.ClientName)
	}
	if cfg.Connection.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected 30s heartbeat, got %v", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Connection.MaxReconnects != 0 {
		t.Errorf("Expected unlimited reconnects, got %d", cfg.Connection.MaxReconnects)
	}
	if cfg.IsLocal() {
		t.Error("Expected production hostname not to be local")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NEOSPHERE_AGENT_ID", "agent.one")
	t.Setenv("NEOSPHERE_CONNECTION_CODE", "code-1")
	t.Setenv("NEOSPHERE_HOST", "localhost:8080")
	t.Setenv("NEOSPHERE_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("NEOSPHERE_QUEUE_SENDS", "true")
	t.Setenv("NEOSPHERE_QUEUE_DEPTH", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsLocal() {
		t.Error("Expected localhost hostname to be local")
	}
	if cfg.Connection.HeartbeatInterval != 5*time.Second {
		t.Errorf("Expected 5s heartbeat, got %v", cfg.Connection.HeartbeatInterval)
	}
	if !cfg.Connection.QueueSends || cfg.Connection.QueueDepth != 16 {
		t.Errorf("Expected queueing with depth 16, got %+v", cfg.Connection)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("NEOSPHERE_AGENT_ID", "agent.one")
	t.Setenv("NEOSPHERE_CONNECTION_CODE", "code-1")
	t.Setenv("NEOSPHERE_HEARTBEAT_INTERVAL", "soon")
	t.Setenv("NEOSPHERE_QUEUE_DEPTH", "many")
	t.Setenv("NEOSPHERE_QUEUE_SENDS", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Connection.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected fallback heartbeat, got %v", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Connection.QueueDepth != 64 {
		t.Errorf("Expected fallback queue depth, got %d", cfg.Connection.QueueDepth)
	}
	if cfg.Connection.QueueSends {
		t.Error("Expected fallback queue mode off")
	}
}
