package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RAASEL_NODE_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Store.SQLitePath != "raasel.db" {
		t.Fatalf("unexpected sqlite path %q", cfg.Store.SQLitePath)
	}
	if cfg.Presence.Backend != PresenceMemory || cfg.Relay.Backend != RelayLoopback {
		t.Fatalf("unexpected backends %q/%q", cfg.Presence.Backend, cfg.Relay.Backend)
	}
	if cfg.Assignment.LoadCeiling != 5 || cfg.Assignment.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected assignment config %+v", cfg.Assignment)
	}
	if cfg.Realtime.TypingTTL != 5*time.Second || cfg.Realtime.RegistryTTL != time.Minute {
		t.Fatalf("unexpected realtime config %+v", cfg.Realtime)
	}
	if cfg.Relay.NodeID == "" {
		t.Fatal("expected a generated node id")
	}
}

func TestLoadServerAddr(t *testing.T) {
	cases := map[string]string{
		"9090":           ":9090",
		":7070":          ":7070",
		"127.0.0.1:6060": "127.0.0.1:6060",
	}
	for port, want := range cases {
		t.Setenv("PORT", port)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load %q: %v", port, err)
		}
		if cfg.Server.Addr != want {
			t.Fatalf("PORT=%q: expected %q, got %q", port, want, cfg.Server.Addr)
		}
	}

	t.Setenv("PORT", "80 80")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for PORT with spaces")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RAASEL_PRESENCE_BACKEND", "redis")
	t.Setenv("RAASEL_RELAY_BACKEND", "amqp")
	t.Setenv("RAASEL_NODE_ID", "node-a")
	t.Setenv("RAASEL_TYPING_TTL", "3s")
	t.Setenv("RAASEL_AGENT_LOAD_CEILING", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.NodeID != "node-a" {
		t.Fatalf("expected node-a, got %q", cfg.Relay.NodeID)
	}
	if cfg.Realtime.TypingTTL != 3*time.Second {
		t.Fatalf("expected 3s typing ttl, got %s", cfg.Realtime.TypingTTL)
	}
	if cfg.Assignment.LoadCeiling != 2 {
		t.Fatalf("expected ceiling 2, got %d", cfg.Assignment.LoadCeiling)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("duration", func(t *testing.T) {
		t.Setenv("RAASEL_TYPING_TTL", "soon")
		_, err := Load()
		if err == nil || !strings.Contains(err.Error(), "parse env:") {
			t.Fatalf("expected parse env error, got %v", err)
		}
	})
	t.Run("backend", func(t *testing.T) {
		t.Setenv("RAASEL_RELAY_BACKEND", "carrier-pigeon")
		if _, err := Load(); err == nil {
			t.Fatal("expected error for unknown relay backend")
		}
	})
	t.Run("amqp needs shared presence", func(t *testing.T) {
		t.Setenv("RAASEL_RELAY_BACKEND", "amqp")
		t.Setenv("RAASEL_PRESENCE_BACKEND", "memory")
		if _, err := Load(); err == nil {
			t.Fatal("expected error for amqp relay with memory presence")
		}
	})
}
