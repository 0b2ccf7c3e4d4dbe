package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CALL_TOKEN", "tok")
	t.Setenv("CALL_API_URL", "https://api.example.test/")
	t.Setenv("CALL_SIGNAL_URL", "wss://relay.example.test/ws")
}

func TestLoad_MissingToken(t *testing.T) {
	setRequired(t)
	t.Setenv("CALL_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing CALL_TOKEN")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.APIURL != "https://api.example.test" {
		t.Errorf("expected trailing slash trimmed, got %q", c.APIURL)
	}
	if c.SettleDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms settle delay, got %s", c.SettleDelay)
	}
	if c.GatherTimeout != 5*time.Second {
		t.Errorf("expected 5s gather timeout, got %s", c.GatherTimeout)
	}
	if c.AutoRejectTimeout != 60*time.Second {
		t.Errorf("expected 60s auto-reject, got %s", c.AutoRejectTimeout)
	}
	if c.SendAttempts != 3 {
		t.Errorf("expected 3 send attempts, got %d", c.SendAttempts)
	}
	if len(c.ICEServers) != 1 || c.ICEServers[0] != defaultICEServer {
		t.Errorf("unexpected ICE servers: %v", c.ICEServers)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CALL_SETTLE_DELAY", "0s")
	t.Setenv("CALL_GATHER_TIMEOUT", "2s")
	t.Setenv("CALL_ICE_SERVERS", "stun:a.test:3478, turn:b.test:3478")
	t.Setenv("CALL_ROLE", "staff")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SettleDelay != 0 {
		t.Errorf("expected settle delay disabled, got %s", c.SettleDelay)
	}
	if c.GatherTimeout != 2*time.Second {
		t.Errorf("expected 2s, got %s", c.GatherTimeout)
	}
	if len(c.ICEServers) != 2 || c.ICEServers[1] != "turn:b.test:3478" {
		t.Errorf("unexpected ICE servers: %v", c.ICEServers)
	}
	if c.Role != "staff" {
		t.Errorf("expected staff role, got %q", c.Role)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"bad role":     {"CALL_ROLE", "admin"},
		"bad duration": {"CALL_GATHER_TIMEOUT", "soon"},
		"zero sends":   {"CALL_SEND_ATTEMPTS", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}
