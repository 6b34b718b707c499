// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "testing"

func TestSanitizeWebSocketURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com", "wss://chat.example.com/ws"},
		{"https://chat.example.com/", "wss://chat.example.com/ws"},
		{"https://chat.example.com/ws", "wss://chat.example.com/ws"},
		{"wss://chat.example.com", "wss://chat.example.com/ws"},
	}
	for _, c := range cases {
		if got := sanitizeWebSocketURL(c.in); got != c.want {
			t.Errorf("sanitizeWebSocketURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("LOQUI_SERVER_URL", "https://chat.example.com")
	t.Setenv("LOQUI_USER_ID", "u1")
	t.Setenv("LOQUI_STUN_SERVERS", "")
	t.Setenv("LOQUI_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ServerURL != "https://chat.example.com" || cfg.UserID != "u1" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.WebSocketURL() != "wss://chat.example.com/ws" {
		t.Fatalf("unexpected websocket url %q", cfg.WebSocketURL())
	}
	if len(cfg.StunServers) != 1 || cfg.StunServers[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("default stun servers not applied: %v", cfg.StunServers)
	}
}

func TestLoadConfigStunList(t *testing.T) {
	t.Setenv("LOQUI_SERVER_URL", "http://localhost:8080")
	t.Setenv("LOQUI_USER_ID", "u1")
	t.Setenv("LOQUI_STUN_SERVERS", "stun:one:3478, stun:two:3478 ,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.StunServers) != 2 || cfg.StunServers[0] != "stun:one:3478" || cfg.StunServers[1] != "stun:two:3478" {
		t.Fatalf("stun list not parsed: %v", cfg.StunServers)
	}
	ice := cfg.ICEServers()
	if len(ice) != 2 || ice[0].URLs[0] != "stun:one:3478" {
		t.Fatalf("ice servers not derived: %+v", ice)
	}
}

func TestLoadConfigRequiredVars(t *testing.T) {
	t.Setenv("LOQUI_SERVER_URL", "")
	t.Setenv("LOQUI_USER_ID", "u1")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("missing server URL accepted")
	}

	t.Setenv("LOQUI_SERVER_URL", "http://localhost:8080")
	t.Setenv("LOQUI_USER_ID", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("missing user id accepted")
	}
}
