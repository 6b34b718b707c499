// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	ServerURL   string
	UserID      string
	StunServers []string
	LogLevel    string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerURL: os.Getenv("LOQUI_SERVER_URL"),
		UserID:    os.Getenv("LOQUI_USER_ID"),
		LogLevel:  os.Getenv("LOQUI_LOG_LEVEL"),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("LOQUI_SERVER_URL environment variable is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("LOQUI_USER_ID environment variable is required")
	}

	stun := os.Getenv("LOQUI_STUN_SERVERS")
	if stun == "" {
		stun = "stun:stun.l.google.com:19302"
	}
	for _, s := range strings.Split(stun, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.StunServers = append(cfg.StunServers, s)
		}
	}

	return cfg, nil
}

// WebSocketURL derives the duplex channel endpoint from the server base URL:
// the secure variant iff the base URL is secure, same host, fixed /ws path.
func (c *Config) WebSocketURL() string {
	return sanitizeWebSocketURL(c.ServerURL)
}

func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, s := range c.StunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return servers
}

var httpToWS = regexp.MustCompile(`^http://`)
var httpsToWSS = regexp.MustCompile(`^https://`)

func sanitizeWebSocketURL(wsURL string) string {
	wsURL = httpToWS.ReplaceAllString(wsURL, "ws://")
	wsURL = httpsToWSS.ReplaceAllString(wsURL, "wss://")
	wsURL = strings.TrimRight(wsURL, "/")
	if !strings.HasSuffix(wsURL, "/ws") {
		wsURL += "/ws"
	}
	return wsURL
}
