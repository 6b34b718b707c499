// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sound gates notification playback on settings hydration: nothing
// plays automatically until the signed-in user's settings have been
// authoritatively loaded, and an account switch resets the gate so the next
// user cannot inherit the previous account's sound state.
package sound

import (
	"log/slog"
	"sync"

	"github.com/loqui-im/realtime/internal/constants"
)

// Settings are the persisted per-user notification sound settings. The
// hydrated flag lives in the Gate, not here.
type Settings struct {
	Enabled bool
	Sound   string
	Volume  int // 0–100
}

func defaultSettings() Settings {
	return Settings{
		Enabled: false,
		Sound:   constants.DefaultSound,
		Volume:  constants.DefaultVolume,
	}
}

// Partial is an optimistic local update; nil fields are left untouched.
type Partial struct {
	Enabled *bool
	Sound   *string
	Volume  *int
}

// Player performs the actual audio output. Play must be quick to return;
// failures (e.g. no output device, platform autoplay policy) are reported
// as errors and never panic.
type Player interface {
	Play(sound string, volume int) error
}

// Gate is the single process-wide sound manager. One instance is
// constructed at session start and lives across account switches via Reset.
type Gate struct {
	mu       sync.Mutex
	settings Settings
	hydrated bool

	player    Player
	newPlayer func() Player

	logger *slog.Logger
}

// NewGate wires a Gate over a shared player and a factory used by TestSound
// for independent preview instances.
func NewGate(player Player, newPlayer func() Player) *Gate {
	return &Gate{
		settings:  defaultSettings(),
		player:    player,
		newPlayer: newPlayer,
		logger:    slog.With("component", "sound"),
	}
}

// Hydrate installs authoritative, server-confirmed settings and unlocks
// automatic playback. Only call after a validated settings fetch for the
// current user.
func (g *Gate) Hydrate(s Settings) {
	g.mu.Lock()
	g.settings = s
	g.hydrated = true
	g.mu.Unlock()
	g.logger.Debug("settings hydrated", "enabled", s.Enabled, "sound", s.Sound, "volume", s.Volume)
}

// PrimeLocal applies an optimistic partial update for immediate UI feedback.
// It never sets hydrated: an update that has not been confirmed by the
// server must not unlock playback.
func (g *Gate) PrimeLocal(p Partial) {
	g.mu.Lock()
	if p.Enabled != nil {
		g.settings.Enabled = *p.Enabled
	}
	if p.Sound != nil {
		g.settings.Sound = *p.Sound
	}
	if p.Volume != nil {
		g.settings.Volume = *p.Volume
	}
	g.mu.Unlock()
}

// Reset restores neutral defaults and locks playback again. Invoked on
// every account switch.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.settings = defaultSettings()
	g.hydrated = false
	g.mu.Unlock()
	g.logger.Debug("settings reset")
}

// Hydrated reports whether authoritative settings are installed.
func (g *Gate) Hydrated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hydrated
}

// Snapshot returns the current settings for display.
func (g *Gate) Snapshot() Settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings
}

// Play plays sound (or the configured default when empty) iff settings are
// hydrated and sounds are enabled; otherwise it is a no-op. Playback
// failures are logged and swallowed.
func (g *Gate) Play(sound string) {
	g.mu.Lock()
	if !g.hydrated || !g.settings.Enabled {
		g.mu.Unlock()
		return
	}
	if sound == "" {
		sound = g.settings.Sound
	}
	volume := g.settings.Volume
	g.mu.Unlock()

	if err := g.player.Play(sound, volume); err != nil {
		g.logger.Warn("notification playback failed", "sound", sound, "error", err)
	}
}

// TestSound plays sound for UI preview, bypassing the enabled/hydrated gate
// entirely, on a fresh player instance so cached live playback state is
// never touched. volume < 0 uses the current setting.
func (g *Gate) TestSound(sound string, volume int) {
	if volume < 0 {
		g.mu.Lock()
		volume = g.settings.Volume
		g.mu.Unlock()
	}
	if sound == "" {
		sound = constants.DefaultSound
	}

	if err := g.newPlayer().Play(sound, volume); err != nil {
		g.logger.Warn("test playback failed", "sound", sound, "error", err)
	}
}
