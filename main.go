// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqui-im/realtime/internal/call"
	"github.com/loqui-im/realtime/internal/channel"
	"github.com/loqui-im/realtime/internal/config"
	"github.com/loqui-im/realtime/internal/media"
	"github.com/loqui-im/realtime/internal/sound"
	"github.com/loqui-im/realtime/internal/wire"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOQUI_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting realtime client",
		"server_url", cfg.ServerURL,
		"user_id", cfg.UserID,
	)

	mediaEngine, err := media.NewEngine()
	if err != nil {
		slog.Error("failed to initialize media engine", "error", err)
		os.Exit(1)
	}

	player := sound.NewMalgoPlayer()
	gate := sound.NewGate(player, func() sound.Player { return sound.NewMalgoPlayer() })

	mgr := channel.NewManager(cfg.WebSocketURL(), cfg.UserID)
	engine := call.NewEngine(mgr, mediaEngine, cfg.ICEServers())

	engine.OnIncoming(func(ic *call.IncomingCall) {
		// Headless client: log the call and let it ring. A UI surface
		// would Accept or Reject here.
		slog.Info("incoming call", "conversation_id", ic.ConversationID, "kind", ic.Kind)
	})

	mgr.Handle(wire.EventCallSignal, engine.HandleCallSignal)
	mgr.Handle(wire.EventCallEnd, engine.HandleCallEnd)

	mgr.Handle(wire.EventMessage, func(ev wire.Event) {
		gate.Play("")
	})
	mgr.Handle(wire.EventSettingsUpdated, func(ev wire.Event) {
		var ns wire.NotificationSettings
		if err := ev.DecodeData(&ns); err != nil {
			slog.Warn("dropping settings update", "error", err)
			return
		}
		gate.Hydrate(sound.Settings{
			Enabled: ns.SoundEnabled,
			Sound:   ns.Sound,
			Volume:  ns.Volume,
		})
	})
	mgr.Handle(wire.EventPresence, func(ev wire.Event) {
		var p wire.Presence
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		slog.Debug("presence", "user_id", p.UserID, "online", p.Online)
	})
	mgr.Handle(wire.EventTyping, func(ev wire.Event) {
		var t wire.Typing
		if err := ev.DecodeData(&t); err != nil {
			return
		}
		slog.Debug("typing", "conversation_id", t.ConversationID, "user_id", t.UserID)
	})

	mgr.Connect()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	<-ctx.Done()
	slog.Info("shutting down")

	engine.Shutdown()
	mgr.Disconnect()

	slog.Info("shutdown complete")
}
