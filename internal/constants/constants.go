// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package constants

import "time"

const (
	// ReconnectDelay is the fixed delay between a transport close and the
	// single scheduled reconnect attempt. No backoff, no retry cap: a
	// foreground client always wants back in.
	ReconnectDelay = 3 * time.Second

	HandshakeTimeout    = 30 * time.Second
	MediaAcquireTimeout = 15 * time.Second
	DurationTick        = time.Second

	DefaultSound  = "chime"
	DefaultVolume = 100

	// PlaybackSampleRate is the PCM rate for notification clips and for
	// decoded remote audio in the level meter.
	PlaybackSampleRate = 48000
)
