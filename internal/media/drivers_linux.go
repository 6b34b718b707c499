// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux

package media

// Register V4L2 camera and miniaudio microphone drivers with mediadevices.
// Without these imports GetUserMedia finds no devices.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
