// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package sound

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/loqui-im/realtime/internal/constants"
)

// MalgoPlayer plays short built-in notification clips through the default
// output device. Clips are synthesized PCM, decoded once and cached per
// sound name; each Play opens its own playback device and releases it when
// the clip ends.
type MalgoPlayer struct {
	mu    sync.Mutex
	clips map[string][]int16
}

func NewMalgoPlayer() *MalgoPlayer {
	return &MalgoPlayer{clips: make(map[string][]int16)}
}

func (p *MalgoPlayer) Play(sound string, volume int) error {
	clip := p.clip(sound)
	if len(clip) == 0 {
		return fmt.Errorf("unknown sound %q", sound)
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}

	// Scale a copy so the cached clip stays pristine.
	gain := float64(volume) / 100
	pcm := make([]byte, len(clip)*2)
	for i, s := range clip {
		v := int16(float64(s) * gain)
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("initializing audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = constants.PlaybackSampleRate

	var pos int
	var doneOnce sync.Once
	done := make(chan struct{})

	onSamples := func(out, _ []byte, _ uint32) {
		n := copy(out, pcm[pos:])
		pos += n
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		if pos >= len(pcm) {
			doneOnce.Do(func() { close(done) })
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("initializing playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("starting playback: %w", err)
	}

	go func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Debug("playback watchdog fired", "sound", sound)
		}
		// Give the device a tick to drain the final buffer.
		time.Sleep(50 * time.Millisecond)
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
	}()

	return nil
}

func (p *MalgoPlayer) clip(sound string) []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if clip, ok := p.clips[sound]; ok {
		return clip
	}

	var clip []int16
	switch sound {
	case "chime":
		clip = append(tone(880, 150*time.Millisecond), tone(1174.66, 200*time.Millisecond)...)
	case "pop":
		clip = tone(300, 70*time.Millisecond)
	case "ding":
		clip = tone(1567.98, 280*time.Millisecond)
	default:
		return nil
	}
	p.clips[sound] = clip
	return clip
}

// tone synthesizes a sine burst with an exponential decay envelope.
func tone(freq float64, dur time.Duration) []int16 {
	n := int(float64(constants.PlaybackSampleRate) * dur.Seconds())
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / constants.PlaybackSampleRate
		env := math.Exp(-6 * float64(i) / float64(n))
		samples[i] = int16(0.4 * env * math.Sin(2*math.Pi*freq*t) * 32767)
	}
	return samples
}
