// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"
	"github.com/loqui-im/realtime/internal/constants"
	"github.com/pion/rtp"
)

// LevelMeter is an explicit, cancellable polling task that tracks the
// speech level of the remote audio track for a visual indicator. Stop must
// be called at teardown; the read source unblocking with an error also ends
// the task.
type LevelMeter struct {
	read  func(buf []byte) (int, error)
	level atomic.Uint64 // math.Float64bits

	done chan struct{}
	stop sync.Once
}

func newLevelMeter(read func(buf []byte) (int, error)) *LevelMeter {
	return &LevelMeter{
		read: read,
		done: make(chan struct{}),
	}
}

// Level reports the most recent RMS level in [0,1].
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Stop cancels the polling task. Idempotent.
func (m *LevelMeter) Stop() {
	m.stop.Do(func() {
		close(m.done)
	})
}

func (m *LevelMeter) run() {
	dec, err := opus.NewDecoder(constants.PlaybackSampleRate, 1)
	if err != nil {
		return
	}

	pcm := make([]int16, 5760) // max 120ms at 48kHz
	buf := make([]byte, 4096)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		n, err := m.read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(packet.Payload) == 0 {
			continue
		}

		decoded, err := dec.Decode(packet.Payload, pcm)
		if err != nil || decoded == 0 {
			continue
		}
		m.level.Store(math.Float64bits(rmsLevel(pcm[:decoded])))
	}
}

func rmsLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768
}
