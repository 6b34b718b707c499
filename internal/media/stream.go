// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package media acquires local capture devices and models exclusive
// ownership of the resulting tracks: the call engine owns a Stream and
// releases it exactly once; everyone else sees a read-only Handle.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Track is one locally captured source. Enabled=false silences the track
// toward the peer without stopping capture or renegotiating.
type Track interface {
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Binder is implemented by tracks that can attach themselves to a peer
// connection for sending.
type Binder interface {
	Bind(pc *webrtc.PeerConnection) error
}

// Stream is an exclusively owned bundle of local tracks. Stop releases all
// tracks and is safe to call more than once; only the first call acts.
type Stream struct {
	tracks []Track
	stop   sync.Once
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) Track(k Kind) Track {
	for _, t := range s.tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

func (s *Stream) SetEnabled(k Kind, enabled bool) {
	if t := s.Track(k); t != nil {
		t.SetEnabled(enabled)
	}
}

func (s *Stream) Stop() {
	s.stop.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// Handle returns a borrowed, read-only view for rendering surfaces.
func (s *Stream) Handle() Handle {
	return Handle{s: s}
}

type Handle struct {
	s *Stream
}

func (h Handle) Has(k Kind) bool {
	return h.s != nil && h.s.Track(k) != nil
}

func (h Handle) Enabled(k Kind) bool {
	if h.s == nil {
		return false
	}
	t := h.s.Track(k)
	return t != nil && t.Enabled()
}

// BindAll attaches every bindable track in s to pc.
func BindAll(s *Stream, pc *webrtc.PeerConnection) error {
	for _, t := range s.Tracks() {
		b, ok := t.(Binder)
		if !ok {
			continue
		}
		if err := b.Bind(pc); err != nil {
			return err
		}
	}
	return nil
}
