// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Engine bundles the codec selector and the webrtc API so that captured
// tracks and peer connections agree on the negotiated codecs (VP8 + opus).
type Engine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

func NewEngine() (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("creating VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	return &Engine{
		api:      api,
		selector: selector,
		logger:   slog.With("component", "media"),
	}, nil
}

// NewPeerConnection creates a peer connection on the engine's API so that
// local capture codecs are offered during negotiation.
func (e *Engine) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(cfg)
}

// GetUserMedia captures the local microphone, plus the camera when
// withVideo is set. The returned Stream is exclusively owned by the caller.
// The ctx only bounds the acquisition attempt itself.
func (e *Engine) GetUserMedia(ctx context.Context, withVideo bool) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: e.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if withVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Higher resolutions push VP8 encode latency past what a call
			// UI tolerates.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		ch <- result{stream: s, err: err}
	}()

	select {
	case <-ctx.Done():
		// The capture attempt keeps running; release whatever it produces.
		go func() {
			if r := <-ch; r.stream != nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, fmt.Errorf("acquiring media: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("acquiring media: %w", r.err)
		}

		var tracks []Track
		for _, src := range r.stream.GetTracks() {
			kind := Audio
			if src.Kind() == webrtc.RTPCodecTypeVideo {
				kind = Video
			}
			e.logger.Debug("captured local track", "kind", kind)
			tracks = append(tracks, &deviceTrack{src: src, kind: kind, enabled: true})
		}
		return NewStream(tracks...), nil
	}
}

// deviceTrack wraps a mediadevices capture track. Mute is implemented by
// swapping the RTP sender's source out rather than stopping capture, so the
// peer connection is never renegotiated.
type deviceTrack struct {
	src  mediadevices.Track
	kind Kind

	mu      sync.Mutex
	enabled bool
	sender  *webrtc.RTPSender
	stopped bool
}

func (t *deviceTrack) Kind() Kind {
	return t.kind
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == enabled || t.stopped {
		t.enabled = enabled
		return
	}
	t.enabled = enabled

	if t.sender == nil {
		return
	}
	var err error
	if enabled {
		err = t.sender.ReplaceTrack(t.src)
	} else {
		err = t.sender.ReplaceTrack(nil)
	}
	if err != nil {
		slog.Warn("failed to toggle track", "kind", t.kind, "enabled", enabled, "error", err)
	}
}

func (t *deviceTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if err := t.src.Close(); err != nil {
		slog.Debug("closing capture track", "kind", t.kind, "error", err)
	}
}

func (t *deviceTrack) Bind(pc *webrtc.PeerConnection) error {
	sender, err := pc.AddTrack(t.src)
	if err != nil {
		return fmt.Errorf("adding %s track: %w", t.kind, err)
	}

	t.mu.Lock()
	t.sender = sender
	enabled := t.enabled
	t.mu.Unlock()

	if !enabled {
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("muting %s track: %w", t.kind, err)
		}
	}
	return nil
}
