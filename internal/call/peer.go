// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"fmt"
	"sync/atomic"

	"github.com/loqui-im/realtime/internal/media"
	"github.com/pion/webrtc/v4"
)

// pionPeer drives a webrtc.PeerConnection for one session. Local
// descriptions are sent only after ICE gathering completes, so candidates
// travel bundled inside the SDP instead of trickling.
type pionPeer struct {
	s      *Session
	pc     *webrtc.PeerConnection
	closed atomic.Bool
	done   chan struct{}
}

func (e *Engine) newPionPeer(s *Session, stream *media.Stream) (peerLink, error) {
	pc, err := e.provider.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	if err := media.BindAll(stream, pc); err != nil {
		pc.Close()
		return nil, fmt.Errorf("binding local tracks: %w", err)
	}

	p := &pionPeer{s: s, pc: pc, done: make(chan struct{})}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed && !p.closed.Load() {
			s.peerFailed(fmt.Errorf("peer connection state %s", state))
		}
	})

	return p, nil
}

// StartNegotiation emits the first offer. Initiator side only.
func (p *pionPeer) StartNegotiation() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	p.signalWhenGathered(gathered)
	return nil
}

// HandleSignal feeds one remote payload into the peer connection. It is
// tolerant of re-entrant delivery (renegotiation offers, late candidates)
// at any point before the session terminates.
func (p *pionPeer) HandleSignal(sig signalPayload) error {
	switch sig.Type {
	case "offer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sig.SDP,
		}); err != nil {
			return fmt.Errorf("setting remote offer: %w", err)
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("creating answer: %w", err)
		}
		gathered := webrtc.GatheringCompletePromise(p.pc)
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting local description: %w", err)
		}
		p.signalWhenGathered(gathered)
		return nil

	case "answer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sig.SDP,
		}); err != nil {
			return fmt.Errorf("setting remote answer: %w", err)
		}
		return nil

	case "candidate":
		if sig.Candidate == nil {
			return fmt.Errorf("candidate payload missing candidate")
		}
		mid := sig.Candidate.SDPMid
		idx := sig.Candidate.SDPMLineIndex
		if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     sig.Candidate.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}); err != nil {
			return fmt.Errorf("adding ICE candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

// signalWhenGathered waits for ICE gathering off the caller's goroutine and
// then relays the complete local description. Close releases the waiter even
// when the gathering promise never resolves.
func (p *pionPeer) signalWhenGathered(gathered <-chan struct{}) {
	go p.relayLocalDescription(gathered)
}

func (p *pionPeer) relayLocalDescription(gathered <-chan struct{}) {
	select {
	case <-gathered:
	case <-p.done:
		return
	}
	if p.closed.Load() {
		return
	}
	ld := p.pc.LocalDescription()
	if ld == nil {
		return
	}
	p.s.sendSignal(signalPayload{
		Type: ld.Type.String(),
		Kind: string(p.s.kind),
		SDP:  ld.SDP,
	})
}

func (p *pionPeer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.done)
	return p.pc.Close()
}
