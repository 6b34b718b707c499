// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqui-im/realtime/internal/constants"
	"github.com/loqui-im/realtime/internal/media"
	"github.com/pion/webrtc/v4"
)

type State int

const (
	StateIdle State = iota
	StateInitializing
	StateNegotiating
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

type EndReason int

const (
	ReasonHangUp EndReason = iota
	ReasonPeerError
	ReasonSurfaceClosed
	ReasonMediaFailure
	ReasonRemoteEnded
)

func (r EndReason) String() string {
	switch r {
	case ReasonPeerError:
		return "peer_error"
	case ReasonSurfaceClosed:
		return "surface_closed"
	case ReasonMediaFailure:
		return "media_failure"
	case ReasonRemoteEnded:
		return "remote_ended"
	default:
		return "hang_up"
	}
}

// Callbacks notify the hosting surface. All callbacks are optional and are
// invoked from engine goroutines; they must not block.
type Callbacks struct {
	OnStateChange  func(s *Session, state State)
	OnRemoteStream func(s *Session, remote *RemoteStream)
	OnDuration     func(s *Session, seconds int)
	OnTerminated   func(s *Session, reason EndReason)
}

// RemoteStream is a read-only view of the tracks received from the peer.
// Consumers must not stop or replace them.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

func (r *RemoteStream) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// peerLink abstracts the negotiating peer connection.
type peerLink interface {
	StartNegotiation() error
	HandleSignal(sig signalPayload) error
	Close() error
}

// Session is one call. Lifecycle: created on StartCall/Accept, terminated
// exactly once by hang-up, peer error, surface close, media failure or a
// remote call_end — whichever fires first.
type Session struct {
	ConversationID string

	engine *Engine
	role   Role
	kind   CallKind
	sid    string
	cb     Callbacks
	logger *slog.Logger

	startedAt time.Time

	mu      sync.Mutex
	state   State
	ended   bool
	local   *media.Stream
	remote  *RemoteStream
	peer    peerLink
	pending []signalPayload
	muted   bool
	noVideo bool
	meter   *LevelMeter
	durDone chan struct{}
}

func newSession(e *Engine, conversationID string, role Role, kind CallKind, sid string, cb Callbacks) *Session {
	return &Session{
		ConversationID: conversationID,
		engine:         e,
		role:           role,
		kind:           kind,
		sid:            sid,
		cb:             cb,
		// Duration is measured from attempt start, setup latency included.
		startedAt: time.Now(),
		logger: e.logger.With(
			"conversation_id", conversationID, "role", role, "kind", kind),
		state: StateIdle,
	}
}

func (s *Session) Role() Role     { return s.role }
func (s *Session) Kind() CallKind { return s.kind }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Duration reports whole seconds elapsed since the connection attempt began.
func (s *Session) Duration() int {
	return int(time.Since(s.startedAt) / time.Second)
}

// LocalMedia returns a borrowed, read-only view of the local stream. The
// zero Handle is returned while media is not yet acquired.
func (s *Session) LocalMedia() media.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return media.Handle{}
	}
	return s.local.Handle()
}

// Remote returns the remote stream, nil until negotiation succeeds.
func (s *Session) Remote() *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Level reports the current remote audio level in [0,1], 0 when no meter is
// running.
func (s *Session) Level() float64 {
	s.mu.Lock()
	m := s.meter
	s.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.Level()
}

// open runs the Idle → Initializing → Negotiating leg. A session torn down
// while acquisition or peer setup is still pending discards the late result
// instead of resurrecting itself.
func (s *Session) open(ctx context.Context) {
	s.transition(StateInitializing)
	s.startDurationTicker()

	actx, cancel := context.WithTimeout(ctx, constants.MediaAcquireTimeout)
	defer cancel()
	stream, err := s.engine.provider.GetUserMedia(actx, s.kind == KindVideo)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("media acquisition failed", "error", err)
		s.terminate(ReasonMediaFailure)
		return
	}
	s.local = stream
	stream.SetEnabled(media.Audio, !s.muted)
	stream.SetEnabled(media.Video, !s.noVideo)
	s.mu.Unlock()

	peer, err := s.engine.newPeer(s, stream)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		if peer != nil {
			peer.Close()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("peer connection setup failed", "error", err)
		s.terminate(ReasonPeerError)
		return
	}
	// Drain buffered signals before publishing the peer. A signal arriving
	// mid-drain still sees peer == nil and is buffered, so delivery keeps
	// arrival order across the buffered/direct boundary.
	for len(s.pending) > 0 {
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, sig := range pending {
			if err := peer.HandleSignal(sig); err != nil {
				s.logger.Warn("buffered signal rejected", "type", sig.Type, "error", err)
			}
		}
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			peer.Close()
			return
		}
	}
	s.peer = peer
	s.state = StateNegotiating
	s.mu.Unlock()

	s.notifyState(StateNegotiating)

	if s.role == RoleInitiator {
		if err := peer.StartNegotiation(); err != nil {
			s.logger.Error("failed to start negotiation", "error", err)
			s.terminate(ReasonPeerError)
		}
	}
}

// Signal feeds one inbound signaling payload into the session, in arrival
// order. Signals arriving before the peer exists are buffered; signals for
// a different call generation in this conversation are dropped.
func (s *Session) Signal(sig signalPayload) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if sig.SID != "" && sig.SID != s.sid {
		s.mu.Unlock()
		s.logger.Debug("dropping stale signal", "type", sig.Type, "sid", sig.SID)
		return
	}
	if s.peer == nil {
		s.pending = append(s.pending, sig)
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.mu.Unlock()

	if err := peer.HandleSignal(sig); err != nil {
		s.logger.Warn("signal rejected", "type", sig.Type, "error", err)
	}
}

// sendSignal stamps the payload with this call's sid and relays it.
func (s *Session) sendSignal(sig signalPayload) {
	sig.SID = s.sid
	s.engine.sendSignal(s.ConversationID, sig)
}

// handleRemoteTrack moves the session to Connected on the first remote
// track and starts the level meter on the first remote audio track.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.remote == nil {
		s.remote = &RemoteStream{}
	}
	s.remote.add(track)
	remote := s.remote

	connected := s.state != StateConnected
	s.state = StateConnected

	if s.meter == nil && track.Kind() == webrtc.RTPCodecTypeAudio {
		s.meter = newLevelMeter(func(buf []byte) (int, error) {
			n, _, err := track.Read(buf)
			return n, err
		})
		go s.meter.run()
	}
	s.mu.Unlock()

	s.logger.Debug("remote track received", "track_kind", track.Kind().String())
	if connected {
		s.notifyState(StateConnected)
		if s.cb.OnRemoteStream != nil {
			s.cb.OnRemoteStream(s, remote)
		}
	}
}

func (s *Session) peerFailed(err error) {
	s.logger.Error("peer connection failed", "error", err)
	s.terminate(ReasonPeerError)
}

// SetMuted toggles the local audio track without renegotiating. Purely
// local: the peer observes silence via the media stream, not a control
// message.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	local := s.local
	s.mu.Unlock()
	if local != nil {
		local.SetEnabled(media.Audio, !muted)
	}
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetVideoDisabled toggles the local video track without renegotiating.
func (s *Session) SetVideoDisabled(disabled bool) {
	s.mu.Lock()
	s.noVideo = disabled
	local := s.local
	s.mu.Unlock()
	if local != nil {
		local.SetEnabled(media.Video, !disabled)
	}
}

func (s *Session) VideoDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noVideo
}

// HangUp ends the call at the user's request.
func (s *Session) HangUp() {
	s.terminate(ReasonHangUp)
}

// Close ends the call because the hosting surface is going away.
func (s *Session) Close() {
	s.terminate(ReasonSurfaceClosed)
}

// terminate is the single teardown path. Whichever trigger fires first
// wins; later triggers are no-ops. Local tracks are stopped exactly once,
// the peer connection closed, and one call_end sent (unless the remote side
// ended the call, which must not be echoed).
func (s *Session) terminate(reason EndReason) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.state = StateTerminated
	local, peer, meter := s.local, s.peer, s.meter
	s.local, s.peer, s.meter = nil, nil, nil
	if s.durDone != nil {
		close(s.durDone)
		s.durDone = nil
	}
	s.mu.Unlock()

	if meter != nil {
		meter.Stop()
	}
	if local != nil {
		local.Stop()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			s.logger.Debug("closing peer connection", "error", err)
		}
	}

	duration := s.Duration()
	if reason != ReasonRemoteEnded {
		s.engine.sendCallEnd(s.ConversationID, duration)
	}
	s.engine.removeSession(s)

	s.logger.Info("call terminated", "reason", reason.String(), "duration", duration)
	s.notifyState(StateTerminated)
	if s.cb.OnTerminated != nil {
		s.cb.OnTerminated(s, reason)
	}
}

func (s *Session) transition(state State) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.notifyState(state)
}

func (s *Session) notifyState(state State) {
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(s, state)
	}
}

// startDurationTicker drives OnDuration once per second, counting from the
// attempt start. Cancelled through its stored handle at teardown.
func (s *Session) startDurationTicker() {
	s.mu.Lock()
	if s.ended || s.durDone != nil {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.durDone = done
	s.mu.Unlock()

	ticker := time.NewTicker(constants.DurationTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if s.cb.OnDuration != nil {
					s.cb.OnDuration(s, s.Duration())
				}
			}
		}
	}()
}

// FormatDuration renders whole seconds as MM:SS, zero-padded, minutes
// unbounded.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
