// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package call negotiates peer-to-peer media sessions by relaying opaque
// signaling payloads through the channel manager. It owns local and remote
// media for the lifetime of a call and guarantees symmetric termination.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqui-im/realtime/internal/media"
	"github.com/loqui-im/realtime/internal/wire"
	"github.com/pion/webrtc/v4"
)

type CallKind string

const (
	KindAudio CallKind = "audio"
	KindVideo CallKind = "video"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// EventSender is the outbound half of the channel manager.
type EventSender interface {
	Send(ev wire.Event)
}

// MediaProvider acquires local capture and constructs peer connections that
// share the capture codecs. *media.Engine is the production implementation.
type MediaProvider interface {
	GetUserMedia(ctx context.Context, withVideo bool) (*media.Stream, error)
	NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error)
}

// signalPayload is the opaque blob relayed inside a call-signal event.
// Candidates are bundled into the SDP (no trickle); standalone candidate
// payloads are still accepted for late ICE.
type signalPayload struct {
	Type      string         `json:"type"` // offer | answer | candidate
	SID       string         `json:"sid,omitempty"`
	Kind      string         `json:"kind,omitempty"` // call kind, set on offers
	SDP       string         `json:"sdp,omitempty"`
	Candidate *candidateInfo `json:"candidate,omitempty"`
}

type candidateInfo struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// IncomingCall is handed to OnIncoming handlers when an offer arrives for a
// conversation with no active session.
type IncomingCall struct {
	ConversationID string
	Kind           CallKind

	Accept func(ctx context.Context, cb Callbacks) (*Session, error)
	Reject func()
}

// Engine routes call signaling to per-conversation sessions.
type Engine struct {
	sender     EventSender
	provider   MediaProvider
	iceServers []webrtc.ICEServer
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	incoming []func(*IncomingCall)

	newPeer func(s *Session, stream *media.Stream) (peerLink, error)
}

func NewEngine(sender EventSender, provider MediaProvider, iceServers []webrtc.ICEServer) *Engine {
	e := &Engine{
		sender:     sender,
		provider:   provider,
		iceServers: iceServers,
		sessions:   make(map[string]*Session),
		logger:     slog.With("component", "call"),
	}
	e.newPeer = e.newPionPeer
	return e
}

// OnIncoming registers a callback fired for each incoming call offer.
// Register handlers before attaching the engine to the channel manager.
func (e *Engine) OnIncoming(fn func(*IncomingCall)) {
	e.mu.Lock()
	e.incoming = append(e.incoming, fn)
	e.mu.Unlock()
}

// StartCall opens an initiator session for conversationID. Media acquisition
// and negotiation proceed asynchronously; progress is reported through cb.
func (e *Engine) StartCall(ctx context.Context, conversationID string, kind CallKind, cb Callbacks) (*Session, error) {
	s := newSession(e, conversationID, RoleInitiator, kind, uuid.NewString(), cb)

	e.mu.Lock()
	if _, exists := e.sessions[conversationID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("call already active in conversation %s", conversationID)
	}
	e.sessions[conversationID] = s
	e.mu.Unlock()

	e.logger.Info("starting call", "conversation_id", conversationID, "kind", kind)
	go s.open(ctx)
	return s, nil
}

func (e *Engine) acceptCall(ctx context.Context, conversationID string, kind CallKind, offer signalPayload, cb Callbacks) (*Session, error) {
	s := newSession(e, conversationID, RoleReceiver, kind, offer.SID, cb)
	s.pending = append(s.pending, offer)

	e.mu.Lock()
	if _, exists := e.sessions[conversationID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("call already active in conversation %s", conversationID)
	}
	e.sessions[conversationID] = s
	e.mu.Unlock()

	e.logger.Info("accepting call", "conversation_id", conversationID, "kind", kind)
	go s.open(ctx)
	return s, nil
}

// Session returns the active session for conversationID, if any.
func (e *Engine) Session(conversationID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[conversationID]
	return s, ok
}

// HangUp ends the active call in conversationID, if any.
func (e *Engine) HangUp(conversationID string) {
	if s, ok := e.Session(conversationID); ok {
		s.HangUp()
	}
}

// Shutdown tears down every active session, as if each hosting surface
// closed.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// HandleCallSignal is the channel manager handler for call-signal events.
func (e *Engine) HandleCallSignal(ev wire.Event) {
	var cs wire.CallSignal
	if err := ev.DecodeData(&cs); err != nil {
		e.logger.Warn("dropping call signal", "error", err)
		return
	}
	var sig signalPayload
	if err := json.Unmarshal(cs.Signal, &sig); err != nil {
		e.logger.Warn("dropping call signal", "conversation_id", cs.ConversationID, "error", err)
		return
	}

	e.mu.Lock()
	s := e.sessions[cs.ConversationID]
	e.mu.Unlock()

	if s != nil {
		s.Signal(sig)
		return
	}
	if sig.Type != "offer" {
		// Late signal for a call that no longer exists.
		e.logger.Debug("dropping signal without session",
			"conversation_id", cs.ConversationID, "type", sig.Type)
		return
	}
	e.fireIncoming(cs.ConversationID, sig)
}

func (e *Engine) fireIncoming(conversationID string, offer signalPayload) {
	kind := KindAudio
	if offer.Kind == string(KindVideo) {
		kind = KindVideo
	}

	ic := &IncomingCall{
		ConversationID: conversationID,
		Kind:           kind,
		Accept: func(ctx context.Context, cb Callbacks) (*Session, error) {
			return e.acceptCall(ctx, conversationID, kind, offer, cb)
		},
		Reject: func() {
			e.sendCallEnd(conversationID, 0)
		},
	}

	e.mu.Lock()
	handlers := append([]func(*IncomingCall)(nil), e.incoming...)
	e.mu.Unlock()

	e.logger.Info("incoming call", "conversation_id", conversationID, "kind", kind)
	for _, fn := range handlers {
		fn(ic)
	}
}

// HandleCallEnd is the channel manager handler for call_end events. The
// remote side already recorded the duration it sent; the local session is
// torn down without echoing another call_end.
func (e *Engine) HandleCallEnd(ev wire.Event) {
	var ce wire.CallEnd
	if err := ev.DecodeData(&ce); err != nil {
		e.logger.Warn("dropping call_end", "error", err)
		return
	}

	e.mu.Lock()
	s := e.sessions[ce.ConversationID]
	e.mu.Unlock()

	if s == nil {
		return
	}
	e.logger.Info("remote ended call",
		"conversation_id", ce.ConversationID, "duration", ce.Duration)
	s.terminate(ReasonRemoteEnded)
}

func (e *Engine) sendSignal(conversationID string, sig signalPayload) {
	blob, err := json.Marshal(sig)
	if err != nil {
		e.logger.Error("failed to marshal signal", "type", sig.Type, "error", err)
		return
	}
	ev, err := wire.NewEvent(wire.EventCallSignal, wire.CallSignal{
		ConversationID: conversationID,
		Signal:         blob,
	})
	if err != nil {
		e.logger.Error("failed to build call-signal event", "error", err)
		return
	}
	e.sender.Send(ev)
}

func (e *Engine) sendCallEnd(conversationID string, seconds int) {
	ev, err := wire.NewEvent(wire.EventCallEnd, wire.CallEnd{
		ConversationID: conversationID,
		Duration:       seconds,
	})
	if err != nil {
		e.logger.Error("failed to build call_end event", "error", err)
		return
	}
	e.sender.Send(ev)
}

func (e *Engine) removeSession(s *Session) {
	e.mu.Lock()
	if e.sessions[s.ConversationID] == s {
		delete(e.sessions, s.ConversationID)
	}
	e.mu.Unlock()
}
