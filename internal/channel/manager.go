// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package channel owns the single duplex connection to the messaging server:
// connection lifecycle, automatic reconnection, the conversation subscription
// set, and typed fan-out of inbound events.
package channel

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqui-im/realtime/internal/constants"
	"github.com/loqui-im/realtime/internal/wire"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler receives one decoded inbound event. Handlers for a type are
// invoked synchronously, in registration order, from the read loop, so
// events are observed in arrival order.
type Handler func(ev wire.Event)

// Manager is the sole owner of the transport session. All other components
// send and receive typed events through it and never touch the socket.
type Manager struct {
	mu sync.Mutex

	url    string
	userID string

	conn  *websocket.Conn
	state State

	subs []string

	handlers map[wire.EventType][]Handler

	reconnect      *time.Timer
	reconnectDelay time.Duration

	// wantConnected is cleared by Disconnect; while false no reconnect is
	// ever scheduled and late dials are discarded.
	wantConnected bool

	// gen identifies the current connect cycle. Connect and Disconnect both
	// advance it; a dial that started in an earlier cycle discards its
	// handshake result so at most one transport session is ever live.
	gen uint64

	logger *slog.Logger
}

func NewManager(serverURL, userID string) *Manager {
	return &Manager{
		url:            serverURL,
		userID:         userID,
		handlers:       make(map[wire.EventType][]Handler),
		reconnectDelay: constants.ReconnectDelay,
		logger:         slog.With("component", "channel", "user_id", userID),
	}
}

// Handle registers fn for events of type t. Registration order is the
// dispatch order. Must not be called concurrently with inbound dispatch;
// wire listeners up before Connect.
func (m *Manager) Handle(t wire.EventType, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = append(m.handlers[t], fn)
}

// State reports the current transport state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the transport session. Idempotent: a no-op while a
// session is already connecting or open. The dial happens asynchronously;
// failures are logged and retried on the fixed reconnect delay.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.wantConnected = true
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	dialer := websocket.Dialer{HandshakeTimeout: constants.HandshakeTimeout}

	conn, _, err := dialer.Dial(m.url, nil)

	m.mu.Lock()
	if !m.wantConnected || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Error("failed to connect", "url", m.url, "error", err)
		m.state = StateClosed
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.state = StateOpen
	if len(m.subs) > 0 {
		m.sendLocked(m.joinEventLocked())
	}
	m.mu.Unlock()

	m.logger.Info("connected")
	go m.readLoop(conn)
}

// UpdateSubscriptions replaces the subscription set. While open the new set
// is sent immediately; while disconnected it takes effect on the next
// successful connect. Each mutation while open is sent as-is, no coalescing.
func (m *Manager) UpdateSubscriptions(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append([]string(nil), ids...)
	if m.state == StateOpen {
		m.sendLocked(m.joinEventLocked())
	}
}

// Must be called with mu held.
func (m *Manager) joinEventLocked() wire.Event {
	ev, _ := wire.NewEvent(wire.EventJoinConversations, wire.JoinConversations{
		ConversationIDs: append([]string(nil), m.subs...),
		UserID:          m.userID,
	})
	return ev
}

// Send transmits ev if the session is open and silently drops it otherwise.
// Callers needing delivery guarantees retry at a higher layer.
func (m *Manager) Send(ev wire.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendLocked(ev)
}

func (m *Manager) sendLocked(ev wire.Event) {
	if m.state != StateOpen || m.conn == nil {
		m.logger.Debug("dropping outbound event, session not open", "type", ev.Type)
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Error("failed to send event", "type", ev.Type, "error", err)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(conn, err)
			return
		}

		ev, err := wire.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev wire.Event) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers[ev.Type]...)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (m *Manager) handleClosed(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer session already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateClosed
	want := m.wantConnected
	if want {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	conn.Close()
	if want {
		m.logger.Warn("connection lost, reconnect scheduled", "error", err)
	}
}

// Must be called with mu held. At most one reconnect timer is ever pending.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnect != nil {
		return
	}
	m.reconnect = time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		m.reconnect = nil
		retry := m.wantConnected && m.state == StateClosed
		m.mu.Unlock()
		if retry {
			m.Connect()
		}
	})
}

// Disconnect cancels any pending reconnect and closes the session. No
// automatic reconnection happens after this until Connect is called again.
// In-flight sends are not cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.wantConnected = false
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateClosed
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.logger.Info("disconnected")
	}
}
