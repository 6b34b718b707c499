// SPDX-FileCopyrightText: 2026 Loqui contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire defines the typed event envelope exchanged over the duplex
// channel: one JSON text frame per event, {"type": ..., "data": ...}, where
// the shape of data is determined by the type tag.
package wire

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventJoinConversations EventType = "join_conversations"
	EventMessage           EventType = "message"
	EventTyping            EventType = "typing"
	EventPresence          EventType = "presence"
	EventStatusUpdate      EventType = "status_update"
	EventReactionAdded     EventType = "reaction_added"
	EventMessageEdited     EventType = "message_edited"
	EventMessageDeleted    EventType = "message_deleted"
	EventSettingsUpdated   EventType = "settings_updated"
	EventCallSignal        EventType = "call-signal"
	EventCallEnd           EventType = "call_end"
)

var knownTypes = map[EventType]struct{}{
	EventJoinConversations: {},
	EventMessage:           {},
	EventTyping:            {},
	EventPresence:          {},
	EventStatusUpdate:      {},
	EventReactionAdded:     {},
	EventMessageEdited:     {},
	EventMessageDeleted:    {},
	EventSettingsUpdated:   {},
	EventCallSignal:        {},
	EventCallEnd:           {},
}

type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses one inbound frame. Frames with an unknown or missing type
// tag are rejected so consumers only ever see the closed enumeration.
func Decode(frame []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding frame: %w", err)
	}
	if _, ok := knownTypes[ev.Type]; !ok {
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}

// NewEvent builds an outbound event from a typed payload.
func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Event{Type: t, Data: data}, nil
}

// DecodeData reads the payload of an event into v. Callers must only decode
// into the payload type that matches the event's type tag.
func (e Event) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

type JoinConversations struct {
	ConversationIDs []string `json:"conversationIds"`
	UserID          string   `json:"userId"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type Presence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type Message struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	Body           string `json:"body,omitempty"`
	SentAt         int64  `json:"sentAt,omitempty"`
}

type StatusUpdate struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
	Status         string   `json:"status"`
	UserID         string   `json:"userId,omitempty"`
}

type ReactionAdded struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

type MessageEdited struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

type NotificationSettings struct {
	SoundEnabled bool   `json:"soundEnabled"`
	Sound        string `json:"sound"`
	Volume       int    `json:"volume"`
}

// CallSignal relays an opaque signaling blob (offer/answer/bundled ICE) for
// the peer in conversationId. The core never inspects Signal beyond routing.
type CallSignal struct {
	ConversationID string          `json:"conversationId"`
	Signal         json.RawMessage `json:"signal"`
}

type CallEnd struct {
	ConversationID string `json:"conversationId"`
	Duration       int    `json:"duration"`
}
