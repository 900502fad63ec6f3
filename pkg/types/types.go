// Package types defines the message record and the JSON frames exchanged
// between the hub and its clients.
package types

import (
	"encoding/json"
	"time"
)

// Wire events. Client to hub: join, leave, send. Hub to client: the rest.
const (
	EventJoinChannel    = "joinChannel"
	EventLeaveChannel   = "leaveChannel"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventChannelJoined  = "channelJoined"
	EventChannelLeft    = "channelLeft"
	EventError          = "error"
)

// Message is a persisted channel message. Immutable once appended.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	User      string    `json:"user"`
	UserRef   string    `json:"userRef,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Seq is the per-channel append position, starting at 1. It breaks
	// ties between messages that share a timestamp.
	Seq uint64 `json:"seq"`
}

// Before reports whether m sorts before other within a channel.
func (m *Message) Before(other *Message) bool {
	if m.Timestamp.Equal(other.Timestamp) {
		return m.Seq < other.Seq
	}
	return m.Timestamp.Before(other.Timestamp)
}

// Frame is the envelope of every websocket message in both directions.
// Ref is chosen by the client and echoed on the acknowledgement or error
// that answers the request.
type Frame struct {
	Event string          `json:"event" validate:"required,max=32"`
	Ref   string          `json:"ref,omitempty" validate:"omitempty,max=64"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinChannel is the payload of a joinChannel event. User and UserRef,
// when present, replace the display name bound to the connection.
type JoinChannel struct {
	ChannelID string `json:"channelId" validate:"required,max=200"`
	User      string `json:"user,omitempty" validate:"omitempty,max=100"`
	UserRef   string `json:"userRef,omitempty" validate:"omitempty,max=128"`
}

// LeaveChannel is the payload of a leaveChannel event.
type LeaveChannel struct {
	ChannelID string `json:"channelId" validate:"required,max=200"`
}

// SendMessage is the payload of a sendMessage event.
type SendMessage struct {
	ChannelID string       `json:"channelId" validate:"required,max=200"`
	Message   OutgoingBody `json:"message"`
}

// OutgoingBody is the message as composed by the client. The timestamp is
// informational; the store assigns the authoritative one.
type OutgoingBody struct {
	User      string `json:"user" validate:"max=100"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// ChannelAck answers joinChannel and leaveChannel.
type ChannelAck struct {
	ChannelID string `json:"channelId"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
