// Package v1 defines the Parley Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at handshake time.
const Subprotocol = "parley.realtime.v1"

// Client -> server event types (wire-stable).
const (
	// TypeJoinRoom resolves the conversation for a user pair and subscribes the connection to it.
	TypeJoinRoom = "joinRoom"
	// TypeTyping signals that the sender started typing to the receiver.
	TypeTyping = "typing"
	// TypeStopTyping signals that the sender stopped typing.
	TypeStopTyping = "stopTyping"
	// TypeSendMessage requests persisting and delivering a message.
	TypeSendMessage = "sendMessage"
)

// Server -> client event types (wire-stable).
const (
	// TypeRoomJoined echoes a successful joinRoom.
	TypeRoomJoined = "roomJoined"
	// TypeReceiveMessage delivers a stored message to its recipient.
	TypeReceiveMessage = "receiveMessage"
	// TypeMessageDelivered confirms to the sender that the message was stored.
	TypeMessageDelivered = "messageDelivered"
	// TypeUserTyping notifies the receiver that the sender is typing.
	TypeUserTyping = "userTyping"
	// TypeUserStoppedTyping clears a typing indicator.
	TypeUserStoppedTyping = "userStoppedTyping"
	// TypeUserOnlineStatus is broadcast when a user comes online or goes offline.
	TypeUserOnlineStatus = "userOnlineStatus"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinRoom,
		TypeTyping,
		TypeStopTyping,
		TypeSendMessage,
		TypeRoomJoined,
		TypeReceiveMessage,
		TypeMessageDelivered,
		TypeUserTyping,
		TypeUserStoppedTyping,
		TypeUserOnlineStatus,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Inbound reports whether the envelope type is one a client may send.
func (e Envelope) Inbound() bool {
	switch e.Type {
	case TypeJoinRoom, TypeTyping, TypeStopTyping, TypeSendMessage:
		return true
	default:
		return false
	}
}
